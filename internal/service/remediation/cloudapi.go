package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vigil-host/vigil/internal/domain"
)

// CloudAPIAdapter delegates remediation to an external automation service
// over REST. The playbook payload is forwarded verbatim as the action body.
type CloudAPIAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewCloudAPIAdapter builds the adapter for the given automation endpoint.
func NewCloudAPIAdapter(baseURL, apiKey string) *CloudAPIAdapter {
	return &CloudAPIAdapter{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 0},
	}
}

// Kind identifies the adapter.
func (a *CloudAPIAdapter) Kind() string { return domain.RemediationCloudAPI }

type cloudAPIRequest struct {
	RunID      string          `json:"run_id"`
	InstanceID string          `json:"instance_id"`
	Playbook   string          `json:"playbook"`
	Action     json.RawMessage `json:"action"`
}

type cloudAPIResponse struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	LogLines []string `json:"log_lines"`
}

// Execute posts the remediation action and interprets the typed response.
func (a *CloudAPIAdapter) Execute(ctx context.Context, run *domain.RemediationRun, playbook *domain.RemediationPlaybook, logf LogFunc) error {
	body, err := json.Marshal(cloudAPIRequest{
		RunID:      run.ID,
		InstanceID: run.InstanceID,
		Playbook:   playbook.Key,
		Action:     playbook.Payload,
	})
	if err != nil {
		return failure(domain.FailurePlaybookBug, fmt.Errorf("encode action: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/remediations", bytes.NewReader(body))
	if err != nil {
		return failure(domain.FailurePlaybookBug, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	started := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return failure(domain.FailureDependencyOutage, fmt.Errorf("call automation service: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return failure(domain.FailurePolicyDenied, fmt.Errorf("automation service denied action"))
	case resp.StatusCode >= 500:
		return failure(domain.FailureDependencyOutage, fmt.Errorf("automation service returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return failure(domain.FailurePlaybookBug, fmt.Errorf("automation service rejected action with %d", resp.StatusCode))
	}

	var decoded cloudAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return failure(domain.FailureDependencyOutage, fmt.Errorf("decode automation response: %w", err))
	}
	for _, line := range decoded.LogLines {
		logf(domain.LogStreamStdout, line)
	}
	logf(domain.LogStreamSystem, fmt.Sprintf("automation call finished in %s", time.Since(started).Round(time.Millisecond)))

	if decoded.Status != "succeeded" {
		return failure(domain.FailureDependencyOutage, fmt.Errorf("automation reported %s: %s", decoded.Status, decoded.Message))
	}
	return nil
}
