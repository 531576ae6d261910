package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-host/vigil/internal/domain"
)

// ControlPlaneExecutor drives a remote backend control plane (hypervisor or
// cluster manager) over its REST API. The attested-VM and cluster backends
// share this shape; only the descriptor and base URL differ.
type ControlPlaneExecutor struct {
	baseURL    string
	apiKey     string
	descriptor domain.CapabilityDescriptor
	reporter   AttestationReporter
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewControlPlaneExecutor builds an executor for the given backend descriptor.
func NewControlPlaneExecutor(baseURL, apiKey string, descriptor domain.CapabilityDescriptor, reporter AttestationReporter, logger *slog.Logger) *ControlPlaneExecutor {
	if logger != nil {
		logger = logger.With("component", "executor", "backend", descriptor.Backend)
	}
	return &ControlPlaneExecutor{
		baseURL:    baseURL,
		apiKey:     apiKey,
		descriptor: descriptor,
		reporter:   reporter,
		httpClient: &http.Client{},
		logger:     logger,
		now:        time.Now,
	}
}

// Capabilities describes the remote backend.
func (e *ControlPlaneExecutor) Capabilities() domain.CapabilityDescriptor {
	return e.descriptor
}

type launchRequest struct {
	InstanceID    string   `json:"instance_id"`
	WorkloadID    string   `json:"workload_id"`
	ImageRef      string   `json:"image_ref"`
	IsolationTier string   `json:"isolation_tier"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Env           []string `json:"env,omitempty"`
}

type launchResponse struct {
	ExternalRef string `json:"external_ref"`
	Attestation *struct {
		Status            string     `json:"status"`
		Kind              string     `json:"kind"`
		Provenance        string     `json:"provenance"`
		FreshnessDeadline *time.Time `json:"freshness_deadline"`
	} `json:"attestation"`
}

// Launch asks the control plane to boot an instance and reports the returned
// attestation evidence into the trust registry.
func (e *ControlPlaneExecutor) Launch(ctx context.Context, spec domain.WorkloadSpec) (*domain.RuntimeInstance, error) {
	instanceID := uuid.NewString()
	payload := launchRequest{
		InstanceID:    instanceID,
		WorkloadID:    spec.WorkloadID,
		ImageRef:      spec.ImageRef,
		IsolationTier: spec.IsolationTier,
		Capabilities:  spec.Capabilities,
		Env:           spec.Env,
	}

	var resp launchResponse
	if err := e.call(ctx, http.MethodPost, "/v1/instances", payload, &resp); err != nil {
		return nil, classify(e.descriptor.Backend, "launch", err)
	}

	instance := &domain.RuntimeInstance{
		ID:            instanceID,
		WorkloadID:    spec.WorkloadID,
		Backend:       e.descriptor.Backend,
		IsolationTier: spec.IsolationTier,
		ImageRef:      spec.ImageRef,
		ExternalRef:   resp.ExternalRef,
		CreatedAt:     e.now().UTC(),
	}

	if e.reporter != nil && resp.Attestation != nil {
		evidence := domain.AttestationEvidence{
			Status:            resp.Attestation.Status,
			Kind:              resp.Attestation.Kind,
			Provenance:        resp.Attestation.Provenance,
			FreshnessDeadline: resp.Attestation.FreshnessDeadline,
		}
		if _, err := e.reporter.RecordAttestation(ctx, instanceID, evidence); err != nil && e.logger != nil {
			e.logger.Warn("failed to report launch attestation", "instance_id", instanceID, "error", err)
		}
	}
	return instance, nil
}

// Stop requests a graceful halt.
func (e *ControlPlaneExecutor) Stop(ctx context.Context, instance *domain.RuntimeInstance) error {
	err := e.call(ctx, http.MethodPost, "/v1/instances/"+instanceRef(instance)+"/stop", nil, nil)
	return classify(e.descriptor.Backend, "stop", err)
}

// Delete tears the instance down.
func (e *ControlPlaneExecutor) Delete(ctx context.Context, instance *domain.RuntimeInstance) error {
	err := e.call(ctx, http.MethodDelete, "/v1/instances/"+instanceRef(instance), nil, nil)
	return classify(e.descriptor.Backend, "delete", err)
}

// TailLogs streams the last lines of instance output.
func (e *ControlPlaneExecutor) TailLogs(ctx context.Context, instance *domain.RuntimeInstance, lines int) (io.ReadCloser, error) {
	if lines <= 0 {
		lines = 100
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.baseURL+"/v1/instances/"+instanceRef(instance)+"/logs?tail="+strconv.Itoa(lines), nil)
	if err != nil {
		return nil, classify(e.descriptor.Backend, "logs", err)
	}
	e.authorize(req)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, classify(e.descriptor.Backend, "logs", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, classify(e.descriptor.Backend, "logs", fmt.Errorf("control plane returned %d", resp.StatusCode))
	}
	return resp.Body, nil
}

func (e *ControlPlaneExecutor) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	e.authorize(req)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &ExecutorError{
			Op:        method + " " + path,
			Backend:   e.descriptor.Backend,
			Transient: true,
			Err:       fmt.Errorf("control plane returned %d", resp.StatusCode),
		}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("control plane returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// instanceRef prefers the control plane's own handle returned at launch over
// the registry-side instance ID.
func instanceRef(instance *domain.RuntimeInstance) string {
	if instance.ExternalRef != "" {
		return instance.ExternalRef
	}
	return instance.ID
}

func (e *ControlPlaneExecutor) authorize(req *http.Request) {
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
}
