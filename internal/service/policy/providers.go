package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// GovernanceClient resolves health, promotion and quota signals from the
// governance control plane over REST. Any transport or decode failure
// surfaces as an error so the engine can fail closed.
type GovernanceClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewGovernanceClient builds a client for the governance API.
func NewGovernanceClient(baseURL, apiKey string) *GovernanceClient {
	return &GovernanceClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// ArtifactHealth fetches certification state for a workload artifact.
func (c *GovernanceClient) ArtifactHealth(ctx context.Context, workloadID string) (ArtifactHealth, error) {
	var decoded struct {
		Tier           string          `json:"tier"`
		Certifications map[string]bool `json:"certifications"`
	}
	if err := c.get(ctx, "/v1/artifacts/"+url.PathEscape(workloadID)+"/health", &decoded); err != nil {
		return ArtifactHealth{}, err
	}
	return ArtifactHealth{Tier: decoded.Tier, Certifications: decoded.Certifications}, nil
}

// PromotionStatus fetches the promotion-track gate for a manifest and tier.
func (c *GovernanceClient) PromotionStatus(ctx context.Context, manifestDigest, tier string) (PromotionStatus, error) {
	var decoded struct {
		Active bool   `json:"active"`
		Stage  string `json:"stage"`
	}
	path := "/v1/promotions/" + url.PathEscape(manifestDigest) + "?tier=" + url.QueryEscape(tier)
	if err := c.get(ctx, path, &decoded); err != nil {
		return PromotionStatus{}, err
	}
	return PromotionStatus{Active: decoded.Active, Stage: decoded.Stage}, nil
}

// QuotaCheck fetches the entitlement gate for an org.
func (c *GovernanceClient) QuotaCheck(ctx context.Context, orgID, entitlement string) (QuotaDecision, error) {
	var decoded struct {
		Allowed bool     `json:"allowed"`
		Notes   []string `json:"notes"`
	}
	path := "/v1/orgs/" + url.PathEscape(orgID) + "/quota?entitlement=" + url.QueryEscape(entitlement)
	if err := c.get(ctx, path, &decoded); err != nil {
		return QuotaDecision{}, err
	}
	return QuotaDecision{Allowed: decoded.Allowed, Notes: decoded.Notes}, nil
}

func (c *GovernanceClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("governance api returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PermissiveSignals certifies every tier and allows every placement. It backs
// development environments that run without a governance plane; production
// deployments point at a real one.
type PermissiveSignals struct{}

// ArtifactHealth certifies whichever tier is asked about.
func (PermissiveSignals) ArtifactHealth(ctx context.Context, workloadID string) (ArtifactHealth, error) {
	return ArtifactHealth{AllTiers: true}, nil
}

// PromotionStatus reports an always-active promotion.
func (PermissiveSignals) PromotionStatus(ctx context.Context, manifestDigest, tier string) (PromotionStatus, error) {
	return PromotionStatus{Active: true, Stage: "development"}, nil
}

// QuotaCheck allows the placement.
func (PermissiveSignals) QuotaCheck(ctx context.Context, orgID, entitlement string) (QuotaDecision, error) {
	return QuotaDecision{Allowed: true}, nil
}
