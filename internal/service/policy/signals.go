package policy

import (
	"context"

	"github.com/vigil-host/vigil/internal/domain"
)

// ArtifactHealth summarizes health and certification signals for a workload
// artifact, provided by an external collaborator.
type ArtifactHealth struct {
	Tier           string
	Certifications map[string]bool
	// AllTiers marks providers that certify unconditionally, such as the
	// development fallback.
	AllTiers bool
}

// PromotionStatus reports whether an artifact holds an active promotion for a
// tier.
type PromotionStatus struct {
	Active bool
	Stage  string
}

// QuotaDecision reports whether the owning org may place more workloads.
type QuotaDecision struct {
	Allowed bool
	Notes   []string
}

// HealthProvider resolves artifact health and certification signals.
type HealthProvider interface {
	ArtifactHealth(ctx context.Context, workloadID string) (ArtifactHealth, error)
}

// PromotionProvider resolves promotion-track gate signals.
type PromotionProvider interface {
	PromotionStatus(ctx context.Context, manifestDigest, tier string) (PromotionStatus, error)
}

// QuotaProvider resolves entitlement gate signals.
type QuotaProvider interface {
	QuotaCheck(ctx context.Context, orgID, entitlement string) (QuotaDecision, error)
}

// BackendCapabilities exposes executor capability descriptors; implemented by
// the runtime orchestrator's registry.
type BackendCapabilities interface {
	DescriptorFor(backend string) (domain.CapabilityDescriptor, bool)
}
