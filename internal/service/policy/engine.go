package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/metrics"
	"github.com/vigil-host/vigil/internal/repository"
)

// TrustReader is the registry read surface the engine needs.
type TrustReader interface {
	Latest(ctx context.Context, instanceID string) (*domain.TrustEntry, error)
}

// EvaluateRequest carries one placement question.
type EvaluateRequest struct {
	Workload         domain.Workload
	RequestedBackend string
	Capabilities     []string
}

// Engine computes placement decisions from live trust state and external
// signals. It fails closed: any single block signal forces a safe fallback
// backend or an outright refusal, and no signal can override another's
// restriction. Decisions only ever downgrade the candidate backend.
type Engine struct {
	decisions repository.DecisionRepository
	instances repository.InstanceRepository
	trust     TrustReader
	health    HealthProvider
	promotion PromotionProvider
	quota     QuotaProvider
	backends  BackendCapabilities
	logger    *slog.Logger

	now func() time.Time
}

// New constructs the policy engine.
func New(decisions repository.DecisionRepository, instances repository.InstanceRepository, trustReader TrustReader,
	health HealthProvider, promotion PromotionProvider, quota QuotaProvider, backends BackendCapabilities,
	logger *slog.Logger) *Engine {
	if logger != nil {
		logger = logger.With("component", "policy")
	}
	return &Engine{
		decisions: decisions,
		instances: instances,
		trust:     trustReader,
		health:    health,
		promotion: promotion,
		quota:     quota,
		backends:  backends,
		logger:    logger,
		now:       time.Now,
	}
}

// Evaluate computes and persists a placement decision. It always returns a
// decision, possibly a blocked one, rather than an opaque failure.
func (e *Engine) Evaluate(ctx context.Context, req EvaluateRequest) (*domain.PlacementDecision, error) {
	requested := req.RequestedBackend
	if requested == "" {
		requested = domain.BackendContainer
	}
	candidate := requested

	decision := domain.PlacementDecision{
		ID:                    uuid.NewString(),
		WorkloadID:            req.Workload.ID,
		RequestedBackend:      requested,
		ImageRef:              req.Workload.ImageRef,
		Capabilities:          append([]string(nil), req.Capabilities...),
		CapabilitiesSatisfied: true,
		Notes:                 []string{},
		CreatedAt:             e.now().UTC(),
	}

	// 1. Artifact health and certification. A missing provider or a missing
	// certification restricts; it never gets cleared by a later signal.
	if e.health == nil {
		decision.EvaluationRequired = true
		decision.GovernanceRequired = true
		decision.Notes = append(decision.Notes, "policy:health-unavailable")
		candidate = domain.BackendContainer
	} else if health, err := e.health.ArtifactHealth(ctx, req.Workload.ID); err != nil {
		decision.EvaluationRequired = true
		decision.GovernanceRequired = true
		decision.Notes = append(decision.Notes, "policy:health-unavailable")
		candidate = domain.BackendContainer
	} else if !health.AllTiers && !health.Certifications[req.Workload.Tier] {
		decision.EvaluationRequired = true
		decision.GovernanceRequired = true
		decision.Notes = append(decision.Notes, "policy:certification-missing:"+req.Workload.Tier)
	}

	// 2. Trust posture of the workload's latest instance. Quarantine or stale
	// evidence forces the non-VM fallback; stale trust is never used silently.
	candidate = e.applyTrustPosture(ctx, req.Workload.ID, candidate, &decision)

	// 3. Promotion gate.
	if e.promotion == nil {
		decision.PromotionBlocked = true
		decision.Notes = append(decision.Notes, "policy:promotion-unavailable")
	} else if promo, err := e.promotion.PromotionStatus(ctx, req.Workload.ManifestDigest, req.Workload.Tier); err != nil {
		decision.PromotionBlocked = true
		decision.Notes = append(decision.Notes, "policy:promotion-unavailable")
	} else if !promo.Active {
		decision.PromotionBlocked = true
		decision.Notes = append(decision.Notes, "policy:promotion-inactive")
	}

	// 4. Quota gate.
	if e.quota != nil {
		if quota, err := e.quota.QuotaCheck(ctx, req.Workload.OrgID, "runtime-instances"); err != nil {
			decision.Blocked = true
			decision.Notes = append(decision.Notes, "policy:quota-unavailable")
		} else if !quota.Allowed {
			decision.Blocked = true
			decision.Notes = append(decision.Notes, "policy:quota-denied")
		}
	}

	// 5. Capability requirements against executor descriptors.
	candidate = e.applyCapabilities(candidate, &decision)

	decision.ChosenBackend = candidate
	if decision.GovernanceRequired || decision.PromotionBlocked {
		decision.Blocked = true
	}

	if err := e.decisions.CreateDecision(ctx, &decision); err != nil {
		return nil, fmt.Errorf("persist placement decision: %w", err)
	}
	metrics.PlacementDecisions.WithLabelValues(decision.ChosenBackend, strconv.FormatBool(decision.Blocked)).Inc()
	if e.logger != nil {
		e.logger.Info("placement decision recorded",
			"decision_id", decision.ID,
			"workload_id", decision.WorkloadID,
			"requested", decision.RequestedBackend,
			"chosen", decision.ChosenBackend,
			"blocked", decision.Blocked)
	}
	return &decision, nil
}

func (e *Engine) applyTrustPosture(ctx context.Context, workloadID, candidate string, decision *domain.PlacementDecision) string {
	if e.instances == nil || e.trust == nil {
		return candidate
	}
	instance, err := e.instances.GetLatestInstanceForWorkload(ctx, workloadID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			decision.EvaluationRequired = true
			decision.Notes = append(decision.Notes, "vm:trust-unavailable")
			return domain.BackendContainer
		}
		return candidate
	}
	entry, err := e.trust.Latest(ctx, instance.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			decision.EvaluationRequired = true
			decision.Notes = append(decision.Notes, "vm:trust-unavailable")
			return domain.BackendContainer
		}
		return candidate
	}

	decision.Notes = append(decision.Notes, "vm:trust-lifecycle:"+entry.LifecycleState)
	if entry.RemediationAttempts > 0 {
		decision.Notes = append(decision.Notes, fmt.Sprintf("vm:trust-remediation-attempts:%d", entry.RemediationAttempts))
	}

	restricted := false
	if entry.LifecycleState == domain.LifecycleQuarantined {
		restricted = true
	}
	if entry.Stale(e.now()) {
		restricted = true
		decision.Notes = append(decision.Notes, "vm:trust-freshness-expired:"+entry.FreshnessDeadline.UTC().Format(time.RFC3339))
	}
	if restricted && candidate != domain.BackendContainer {
		decision.Notes = append(decision.Notes, "vm:attestation:fallback:"+domain.BackendContainer)
		return domain.BackendContainer
	}
	return candidate
}

func (e *Engine) applyCapabilities(candidate string, decision *domain.PlacementDecision) string {
	if len(decision.Capabilities) == 0 || e.backends == nil {
		return candidate
	}
	unmet := e.unmetCapabilities(candidate, decision.Capabilities)
	if len(unmet) > 0 && candidate != domain.BackendContainer {
		decision.Notes = append(decision.Notes, "vm:capability:fallback:"+domain.BackendContainer)
		candidate = domain.BackendContainer
		unmet = e.unmetCapabilities(candidate, decision.Capabilities)
	}
	if len(unmet) > 0 {
		decision.CapabilitiesSatisfied = false
		for _, capability := range unmet {
			decision.Notes = append(decision.Notes, "policy:capability-unsatisfied:"+capability)
		}
	}
	return candidate
}

func (e *Engine) unmetCapabilities(backend string, required []string) []string {
	descriptor, ok := e.backends.DescriptorFor(backend)
	if !ok {
		return append([]string(nil), required...)
	}
	unmet := make([]string, 0)
	for _, capability := range required {
		if !descriptor.Provides(capability) {
			unmet = append(unmet, capability)
		}
	}
	return unmet
}

// Decisions returns the audit trail for a workload, newest-first.
func (e *Engine) Decisions(ctx context.Context, workloadID string, limit int) ([]domain.PlacementDecision, error) {
	return e.decisions.ListDecisionsByWorkload(ctx, workloadID, limit)
}
