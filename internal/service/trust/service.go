package trust

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-host/vigil/internal/bus"
	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/metrics"
	"github.com/vigil-host/vigil/internal/repository"
)

// ErrInvalidState indicates an unknown attestation status or lifecycle state.
var ErrInvalidState = errors.New("trust: invalid state")

// ApplyInput describes one guarded transition request.
type ApplyInput struct {
	InstanceID        string
	ExpectedVersion   int64
	Status            string
	Lifecycle         string
	RemediationState  string
	FreshnessDeadline *time.Time
	Provenance        string
	Reason            string
}

// lockStripes bounds the ordering lock set regardless of how many instances
// the registry tracks.
const lockStripes = 64

// Service is the single source of truth for instance trustworthiness. All
// writers go through ApplyTransition; the version token is the sole
// serialization point.
type Service struct {
	repo   repository.TrustRepository
	bus    *bus.TrustBus
	logger *slog.Logger

	locks [lockStripes]sync.Mutex

	now func() time.Time
}

// New constructs the registry service.
func New(repo repository.TrustRepository, eventBus *bus.TrustBus, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "trust")
	}
	return &Service{
		repo:   repo,
		bus:    eventBus,
		logger: logger,
		now:    time.Now,
	}
}

// instanceLock serializes write+publish per instance so bus delivery order
// matches version order. The version check in storage stays authoritative;
// this lock only orders publications. Instances hashing to the same stripe
// share a lock, which over-serializes but never misorders.
func (s *Service) instanceLock(instanceID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(instanceID))
	return &s.locks[h.Sum32()%lockStripes]
}

// ApplyTransition performs the guarded registry write. It fails with
// repository.ErrVersionConflict when the expected version is stale; the
// conflict is surfaced, never retried here, so callers control retry
// semantics. On success the transition is published before returning.
func (s *Service) ApplyTransition(ctx context.Context, input ApplyInput) (*domain.TrustEntry, error) {
	if !domain.ValidAttestationStatus(input.Status) {
		return nil, fmt.Errorf("%w: attestation status %q", ErrInvalidState, input.Status)
	}
	if !domain.ValidLifecycleState(input.Lifecycle) {
		return nil, fmt.Errorf("%w: lifecycle state %q", ErrInvalidState, input.Lifecycle)
	}

	lock := s.instanceLock(input.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.repo.GetTrustEntry(ctx, input.InstanceID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("read trust entry: %w", err)
	}

	attempts := 0
	prevLifecycle := ""
	if current != nil {
		attempts = current.RemediationAttempts
		prevLifecycle = current.LifecycleState
	}
	// remediation_attempts increments only on entry into remediating and
	// resets only on restore. A restored -> suspect cycle keeps the counter.
	switch {
	case input.Lifecycle == domain.LifecycleRemediating && prevLifecycle != domain.LifecycleRemediating:
		attempts++
	case input.Lifecycle == domain.LifecycleRestored:
		attempts = 0
	}

	remediationState := input.RemediationState
	if remediationState == "" {
		remediationState = defaultRemediationState(input.Lifecycle)
	}

	entry, transition, err := s.repo.ApplyTrustWrite(ctx, repository.TrustWrite{
		InstanceID:          input.InstanceID,
		ExpectedVersion:     input.ExpectedVersion,
		AttestationStatus:   input.Status,
		LifecycleState:      input.Lifecycle,
		RemediationState:    remediationState,
		RemediationAttempts: attempts,
		FreshnessDeadline:   input.FreshnessDeadline,
		Provenance:          input.Provenance,
		Reason:              input.Reason,
	})
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			metrics.TrustConflicts.Inc()
		}
		return nil, err
	}
	metrics.TrustTransitions.WithLabelValues(entry.LifecycleState).Inc()

	if s.bus != nil {
		s.bus.Publish(domain.TrustEvent{Entry: *entry, Transition: *transition})
	}
	if s.logger != nil {
		s.logger.Info("trust transition applied",
			"instance_id", input.InstanceID,
			"lifecycle", entry.LifecycleState,
			"status", entry.AttestationStatus,
			"version", entry.Version,
			"reason", input.Reason)
	}
	return entry, nil
}

// Latest returns the current snapshot, or repository.ErrNotFound when the
// instance has never been attested.
func (s *Service) Latest(ctx context.Context, instanceID string) (*domain.TrustEntry, error) {
	return s.repo.GetTrustEntry(ctx, instanceID)
}

// History returns transitions newest-first.
func (s *Service) History(ctx context.Context, instanceID string, limit int) ([]domain.TrustTransition, error) {
	return s.repo.ListTransitions(ctx, instanceID, limit)
}

// EntriesByLifecycle returns the current snapshots sitting in the given
// lifecycle state. The remediation engine sweeps this to catch quarantined
// instances whose bus event was dropped.
func (s *Service) EntriesByLifecycle(ctx context.Context, lifecycle string, limit int) ([]domain.TrustEntry, error) {
	if !domain.ValidLifecycleState(lifecycle) {
		return nil, fmt.Errorf("%w: lifecycle state %q", ErrInvalidState, lifecycle)
	}
	return s.repo.ListEntriesByLifecycle(ctx, lifecycle, limit)
}

// RecordAttestation is the evidence-reporting hook used by executors. It
// derives the lifecycle transition from the current state and the reported
// evidence, and owns a single re-read retry on version conflict since the
// evidence itself carries no version token.
func (s *Service) RecordAttestation(ctx context.Context, instanceID string, evidence domain.AttestationEvidence) (*domain.TrustEntry, error) {
	if !domain.ValidAttestationStatus(evidence.Status) {
		return nil, fmt.Errorf("%w: attestation status %q", ErrInvalidState, evidence.Status)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := s.Latest(ctx, instanceID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}

		lifecycle, reason := nextLifecycle(current, evidence.Status, s.now())
		var expected int64
		if current != nil {
			expected = current.Version
		}

		entry, err := s.ApplyTransition(ctx, ApplyInput{
			InstanceID:        instanceID,
			ExpectedVersion:   expected,
			Status:            evidence.Status,
			Lifecycle:         lifecycle,
			FreshnessDeadline: evidence.FreshnessDeadline,
			Provenance:        evidence.Provenance,
			Reason:            reason,
		})
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// nextLifecycle encodes the registry state machine for attestation-driven
// transitions. Quarantine exits only through remediation acceptance, so a
// trusted report while quarantined keeps the instance quarantined.
func nextLifecycle(current *domain.TrustEntry, status string, now time.Time) (string, string) {
	if current == nil {
		switch status {
		case domain.AttestationTrusted:
			return domain.LifecycleRestored, "attestation:verified"
		case domain.AttestationUntrusted:
			return domain.LifecycleQuarantined, "attestation:failed"
		default:
			return domain.LifecycleSuspect, "attestation:inconclusive"
		}
	}

	switch current.LifecycleState {
	case domain.LifecycleRestored:
		switch status {
		case domain.AttestationTrusted:
			return domain.LifecycleRestored, "attestation:refreshed"
		case domain.AttestationUntrusted:
			return domain.LifecycleQuarantined, "attestation:failed"
		default:
			return domain.LifecycleSuspect, "attestation:inconclusive"
		}
	case domain.LifecycleSuspect:
		switch status {
		case domain.AttestationTrusted:
			return domain.LifecycleRestored, "attestation:verified"
		case domain.AttestationUntrusted:
			return domain.LifecycleQuarantined, "attestation:failed"
		default:
			if current.Stale(now) {
				return domain.LifecycleQuarantined, "attestation:evidence-expired"
			}
			return domain.LifecycleSuspect, "attestation:inconclusive"
		}
	case domain.LifecycleRemediating:
		if status == domain.AttestationTrusted {
			return domain.LifecycleRestored, "attestation:remediation-verified"
		}
		return domain.LifecycleRemediating, "attestation:pending-remediation"
	default: // quarantined
		return domain.LifecycleQuarantined, "attestation:quarantine-held"
	}
}

func defaultRemediationState(lifecycle string) string {
	switch lifecycle {
	case domain.LifecycleRestored:
		return "remediation:none"
	case domain.LifecycleSuspect:
		return "remediation:monitor"
	case domain.LifecycleQuarantined:
		return "remediation:investigate"
	case domain.LifecycleRemediating:
		return "remediation:in-progress"
	}
	return ""
}
