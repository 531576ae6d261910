package repository

import (
	"context"
	"time"

	"github.com/vigil-host/vigil/internal/domain"
)

// InstanceRepository persists runtime instances.
type InstanceRepository interface {
	CreateInstance(ctx context.Context, instance *domain.RuntimeInstance) error
	GetInstanceByID(ctx context.Context, instanceID string) (*domain.RuntimeInstance, error)
	GetLatestInstanceForWorkload(ctx context.Context, workloadID string) (*domain.RuntimeInstance, error)
	ListInstancesByWorkload(ctx context.Context, workloadID string, limit int) ([]domain.RuntimeInstance, error)
	MarkInstanceTerminated(ctx context.Context, instanceID string, terminatedAt time.Time) error
}

// TrustWrite describes one guarded write against the trust registry. The
// expected version must match the stored row or the write is rejected with
// ErrVersionConflict; ExpectedVersion 0 asserts that no row exists yet.
type TrustWrite struct {
	InstanceID          string
	ExpectedVersion     int64
	AttestationStatus   string
	LifecycleState      string
	RemediationState    string
	RemediationAttempts int
	FreshnessDeadline   *time.Time
	Provenance          string
	Reason              string
}

// TrustRepository is the storage contract for the trust registry. The
// conditional write is the sole serialization point between all actors.
type TrustRepository interface {
	GetTrustEntry(ctx context.Context, instanceID string) (*domain.TrustEntry, error)
	// ApplyTrustWrite atomically bumps the snapshot row and appends the
	// transition history record. Returns ErrVersionConflict when another
	// writer raced ahead.
	ApplyTrustWrite(ctx context.Context, write TrustWrite) (*domain.TrustEntry, *domain.TrustTransition, error)
	ListTransitions(ctx context.Context, instanceID string, limit int) ([]domain.TrustTransition, error)
	// ListEntriesByLifecycle returns snapshots currently in the given
	// lifecycle state, oldest update first, capped at limit.
	ListEntriesByLifecycle(ctx context.Context, lifecycle string, limit int) ([]domain.TrustEntry, error)
}

// DecisionRepository stores placement decisions append-only.
type DecisionRepository interface {
	CreateDecision(ctx context.Context, decision *domain.PlacementDecision) error
	ListDecisionsByWorkload(ctx context.Context, workloadID string, limit int) ([]domain.PlacementDecision, error)
}

// PlaybookRepository manages the remediation playbook catalog.
type PlaybookRepository interface {
	CreatePlaybook(ctx context.Context, playbook *domain.RemediationPlaybook) error
	UpdatePlaybook(ctx context.Context, playbook *domain.RemediationPlaybook, expectedVersion int64) error
	GetPlaybookByKey(ctx context.Context, key string) (*domain.RemediationPlaybook, error)
	ListPlaybooks(ctx context.Context) ([]domain.RemediationPlaybook, error)
}

// RunRepository stores remediation runs. CreateRun enforces the single active
// run invariant at the storage layer so concurrent creators race safely.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.RemediationRun) error
	GetRunByID(ctx context.Context, runID string) (*domain.RemediationRun, error)
	GetActiveRunForInstance(ctx context.Context, instanceID string) (*domain.RemediationRun, error)
	ListRuns(ctx context.Context, instanceID, status string, limit int) ([]domain.RemediationRun, error)
	// UpdateApproval applies an approval decision under optimistic locking.
	UpdateApproval(ctx context.Context, runID string, expectedVersion int64, state, notes string, decidedAt time.Time) error
	// ClaimNextRunnable transitions the oldest approved pending run to
	// running and returns it, or ErrNotFound when nothing is runnable.
	ClaimNextRunnable(ctx context.Context, now time.Time) (*domain.RemediationRun, error)
	// CompleteRun records the typed exit status of a finished run.
	CompleteRun(ctx context.Context, runID, status, failureReason, lastError string, completedAt time.Time) error
	CancelRun(ctx context.Context, runID, reason string, cancelledAt time.Time) error
	ListOverdueRuns(ctx context.Context, now time.Time) ([]domain.RemediationRun, error)
}

// ArtifactRepository stores append-only remediation evidence.
type ArtifactRepository interface {
	AppendArtifact(ctx context.Context, artifact *domain.RemediationArtifact) error
	ListArtifactsByRun(ctx context.Context, runID string) ([]domain.RemediationArtifact, error)
}
