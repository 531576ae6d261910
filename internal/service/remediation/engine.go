package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-host/vigil/internal/bus"
	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/repository"
	"github.com/vigil-host/vigil/internal/service/trust"
)

// ErrPlaybookNotFound indicates no playbook matched the requested key.
var ErrPlaybookNotFound = errors.New("remediation: playbook not found")

// ErrRunNotCancellable indicates the run already reached a terminal status.
var ErrRunNotCancellable = errors.New("remediation: run is not cancellable")

// TrustController is the registry surface the engine drives lifecycle
// transitions through.
type TrustController interface {
	Latest(ctx context.Context, instanceID string) (*domain.TrustEntry, error)
	EntriesByLifecycle(ctx context.Context, lifecycle string, limit int) ([]domain.TrustEntry, error)
	ApplyTransition(ctx context.Context, input trust.ApplyInput) (*domain.TrustEntry, error)
}

// CancelRegistry tracks cancel functions of in-flight executions so an
// operator cancellation interrupts the adapter immediately.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

// Put registers the cancel function for a run.
func (r *CancelRegistry) Put(runID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[runID] = cancel
}

// Remove drops the registration.
func (r *CancelRegistry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, runID)
}

// Cancel fires the cancel function if the run is executing.
func (r *CancelRegistry) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[runID]
	if ok {
		cancel()
	}
	return ok
}

// Engine owns the remediation control flow: it turns quarantine events into
// runs, walks runs through approval, and keeps the trust registry in step.
// Execution itself happens in the Worker.
type Engine struct {
	runs      repository.RunRepository
	playbooks repository.PlaybookRepository
	artifacts repository.ArtifactRepository
	trust     TrustController
	bus       *bus.TrustBus
	cancels   *CancelRegistry
	logger    *slog.Logger

	defaultPlaybookKey string
	defaultSLA         time.Duration

	now func() time.Time
}

// NewEngine constructs the engine.
func NewEngine(runs repository.RunRepository, playbooks repository.PlaybookRepository, artifacts repository.ArtifactRepository,
	trustCtl TrustController, eventBus *bus.TrustBus, cancels *CancelRegistry, logger *slog.Logger,
	defaultPlaybookKey string, defaultSLA time.Duration) *Engine {
	if logger != nil {
		logger = logger.With("component", "remediation")
	}
	return &Engine{
		runs:               runs,
		playbooks:          playbooks,
		artifacts:          artifacts,
		trust:              trustCtl,
		bus:                eventBus,
		cancels:            cancels,
		logger:             logger,
		defaultPlaybookKey: defaultPlaybookKey,
		defaultSLA:         defaultSLA,
		now:                time.Now,
	}
}

// reconcileInterval bounds how long a quarantined instance can sit without an
// active run after its bus event was dropped.
const reconcileInterval = time.Minute

// reconcileBatch caps how many quarantined instances one sweep examines.
const reconcileBatch = 200

// Start consumes trust events until ctx is cancelled, enqueueing a run for
// every instance that enters quarantine. The bus drops events when a
// subscriber buffer fills, so a periodic reconcile sweep backstops the event
// path; EnsureRun is idempotent and duplicates are harmless.
func (e *Engine) Start(ctx context.Context) {
	sub := e.bus.Subscribe()
	defer sub.Close()

	// Instances may have entered quarantine while no engine was listening.
	e.reconcile(ctx)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcile(ctx)
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if event.Entry.LifecycleState != domain.LifecycleQuarantined {
				continue
			}
			if _, err := e.EnsureRun(ctx, event.Entry.InstanceID, "", nil); err != nil &&
				!errors.Is(err, repository.ErrActiveRunExists) && e.logger != nil {
				e.logger.Error("failed to enqueue remediation run",
					"instance_id", event.Entry.InstanceID, "error", err)
			}
		}
	}
}

// reconcile sweeps quarantined registry entries and materializes any missing
// runs. Active runs surface as ErrActiveRunExists and are skipped.
func (e *Engine) reconcile(ctx context.Context) {
	entries, err := e.trust.EntriesByLifecycle(ctx, domain.LifecycleQuarantined, reconcileBatch)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("failed to list quarantined instances", "error", err)
		}
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.EnsureRun(ctx, entry.InstanceID, "", nil); err != nil &&
			!errors.Is(err, repository.ErrActiveRunExists) && e.logger != nil {
			e.logger.Error("failed to reconcile quarantined instance",
				"instance_id", entry.InstanceID, "error", err)
		}
	}
}

// EnsureRun creates a run for the instance unless one is already active. On
// repository.ErrActiveRunExists the existing active run is returned alongside
// the error so callers can surface it. The instance must be known to the
// trust registry; repository.ErrNotFound is returned otherwise.
func (e *Engine) EnsureRun(ctx context.Context, instanceID, playbookKey string, metadata json.RawMessage) (*domain.RemediationRun, error) {
	if _, err := e.trust.Latest(ctx, instanceID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("instance %s: %w", instanceID, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("resolve instance: %w", err)
	}

	key := playbookKey
	if key == "" {
		key = e.defaultPlaybookKey
	}
	playbook, err := e.playbooks.GetPlaybookByKey(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPlaybookNotFound, key)
		}
		return nil, fmt.Errorf("resolve playbook: %w", err)
	}

	sla := e.defaultSLA
	if playbook.SLASeconds > 0 {
		sla = time.Duration(playbook.SLASeconds) * time.Second
	}
	deadline := e.now().Add(sla).UTC()

	approval := domain.ApprovalAutoApproved
	if playbook.ApprovalRequired {
		approval = domain.ApprovalPending
	}

	run := &domain.RemediationRun{
		ID:            uuid.NewString(),
		InstanceID:    instanceID,
		PlaybookKey:   playbook.Key,
		ExecutorKind:  playbook.ExecutorKind,
		Status:        domain.RunPending,
		ApprovalState: approval,
		AssignedOwner: playbook.Owner,
		SLADeadline:   &deadline,
		Metadata:      metadata,
		StartedAt:     e.now().UTC(),
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, repository.ErrActiveRunExists) {
			existing, getErr := e.runs.GetActiveRunForInstance(ctx, instanceID)
			if getErr != nil {
				return nil, fmt.Errorf("resolve active run: %w", getErr)
			}
			return existing, repository.ErrActiveRunExists
		}
		return nil, fmt.Errorf("create remediation run: %w", err)
	}

	if e.logger != nil {
		e.logger.Info("remediation run enqueued",
			"run_id", run.ID,
			"instance_id", instanceID,
			"playbook", playbook.Key,
			"approval_state", approval)
	}

	// Auto-approved runs count as accepted immediately.
	if approval == domain.ApprovalAutoApproved {
		if err := e.markAccepted(ctx, instanceID); err != nil && e.logger != nil {
			e.logger.Error("failed to mark remediation accepted",
				"run_id", run.ID, "instance_id", instanceID, "error", err)
		}
	}
	return run, nil
}

// Approve records an operator approval decision under optimistic locking. A
// stale expectedVersion surfaces repository.ErrVersionConflict unchanged. A
// rejection also cancels the run so the instance's active slot frees up.
func (e *Engine) Approve(ctx context.Context, runID string, expectedVersion int64, approve bool, notes string) (*domain.RemediationRun, error) {
	state := domain.ApprovalApproved
	if !approve {
		state = domain.ApprovalRejected
	}
	if err := e.runs.UpdateApproval(ctx, runID, expectedVersion, state, notes, e.now().UTC()); err != nil {
		return nil, err
	}

	run, err := e.runs.GetRunByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	if approve {
		if err := e.markAccepted(ctx, run.InstanceID); err != nil && e.logger != nil {
			e.logger.Error("failed to mark remediation accepted",
				"run_id", runID, "instance_id", run.InstanceID, "error", err)
		}
	} else {
		if err := e.runs.CancelRun(ctx, runID, "approval:rejected", e.now().UTC()); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("cancel rejected run: %w", err)
		}
		run, err = e.runs.GetRunByID(ctx, runID)
		if err != nil {
			return nil, err
		}
	}
	if e.logger != nil {
		e.logger.Info("remediation approval recorded", "run_id", runID, "state", state)
	}
	return run, nil
}

// Cancel aborts a pending or running run. Cancellation is neutral in the
// failure taxonomy: the instance returns to quarantine without consuming a
// retry.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*domain.RemediationRun, error) {
	if err := e.runs.CancelRun(ctx, runID, reason, e.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if _, getErr := e.runs.GetRunByID(ctx, runID); getErr == nil {
				return nil, ErrRunNotCancellable
			}
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	e.cancels.Cancel(runID)

	run, err := e.runs.GetRunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := e.requarantine(ctx, run.InstanceID, "remediation:cancelled"); err != nil && e.logger != nil {
		e.logger.Error("failed to requarantine after cancel",
			"run_id", runID, "instance_id", run.InstanceID, "error", err)
	}
	if e.logger != nil {
		e.logger.Info("remediation run cancelled", "run_id", runID, "reason", reason)
	}
	return run, nil
}

// Run returns one run by ID.
func (e *Engine) Run(ctx context.Context, runID string) (*domain.RemediationRun, error) {
	return e.runs.GetRunByID(ctx, runID)
}

// Runs lists runs filtered by instance and status, newest-first.
func (e *Engine) Runs(ctx context.Context, instanceID, status string, limit int) ([]domain.RemediationRun, error) {
	return e.runs.ListRuns(ctx, instanceID, status, limit)
}

// Artifacts lists the evidence attached to a run.
func (e *Engine) Artifacts(ctx context.Context, runID string) ([]domain.RemediationArtifact, error) {
	return e.artifacts.ListArtifactsByRun(ctx, runID)
}

// markAccepted moves a quarantined instance into remediating. Acceptance is
// the only exit from quarantine.
func (e *Engine) markAccepted(ctx context.Context, instanceID string) error {
	return transitionLifecycle(ctx, e.trust, instanceID, domain.LifecycleRemediating, "", "remediation:accepted",
		func(current *domain.TrustEntry) bool {
			return current != nil && current.LifecycleState == domain.LifecycleQuarantined
		})
}

// requarantine returns an instance to quarantine after a failed or cancelled
// run, but only if it is currently remediating.
func (e *Engine) requarantine(ctx context.Context, instanceID, reason string) error {
	return transitionLifecycle(ctx, e.trust, instanceID, domain.LifecycleQuarantined, "", reason,
		func(current *domain.TrustEntry) bool {
			return current != nil && current.LifecycleState == domain.LifecycleRemediating
		})
}

// transitionLifecycle applies a guarded lifecycle change when the predicate
// holds, retrying once on version conflict since these writers carry no
// operator-held version token. An empty status keeps the current attestation
// status.
func transitionLifecycle(ctx context.Context, trustCtl TrustController, instanceID, lifecycle, status, reason string, when func(*domain.TrustEntry) bool) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := trustCtl.Latest(ctx, instanceID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return err
		}
		if !when(current) {
			return nil
		}
		nextStatus := status
		if nextStatus == "" {
			nextStatus = current.AttestationStatus
		}
		_, err = trustCtl.ApplyTransition(ctx, trust.ApplyInput{
			InstanceID:        instanceID,
			ExpectedVersion:   current.Version,
			Status:            nextStatus,
			Lifecycle:         lifecycle,
			FreshnessDeadline: current.FreshnessDeadline,
			Provenance:        current.Provenance,
			Reason:            reason,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
