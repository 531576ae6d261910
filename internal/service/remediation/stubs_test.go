package remediation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/repository"
	"github.com/vigil-host/vigil/internal/service/trust"
)

// runRepoStub mirrors the storage semantics the engine and worker rely on:
// one active run per instance, optimistic approval updates, and settlement
// guarded on pending or running status.
type runRepoStub struct {
	mu    sync.Mutex
	runs  map[string]domain.RemediationRun
	order []string
}

func newRunRepoStub() *runRepoStub {
	return &runRepoStub{runs: make(map[string]domain.RemediationRun)}
}

func (r *runRepoStub) CreateRun(_ context.Context, run *domain.RemediationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.runs {
		if existing.InstanceID == run.InstanceID && existing.Active() {
			return repository.ErrActiveRunExists
		}
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Version = 1
	r.runs[run.ID] = *run
	r.order = append(r.order, run.ID)
	return nil
}

func (r *runRepoStub) GetRunByID(_ context.Context, runID string) (*domain.RemediationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := run
	return &copy, nil
}

func (r *runRepoStub) GetActiveRunForInstance(_ context.Context, instanceID string) (*domain.RemediationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.InstanceID == instanceID && run.Active() {
			copy := run
			return &copy, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *runRepoStub) ListRuns(_ context.Context, instanceID, status string, limit int) ([]domain.RemediationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RemediationRun
	for i := len(r.order) - 1; i >= 0; i-- {
		run := r.runs[r.order[i]]
		if instanceID != "" && run.InstanceID != instanceID {
			continue
		}
		if status != "" && run.Status != status {
			continue
		}
		out = append(out, run)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *runRepoStub) UpdateApproval(_ context.Context, runID string, expectedVersion int64, state, notes string, decidedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return repository.ErrNotFound
	}
	if run.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	run.ApprovalState = state
	run.Version++
	run.UpdatedAt = decidedAt
	r.runs[runID] = run
	return nil
}

func (r *runRepoStub) ClaimNextRunnable(_ context.Context, now time.Time) (*domain.RemediationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		run := r.runs[id]
		if run.Status != domain.RunPending {
			continue
		}
		if run.ApprovalState != domain.ApprovalApproved && run.ApprovalState != domain.ApprovalAutoApproved {
			continue
		}
		run.Status = domain.RunRunning
		run.Version++
		run.UpdatedAt = now
		r.runs[id] = run
		copy := run
		return &copy, nil
	}
	return nil, repository.ErrNotFound
}

func (r *runRepoStub) CompleteRun(_ context.Context, runID, status, failureReason, lastError string, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || !run.Active() {
		return repository.ErrNotFound
	}
	run.Status = status
	run.FailureReason = failureReason
	run.LastError = lastError
	run.CompletedAt = &completedAt
	run.Version++
	run.UpdatedAt = completedAt
	r.runs[runID] = run
	return nil
}

func (r *runRepoStub) CancelRun(_ context.Context, runID, reason string, cancelledAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || !run.Active() {
		return repository.ErrNotFound
	}
	run.Status = domain.RunCancelled
	run.FailureReason = domain.FailureCancelled
	run.CancellationReason = reason
	run.CancelledAt = &cancelledAt
	run.CompletedAt = &cancelledAt
	run.Version++
	run.UpdatedAt = cancelledAt
	r.runs[runID] = run
	return nil
}

func (r *runRepoStub) ListOverdueRuns(_ context.Context, now time.Time) ([]domain.RemediationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RemediationRun
	for _, id := range r.order {
		run := r.runs[id]
		if run.Active() && run.SLADeadline != nil && run.SLADeadline.Before(now) {
			out = append(out, run)
		}
	}
	return out, nil
}

func (r *runRepoStub) countActive(instanceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, run := range r.runs {
		if run.InstanceID == instanceID && run.Active() {
			count++
		}
	}
	return count
}

type playbookRepoStub struct {
	mu        sync.Mutex
	playbooks map[string]domain.RemediationPlaybook
}

func newPlaybookRepoStub() *playbookRepoStub {
	return &playbookRepoStub{playbooks: make(map[string]domain.RemediationPlaybook)}
}

func (r *playbookRepoStub) seed(playbook domain.RemediationPlaybook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playbooks[playbook.Key] = playbook
}

func (r *playbookRepoStub) CreatePlaybook(_ context.Context, playbook *domain.RemediationPlaybook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	playbook.Version = 1
	r.playbooks[playbook.Key] = *playbook
	return nil
}

func (r *playbookRepoStub) UpdatePlaybook(_ context.Context, playbook *domain.RemediationPlaybook, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.playbooks[playbook.Key]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	playbook.Version = current.Version + 1
	r.playbooks[playbook.Key] = *playbook
	return nil
}

func (r *playbookRepoStub) GetPlaybookByKey(_ context.Context, key string) (*domain.RemediationPlaybook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	playbook, ok := r.playbooks[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := playbook
	return &copy, nil
}

func (r *playbookRepoStub) ListPlaybooks(context.Context) ([]domain.RemediationPlaybook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RemediationPlaybook, 0, len(r.playbooks))
	for _, playbook := range r.playbooks {
		out = append(out, playbook)
	}
	return out, nil
}

type artifactRepoStub struct {
	mu        sync.Mutex
	artifacts []domain.RemediationArtifact
	nextID    int64
}

func (r *artifactRepoStub) AppendArtifact(_ context.Context, artifact *domain.RemediationArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	artifact.ID = r.nextID
	r.artifacts = append(r.artifacts, *artifact)
	return nil
}

func (r *artifactRepoStub) ListArtifactsByRun(_ context.Context, runID string) ([]domain.RemediationArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RemediationArtifact
	for _, artifact := range r.artifacts {
		if artifact.RunID == runID {
			out = append(out, artifact)
		}
	}
	return out, nil
}

// trustCtlStub mimics the registry's version check and attempt counting so
// lifecycle assertions in these tests track the real service.
type trustCtlStub struct {
	mu      sync.Mutex
	entries map[string]domain.TrustEntry
	reasons map[string][]string
}

func newTrustCtlStub() *trustCtlStub {
	return &trustCtlStub{
		entries: make(map[string]domain.TrustEntry),
		reasons: make(map[string][]string),
	}
}

func (s *trustCtlStub) set(instanceID, lifecycle, status string, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[instanceID] = domain.TrustEntry{
		InstanceID:          instanceID,
		AttestationStatus:   status,
		LifecycleState:      lifecycle,
		RemediationAttempts: attempts,
		Version:             1,
	}
}

func (s *trustCtlStub) Latest(_ context.Context, instanceID string) (*domain.TrustEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[instanceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := entry
	return &copy, nil
}

func (s *trustCtlStub) EntriesByLifecycle(_ context.Context, lifecycle string, limit int) ([]domain.TrustEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TrustEntry
	for _, entry := range s.entries {
		if entry.LifecycleState != lifecycle {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *trustCtlStub) ApplyTransition(_ context.Context, input trust.ApplyInput) (*domain.TrustEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[input.InstanceID]
	if !ok {
		if input.ExpectedVersion != 0 {
			return nil, repository.ErrVersionConflict
		}
	} else if current.Version != input.ExpectedVersion {
		return nil, repository.ErrVersionConflict
	}

	attempts := current.RemediationAttempts
	switch {
	case input.Lifecycle == domain.LifecycleRemediating && current.LifecycleState != domain.LifecycleRemediating:
		attempts++
	case input.Lifecycle == domain.LifecycleRestored:
		attempts = 0
	}

	entry := domain.TrustEntry{
		InstanceID:          input.InstanceID,
		AttestationStatus:   input.Status,
		LifecycleState:      input.Lifecycle,
		RemediationAttempts: attempts,
		FreshnessDeadline:   input.FreshnessDeadline,
		Provenance:          input.Provenance,
		Version:             input.ExpectedVersion + 1,
		UpdatedAt:           time.Now(),
	}
	s.entries[input.InstanceID] = entry
	s.reasons[input.InstanceID] = append(s.reasons[input.InstanceID], input.Reason)
	copy := entry
	return &copy, nil
}

func (s *trustCtlStub) lastReason(instanceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	reasons := s.reasons[instanceID]
	if len(reasons) == 0 {
		return ""
	}
	return reasons[len(reasons)-1]
}
