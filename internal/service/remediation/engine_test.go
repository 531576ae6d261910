package remediation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vigil-host/vigil/internal/bus"
	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/repository"
)

const (
	defaultPlaybook  = "reattest-baseline"
	approvalPlaybook = "rotate-credentials"
)

func TestEnsureRunAutoApprovedAcceptsImmediately(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()

	run, err := engine.EnsureRun(context.Background(), "inst-1", "", nil)
	if err != nil {
		t.Fatalf("ensure run: %v", err)
	}
	if run.ApprovalState != domain.ApprovalAutoApproved {
		t.Fatalf("expected auto-approved, got %s", run.ApprovalState)
	}
	if run.PlaybookKey != defaultPlaybook {
		t.Fatalf("expected default playbook, got %s", run.PlaybookKey)
	}
	if run.SLADeadline == nil {
		t.Fatalf("expected sla deadline set")
	}

	entry, _ := env.trust.Latest(context.Background(), "inst-1")
	if entry.LifecycleState != domain.LifecycleRemediating {
		t.Fatalf("expected remediating after acceptance, got %s", entry.LifecycleState)
	}
	if entry.RemediationAttempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", entry.RemediationAttempts)
	}
}

func TestEnsureRunApprovalRequiredHoldsQuarantine(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()

	run, err := engine.EnsureRun(context.Background(), "inst-1", approvalPlaybook, nil)
	if err != nil {
		t.Fatalf("ensure run: %v", err)
	}
	if run.ApprovalState != domain.ApprovalPending {
		t.Fatalf("expected pending approval, got %s", run.ApprovalState)
	}

	entry, _ := env.trust.Latest(context.Background(), "inst-1")
	if entry.LifecycleState != domain.LifecycleQuarantined {
		t.Fatalf("expected quarantine held until approval, got %s", entry.LifecycleState)
	}
}

func TestEnsureRunUnknownPlaybook(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()

	_, err := engine.EnsureRun(context.Background(), "inst-1", "does-not-exist", nil)
	if !errors.Is(err, ErrPlaybookNotFound) {
		t.Fatalf("expected playbook not found, got %v", err)
	}
}

func TestEnsureRunUnknownInstance(t *testing.T) {
	env := newRemEnv()
	engine := env.engine()

	_, err := engine.EnsureRun(context.Background(), "inst-ghost", "", nil)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found for unregistered instance, got %v", err)
	}
	if env.runs.countActive("inst-ghost") != 0 {
		t.Fatalf("expected no run materialized for unregistered instance")
	}
}

func TestEnsureRunReturnsExistingActiveRun(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()
	ctx := context.Background()

	first, err := engine.EnsureRun(ctx, "inst-1", "", nil)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	second, err := engine.EnsureRun(ctx, "inst-1", "", nil)
	if !errors.Is(err, repository.ErrActiveRunExists) {
		t.Fatalf("expected active run exists, got %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("expected existing run surfaced, got %+v", second)
	}
}

func TestConcurrentEnsureRunSingleWinner(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()
	ctx := context.Background()

	const callers = 6
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.EnsureRun(ctx, "inst-1", "", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	created, duplicates := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, repository.ErrActiveRunExists):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one run created, got %d", created)
	}
	if duplicates != callers-1 {
		t.Fatalf("expected %d duplicates, got %d", callers-1, duplicates)
	}
	if env.runs.countActive("inst-1") != 1 {
		t.Fatalf("expected one active run, got %d", env.runs.countActive("inst-1"))
	}
}

func TestApproveMovesInstanceToRemediating(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()
	ctx := context.Background()

	run, err := engine.EnsureRun(ctx, "inst-1", approvalPlaybook, nil)
	if err != nil {
		t.Fatalf("ensure run: %v", err)
	}

	approved, err := engine.Approve(ctx, run.ID, run.Version, true, "looks safe")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.ApprovalState != domain.ApprovalApproved {
		t.Fatalf("expected approved, got %s", approved.ApprovalState)
	}

	entry, _ := env.trust.Latest(ctx, "inst-1")
	if entry.LifecycleState != domain.LifecycleRemediating {
		t.Fatalf("expected remediating after approval, got %s", entry.LifecycleState)
	}
}

func TestApproveStaleVersionConflicts(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()
	ctx := context.Background()

	run, err := engine.EnsureRun(ctx, "inst-1", approvalPlaybook, nil)
	if err != nil {
		t.Fatalf("ensure run: %v", err)
	}

	if _, err := engine.Approve(ctx, run.ID, run.Version, true, "first"); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	_, err = engine.Approve(ctx, run.ID, run.Version, true, "second")
	if !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("expected version conflict on stale approval, got %v", err)
	}
}

func TestApproveRejectionCancelsRun(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()
	ctx := context.Background()

	run, err := engine.EnsureRun(ctx, "inst-1", approvalPlaybook, nil)
	if err != nil {
		t.Fatalf("ensure run: %v", err)
	}

	rejected, err := engine.Approve(ctx, run.ID, run.Version, false, "unsafe window")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.ApprovalState != domain.ApprovalRejected {
		t.Fatalf("expected rejected, got %s", rejected.ApprovalState)
	}
	if rejected.Status != domain.RunCancelled {
		t.Fatalf("expected cancelled run, got %s", rejected.Status)
	}
	if rejected.CancellationReason != "approval:rejected" {
		t.Fatalf("unexpected cancellation reason %q", rejected.CancellationReason)
	}

	entry, _ := env.trust.Latest(ctx, "inst-1")
	if entry.LifecycleState != domain.LifecycleQuarantined {
		t.Fatalf("expected instance still quarantined, got %s", entry.LifecycleState)
	}
	// The active slot is free again.
	if env.runs.countActive("inst-1") != 0 {
		t.Fatalf("expected no active run after rejection")
	}
}

func TestCancelRequarantinesRemediatingInstance(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()
	ctx := context.Background()

	run, err := engine.EnsureRun(ctx, "inst-1", "", nil)
	if err != nil {
		t.Fatalf("ensure run: %v", err)
	}

	cancelled, err := engine.Cancel(ctx, run.ID, "operator-cancelled")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.RunCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.FailureReason != domain.FailureCancelled {
		t.Fatalf("expected cancelled failure reason, got %q", cancelled.FailureReason)
	}

	entry, _ := env.trust.Latest(ctx, "inst-1")
	if entry.LifecycleState != domain.LifecycleQuarantined {
		t.Fatalf("expected requarantine, got %s", entry.LifecycleState)
	}
	if env.trust.lastReason("inst-1") != "remediation:cancelled" {
		t.Fatalf("unexpected reason %q", env.trust.lastReason("inst-1"))
	}
	// Cancellation is neutral: the consumed attempt stays but no new one is
	// added.
	if entry.RemediationAttempts != 1 {
		t.Fatalf("unexpected attempts %d", entry.RemediationAttempts)
	}
}

func TestCancelFiresInflightCancelFunc(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()
	ctx := context.Background()

	run, err := engine.EnsureRun(ctx, "inst-1", "", nil)
	if err != nil {
		t.Fatalf("ensure run: %v", err)
	}

	execCtx, cancel := context.WithCancel(context.Background())
	env.cancels.Put(run.ID, cancel)
	defer env.cancels.Remove(run.ID)

	if _, err := engine.Cancel(ctx, run.ID, "operator-cancelled"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-execCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected execution context to be cancelled")
	}
}

func TestCancelSettledRunNotCancellable(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()
	ctx := context.Background()

	run, err := engine.EnsureRun(ctx, "inst-1", "", nil)
	if err != nil {
		t.Fatalf("ensure run: %v", err)
	}
	if err := env.runs.CompleteRun(ctx, run.ID, domain.RunCompleted, "", "", time.Now()); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	_, err = engine.Cancel(ctx, run.ID, "too late")
	if !errors.Is(err, ErrRunNotCancellable) {
		t.Fatalf("expected not cancellable, got %v", err)
	}

	_, err = engine.Cancel(ctx, "missing-run", "whatever")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found for unknown run, got %v", err)
	}
}

func TestStartEnqueuesRunOnQuarantineEvent(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		engine.Start(ctx)
		close(done)
	}()

	// Give the subscription a moment to attach before publishing.
	time.Sleep(20 * time.Millisecond)
	env.bus.Publish(domain.TrustEvent{Entry: domain.TrustEntry{
		InstanceID:     "inst-1",
		LifecycleState: domain.LifecycleQuarantined,
	}})
	env.bus.Publish(domain.TrustEvent{Entry: domain.TrustEntry{
		InstanceID:     "inst-2",
		LifecycleState: domain.LifecycleRestored,
	}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.runs.countActive("inst-1") == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if env.runs.countActive("inst-1") != 1 {
		t.Fatalf("expected run enqueued for quarantined instance")
	}
	if env.runs.countActive("inst-2") != 0 {
		t.Fatalf("expected no run for restored instance")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine loop did not stop")
	}
}

func TestReconcileEnqueuesRunForMissedQuarantine(t *testing.T) {
	env := newRemEnv()
	// The quarantine event for inst-1 never reached a subscriber; only the
	// registry snapshot records the state.
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	env.trust.set("inst-2", domain.LifecycleRestored, domain.AttestationTrusted, 0)
	engine := env.engine()

	engine.reconcile(context.Background())

	if env.runs.countActive("inst-1") != 1 {
		t.Fatalf("expected run materialized for quarantined instance")
	}
	if env.runs.countActive("inst-2") != 0 {
		t.Fatalf("expected no run for restored instance")
	}

	// A second sweep finds the active run and leaves it alone.
	engine.reconcile(context.Background())
	if env.runs.countActive("inst-1") != 1 {
		t.Fatalf("expected sweep to be idempotent, got %d active runs", env.runs.countActive("inst-1"))
	}
}

func TestStartSweepsQuarantineBacklogWithoutEvents(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	engine := env.engine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		engine.Start(ctx)
		close(done)
	}()

	// Nothing is published; the startup sweep alone must enqueue the run.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.runs.countActive("inst-1") == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if env.runs.countActive("inst-1") != 1 {
		t.Fatalf("expected startup sweep to enqueue a run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine loop did not stop")
	}
}

type remEnv struct {
	runs      *runRepoStub
	playbooks *playbookRepoStub
	artifacts *artifactRepoStub
	trust     *trustCtlStub
	cancels   *CancelRegistry
	bus       *bus.TrustBus
}

func newRemEnv() *remEnv {
	playbooks := newPlaybookRepoStub()
	playbooks.seed(domain.RemediationPlaybook{
		Key:          defaultPlaybook,
		ExecutorKind: domain.RemediationShell,
		Owner:        "platform-oncall",
		SLASeconds:   1800,
		Version:      1,
	})
	playbooks.seed(domain.RemediationPlaybook{
		Key:              approvalPlaybook,
		ExecutorKind:     domain.RemediationCloudAPI,
		Owner:            "security-oncall",
		ApprovalRequired: true,
		SLASeconds:       3600,
		Version:          1,
	})
	return &remEnv{
		runs:      newRunRepoStub(),
		playbooks: playbooks,
		artifacts: &artifactRepoStub{},
		trust:     newTrustCtlStub(),
		cancels:   NewCancelRegistry(),
		bus:       bus.New(16),
	}
}

func (env *remEnv) engine() *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(env.runs, env.playbooks, env.artifacts, env.trust, env.bus, env.cancels, logger,
		defaultPlaybook, 30*time.Minute)
}
