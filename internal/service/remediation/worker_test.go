package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vigil-host/vigil/internal/domain"
)

func TestWorkerCompletedRunRestoresInstance(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	ctx := context.Background()

	run := enqueueAndClaim(t, env)

	adapter := &adapterStub{kind: domain.RemediationShell, fn: func(_ context.Context, _ *domain.RemediationRun, _ *domain.RemediationPlaybook, logf LogFunc) error {
		logf(domain.LogStreamStdout, "baseline re-attested")
		return nil
	}}
	enq := &enqueuerStub{}
	worker := newTestWorker(env, NewAdapterRegistry(adapter), enq)

	worker.execute(ctx, run)

	settled, err := env.runs.GetRunByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if settled.Status != domain.RunCompleted {
		t.Fatalf("expected completed, got %s", settled.Status)
	}
	if settled.CompletedAt == nil {
		t.Fatalf("expected completed_at set")
	}

	entry, _ := env.trust.Latest(ctx, "inst-1")
	if entry.LifecycleState != domain.LifecycleRestored {
		t.Fatalf("expected restored, got %s", entry.LifecycleState)
	}
	// Restoration demands fresh evidence rather than asserting trust.
	if entry.AttestationStatus != domain.AttestationPending {
		t.Fatalf("expected pending attestation after restore, got %s", entry.AttestationStatus)
	}
	if entry.RemediationAttempts != 0 {
		t.Fatalf("expected attempts reset, got %d", entry.RemediationAttempts)
	}
	if env.trust.lastReason("inst-1") != "remediation:completed" {
		t.Fatalf("unexpected reason %q", env.trust.lastReason("inst-1"))
	}

	assertTranscript(t, env, run.ID, "baseline re-attested")
	if enq.count() != 0 {
		t.Fatalf("expected no requeue on success")
	}
}

func TestWorkerStructuralFailureRequarantinesWithoutRetry(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	ctx := context.Background()

	run := enqueueAndClaim(t, env)

	adapter := &adapterStub{kind: domain.RemediationShell, fn: func(context.Context, *domain.RemediationRun, *domain.RemediationPlaybook, LogFunc) error {
		return failure(domain.FailurePlaybookBug, errors.New("exit status 2"))
	}}
	enq := &enqueuerStub{}
	worker := newTestWorker(env, NewAdapterRegistry(adapter), enq)

	worker.execute(ctx, run)

	settled, _ := env.runs.GetRunByID(ctx, run.ID)
	if settled.Status != domain.RunFailed {
		t.Fatalf("expected failed, got %s", settled.Status)
	}
	if settled.FailureReason != domain.FailurePlaybookBug {
		t.Fatalf("unexpected failure reason %q", settled.FailureReason)
	}
	if settled.LastError == "" {
		t.Fatalf("expected last error recorded")
	}

	entry, _ := env.trust.Latest(ctx, "inst-1")
	if entry.LifecycleState != domain.LifecycleQuarantined {
		t.Fatalf("expected requarantine, got %s", entry.LifecycleState)
	}
	if env.trust.lastReason("inst-1") != "remediation:failed:playbook_bug" {
		t.Fatalf("unexpected reason %q", env.trust.lastReason("inst-1"))
	}
	if enq.count() != 0 {
		t.Fatalf("structural failures must not requeue")
	}
}

func TestWorkerTransientFailureRequeues(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	ctx := context.Background()

	run := enqueueAndClaim(t, env)

	adapter := &adapterStub{kind: domain.RemediationShell, fn: func(context.Context, *domain.RemediationRun, *domain.RemediationPlaybook, LogFunc) error {
		return failure(domain.FailureDependencyOutage, errors.New("attestation service unreachable"))
	}}
	enq := &enqueuerStub{}
	worker := newTestWorker(env, NewAdapterRegistry(adapter), enq)

	worker.execute(ctx, run)

	settled, _ := env.runs.GetRunByID(ctx, run.ID)
	if settled.FailureReason != domain.FailureDependencyOutage {
		t.Fatalf("unexpected failure reason %q", settled.FailureReason)
	}
	if env.trust.lastReason("inst-1") != "remediation:failed:dependency_outage" {
		t.Fatalf("unexpected reason %q", env.trust.lastReason("inst-1"))
	}
	if enq.count() != 1 {
		t.Fatalf("expected one requeue, got %d", enq.count())
	}
	if got := enq.last(); got.instanceID != "inst-1" || got.playbookKey != defaultPlaybook {
		t.Fatalf("unexpected requeue args %+v", got)
	}
}

func TestWorkerTransientFailureExhaustsRetryBudget(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleRemediating, domain.AttestationUntrusted, 3)
	ctx := context.Background()

	run := seedRunningRun(t, env, "inst-1", nil)

	adapter := &adapterStub{kind: domain.RemediationShell, fn: func(context.Context, *domain.RemediationRun, *domain.RemediationPlaybook, LogFunc) error {
		return failure(domain.FailureTimeout, errors.New("verification stalled"))
	}}
	enq := &enqueuerStub{}
	worker := newTestWorker(env, NewAdapterRegistry(adapter), enq)

	worker.execute(ctx, run)

	if env.trust.lastReason("inst-1") != "remediation:exhausted" {
		t.Fatalf("expected exhaustion reason, got %q", env.trust.lastReason("inst-1"))
	}
	entry, _ := env.trust.Latest(ctx, "inst-1")
	if entry.LifecycleState != domain.LifecycleQuarantined {
		t.Fatalf("expected quarantine, got %s", entry.LifecycleState)
	}
	if enq.count() != 0 {
		t.Fatalf("expected no requeue once budget is spent")
	}
}

func TestWorkerMissingAdapterIsExecutorUnavailable(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	ctx := context.Background()

	run := enqueueAndClaim(t, env)

	enq := &enqueuerStub{}
	worker := newTestWorker(env, NewAdapterRegistry(), enq)

	worker.execute(ctx, run)

	settled, _ := env.runs.GetRunByID(ctx, run.ID)
	if settled.FailureReason != domain.FailureExecutorUnavailable {
		t.Fatalf("unexpected failure reason %q", settled.FailureReason)
	}
	// Executor outages are transient, so the run requeues while budget lasts.
	if enq.count() != 1 {
		t.Fatalf("expected requeue, got %d", enq.count())
	}
}

func TestWorkerSLAExpiredBeforeExecutionFailsAsTimeout(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleRemediating, domain.AttestationUntrusted, 1)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	run := seedRunningRun(t, env, "inst-1", &past)

	called := false
	adapter := &adapterStub{kind: domain.RemediationShell, fn: func(context.Context, *domain.RemediationRun, *domain.RemediationPlaybook, LogFunc) error {
		called = true
		return nil
	}}
	enq := &enqueuerStub{}
	worker := newTestWorker(env, NewAdapterRegistry(adapter), enq)

	worker.execute(ctx, run)

	if called {
		t.Fatalf("adapter must not run past the sla deadline")
	}
	settled, _ := env.runs.GetRunByID(ctx, run.ID)
	if settled.FailureReason != domain.FailureTimeout {
		t.Fatalf("unexpected failure reason %q", settled.FailureReason)
	}
}

func TestWorkerOperatorCancelLeavesSettledRun(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)
	ctx := context.Background()

	run := enqueueAndClaim(t, env)

	started := make(chan struct{})
	adapter := &adapterStub{kind: domain.RemediationShell, fn: func(runCtx context.Context, _ *domain.RemediationRun, _ *domain.RemediationPlaybook, _ LogFunc) error {
		close(started)
		<-runCtx.Done()
		return runCtx.Err()
	}}
	enq := &enqueuerStub{}
	worker := newTestWorker(env, NewAdapterRegistry(adapter), enq)
	engine := env.engine()

	done := make(chan struct{})
	go func() {
		worker.execute(ctx, run)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("adapter never started")
	}
	if _, err := engine.Cancel(ctx, run.ID, "operator-cancelled"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not observe cancellation")
	}

	settled, _ := env.runs.GetRunByID(ctx, run.ID)
	if settled.Status != domain.RunCancelled {
		t.Fatalf("expected cancelled, got %s", settled.Status)
	}
	if settled.CancellationReason != "operator-cancelled" {
		t.Fatalf("unexpected cancellation reason %q", settled.CancellationReason)
	}
	entry, _ := env.trust.Latest(ctx, "inst-1")
	if entry.LifecycleState != domain.LifecycleQuarantined {
		t.Fatalf("expected requarantine after cancel, got %s", entry.LifecycleState)
	}
	// The interrupted execution still leaves its transcript behind.
	assertTranscript(t, env, run.ID, "execution interrupted")
	if enq.count() != 0 {
		t.Fatalf("cancellation must not requeue")
	}
}

func TestWorkerStartClaimsAndExecutes(t *testing.T) {
	env := newRemEnv()
	env.trust.set("inst-1", domain.LifecycleQuarantined, domain.AttestationUntrusted, 0)

	engine := env.engine()
	if _, err := engine.EnsureRun(context.Background(), "inst-1", "", nil); err != nil {
		t.Fatalf("ensure run: %v", err)
	}

	adapter := &adapterStub{kind: domain.RemediationShell, fn: func(context.Context, *domain.RemediationRun, *domain.RemediationPlaybook, LogFunc) error {
		return nil
	}}
	worker := newTestWorker(env, NewAdapterRegistry(adapter), &enqueuerStub{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runs, _ := env.runs.ListRuns(context.Background(), "inst-1", domain.RunCompleted, 1)
		if len(runs) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	runs, _ := env.runs.ListRuns(context.Background(), "inst-1", domain.RunCompleted, 1)
	if len(runs) != 1 {
		t.Fatalf("expected the claimed run to complete")
	}
	entry, _ := env.trust.Latest(context.Background(), "inst-1")
	if entry.LifecycleState != domain.LifecycleRestored {
		t.Fatalf("expected restored at end of cycle, got %s", entry.LifecycleState)
	}
}

func newTestWorker(env *remEnv, adapters *AdapterRegistry, enq Enqueuer) *Worker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWorker(env.runs, env.playbooks, env.artifacts, env.trust, adapters, enq, nil, env.cancels,
		logger, 10*time.Millisecond, time.Minute, 3)
}

// enqueueAndClaim drives the queue the way production does: EnsureRun through
// the engine, then claim the approved run.
func enqueueAndClaim(t *testing.T, env *remEnv) *domain.RemediationRun {
	t.Helper()
	engine := env.engine()
	if _, err := engine.EnsureRun(context.Background(), "inst-1", "", nil); err != nil {
		t.Fatalf("ensure run: %v", err)
	}
	run, err := env.runs.ClaimNextRunnable(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("claim run: %v", err)
	}
	return run
}

func seedRunningRun(t *testing.T, env *remEnv, instanceID string, slaDeadline *time.Time) *domain.RemediationRun {
	t.Helper()
	run := &domain.RemediationRun{
		InstanceID:    instanceID,
		PlaybookKey:   defaultPlaybook,
		ExecutorKind:  domain.RemediationShell,
		Status:        domain.RunPending,
		ApprovalState: domain.ApprovalAutoApproved,
		SLADeadline:   slaDeadline,
		StartedAt:     time.Now(),
	}
	if err := env.runs.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	claimed, err := env.runs.ClaimNextRunnable(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("claim seeded run: %v", err)
	}
	return claimed
}

func assertTranscript(t *testing.T, env *remEnv, runID, wantLine string) {
	t.Helper()
	artifacts, err := env.artifacts.ListArtifactsByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected one transcript artifact, got %d", len(artifacts))
	}
	if artifacts[0].Kind != "transcript" {
		t.Fatalf("unexpected artifact kind %q", artifacts[0].Kind)
	}
	var lines []domain.RemediationLogEvent
	if err := json.Unmarshal(artifacts[0].Content, &lines); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	for _, line := range lines {
		if line.Line == wantLine {
			return
		}
	}
	t.Fatalf("transcript missing line %q: %+v", wantLine, lines)
}

type adapterStub struct {
	kind string
	fn   func(ctx context.Context, run *domain.RemediationRun, playbook *domain.RemediationPlaybook, logf LogFunc) error
}

func (a *adapterStub) Kind() string { return a.kind }

func (a *adapterStub) Execute(ctx context.Context, run *domain.RemediationRun, playbook *domain.RemediationPlaybook, logf LogFunc) error {
	return a.fn(ctx, run, playbook, logf)
}

type enqueueCall struct {
	instanceID  string
	playbookKey string
}

type enqueuerStub struct {
	mu    sync.Mutex
	calls []enqueueCall
}

func (e *enqueuerStub) EnsureRun(_ context.Context, instanceID, playbookKey string, _ json.RawMessage) (*domain.RemediationRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, enqueueCall{instanceID: instanceID, playbookKey: playbookKey})
	return &domain.RemediationRun{InstanceID: instanceID, PlaybookKey: playbookKey}, nil
}

func (e *enqueuerStub) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *enqueuerStub) last() enqueueCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[len(e.calls)-1]
}
