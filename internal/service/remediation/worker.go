package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/metrics"
	"github.com/vigil-host/vigil/internal/repository"
	"github.com/vigil-host/vigil/internal/ws"
)

// Enqueuer re-enqueues runs for transient failures that still have retry
// budget. Implemented by the Engine.
type Enqueuer interface {
	EnsureRun(ctx context.Context, instanceID, playbookKey string, metadata json.RawMessage) (*domain.RemediationRun, error)
}

// Worker claims approved pending runs and executes them through the adapter
// matching their executor kind. Claiming happens in storage with row locks,
// so multiple workers can run against the same database.
type Worker struct {
	runs      repository.RunRepository
	playbooks repository.PlaybookRepository
	artifacts repository.ArtifactRepository
	trust     TrustController
	adapters  *AdapterRegistry
	enqueuer  Enqueuer
	hub       *ws.Hub
	cancels   *CancelRegistry
	logger    *slog.Logger

	interval    time.Duration
	execTimeout time.Duration
	maxAttempts int

	now func() time.Time
}

// NewWorker constructs the execution worker.
func NewWorker(runs repository.RunRepository, playbooks repository.PlaybookRepository, artifacts repository.ArtifactRepository,
	trustCtl TrustController, adapters *AdapterRegistry, enqueuer Enqueuer, hub *ws.Hub, cancels *CancelRegistry,
	logger *slog.Logger, interval, execTimeout time.Duration, maxAttempts int) *Worker {
	if logger != nil {
		logger = logger.With("component", "remediation-worker")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if execTimeout <= 0 {
		execTimeout = 10 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{
		runs:        runs,
		playbooks:   playbooks,
		artifacts:   artifacts,
		trust:       trustCtl,
		adapters:    adapters,
		enqueuer:    enqueuer,
		hub:         hub,
		cancels:     cancels,
		logger:      logger,
		interval:    interval,
		execTimeout: execTimeout,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Start polls for runnable work until ctx is cancelled. Each claimed run
// executes in its own goroutine; Start returns once in-flight runs finish.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var inflight sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			return
		case <-ticker.C:
			for {
				run, err := w.runs.ClaimNextRunnable(ctx, w.now().UTC())
				if err != nil {
					if !errors.Is(err, repository.ErrNotFound) && ctx.Err() == nil && w.logger != nil {
						w.logger.Error("failed to claim remediation run", "error", err)
					}
					break
				}
				inflight.Add(1)
				go func(run *domain.RemediationRun) {
					defer inflight.Done()
					w.execute(ctx, run)
				}(run)
			}
		}
	}
}

func (w *Worker) execute(ctx context.Context, run *domain.RemediationRun) {
	started := w.now()
	if w.logger != nil {
		w.logger.Info("remediation run started",
			"run_id", run.ID, "instance_id", run.InstanceID, "playbook", run.PlaybookKey)
	}

	transcript := &transcriptRecorder{hub: w.hub, runID: run.ID, now: w.now}

	playbook, err := w.playbooks.GetPlaybookByKey(ctx, run.PlaybookKey)
	if err != nil {
		transcript.log(domain.LogStreamSystem, "playbook lookup failed: "+err.Error())
		w.finish(ctx, run, transcript, domain.FailurePlaybookBug, err, started)
		return
	}

	// The execution window is bounded by both the operational timeout and
	// whatever remains of the SLA.
	timeout := w.execTimeout
	if run.SLADeadline != nil {
		remaining := run.SLADeadline.Sub(w.now())
		if remaining <= 0 {
			transcript.log(domain.LogStreamSystem, "sla deadline already passed")
			w.finish(ctx, run, transcript, domain.FailureTimeout, errors.New("sla deadline passed before execution"), started)
			return
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	adapter, ok := w.adapters.Get(run.ExecutorKind)
	if !ok {
		transcript.log(domain.LogStreamSystem, "no adapter for executor kind "+run.ExecutorKind)
		w.finish(ctx, run, transcript, domain.FailureExecutorUnavailable,
			fmt.Errorf("no adapter for executor kind %q", run.ExecutorKind), started)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	w.cancels.Put(run.ID, cancel)
	defer func() {
		w.cancels.Remove(run.ID)
		cancel()
	}()

	execErr := adapter.Execute(runCtx, run, playbook, transcript.log)

	// An operator cancellation (or shutdown) already settled the run row;
	// just persist the transcript.
	if errors.Is(execErr, context.Canceled) && runCtx.Err() == context.Canceled {
		transcript.log(domain.LogStreamSystem, "execution interrupted")
		w.appendTranscript(ctx, run.ID, transcript)
		return
	}

	if execErr == nil {
		w.finish(ctx, run, transcript, "", nil, started)
		return
	}
	w.finish(ctx, run, transcript, failureReason(execErr), execErr, started)
}

// finish settles the run row, persists the transcript and drives the trust
// registry per the failure taxonomy.
func (w *Worker) finish(ctx context.Context, run *domain.RemediationRun, transcript *transcriptRecorder, reason string, execErr error, started time.Time) {
	status := domain.RunCompleted
	lastError := ""
	if reason != "" {
		status = domain.RunFailed
		if execErr != nil {
			lastError = execErr.Error()
		}
		transcript.log(domain.LogStreamSystem, "run failed ("+reason+")")
	} else {
		transcript.log(domain.LogStreamSystem, "run completed")
	}

	if err := w.runs.CompleteRun(ctx, run.ID, status, reason, lastError, w.now().UTC()); err != nil {
		// A concurrent cancellation won the race; it owns the lifecycle.
		if errors.Is(err, repository.ErrNotFound) {
			w.appendTranscript(ctx, run.ID, transcript)
			return
		}
		if w.logger != nil {
			w.logger.Error("failed to settle remediation run", "run_id", run.ID, "error", err)
		}
		return
	}
	w.appendTranscript(ctx, run.ID, transcript)

	metrics.RemediationRuns.WithLabelValues(status, reason).Inc()
	metrics.RemediationDuration.Observe(w.now().Sub(started).Seconds())

	if reason == "" {
		err := transitionLifecycle(ctx, w.trust, run.InstanceID, domain.LifecycleRestored, domain.AttestationPending,
			"remediation:completed", func(current *domain.TrustEntry) bool {
				return current != nil && current.LifecycleState == domain.LifecycleRemediating
			})
		if err != nil && w.logger != nil {
			w.logger.Error("failed to restore instance", "run_id", run.ID, "instance_id", run.InstanceID, "error", err)
		}
		if w.logger != nil {
			w.logger.Info("remediation run completed", "run_id", run.ID, "instance_id", run.InstanceID)
		}
		return
	}

	attempts := 0
	if entry, err := w.trust.Latest(ctx, run.InstanceID); err == nil {
		attempts = entry.RemediationAttempts
	}

	requarantineReason := "remediation:failed:" + reason
	retry := domain.TransientFailure(reason) && attempts < w.maxAttempts
	if domain.TransientFailure(reason) && !retry {
		requarantineReason = "remediation:exhausted"
	}

	err := transitionLifecycle(ctx, w.trust, run.InstanceID, domain.LifecycleQuarantined, "", requarantineReason,
		func(current *domain.TrustEntry) bool {
			return current != nil && current.LifecycleState == domain.LifecycleRemediating
		})
	if err != nil && w.logger != nil {
		w.logger.Error("failed to requarantine instance", "run_id", run.ID, "instance_id", run.InstanceID, "error", err)
	}

	if retry {
		if _, err := w.enqueuer.EnsureRun(ctx, run.InstanceID, run.PlaybookKey, run.Metadata); err != nil &&
			!errors.Is(err, repository.ErrActiveRunExists) && w.logger != nil {
			w.logger.Error("failed to requeue transient failure", "run_id", run.ID, "instance_id", run.InstanceID, "error", err)
		}
	}
	if w.logger != nil {
		w.logger.Warn("remediation run failed",
			"run_id", run.ID,
			"instance_id", run.InstanceID,
			"failure_reason", reason,
			"attempts", strconv.Itoa(attempts),
			"requeued", retry)
	}
}

func (w *Worker) appendTranscript(ctx context.Context, runID string, transcript *transcriptRecorder) {
	content, err := transcript.content()
	if err != nil {
		if w.logger != nil {
			w.logger.Error("failed to encode transcript", "run_id", runID, "error", err)
		}
		return
	}
	artifact := &domain.RemediationArtifact{
		RunID:     runID,
		Kind:      "transcript",
		Label:     "execution transcript",
		Content:   content,
		CreatedAt: w.now().UTC(),
	}
	if err := w.artifacts.AppendArtifact(ctx, artifact); err != nil && w.logger != nil {
		w.logger.Error("failed to append transcript artifact", "run_id", runID, "error", err)
	}
}

// transcriptRecorder fans executor output to the live stream hub while
// accumulating lines for the durable transcript artifact.
type transcriptRecorder struct {
	hub   *ws.Hub
	runID string
	now   func() time.Time

	mu    sync.Mutex
	lines []domain.RemediationLogEvent
}

func (t *transcriptRecorder) log(stream, line string) {
	event := domain.RemediationLogEvent{
		RunID:  t.runID,
		Stream: stream,
		Line:   line,
		At:     t.now().UTC(),
	}
	t.mu.Lock()
	t.lines = append(t.lines, event)
	t.mu.Unlock()

	if t.hub != nil {
		if payload, err := json.Marshal(event); err == nil {
			t.hub.Broadcast(t.runID, payload)
		}
	}
}

func (t *transcriptRecorder) content() (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Marshal(t.lines)
}
