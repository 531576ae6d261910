package remediation

import (
	"context"
	"errors"
	"time"

	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/metrics"
	"github.com/vigil-host/vigil/internal/repository"
)

// StartSLASweep fails runs whose SLA deadline passed without completion,
// covering runs stuck awaiting approval as well as executions that outlived
// their window. SLA expiry is a timeout in the failure taxonomy.
func (w *Worker) StartSLASweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOverdue(ctx)
		}
	}
}

func (w *Worker) sweepOverdue(ctx context.Context) {
	overdue, err := w.runs.ListOverdueRuns(ctx, w.now().UTC())
	if err != nil {
		if w.logger != nil {
			w.logger.Error("failed to list overdue runs", "error", err)
		}
		return
	}
	for i := range overdue {
		run := &overdue[i]
		err := w.runs.CompleteRun(ctx, run.ID, domain.RunFailed, domain.FailureTimeout,
			"sla deadline exceeded", w.now().UTC())
		if err != nil {
			// Lost the race against completion or cancellation.
			if !errors.Is(err, repository.ErrNotFound) && w.logger != nil {
				w.logger.Error("failed to expire overdue run", "run_id", run.ID, "error", err)
			}
			continue
		}
		w.cancels.Cancel(run.ID)
		metrics.RemediationRuns.WithLabelValues(domain.RunFailed, domain.FailureTimeout).Inc()

		attempts := 0
		if entry, lerr := w.trust.Latest(ctx, run.InstanceID); lerr == nil {
			attempts = entry.RemediationAttempts
		}
		retry := attempts < w.maxAttempts
		reason := "remediation:failed:" + domain.FailureTimeout
		if !retry {
			reason = "remediation:exhausted"
		}
		terr := transitionLifecycle(ctx, w.trust, run.InstanceID, domain.LifecycleQuarantined, "", reason,
			func(current *domain.TrustEntry) bool {
				return current != nil && current.LifecycleState == domain.LifecycleRemediating
			})
		if terr != nil && w.logger != nil {
			w.logger.Error("failed to requarantine overdue run", "run_id", run.ID, "error", terr)
		}
		if retry {
			if _, qerr := w.enqueuer.EnsureRun(ctx, run.InstanceID, run.PlaybookKey, run.Metadata); qerr != nil &&
				!errors.Is(qerr, repository.ErrActiveRunExists) && w.logger != nil {
				w.logger.Error("failed to requeue overdue run", "run_id", run.ID, "error", qerr)
			}
		}
		if w.logger != nil {
			w.logger.Warn("remediation run exceeded sla", "run_id", run.ID, "instance_id", run.InstanceID, "requeued", retry)
		}
	}
}
