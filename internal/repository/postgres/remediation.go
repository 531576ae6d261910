package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/repository"
)

const uniqueViolation = "23505"

const runColumns = `id, instance_id, playbook_key, executor_kind, status, approval_state,
	assigned_owner, sla_deadline, failure_reason, last_error, metadata, version,
	started_at, completed_at, cancelled_at, cancellation_reason, updated_at`

// CreatePlaybook inserts a catalog entry.
func (r *Repository) CreatePlaybook(ctx context.Context, playbook *domain.RemediationPlaybook) error {
	const query = `INSERT INTO remediation_playbooks (key, executor_kind, owner, approval_required,
			sla_seconds, payload, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)`
	_, err := r.pool.Exec(ctx, query, playbook.Key, playbook.ExecutorKind, playbook.Owner,
		playbook.ApprovalRequired, playbook.SLASeconds, playbook.Payload, playbook.CreatedAt)
	return err
}

// UpdatePlaybook edits a catalog entry under optimistic locking.
func (r *Repository) UpdatePlaybook(ctx context.Context, playbook *domain.RemediationPlaybook, expectedVersion int64) error {
	const query = `UPDATE remediation_playbooks SET executor_kind = $2, owner = $3, approval_required = $4,
			sla_seconds = $5, payload = $6, version = version + 1, updated_at = NOW()
		WHERE key = $1 AND version = $7`
	tag, err := r.pool.Exec(ctx, query, playbook.Key, playbook.ExecutorKind, playbook.Owner,
		playbook.ApprovalRequired, playbook.SLASeconds, playbook.Payload, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetPlaybookByKey(ctx, playbook.Key); err != nil {
			return err
		}
		return repository.ErrVersionConflict
	}
	return nil
}

// GetPlaybookByKey fetches a catalog entry.
func (r *Repository) GetPlaybookByKey(ctx context.Context, key string) (*domain.RemediationPlaybook, error) {
	const query = `SELECT key, executor_kind, owner, approval_required, sla_seconds, payload, version, created_at, updated_at
		FROM remediation_playbooks WHERE key = $1`
	row := r.pool.QueryRow(ctx, query, key)
	var p domain.RemediationPlaybook
	if err := row.Scan(&p.Key, &p.ExecutorKind, &p.Owner, &p.ApprovalRequired, &p.SLASeconds, &p.Payload, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListPlaybooks returns the catalog ordered by key.
func (r *Repository) ListPlaybooks(ctx context.Context) ([]domain.RemediationPlaybook, error) {
	const query = `SELECT key, executor_kind, owner, approval_required, sla_seconds, payload, version, created_at, updated_at
		FROM remediation_playbooks ORDER BY key`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	playbooks := make([]domain.RemediationPlaybook, 0)
	for rows.Next() {
		var p domain.RemediationPlaybook
		if err := rows.Scan(&p.Key, &p.ExecutorKind, &p.Owner, &p.ApprovalRequired, &p.SLASeconds, &p.Payload, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		playbooks = append(playbooks, p)
	}
	return playbooks, rows.Err()
}

// CreateRun materializes a remediation run. The conditional insert plus the
// partial unique index on active statuses guarantee at most one pending or
// running run per instance, even when creators race.
func (r *Repository) CreateRun(ctx context.Context, run *domain.RemediationRun) error {
	const query = `INSERT INTO remediation_runs (id, instance_id, playbook_key, executor_kind, status,
			approval_state, assigned_owner, sla_deadline, metadata, version, started_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $10
		WHERE NOT EXISTS (
			SELECT 1 FROM remediation_runs
			WHERE instance_id = $2 AND status IN ('pending', 'running')
		)`
	tag, err := r.pool.Exec(ctx, query, run.ID, run.InstanceID, run.PlaybookKey, run.ExecutorKind,
		run.Status, run.ApprovalState, run.AssignedOwner, run.SLADeadline, run.Metadata, run.StartedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrActiveRunExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrActiveRunExists
	}
	return nil
}

// GetRunByID fetches one run.
func (r *Repository) GetRunByID(ctx context.Context, runID string) (*domain.RemediationRun, error) {
	query := `SELECT ` + runColumns + ` FROM remediation_runs WHERE id = $1`
	return r.scanRun(r.pool.QueryRow(ctx, query, runID))
}

// GetActiveRunForInstance returns the pending or running run, if any.
func (r *Repository) GetActiveRunForInstance(ctx context.Context, instanceID string) (*domain.RemediationRun, error) {
	query := `SELECT ` + runColumns + ` FROM remediation_runs
		WHERE instance_id = $1 AND status IN ('pending', 'running')`
	return r.scanRun(r.pool.QueryRow(ctx, query, instanceID))
}

// ListRuns returns runs newest-first, optionally filtered.
func (r *Repository) ListRuns(ctx context.Context, instanceID, status string, limit int) ([]domain.RemediationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM remediation_runs
		WHERE ($1 = '' OR instance_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, instanceID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.RemediationRun, 0)
	for rows.Next() {
		run, err := r.scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateApproval applies an approval decision under optimistic locking. A
// stale expected version leaves approval_state untouched.
func (r *Repository) UpdateApproval(ctx context.Context, runID string, expectedVersion int64, state, notes string, decidedAt time.Time) error {
	const query = `UPDATE remediation_runs SET approval_state = $3, approval_notes = $4,
			approval_decided_at = $5, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2`
	tag, err := r.pool.Exec(ctx, query, runID, expectedVersion, state, notes, decidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetRunByID(ctx, runID); err != nil {
			return err
		}
		return repository.ErrVersionConflict
	}
	return nil
}

// ClaimNextRunnable atomically claims the oldest approved pending run.
// SKIP LOCKED lets concurrent workers claim disjoint runs.
func (r *Repository) ClaimNextRunnable(ctx context.Context, now time.Time) (*domain.RemediationRun, error) {
	query := `UPDATE remediation_runs SET status = 'running', version = version + 1, updated_at = $1
		WHERE id = (
			SELECT id FROM remediation_runs
			WHERE status = 'pending' AND approval_state IN ('approved', 'auto-approved')
			ORDER BY started_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + runColumns
	return r.scanRun(r.pool.QueryRow(ctx, query, now))
}

// CompleteRun records the typed exit status of a finished run.
func (r *Repository) CompleteRun(ctx context.Context, runID, status, failureReason, lastError string, completedAt time.Time) error {
	const query = `UPDATE remediation_runs SET status = $2, failure_reason = NULLIF($3, ''),
			last_error = NULLIF($4, ''), completed_at = $5, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')`
	tag, err := r.pool.Exec(ctx, query, runID, status, failureReason, lastError, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CancelRun marks an active run cancelled, releasing the active slot.
func (r *Repository) CancelRun(ctx context.Context, runID, reason string, cancelledAt time.Time) error {
	const query = `UPDATE remediation_runs SET status = 'cancelled', failure_reason = 'cancelled',
			cancellation_reason = $2, cancelled_at = $3, completed_at = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')`
	tag, err := r.pool.Exec(ctx, query, runID, reason, cancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListOverdueRuns returns active runs whose SLA deadline has elapsed.
func (r *Repository) ListOverdueRuns(ctx context.Context, now time.Time) ([]domain.RemediationRun, error) {
	query := `SELECT ` + runColumns + ` FROM remediation_runs
		WHERE status IN ('pending', 'running') AND sla_deadline IS NOT NULL AND sla_deadline < $1`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.RemediationRun, 0)
	for rows.Next() {
		run, err := r.scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// AppendArtifact stores immutable run evidence.
func (r *Repository) AppendArtifact(ctx context.Context, artifact *domain.RemediationArtifact) error {
	const query = `INSERT INTO remediation_artifacts (run_id, kind, label, content, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	return r.pool.QueryRow(ctx, query, artifact.RunID, artifact.Kind, artifact.Label, artifact.Content, artifact.CreatedAt).
		Scan(&artifact.ID)
}

// ListArtifactsByRun returns artifacts in append order.
func (r *Repository) ListArtifactsByRun(ctx context.Context, runID string) ([]domain.RemediationArtifact, error) {
	const query = `SELECT id, run_id, kind, label, content, created_at
		FROM remediation_artifacts WHERE run_id = $1 ORDER BY id`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	artifacts := make([]domain.RemediationArtifact, 0)
	for rows.Next() {
		var a domain.RemediationArtifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Label, &a.Content, &a.CreatedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanRun(row rowScanner) (*domain.RemediationRun, error) {
	var run domain.RemediationRun
	var failureReason, lastError, cancellationReason *string
	if err := row.Scan(&run.ID, &run.InstanceID, &run.PlaybookKey, &run.ExecutorKind, &run.Status,
		&run.ApprovalState, &run.AssignedOwner, &run.SLADeadline, &failureReason, &lastError,
		&run.Metadata, &run.Version, &run.StartedAt, &run.CompletedAt, &run.CancelledAt,
		&cancellationReason, &run.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if failureReason != nil {
		run.FailureReason = *failureReason
	}
	if lastError != nil {
		run.LastError = *lastError
	}
	if cancellationReason != nil {
		run.CancellationReason = *cancellationReason
	}
	return &run, nil
}

func (r *Repository) scanRunRow(rows pgx.Rows) (*domain.RemediationRun, error) {
	return r.scanRun(rows)
}
