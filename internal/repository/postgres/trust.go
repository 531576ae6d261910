package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/repository"
)

// GetTrustEntry returns the current snapshot for an instance.
func (r *Repository) GetTrustEntry(ctx context.Context, instanceID string) (*domain.TrustEntry, error) {
	const query = `SELECT instance_id, attestation_status, lifecycle_state, remediation_state,
			remediation_attempts, freshness_deadline, provenance, version, updated_at
		FROM trust_registry WHERE instance_id = $1`
	row := r.pool.QueryRow(ctx, query, instanceID)
	var entry domain.TrustEntry
	if err := row.Scan(&entry.InstanceID, &entry.AttestationStatus, &entry.LifecycleState, &entry.RemediationState,
		&entry.RemediationAttempts, &entry.FreshnessDeadline, &entry.Provenance, &entry.Version, &entry.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// ApplyTrustWrite performs the guarded registry write: a version-checked
// snapshot bump plus an appended history row, in one transaction. The row is
// locked for the duration of the transaction so the version comparison and
// the update cannot interleave with another writer.
func (r *Repository) ApplyTrustWrite(ctx context.Context, write repository.TrustWrite) (*domain.TrustEntry, *domain.TrustTransition, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("begin trust write: %w", err)
	}
	defer tx.Rollback(ctx)

	const current = `SELECT attestation_status, lifecycle_state, version FROM trust_registry
		WHERE instance_id = $1 FOR UPDATE`
	var prevStatus, prevLifecycle string
	var prevVersion int64
	exists := true
	if err := tx.QueryRow(ctx, current, write.InstanceID).Scan(&prevStatus, &prevLifecycle, &prevVersion); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, err
		}
		exists = false
	}

	if exists && prevVersion != write.ExpectedVersion {
		return nil, nil, repository.ErrVersionConflict
	}
	if !exists && write.ExpectedVersion != 0 {
		return nil, nil, repository.ErrVersionConflict
	}

	var entry domain.TrustEntry
	if exists {
		const update = `UPDATE trust_registry SET
				attestation_status = $2,
				lifecycle_state = $3,
				remediation_state = $4,
				remediation_attempts = $5,
				freshness_deadline = $6,
				provenance = $7,
				version = version + 1,
				updated_at = NOW()
			WHERE instance_id = $1
			RETURNING instance_id, attestation_status, lifecycle_state, remediation_state,
				remediation_attempts, freshness_deadline, provenance, version, updated_at`
		err = tx.QueryRow(ctx, update, write.InstanceID, write.AttestationStatus, write.LifecycleState,
			write.RemediationState, write.RemediationAttempts, write.FreshnessDeadline, write.Provenance).
			Scan(&entry.InstanceID, &entry.AttestationStatus, &entry.LifecycleState, &entry.RemediationState,
				&entry.RemediationAttempts, &entry.FreshnessDeadline, &entry.Provenance, &entry.Version, &entry.UpdatedAt)
	} else {
		const insert = `INSERT INTO trust_registry (instance_id, attestation_status, lifecycle_state,
				remediation_state, remediation_attempts, freshness_deadline, provenance, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			RETURNING instance_id, attestation_status, lifecycle_state, remediation_state,
				remediation_attempts, freshness_deadline, provenance, version, updated_at`
		err = tx.QueryRow(ctx, insert, write.InstanceID, write.AttestationStatus, write.LifecycleState,
			write.RemediationState, write.RemediationAttempts, write.FreshnessDeadline, write.Provenance).
			Scan(&entry.InstanceID, &entry.AttestationStatus, &entry.LifecycleState, &entry.RemediationState,
				&entry.RemediationAttempts, &entry.FreshnessDeadline, &entry.Provenance, &entry.Version, &entry.UpdatedAt)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("write trust snapshot: %w", err)
	}

	transition := domain.TrustTransition{
		InstanceID:          write.InstanceID,
		CurrentStatus:       entry.AttestationStatus,
		CurrentLifecycle:    entry.LifecycleState,
		Reason:              write.Reason,
		RemediationAttempts: entry.RemediationAttempts,
	}
	if exists {
		transition.PreviousStatus = &prevStatus
		transition.PreviousLifecycle = &prevLifecycle
	}

	const history = `INSERT INTO trust_transitions (instance_id, previous_status, current_status,
			previous_lifecycle, current_lifecycle, reason, remediation_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, triggered_at`
	if err := tx.QueryRow(ctx, history, transition.InstanceID, transition.PreviousStatus, transition.CurrentStatus,
		transition.PreviousLifecycle, transition.CurrentLifecycle, transition.Reason, transition.RemediationAttempts).
		Scan(&transition.ID, &transition.TriggeredAt); err != nil {
		return nil, nil, fmt.Errorf("append trust transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit trust write: %w", err)
	}
	return &entry, &transition, nil
}

// ListEntriesByLifecycle returns current snapshots in the given lifecycle
// state, oldest update first so the longest-waiting instances surface first.
func (r *Repository) ListEntriesByLifecycle(ctx context.Context, lifecycle string, limit int) ([]domain.TrustEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	const query = `SELECT instance_id, attestation_status, lifecycle_state, remediation_state,
			remediation_attempts, freshness_deadline, provenance, version, updated_at
		FROM trust_registry WHERE lifecycle_state = $1 ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, lifecycle, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.TrustEntry, 0)
	for rows.Next() {
		var entry domain.TrustEntry
		if err := rows.Scan(&entry.InstanceID, &entry.AttestationStatus, &entry.LifecycleState, &entry.RemediationState,
			&entry.RemediationAttempts, &entry.FreshnessDeadline, &entry.Provenance, &entry.Version, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListTransitions returns transition history newest-first.
func (r *Repository) ListTransitions(ctx context.Context, instanceID string, limit int) ([]domain.TrustTransition, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, instance_id, previous_status, current_status, previous_lifecycle,
			current_lifecycle, reason, remediation_attempts, triggered_at
		FROM trust_transitions WHERE instance_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, instanceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transitions := make([]domain.TrustTransition, 0)
	for rows.Next() {
		var t domain.TrustTransition
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.PreviousStatus, &t.CurrentStatus, &t.PreviousLifecycle,
			&t.CurrentLifecycle, &t.Reason, &t.RemediationAttempts, &t.TriggeredAt); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}
