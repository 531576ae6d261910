package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.InstanceRepository = (*Repository)(nil)
	_ repository.TrustRepository    = (*Repository)(nil)
	_ repository.DecisionRepository = (*Repository)(nil)
	_ repository.PlaybookRepository = (*Repository)(nil)
	_ repository.RunRepository      = (*Repository)(nil)
	_ repository.ArtifactRepository = (*Repository)(nil)
)

// CreateInstance inserts a runtime instance.
func (r *Repository) CreateInstance(ctx context.Context, instance *domain.RuntimeInstance) error {
	const query = `INSERT INTO runtime_instances (id, workload_id, backend, isolation_tier, image_ref, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, instance.ID, instance.WorkloadID, instance.Backend, instance.IsolationTier, instance.ImageRef, instance.ExternalRef, instance.CreatedAt)
	return err
}

// GetInstanceByID fetches a runtime instance.
func (r *Repository) GetInstanceByID(ctx context.Context, instanceID string) (*domain.RuntimeInstance, error) {
	const query = `SELECT id, workload_id, backend, isolation_tier, image_ref, external_ref, created_at, terminated_at
		FROM runtime_instances WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, instanceID)
	var in domain.RuntimeInstance
	if err := row.Scan(&in.ID, &in.WorkloadID, &in.Backend, &in.IsolationTier, &in.ImageRef, &in.ExternalRef, &in.CreatedAt, &in.TerminatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &in, nil
}

// GetLatestInstanceForWorkload returns the most recently created instance of a workload.
func (r *Repository) GetLatestInstanceForWorkload(ctx context.Context, workloadID string) (*domain.RuntimeInstance, error) {
	const query = `SELECT id, workload_id, backend, isolation_tier, image_ref, external_ref, created_at, terminated_at
		FROM runtime_instances WHERE workload_id = $1 ORDER BY created_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, workloadID)
	var in domain.RuntimeInstance
	if err := row.Scan(&in.ID, &in.WorkloadID, &in.Backend, &in.IsolationTier, &in.ImageRef, &in.ExternalRef, &in.CreatedAt, &in.TerminatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &in, nil
}

// ListInstancesByWorkload returns instances newest-first.
func (r *Repository) ListInstancesByWorkload(ctx context.Context, workloadID string, limit int) ([]domain.RuntimeInstance, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, workload_id, backend, isolation_tier, image_ref, external_ref, created_at, terminated_at
		FROM runtime_instances WHERE workload_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, workloadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]domain.RuntimeInstance, 0)
	for rows.Next() {
		var in domain.RuntimeInstance
		if err := rows.Scan(&in.ID, &in.WorkloadID, &in.Backend, &in.IsolationTier, &in.ImageRef, &in.ExternalRef, &in.CreatedAt, &in.TerminatedAt); err != nil {
			return nil, err
		}
		instances = append(instances, in)
	}
	return instances, rows.Err()
}

// MarkInstanceTerminated records the termination timestamp.
func (r *Repository) MarkInstanceTerminated(ctx context.Context, instanceID string, terminatedAt time.Time) error {
	const query = `UPDATE runtime_instances SET terminated_at = $2 WHERE id = $1 AND terminated_at IS NULL`
	_, err := r.pool.Exec(ctx, query, instanceID, terminatedAt)
	return err
}
