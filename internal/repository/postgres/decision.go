package postgres

import (
	"context"

	"github.com/vigil-host/vigil/internal/domain"
)

// CreateDecision appends a placement decision. Decisions are never updated.
func (r *Repository) CreateDecision(ctx context.Context, decision *domain.PlacementDecision) error {
	const query = `INSERT INTO placement_decisions (id, workload_id, requested_backend, chosen_backend,
			image_ref, capabilities, capabilities_satisfied, evaluation_required, governance_required,
			promotion_blocked, blocked, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query, decision.ID, decision.WorkloadID, decision.RequestedBackend,
		decision.ChosenBackend, decision.ImageRef, decision.Capabilities, decision.CapabilitiesSatisfied,
		decision.EvaluationRequired, decision.GovernanceRequired, decision.PromotionBlocked,
		decision.Blocked, decision.Notes, decision.CreatedAt)
	return err
}

// ListDecisionsByWorkload returns decisions newest-first.
func (r *Repository) ListDecisionsByWorkload(ctx context.Context, workloadID string, limit int) ([]domain.PlacementDecision, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, workload_id, requested_backend, chosen_backend, image_ref, capabilities,
			capabilities_satisfied, evaluation_required, governance_required, promotion_blocked,
			blocked, notes, created_at
		FROM placement_decisions WHERE workload_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, workloadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	decisions := make([]domain.PlacementDecision, 0)
	for rows.Next() {
		var d domain.PlacementDecision
		if err := rows.Scan(&d.ID, &d.WorkloadID, &d.RequestedBackend, &d.ChosenBackend, &d.ImageRef,
			&d.Capabilities, &d.CapabilitiesSatisfied, &d.EvaluationRequired, &d.GovernanceRequired,
			&d.PromotionBlocked, &d.Blocked, &d.Notes, &d.CreatedAt); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
