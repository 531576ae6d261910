package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vigil-host/vigil/internal/domain"
)

// ErrInvalidPlaybook indicates a malformed playbook definition.
var ErrInvalidPlaybook = errors.New("remediation: invalid playbook")

func validatePlaybook(playbook *domain.RemediationPlaybook) error {
	if strings.TrimSpace(playbook.Key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidPlaybook)
	}
	switch playbook.ExecutorKind {
	case domain.RemediationShell, domain.RemediationOrchestration, domain.RemediationCloudAPI:
	default:
		return fmt.Errorf("%w: unknown executor kind %q", ErrInvalidPlaybook, playbook.ExecutorKind)
	}
	if playbook.SLASeconds < 0 {
		return fmt.Errorf("%w: sla_seconds cannot be negative", ErrInvalidPlaybook)
	}
	return nil
}

// CreatePlaybook adds a catalog entry.
func (e *Engine) CreatePlaybook(ctx context.Context, playbook *domain.RemediationPlaybook) error {
	if err := validatePlaybook(playbook); err != nil {
		return err
	}
	if playbook.CreatedAt.IsZero() {
		playbook.CreatedAt = e.now().UTC()
	}
	return e.playbooks.CreatePlaybook(ctx, playbook)
}

// UpdatePlaybook replaces a catalog entry under optimistic locking.
func (e *Engine) UpdatePlaybook(ctx context.Context, playbook *domain.RemediationPlaybook, expectedVersion int64) error {
	if err := validatePlaybook(playbook); err != nil {
		return err
	}
	return e.playbooks.UpdatePlaybook(ctx, playbook, expectedVersion)
}

// Playbook returns one catalog entry by key.
func (e *Engine) Playbook(ctx context.Context, key string) (*domain.RemediationPlaybook, error) {
	return e.playbooks.GetPlaybookByKey(ctx, key)
}

// Playbooks lists the catalog.
func (e *Engine) Playbooks(ctx context.Context) ([]domain.RemediationPlaybook, error) {
	return e.playbooks.ListPlaybooks(ctx)
}
