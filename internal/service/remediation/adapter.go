package remediation

import (
	"context"
	"errors"
	"fmt"

	"github.com/vigil-host/vigil/internal/domain"
)

// LogFunc receives one line of executor output on the named stream.
type LogFunc func(stream, line string)

// RunFailure is a typed execution failure carrying the taxonomy reason the
// worker records on the run.
type RunFailure struct {
	Reason string
	Err    error
}

func (f *RunFailure) Error() string {
	return fmt.Sprintf("remediation failed (%s): %v", f.Reason, f.Err)
}

func (f *RunFailure) Unwrap() error { return f.Err }

// failure wraps err with a taxonomy reason.
func failure(reason string, err error) *RunFailure {
	return &RunFailure{Reason: reason, Err: err}
}

// RunAdapter executes one remediation run to completion. Implementations
// return nil on success, a *RunFailure with a taxonomy reason on failure, or
// the context error when the run deadline fires.
type RunAdapter interface {
	Kind() string
	Execute(ctx context.Context, run *domain.RemediationRun, playbook *domain.RemediationPlaybook, logf LogFunc) error
}

// AdapterRegistry maps executor kinds to adapters.
type AdapterRegistry struct {
	adapters map[string]RunAdapter
}

// NewAdapterRegistry builds a registry from the given adapters.
func NewAdapterRegistry(adapters ...RunAdapter) *AdapterRegistry {
	reg := &AdapterRegistry{adapters: make(map[string]RunAdapter, len(adapters))}
	for _, adapter := range adapters {
		reg.adapters[adapter.Kind()] = adapter
	}
	return reg
}

// Get returns the adapter for a kind.
func (r *AdapterRegistry) Get(kind string) (RunAdapter, bool) {
	adapter, ok := r.adapters[kind]
	return adapter, ok
}

// failureReason maps an execution error to the taxonomy. Context expiry is a
// timeout; unclassified errors are treated as playbook bugs so they do not
// retry forever.
func failureReason(err error) string {
	var rf *RunFailure
	if errors.As(err, &rf) {
		return rf.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTimeout
	}
	return domain.FailurePlaybookBug
}
