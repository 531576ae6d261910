package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/vigil-host/vigil/internal/domain"
)

// Executor is the minimal contract every compute backend implements. Launch
// failures never mutate the trust registry directly; executors report
// attestation evidence through the AttestationReporter hook instead.
// Stop, Delete and TailLogs receive the full instance row so backends resolve
// their workload through the ExternalRef recorded at launch.
type Executor interface {
	Launch(ctx context.Context, spec domain.WorkloadSpec) (*domain.RuntimeInstance, error)
	Stop(ctx context.Context, instance *domain.RuntimeInstance) error
	Delete(ctx context.Context, instance *domain.RuntimeInstance) error
	TailLogs(ctx context.Context, instance *domain.RuntimeInstance, lines int) (io.ReadCloser, error)
	Capabilities() domain.CapabilityDescriptor
}

// AttestationReporter feeds executor evidence into the trust registry without
// coupling executors to the registry implementation.
type AttestationReporter interface {
	RecordAttestation(ctx context.Context, instanceID string, evidence domain.AttestationEvidence) (*domain.TrustEntry, error)
}

// ExecutorError wraps a backend failure with its retry classification.
// Transient failures may succeed on retry; structural ones will not.
type ExecutorError struct {
	Op        string
	Backend   string
	Transient bool
	Err       error
}

func (e *ExecutorError) Error() string {
	kind := "structural"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("executor %s/%s (%s): %v", e.Backend, e.Op, kind, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// classify wraps err into an ExecutorError. Deadline and cancellation errors
// are transient; everything else is assumed structural unless already
// classified.
func classify(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		return err
	}
	transient := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	return &ExecutorError{Op: op, Backend: backend, Transient: transient, Err: err}
}
