package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/repository"
	"github.com/vigil-host/vigil/internal/service/policy"
)

// ErrLaunchBlocked indicates the policy decision forbids launching; the
// decision notes explain which gate tripped.
var ErrLaunchBlocked = errors.New("orchestrator: launch blocked by policy")

// ErrUnknownBackend indicates no executor is registered for a backend kind.
var ErrUnknownBackend = errors.New("orchestrator: unknown backend")

// Evaluator is the policy surface the orchestrator consumes.
type Evaluator interface {
	Evaluate(ctx context.Context, req policy.EvaluateRequest) (*domain.PlacementDecision, error)
}

// LaunchRequest describes one workload launch.
type LaunchRequest struct {
	Workload         domain.Workload
	RequestedBackend string
	Capabilities     []string
	IsolationTier    string
	Env              []string
	Command          []string
}

// Service resolves placement decisions into executor operations and caches
// the instance rows it launched so stop/delete/log calls skip both policy
// re-evaluation and the repository read.
type Service struct {
	policy    Evaluator
	registry  *Registry
	instances repository.InstanceRepository
	logger    *slog.Logger

	launchTimeout time.Duration
	opTimeout     time.Duration

	mu    sync.RWMutex
	cache map[string]*domain.RuntimeInstance
}

// New constructs the orchestrator service.
func New(evaluator Evaluator, registry *Registry, instances repository.InstanceRepository, logger *slog.Logger, launchTimeout, opTimeout time.Duration) *Service {
	if logger != nil {
		logger = logger.With("component", "orchestrator")
	}
	if launchTimeout <= 0 {
		launchTimeout = 2 * time.Minute
	}
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &Service{
		policy:        evaluator,
		registry:      registry,
		instances:     instances,
		logger:        logger,
		launchTimeout: launchTimeout,
		opTimeout:     opTimeout,
		cache:         make(map[string]*domain.RuntimeInstance),
	}
}

// Launch evaluates placement and dispatches to the chosen executor. The
// decision is always returned, including when the launch is refused, so
// callers can surface the gate notes.
func (s *Service) Launch(ctx context.Context, req LaunchRequest) (*domain.RuntimeInstance, *domain.PlacementDecision, error) {
	decision, err := s.policy.Evaluate(ctx, policy.EvaluateRequest{
		Workload:         req.Workload,
		RequestedBackend: req.RequestedBackend,
		Capabilities:     req.Capabilities,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("evaluate placement: %w", err)
	}
	if decision.Blocked || !decision.CapabilitiesSatisfied {
		return nil, decision, fmt.Errorf("%w: %s", ErrLaunchBlocked, strings.Join(decision.Notes, "; "))
	}

	exec, ok := s.registry.Get(decision.ChosenBackend)
	if !ok {
		return nil, decision, fmt.Errorf("%w: %s", ErrUnknownBackend, decision.ChosenBackend)
	}

	launchCtx, cancel := context.WithTimeout(ctx, s.launchTimeout)
	defer cancel()

	instance, err := exec.Launch(launchCtx, domain.WorkloadSpec{
		WorkloadID:    req.Workload.ID,
		ImageRef:      decision.ImageRef,
		IsolationTier: req.IsolationTier,
		Env:           req.Env,
		Command:       req.Command,
		Capabilities:  req.Capabilities,
	})
	if err != nil {
		return nil, decision, classify(decision.ChosenBackend, "launch", err)
	}

	if err := s.instances.CreateInstance(ctx, instance); err != nil {
		return nil, decision, fmt.Errorf("persist instance: %w", err)
	}
	s.mu.Lock()
	s.cache[instance.ID] = instance
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("instance launched",
			"instance_id", instance.ID,
			"workload_id", instance.WorkloadID,
			"backend", instance.Backend)
	}
	return instance, decision, nil
}

// Stop halts a running instance via its owning executor.
func (s *Service) Stop(ctx context.Context, instanceID string) error {
	exec, instance, err := s.executorFor(ctx, instanceID)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return exec.Stop(opCtx, instance)
}

// Delete tears an instance down and records its termination.
func (s *Service) Delete(ctx context.Context, instanceID string) error {
	exec, instance, err := s.executorFor(ctx, instanceID)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := exec.Delete(opCtx, instance); err != nil {
		return err
	}
	if err := s.instances.MarkInstanceTerminated(ctx, instanceID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark instance terminated: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, instanceID)
	s.mu.Unlock()
	return nil
}

// Logs streams the tail of instance output. The caller's context bounds the
// stream lifetime.
func (s *Service) Logs(ctx context.Context, instanceID string, lines int) (io.ReadCloser, error) {
	exec, instance, err := s.executorFor(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return exec.TailLogs(ctx, instance, lines)
}

// Registry exposes the executor registry for capability resolution.
func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) executorFor(ctx context.Context, instanceID string) (Executor, *domain.RuntimeInstance, error) {
	s.mu.RLock()
	instance, ok := s.cache[instanceID]
	s.mu.RUnlock()
	if !ok {
		loaded, err := s.instances.GetInstanceByID(ctx, instanceID)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve instance: %w", err)
		}
		instance = loaded
		s.mu.Lock()
		s.cache[instanceID] = instance
		s.mu.Unlock()
	}
	exec, ok := s.registry.Get(instance.Backend)
	if !ok {
		return nil, instance, fmt.Errorf("%w: %s", ErrUnknownBackend, instance.Backend)
	}
	return exec, instance, nil
}
