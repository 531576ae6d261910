package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/vigil-host/vigil/internal/domain"
)

const containerNamePrefix = "vigil-"

// DockerExecutor runs workloads as local containers. It is the non-VM
// fallback backend the policy engine downgrades to, so it advertises no
// hardware capabilities.
type DockerExecutor struct {
	inner           *client.Client
	reporter        AttestationReporter
	logger          *slog.Logger
	freshnessWindow time.Duration
	defaultExposed  nat.Port
	now             func() time.Time
	newInstanceID   func() string
}

// NewDockerExecutor creates a Docker-backed executor using environment
// defaults, optionally overriding the daemon host.
func NewDockerExecutor(host string, reporter AttestationReporter, logger *slog.Logger, freshnessWindow time.Duration) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger != nil {
		logger = logger.With("component", "executor", "backend", domain.BackendContainer)
	}
	return &DockerExecutor{
		inner:           inner,
		reporter:        reporter,
		logger:          logger,
		freshnessWindow: freshnessWindow,
		defaultExposed:  nat.Port("3000/tcp"),
		now:             time.Now,
		newInstanceID:   func() string { return uuid.NewString() },
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (e *DockerExecutor) Ping(ctx context.Context) error {
	ping, err := e.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Capabilities describes the container backend.
func (e *DockerExecutor) Capabilities() domain.CapabilityDescriptor {
	return domain.CapabilityDescriptor{
		Backend:        domain.BackendContainer,
		Supported:      []string{},
		IsolationTiers: []string{"shared"},
	}
}

// Launch creates and starts a container for the workload.
func (e *DockerExecutor) Launch(ctx context.Context, spec domain.WorkloadSpec) (*domain.RuntimeInstance, error) {
	if strings.TrimSpace(spec.ImageRef) == "" {
		return nil, classify(domain.BackendContainer, "launch", fmt.Errorf("image ref cannot be empty"))
	}
	instanceID := e.newInstanceID()
	name := containerNamePrefix + spec.WorkloadID + "-" + instanceID[:8]

	config := &container.Config{
		Image:        spec.ImageRef,
		Cmd:          spec.Command,
		Env:          spec.Env,
		ExposedPorts: map[nat.Port]struct{}{e.defaultExposed: {}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			e.defaultExposed: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		RestartPolicy: container.RestartPolicy{Name: "always"},
	}

	created, err := e.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return nil, classify(domain.BackendContainer, "launch", fmt.Errorf("container create: %w", err))
	}
	if err := e.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, classify(domain.BackendContainer, "launch", fmt.Errorf("container start: %w", err))
	}

	instance := &domain.RuntimeInstance{
		ID:            instanceID,
		WorkloadID:    spec.WorkloadID,
		Backend:       domain.BackendContainer,
		IsolationTier: "shared",
		ImageRef:      spec.ImageRef,
		ExternalRef:   created.ID,
		CreatedAt:     e.now().UTC(),
	}

	// Containers carry no hardware attestation; report procedural evidence
	// so the registry tracks freshness from first launch.
	if e.reporter != nil {
		deadline := e.now().Add(e.freshnessWindow).UTC()
		evidence := domain.AttestationEvidence{
			Status:            domain.AttestationPending,
			Kind:              "procedural",
			Provenance:        "docker:" + created.ID,
			FreshnessDeadline: &deadline,
		}
		if _, err := e.reporter.RecordAttestation(ctx, instanceID, evidence); err != nil && e.logger != nil {
			e.logger.Warn("failed to report launch attestation", "instance_id", instanceID, "error", err)
		}
	}
	return instance, nil
}

// Stop halts the container without removing it.
func (e *DockerExecutor) Stop(ctx context.Context, instance *domain.RuntimeInstance) error {
	ref, err := containerRef(instance)
	if err != nil {
		return err
	}
	timeoutSeconds := 10
	if err := e.inner.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return classify(domain.BackendContainer, "stop", fmt.Errorf("container stop: %w", err))
	}
	return nil
}

// Delete force-removes the container and its volumes.
func (e *DockerExecutor) Delete(ctx context.Context, instance *domain.RuntimeInstance) error {
	ref, err := containerRef(instance)
	if err != nil {
		return err
	}
	if err := e.inner.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return classify(domain.BackendContainer, "delete", fmt.Errorf("container remove: %w", err))
	}
	return nil
}

// TailLogs streams the last lines of container output.
func (e *DockerExecutor) TailLogs(ctx context.Context, instance *domain.RuntimeInstance, lines int) (io.ReadCloser, error) {
	ref, err := containerRef(instance)
	if err != nil {
		return nil, err
	}
	if lines <= 0 {
		lines = 100
	}
	reader, err := e.inner.ContainerLogs(ctx, ref, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return nil, classify(domain.BackendContainer, "logs", fmt.Errorf("container logs: %w", err))
	}
	return reader, nil
}

// containerRef returns the container ID recorded at launch. Name-based
// lookups are ambiguous once short instance ID prefixes collide, so the
// stored ref is the only accepted resolution.
func containerRef(instance *domain.RuntimeInstance) (string, error) {
	if instance == nil || instance.ExternalRef == "" {
		return "", classify(domain.BackendContainer, "resolve", fmt.Errorf("instance carries no container ref"))
	}
	return instance.ExternalRef, nil
}

// Close releases the underlying Docker client.
func (e *DockerExecutor) Close() error {
	if e.inner == nil {
		return nil
	}
	return e.inner.Close()
}
