package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/vigil-host/vigil/internal/domain"
)

// scriptPayload is the playbook payload schema for the orchestration-script
// executor.
type scriptPayload struct {
	Image   string   `json:"image"`
	Command []string `json:"command,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// ScriptAdapter runs a playbook as a one-shot container so remediation steps
// ship as images instead of host binaries.
type ScriptAdapter struct {
	docker *client.Client
}

// NewScriptAdapter builds the adapter, optionally overriding the daemon host.
func NewScriptAdapter(host string) (*ScriptAdapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &ScriptAdapter{docker: docker}, nil
}

// Kind identifies the adapter.
func (a *ScriptAdapter) Kind() string { return domain.RemediationOrchestration }

// Execute creates, runs and removes the playbook container, streaming its
// demuxed output.
func (a *ScriptAdapter) Execute(ctx context.Context, run *domain.RemediationRun, playbook *domain.RemediationPlaybook, logf LogFunc) error {
	var payload scriptPayload
	if err := json.Unmarshal(playbook.Payload, &payload); err != nil {
		return failure(domain.FailurePlaybookBug, fmt.Errorf("decode script payload: %w", err))
	}
	if strings.TrimSpace(payload.Image) == "" {
		return failure(domain.FailurePlaybookBug, errors.New("script payload has no image"))
	}

	env := append([]string{
		"VIGIL_RUN_ID=" + run.ID,
		"VIGIL_INSTANCE_ID=" + run.InstanceID,
	}, payload.Env...)

	name := "vigil-remed-" + run.ID[:8]
	created, err := a.docker.ContainerCreate(ctx, &container.Config{
		Image: payload.Image,
		Cmd:   payload.Command,
		Env:   env,
	}, &container.HostConfig{AutoRemove: false}, nil, nil, name)
	if err != nil {
		return failure(domain.FailureExecutorUnavailable, fmt.Errorf("container create: %w", err))
	}
	defer func() {
		removeCtx := context.WithoutCancel(ctx)
		_ = a.docker.ContainerRemove(removeCtx, created.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	if err := a.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return failure(domain.FailureExecutorUnavailable, fmt.Errorf("container start: %w", err))
	}

	logs, err := a.docker.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return failure(domain.FailureExecutorUnavailable, fmt.Errorf("container logs: %w", err))
	}
	defer logs.Close()

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(
			&lineWriter{stream: domain.LogStreamStdout, logf: logf},
			&lineWriter{stream: domain.LogStreamStderr, logf: logf},
			logs)
		copyDone <- err
	}()

	waitCh, errCh := a.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return failure(domain.FailureDependencyOutage, fmt.Errorf("container wait: %w", err))
	case status := <-waitCh:
		<-copyDone
		if status.StatusCode != 0 {
			return failure(domain.FailurePlaybookBug, fmt.Errorf("script exited %d", status.StatusCode))
		}
		return nil
	}
}

// Close releases the Docker client.
func (a *ScriptAdapter) Close() error {
	return a.docker.Close()
}

// lineWriter splits writes on newlines and forwards complete lines.
type lineWriter struct {
	stream string
	logf   LogFunc
	buf    strings.Builder
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			w.logf(w.stream, w.buf.String())
			w.buf.Reset()
			continue
		}
		w.buf.WriteByte(b)
	}
	return len(p), nil
}
