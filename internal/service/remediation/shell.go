package remediation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/vigil-host/vigil/internal/domain"
)

// shellPayload is the playbook payload schema for the shell executor.
type shellPayload struct {
	Command []string `json:"command"`
	Env     []string `json:"env,omitempty"`
	Workdir string   `json:"workdir,omitempty"`
}

// ShellAdapter runs a playbook as a local process. Exit status maps to the
// failure taxonomy: a missing binary means the executor is unavailable, a
// nonzero exit means the playbook itself is broken.
type ShellAdapter struct{}

// NewShellAdapter constructs the shell adapter.
func NewShellAdapter() *ShellAdapter { return &ShellAdapter{} }

// Kind identifies the adapter.
func (a *ShellAdapter) Kind() string { return domain.RemediationShell }

// Execute runs the playbook command, streaming stdout and stderr line by line.
func (a *ShellAdapter) Execute(ctx context.Context, run *domain.RemediationRun, playbook *domain.RemediationPlaybook, logf LogFunc) error {
	var payload shellPayload
	if err := json.Unmarshal(playbook.Payload, &payload); err != nil {
		return failure(domain.FailurePlaybookBug, fmt.Errorf("decode shell payload: %w", err))
	}
	if len(payload.Command) == 0 {
		return failure(domain.FailurePlaybookBug, errors.New("shell payload has no command"))
	}

	cmd := exec.CommandContext(ctx, payload.Command[0], payload.Command[1:]...)
	cmd.Env = payload.Env
	cmd.Dir = payload.Workdir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failure(domain.FailureExecutorUnavailable, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failure(domain.FailureExecutorUnavailable, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return failure(domain.FailureExecutorUnavailable, fmt.Errorf("start command: %w", err))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdout, domain.LogStreamStdout, logf)
	go streamLines(&wg, stderr, domain.LogStreamStderr, logf)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return failure(domain.FailurePlaybookBug, fmt.Errorf("command exited %d", exitErr.ExitCode()))
		}
		return failure(domain.FailureExecutorUnavailable, fmt.Errorf("wait command: %w", err))
	}
	return nil
}

func streamLines(wg *sync.WaitGroup, r io.Reader, stream string, logf LogFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		logf(stream, scanner.Text())
	}
}
