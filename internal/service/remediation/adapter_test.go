package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/vigil-host/vigil/internal/domain"
)

func TestFailureReasonMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{failure(domain.FailurePolicyDenied, errors.New("forbidden")), domain.FailurePolicyDenied},
		{failure(domain.FailureDependencyOutage, errors.New("503")), domain.FailureDependencyOutage},
		{context.DeadlineExceeded, domain.FailureTimeout},
		{errors.New("something else"), domain.FailurePlaybookBug},
	}
	for _, tc := range cases {
		if got := failureReason(tc.err); got != tc.want {
			t.Fatalf("failureReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRunFailureUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := failure(domain.FailureDependencyOutage, inner)
	if !errors.Is(err, inner) {
		t.Fatalf("expected wrapped error to match")
	}
	var rf *RunFailure
	var wrapped error = err
	if !errors.As(wrapped, &rf) || rf.Reason != domain.FailureDependencyOutage {
		t.Fatalf("expected RunFailure with reason, got %v", err)
	}
}

func TestShellAdapterStreamsOutput(t *testing.T) {
	adapter := NewShellAdapter()
	playbook := shellTestPlaybook(t, []string{"/bin/sh", "-c", "echo first; echo second 1>&2"})

	var mu sync.Mutex
	lines := make(map[string][]string)
	logf := func(stream, line string) {
		mu.Lock()
		lines[stream] = append(lines[stream], line)
		mu.Unlock()
	}

	err := adapter.Execute(context.Background(), &domain.RemediationRun{ID: "run-1"}, playbook, logf)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(lines[domain.LogStreamStdout]) != 1 || lines[domain.LogStreamStdout][0] != "first" {
		t.Fatalf("unexpected stdout lines %v", lines[domain.LogStreamStdout])
	}
	if len(lines[domain.LogStreamStderr]) != 1 || lines[domain.LogStreamStderr][0] != "second" {
		t.Fatalf("unexpected stderr lines %v", lines[domain.LogStreamStderr])
	}
}

func TestShellAdapterNonzeroExitIsPlaybookBug(t *testing.T) {
	adapter := NewShellAdapter()
	playbook := shellTestPlaybook(t, []string{"/bin/sh", "-c", "exit 3"})

	err := adapter.Execute(context.Background(), &domain.RemediationRun{ID: "run-1"}, playbook, func(string, string) {})
	if failureReason(err) != domain.FailurePlaybookBug {
		t.Fatalf("expected playbook bug, got %v", err)
	}
}

func TestShellAdapterMissingBinaryIsExecutorUnavailable(t *testing.T) {
	adapter := NewShellAdapter()
	playbook := shellTestPlaybook(t, []string{"/nonexistent/vigil-helper"})

	err := adapter.Execute(context.Background(), &domain.RemediationRun{ID: "run-1"}, playbook, func(string, string) {})
	if failureReason(err) != domain.FailureExecutorUnavailable {
		t.Fatalf("expected executor unavailable, got %v", err)
	}
}

func TestShellAdapterEmptyCommandIsPlaybookBug(t *testing.T) {
	adapter := NewShellAdapter()
	playbook := shellTestPlaybook(t, []string{})

	err := adapter.Execute(context.Background(), &domain.RemediationRun{ID: "run-1"}, playbook, func(string, string) {})
	if failureReason(err) != domain.FailurePlaybookBug {
		t.Fatalf("expected playbook bug, got %v", err)
	}
}

func TestShellAdapterCancelledContextSurfacesContextError(t *testing.T) {
	adapter := NewShellAdapter()
	playbook := shellTestPlaybook(t, []string{"/bin/sh", "-c", "sleep 10"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- adapter.Execute(ctx, &domain.RemediationRun{ID: "run-1"}, playbook, func(string, string) {})
	}()
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func shellTestPlaybook(t *testing.T, command []string) *domain.RemediationPlaybook {
	t.Helper()
	payload, err := json.Marshal(shellPayload{Command: command})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &domain.RemediationPlaybook{
		Key:          "shell-test",
		ExecutorKind: domain.RemediationShell,
		Payload:      payload,
	}
}
