package httpx

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vigil-host/vigil/internal/domain"
)

func TestTrustStreamFiltersByInstance(t *testing.T) {
	env := newRouterEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/trust/stream?instance_id=inst-1", nil).WithContext(ctx)
	rec := newStreamRecorder()

	done := make(chan struct{})
	go func() {
		env.router.handleTrustStream(rec, req)
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return rec.flushCount() >= 1 })

	matching := domain.TrustEvent{
		Entry:      domain.TrustEntry{InstanceID: "inst-1", LifecycleState: domain.LifecycleQuarantined, Version: 2},
		Transition: domain.TrustTransition{InstanceID: "inst-1", Reason: "attestation:failed"},
	}
	// The subscription races with the handler startup, so publish until it lands.
	waitFor(t, time.Second, func() bool {
		env.bus.Publish(domain.TrustEvent{Entry: domain.TrustEntry{InstanceID: "inst-other", Version: 1}})
		env.bus.Publish(matching)
		return strings.Contains(rec.body(), "data: ")
	})
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not exit on context cancel")
	}

	expected, err := TrustEventJSON(matching)
	if err != nil {
		t.Fatalf("render event: %v", err)
	}
	body := rec.body()
	if !strings.Contains(body, "data: "+string(expected)) {
		t.Fatalf("expected matching event in stream, got %q", body)
	}
	if strings.Contains(body, "inst-other") {
		t.Fatalf("expected filtered event to be dropped, got %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestTrustStreamRequiresFlusher(t *testing.T) {
	env := newRouterEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/trust/stream", nil)
	rec := newNoFlushRecorder()
	env.router.handleTrustStream(rec, req)

	if rec.status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.status)
	}
}

func TestRemediationStreamRequiresRunID(t *testing.T) {
	env := newRouterEnv(t)

	rec := newStreamRecorder()
	req := httptest.NewRequest(http.MethodGet, "/remediation/stream", nil)
	env.router.handleRemediationStream(rec, req)

	if rec.statusCode() != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.statusCode())
	}
}

func TestRemediationStreamDeliversHubBroadcasts(t *testing.T) {
	env := newRouterEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/remediation/stream?run_id=run-1", nil).WithContext(ctx)
	rec := newStreamRecorder()

	done := make(chan struct{})
	go func() {
		env.router.handleRemediationStream(rec, req)
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return rec.flushCount() >= 1 })

	// Registration races with the first broadcast, so publish until it lands.
	payload := []byte(`{"stream":"stdout","line":"baseline re-attested"}`)
	waitFor(t, time.Second, func() bool {
		env.hub.Broadcast("run-1", payload)
		return strings.Contains(rec.body(), "baseline re-attested")
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not exit on context cancel")
	}
}

type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
	flush  int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (s *streamRecorder) Header() http.Header {
	return s.header
}

func (s *streamRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.buf.Write(b)
}

func (s *streamRecorder) WriteHeader(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *streamRecorder) Flush() {
	s.mu.Lock()
	s.flush++
	s.mu.Unlock()
}

func (s *streamRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *streamRecorder) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush
}

func (s *streamRecorder) statusCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

type noFlushRecorder struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newNoFlushRecorder() *noFlushRecorder {
	return &noFlushRecorder{header: make(http.Header)}
}

func (n *noFlushRecorder) Header() http.Header {
	return n.header
}

func (n *noFlushRecorder) Write(b []byte) (int, error) {
	return n.buf.Write(b)
}

func (n *noFlushRecorder) WriteHeader(status int) {
	n.status = status
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
