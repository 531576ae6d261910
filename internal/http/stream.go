package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/ws"
)

// handleTrustStream serves trust transitions as Server-Sent Events. Each
// connection holds its own bus subscription so filters apply per client.
// Delivery is at-least-once; a slow consumer loses events rather than
// stalling the registry, and can re-read history to catch up.
func (r *Router) handleTrustStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	query := req.URL.Query()
	instanceID := query.Get("instance_id")
	lifecycle := query.Get("lifecycle")
	status := query.Get("status")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	if err := client.Advise(sseReconnectDelay); err != nil {
		return
	}

	sub := r.bus.Subscribe()
	defer sub.Close()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		case event, open := <-sub.C:
			if !open {
				return
			}
			if instanceID != "" && event.Entry.InstanceID != instanceID {
				continue
			}
			if lifecycle != "" && event.Entry.LifecycleState != lifecycle {
				continue
			}
			if status != "" && event.Entry.AttestationStatus != status {
				continue
			}
			payload, err := json.Marshal(viewTrustEvent(event))
			if err != nil {
				continue
			}
			if err := client.Send(payload); err != nil {
				return
			}
		}
	}
}

// handleTrustWS streams trust transitions for one instance over a websocket.
func (r *Router) handleTrustWS(w http.ResponseWriter, req *http.Request) {
	instanceID := req.URL.Query().Get("instance_id")
	if instanceID == "" {
		writeError(w, http.StatusBadRequest, "instance_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	sub := r.bus.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() {
			sub.Close()
			client.Close()
		}()
		for {
			select {
			case <-done:
				return
			case event, open := <-sub.C:
				if !open {
					return
				}
				if event.Entry.InstanceID != instanceID {
					continue
				}
				payload, err := json.Marshal(viewTrustEvent(event))
				if err != nil {
					continue
				}
				if err := client.Send(payload); err != nil {
					return
				}
			}
		}
	}()
}

// handleRemediationStream serves live run output as Server-Sent Events. The
// hub is keyed by run ID; the worker broadcasts log events as they happen.
func (r *Router) handleRemediationStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	runID := req.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id query parameter required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	if err := client.Advise(sseReconnectDelay); err != nil {
		client.Close()
		return
	}
	r.remHub.Register(runID, client)
	defer func() {
		r.remHub.Unregister(runID, client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// handleRemediationWS streams live run output over a websocket.
func (r *Router) handleRemediationWS(w http.ResponseWriter, req *http.Request) {
	runID := req.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.remHub.Register(runID, client)
	go func() {
		defer func() {
			r.remHub.Unregister(runID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// TrustEventJSON renders a bus event the way the streaming endpoints do.
// Exported for consumers that persist or forward stream payloads.
func TrustEventJSON(event domain.TrustEvent) ([]byte, error) {
	return json.Marshal(viewTrustEvent(event))
}
