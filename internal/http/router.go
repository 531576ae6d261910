package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil-host/vigil/internal/bus"
	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/metrics"
	"github.com/vigil-host/vigil/internal/repository"
	"github.com/vigil-host/vigil/internal/service/orchestrator"
	"github.com/vigil-host/vigil/internal/service/trust"
	"github.com/vigil-host/vigil/internal/ws"
)

// TrustService is the registry surface exposed over HTTP.
type TrustService interface {
	ApplyTransition(ctx context.Context, input trust.ApplyInput) (*domain.TrustEntry, error)
	Latest(ctx context.Context, instanceID string) (*domain.TrustEntry, error)
	History(ctx context.Context, instanceID string, limit int) ([]domain.TrustTransition, error)
}

// OrchestratorService is the placement and instance lifecycle surface.
type OrchestratorService interface {
	Launch(ctx context.Context, req orchestrator.LaunchRequest) (*domain.RuntimeInstance, *domain.PlacementDecision, error)
	Stop(ctx context.Context, instanceID string) error
	Delete(ctx context.Context, instanceID string) error
	Logs(ctx context.Context, instanceID string, lines int) (io.ReadCloser, error)
}

// DecisionReader exposes the placement audit trail.
type DecisionReader interface {
	Decisions(ctx context.Context, workloadID string, limit int) ([]domain.PlacementDecision, error)
}

// RemediationService is the run and playbook surface.
type RemediationService interface {
	EnsureRun(ctx context.Context, instanceID, playbookKey string, metadata json.RawMessage) (*domain.RemediationRun, error)
	Approve(ctx context.Context, runID string, expectedVersion int64, approve bool, notes string) (*domain.RemediationRun, error)
	Cancel(ctx context.Context, runID, reason string) (*domain.RemediationRun, error)
	Run(ctx context.Context, runID string) (*domain.RemediationRun, error)
	Runs(ctx context.Context, instanceID, status string, limit int) ([]domain.RemediationRun, error)
	Artifacts(ctx context.Context, runID string) ([]domain.RemediationArtifact, error)
	CreatePlaybook(ctx context.Context, playbook *domain.RemediationPlaybook) error
	UpdatePlaybook(ctx context.Context, playbook *domain.RemediationPlaybook, expectedVersion int64) error
	Playbook(ctx context.Context, key string) (*domain.RemediationPlaybook, error)
	Playbooks(ctx context.Context) ([]domain.RemediationPlaybook, error)
}

// InstanceReader lists instances per workload.
type InstanceReader interface {
	ListInstancesByWorkload(ctx context.Context, workloadID string, limit int) ([]domain.RuntimeInstance, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	trust       TrustService
	orch        OrchestratorService
	decisions   DecisionReader
	remediation RemediationService
	instances   InstanceReader
	bus         *bus.TrustBus
	remHub      *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	jwtSecret   string
	dbHealth    func(context.Context) error
}

const (
	rateWindowDefault      = time.Minute
	rateWindowRealtime     = 30 * time.Second
	rateLimitOperatorRead  = 240
	rateLimitOperatorWrite = 60
	rateLimitStream        = 30
	healthCheckTimeout     = 2 * time.Second
	defaultListLimit       = 50
	sseHeartbeatInterval   = 15 * time.Second
	sseReconnectDelay      = 5 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, trustSvc TrustService, orchSvc OrchestratorService, decisionSvc DecisionReader,
	remediationSvc RemediationService, instanceReader InstanceReader, eventBus *bus.TrustBus, remHub *ws.Hub,
	limiter RateLimiter, jwtSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		trust:       trustSvc,
		orch:        orchSvc,
		decisions:   decisionSvc,
		remediation: remediationSvc,
		instances:   instanceReader,
		bus:         eventBus,
		remHub:      remHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: jwtSecret,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/trust/stream", r.audit("trust_stream", r.handlerAuthRate(rateLimitStream, rateWindowRealtime, r.handleTrustStream)))
	r.mux.HandleFunc("/trust/", r.audit("trust", r.handlerAuthRate(rateLimitOperatorRead, rateWindowDefault, r.handleTrustSubroutes)))
	r.mux.HandleFunc("/ws/trust", r.audit("trust_ws", r.handlerAuthRate(rateLimitStream, rateWindowRealtime, r.handleTrustWS)))

	r.mux.HandleFunc("/workloads/launch", r.audit("workload_launch", r.handlerAuthRate(rateLimitOperatorWrite, rateWindowDefault, r.handleLaunch)))
	r.mux.HandleFunc("/workloads/", r.audit("workloads", r.handlerAuthRate(rateLimitOperatorRead, rateWindowDefault, r.handleWorkloadSubroutes)))
	r.mux.HandleFunc("/instances/", r.audit("instances", r.handlerAuthRate(rateLimitOperatorWrite, rateWindowDefault, r.handleInstanceSubroutes)))

	r.mux.HandleFunc("/remediation/runs", r.audit("remediation_runs", r.handlerAuthRate(rateLimitOperatorWrite, rateWindowDefault, r.handleRuns)))
	r.mux.HandleFunc("/remediation/runs/", r.audit("remediation_run", r.handlerAuthRate(rateLimitOperatorWrite, rateWindowDefault, r.handleRunSubroutes)))
	r.mux.HandleFunc("/remediation/playbooks", r.audit("remediation_playbooks", r.handlerAuthRate(rateLimitOperatorWrite, rateWindowDefault, r.handlePlaybooks)))
	r.mux.HandleFunc("/remediation/playbooks/", r.audit("remediation_playbook", r.handlerAuthRate(rateLimitOperatorWrite, rateWindowDefault, r.handlePlaybookSubroutes)))
	r.mux.HandleFunc("/remediation/stream", r.audit("remediation_stream", r.handlerAuthRate(rateLimitStream, rateWindowRealtime, r.handleRemediationStream)))
	r.mux.HandleFunc("/ws/remediation", r.audit("remediation_ws", r.handlerAuthRate(rateLimitStream, rateWindowRealtime, r.handleRemediationWS)))
}

func (r *Router) handleTrustSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/trust/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	instanceID := parts[0]
	switch {
	case len(parts) == 1:
		r.handleTrustEntry(w, req, instanceID)
	case len(parts) == 2 && parts[1] == "history":
		r.handleTrustHistory(w, req, instanceID)
	case len(parts) == 2 && parts[1] == "transition":
		r.handleTrustTransition(w, req, instanceID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleTrustEntry(w http.ResponseWriter, req *http.Request, instanceID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	entry, err := r.trust.Latest(req.Context(), instanceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewTrustEntry(entry))
}

func (r *Router) handleTrustHistory(w http.ResponseWriter, req *http.Request, instanceID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	transitions, err := r.trust.History(req.Context(), instanceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewTransitions(transitions))
}

func (r *Router) handleTrustTransition(w http.ResponseWriter, req *http.Request, instanceID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ExpectedVersion   int64      `json:"expected_version"`
		Status            string     `json:"status"`
		Lifecycle         string     `json:"lifecycle"`
		RemediationState  string     `json:"remediation_state"`
		FreshnessDeadline *time.Time `json:"freshness_deadline"`
		Provenance        string     `json:"provenance"`
		Reason            string     `json:"reason"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := r.trust.ApplyTransition(req.Context(), trust.ApplyInput{
		InstanceID:        instanceID,
		ExpectedVersion:   payload.ExpectedVersion,
		Status:            payload.Status,
		Lifecycle:         payload.Lifecycle,
		RemediationState:  payload.RemediationState,
		FreshnessDeadline: payload.FreshnessDeadline,
		Provenance:        payload.Provenance,
		Reason:            payload.Reason,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrVersionConflict):
			writeError(w, http.StatusConflict, "version conflict: re-read the entry and retry")
		case errors.Is(err, trust.ErrInvalidState):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, viewTrustEntry(entry))
}

func (r *Router) handleLaunch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Workload struct {
			ID             string `json:"id"`
			OrgID          string `json:"org_id"`
			ImageRef       string `json:"image_ref"`
			ManifestDigest string `json:"manifest_digest"`
			Tier           string `json:"tier"`
		} `json:"workload"`
		RequestedBackend string   `json:"requested_backend"`
		Capabilities     []string `json:"capabilities"`
		IsolationTier    string   `json:"isolation_tier"`
		Env              []string `json:"env"`
		Command          []string `json:"command"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Workload.ID) == "" || strings.TrimSpace(payload.Workload.ImageRef) == "" {
		writeError(w, http.StatusBadRequest, "workload id and image_ref are required")
		return
	}

	instance, decision, err := r.orch.Launch(req.Context(), orchestrator.LaunchRequest{
		Workload: domain.Workload{
			ID:             payload.Workload.ID,
			OrgID:          payload.Workload.OrgID,
			ImageRef:       payload.Workload.ImageRef,
			ManifestDigest: payload.Workload.ManifestDigest,
			Tier:           payload.Workload.Tier,
		},
		RequestedBackend: payload.RequestedBackend,
		Capabilities:     payload.Capabilities,
		IsolationTier:    payload.IsolationTier,
		Env:              payload.Env,
		Command:          payload.Command,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrLaunchBlocked) && decision != nil {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":    "launch blocked by policy",
				"decision": viewDecision(decision),
			})
			return
		}
		var execErr *orchestrator.ExecutorError
		if errors.As(err, &execErr) {
			writeError(w, http.StatusBadGateway, execErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"instance": viewInstance(instance),
		"decision": viewDecision(decision),
	})
}

func (r *Router) handleWorkloadSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/workloads/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	workloadID := parts[0]
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	switch parts[1] {
	case "decisions":
		decisions, err := r.decisions.Decisions(req.Context(), workloadID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, viewDecisions(decisions))
	case "instances":
		instances, err := r.instances.ListInstancesByWorkload(req.Context(), workloadID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, viewInstances(instances))
	default:
		r.notFound(w)
	}
}

func (r *Router) handleInstanceSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/instances/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	instanceID := parts[0]
	switch {
	case len(parts) == 1 && req.Method == http.MethodDelete:
		r.handleInstanceDelete(w, req, instanceID)
	case len(parts) == 2 && parts[1] == "stop" && req.Method == http.MethodPost:
		r.handleInstanceStop(w, req, instanceID)
	case len(parts) == 2 && parts[1] == "logs" && req.Method == http.MethodGet:
		r.handleInstanceLogs(w, req, instanceID)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleInstanceStop(w http.ResponseWriter, req *http.Request, instanceID string) {
	if err := r.orch.Stop(req.Context(), instanceID); err != nil {
		r.writeInstanceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (r *Router) handleInstanceDelete(w http.ResponseWriter, req *http.Request, instanceID string) {
	if err := r.orch.Delete(req.Context(), instanceID); err != nil {
		r.writeInstanceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleInstanceLogs(w http.ResponseWriter, req *http.Request, instanceID string) {
	lines, _ := strconv.Atoi(req.URL.Query().Get("tail"))
	reader, err := r.orch.Logs(req.Context(), instanceID, lines)
	if err != nil {
		r.writeInstanceError(w, err)
		return
	}
	defer reader.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, reader)
}

func (r *Router) writeInstanceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	case errors.Is(err, orchestrator.ErrUnknownBackend):
		writeError(w, http.StatusConflict, err.Error())
	default:
		var execErr *orchestrator.ExecutorError
		if errors.As(err, &execErr) {
			writeError(w, http.StatusBadGateway, execErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(route, req.Method, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "operator_id", info.OperatorID)
			if info.Role != "" {
				fields = append(fields, "role", info.Role)
			}
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
