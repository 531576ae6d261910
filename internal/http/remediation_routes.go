package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/vigil-host/vigil/internal/domain"
	"github.com/vigil-host/vigil/internal/repository"
	"github.com/vigil-host/vigil/internal/service/remediation"
)

func (r *Router) handleRuns(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleRunCreate(w, req)
	case http.MethodGet:
		instanceID := req.URL.Query().Get("instance_id")
		status := req.URL.Query().Get("status")
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = defaultListLimit
		}
		runs, err := r.remediation.Runs(req.Context(), instanceID, status, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, viewRuns(runs))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRunCreate(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		InstanceID  string          `json:"instance_id"`
		PlaybookKey string          `json:"playbook_key"`
		Metadata    json.RawMessage `json:"metadata"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.InstanceID) == "" {
		writeError(w, http.StatusBadRequest, "instance_id is required")
		return
	}
	run, err := r.remediation.EnsureRun(req.Context(), payload.InstanceID, payload.PlaybookKey, payload.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrActiveRunExists):
			// Surface the run already holding the active slot.
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": "an active remediation run already exists for this instance",
				"run":   viewRun(run),
			})
		case errors.Is(err, remediation.ErrPlaybookNotFound):
			// Unknown playbook is a request validation failure, not a missing resource.
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrNotFound):
			// The target instance has no trust registry entry.
			r.notFound(w)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, viewRun(run))
}

func (r *Router) handleRunSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/remediation/runs/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	runID := parts[0]
	switch {
	case len(parts) == 1 && req.Method == http.MethodGet:
		r.handleRunDetail(w, req, runID)
	case len(parts) == 2 && parts[1] == "approval" && req.Method == http.MethodPost:
		r.handleRunApproval(w, req, runID)
	case len(parts) == 2 && parts[1] == "cancel" && req.Method == http.MethodPost:
		r.handleRunCancel(w, req, runID)
	case len(parts) == 2 && parts[1] == "artifacts" && req.Method == http.MethodGet:
		r.handleRunArtifacts(w, req, runID)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRunDetail(w http.ResponseWriter, req *http.Request, runID string) {
	run, err := r.remediation.Run(req.Context(), runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewRun(run))
}

func (r *Router) handleRunApproval(w http.ResponseWriter, req *http.Request, runID string) {
	var payload struct {
		ExpectedVersion int64  `json:"expected_version"`
		Approve         bool   `json:"approve"`
		Notes           string `json:"notes"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	run, err := r.remediation.Approve(req.Context(), runID, payload.ExpectedVersion, payload.Approve, payload.Notes)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrVersionConflict):
			writeError(w, http.StatusConflict, "approval decision is stale: re-read the run and retry")
		case errors.Is(err, repository.ErrNotFound):
			r.notFound(w)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, viewRun(run))
}

func (r *Router) handleRunCancel(w http.ResponseWriter, req *http.Request, runID string) {
	var payload struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(req.Body).Decode(&payload)
	if strings.TrimSpace(payload.Reason) == "" {
		payload.Reason = "operator-cancelled"
	}
	run, err := r.remediation.Cancel(req.Context(), runID, payload.Reason)
	if err != nil {
		switch {
		case errors.Is(err, remediation.ErrRunNotCancellable):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, repository.ErrNotFound):
			r.notFound(w)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, viewRun(run))
}

func (r *Router) handleRunArtifacts(w http.ResponseWriter, req *http.Request, runID string) {
	artifacts, err := r.remediation.Artifacts(req.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewArtifacts(artifacts))
}

func (r *Router) handlePlaybooks(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		playbooks, err := r.remediation.Playbooks(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, viewPlaybooks(playbooks))
	case http.MethodPost:
		var payload playbookPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		playbook := payload.toDomain()
		if err := r.remediation.CreatePlaybook(req.Context(), playbook); err != nil {
			r.writePlaybookError(w, err)
			return
		}
		created, err := r.remediation.Playbook(req.Context(), playbook.Key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, viewPlaybook(created))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePlaybookSubroutes(w http.ResponseWriter, req *http.Request) {
	key := strings.TrimPrefix(req.URL.Path, "/remediation/playbooks/")
	if key == "" || strings.Contains(key, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		playbook, err := r.remediation.Playbook(req.Context(), key)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.notFound(w)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, viewPlaybook(playbook))
	case http.MethodPut:
		var payload playbookPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		playbook := payload.toDomain()
		playbook.Key = key
		if err := r.remediation.UpdatePlaybook(req.Context(), playbook, payload.ExpectedVersion); err != nil {
			r.writePlaybookError(w, err)
			return
		}
		updated, err := r.remediation.Playbook(req.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, viewPlaybook(updated))
	default:
		r.methodNotAllowed(w)
	}
}

type playbookPayload struct {
	Key              string          `json:"key"`
	ExecutorKind     string          `json:"executor_kind"`
	Owner            string          `json:"owner"`
	ApprovalRequired bool            `json:"approval_required"`
	SLASeconds       int             `json:"sla_seconds"`
	Payload          json.RawMessage `json:"payload"`
	ExpectedVersion  int64           `json:"expected_version"`
}

func (p playbookPayload) toDomain() *domain.RemediationPlaybook {
	return &domain.RemediationPlaybook{
		Key:              strings.TrimSpace(p.Key),
		ExecutorKind:     p.ExecutorKind,
		Owner:            p.Owner,
		ApprovalRequired: p.ApprovalRequired,
		SLASeconds:       p.SLASeconds,
		Payload:          p.Payload,
	}
}

func (r *Router) writePlaybookError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, remediation.ErrInvalidPlaybook):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrVersionConflict):
		writeError(w, http.StatusConflict, "playbook was updated concurrently: re-read and retry")
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
