package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vigil-host/vigil/internal/domain"
)

// JSON views over the domain types. The domain structs stay tag-free so the
// wire shape is owned by this package.

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type trustEntryView struct {
	InstanceID          string     `json:"instance_id"`
	AttestationStatus   string     `json:"attestation_status"`
	LifecycleState      string     `json:"lifecycle_state"`
	RemediationState    string     `json:"remediation_state,omitempty"`
	RemediationAttempts int        `json:"remediation_attempts"`
	FreshnessDeadline   *time.Time `json:"freshness_deadline,omitempty"`
	Provenance          string     `json:"provenance,omitempty"`
	Version             int64      `json:"version"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func viewTrustEntry(entry *domain.TrustEntry) trustEntryView {
	return trustEntryView{
		InstanceID:          entry.InstanceID,
		AttestationStatus:   entry.AttestationStatus,
		LifecycleState:      entry.LifecycleState,
		RemediationState:    entry.RemediationState,
		RemediationAttempts: entry.RemediationAttempts,
		FreshnessDeadline:   entry.FreshnessDeadline,
		Provenance:          entry.Provenance,
		Version:             entry.Version,
		UpdatedAt:           entry.UpdatedAt,
	}
}

type trustTransitionView struct {
	ID                  int64     `json:"id"`
	InstanceID          string    `json:"instance_id"`
	PreviousStatus      *string   `json:"previous_status"`
	CurrentStatus       string    `json:"current_status"`
	PreviousLifecycle   *string   `json:"previous_lifecycle"`
	CurrentLifecycle    string    `json:"current_lifecycle"`
	Reason              string    `json:"reason"`
	RemediationAttempts int       `json:"remediation_attempts"`
	TriggeredAt         time.Time `json:"triggered_at"`
}

func viewTransition(t domain.TrustTransition) trustTransitionView {
	return trustTransitionView{
		ID:                  t.ID,
		InstanceID:          t.InstanceID,
		PreviousStatus:      t.PreviousStatus,
		CurrentStatus:       t.CurrentStatus,
		PreviousLifecycle:   t.PreviousLifecycle,
		CurrentLifecycle:    t.CurrentLifecycle,
		Reason:              t.Reason,
		RemediationAttempts: t.RemediationAttempts,
		TriggeredAt:         t.TriggeredAt,
	}
}

func viewTransitions(transitions []domain.TrustTransition) []trustTransitionView {
	views := make([]trustTransitionView, 0, len(transitions))
	for _, t := range transitions {
		views = append(views, viewTransition(t))
	}
	return views
}

type trustEventView struct {
	Entry      trustEntryView      `json:"entry"`
	Transition trustTransitionView `json:"transition"`
}

func viewTrustEvent(event domain.TrustEvent) trustEventView {
	return trustEventView{
		Entry:      viewTrustEntry(&event.Entry),
		Transition: viewTransition(event.Transition),
	}
}

type decisionView struct {
	ID                    string    `json:"id"`
	WorkloadID            string    `json:"workload_id"`
	RequestedBackend      string    `json:"requested_backend"`
	ChosenBackend         string    `json:"chosen_backend"`
	ImageRef              string    `json:"image_ref"`
	Capabilities          []string  `json:"capabilities"`
	CapabilitiesSatisfied bool      `json:"capabilities_satisfied"`
	EvaluationRequired    bool      `json:"evaluation_required"`
	GovernanceRequired    bool      `json:"governance_required"`
	PromotionBlocked      bool      `json:"promotion_blocked"`
	Blocked               bool      `json:"blocked"`
	Notes                 []string  `json:"notes"`
	CreatedAt             time.Time `json:"created_at"`
}

func viewDecision(d *domain.PlacementDecision) decisionView {
	return decisionView{
		ID:                    d.ID,
		WorkloadID:            d.WorkloadID,
		RequestedBackend:      d.RequestedBackend,
		ChosenBackend:         d.ChosenBackend,
		ImageRef:              d.ImageRef,
		Capabilities:          d.Capabilities,
		CapabilitiesSatisfied: d.CapabilitiesSatisfied,
		EvaluationRequired:    d.EvaluationRequired,
		GovernanceRequired:    d.GovernanceRequired,
		PromotionBlocked:      d.PromotionBlocked,
		Blocked:               d.Blocked,
		Notes:                 d.Notes,
		CreatedAt:             d.CreatedAt,
	}
}

func viewDecisions(decisions []domain.PlacementDecision) []decisionView {
	views := make([]decisionView, 0, len(decisions))
	for i := range decisions {
		views = append(views, viewDecision(&decisions[i]))
	}
	return views
}

type instanceView struct {
	ID            string     `json:"id"`
	WorkloadID    string     `json:"workload_id"`
	Backend       string     `json:"backend"`
	IsolationTier string     `json:"isolation_tier"`
	ImageRef      string     `json:"image_ref"`
	ExternalRef   string     `json:"external_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	TerminatedAt  *time.Time `json:"terminated_at,omitempty"`
}

func viewInstance(i *domain.RuntimeInstance) instanceView {
	return instanceView{
		ID:            i.ID,
		WorkloadID:    i.WorkloadID,
		Backend:       i.Backend,
		IsolationTier: i.IsolationTier,
		ImageRef:      i.ImageRef,
		ExternalRef:   i.ExternalRef,
		CreatedAt:     i.CreatedAt,
		TerminatedAt:  i.TerminatedAt,
	}
}

func viewInstances(instances []domain.RuntimeInstance) []instanceView {
	views := make([]instanceView, 0, len(instances))
	for i := range instances {
		views = append(views, viewInstance(&instances[i]))
	}
	return views
}

type runView struct {
	ID                 string          `json:"id"`
	InstanceID         string          `json:"instance_id"`
	PlaybookKey        string          `json:"playbook_key"`
	ExecutorKind       string          `json:"executor_kind"`
	Status             string          `json:"status"`
	ApprovalState      string          `json:"approval_state"`
	AssignedOwner      string          `json:"assigned_owner,omitempty"`
	SLADeadline        *time.Time      `json:"sla_deadline,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	LastError          string          `json:"last_error,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	Version            int64           `json:"version"`
	StartedAt          time.Time       `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func viewRun(r *domain.RemediationRun) runView {
	return runView{
		ID:                 r.ID,
		InstanceID:         r.InstanceID,
		PlaybookKey:        r.PlaybookKey,
		ExecutorKind:       r.ExecutorKind,
		Status:             r.Status,
		ApprovalState:      r.ApprovalState,
		AssignedOwner:      r.AssignedOwner,
		SLADeadline:        r.SLADeadline,
		FailureReason:      r.FailureReason,
		LastError:          r.LastError,
		Metadata:           r.Metadata,
		Version:            r.Version,
		StartedAt:          r.StartedAt,
		CompletedAt:        r.CompletedAt,
		CancelledAt:        r.CancelledAt,
		CancellationReason: r.CancellationReason,
		UpdatedAt:          r.UpdatedAt,
	}
}

func viewRuns(runs []domain.RemediationRun) []runView {
	views := make([]runView, 0, len(runs))
	for i := range runs {
		views = append(views, viewRun(&runs[i]))
	}
	return views
}

type playbookView struct {
	Key              string          `json:"key"`
	ExecutorKind     string          `json:"executor_kind"`
	Owner            string          `json:"owner,omitempty"`
	ApprovalRequired bool            `json:"approval_required"`
	SLASeconds       int             `json:"sla_seconds"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func viewPlaybook(p *domain.RemediationPlaybook) playbookView {
	return playbookView{
		Key:              p.Key,
		ExecutorKind:     p.ExecutorKind,
		Owner:            p.Owner,
		ApprovalRequired: p.ApprovalRequired,
		SLASeconds:       p.SLASeconds,
		Payload:          p.Payload,
		Version:          p.Version,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func viewPlaybooks(playbooks []domain.RemediationPlaybook) []playbookView {
	views := make([]playbookView, 0, len(playbooks))
	for i := range playbooks {
		views = append(views, viewPlaybook(&playbooks[i]))
	}
	return views
}

type artifactView struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Kind      string          `json:"kind"`
	Label     string          `json:"label,omitempty"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

func viewArtifacts(artifacts []domain.RemediationArtifact) []artifactView {
	views := make([]artifactView, 0, len(artifacts))
	for _, a := range artifacts {
		views = append(views, artifactView{
			ID:        a.ID,
			RunID:     a.RunID,
			Kind:      a.Kind,
			Label:     a.Label,
			Content:   a.Content,
			CreatedAt: a.CreatedAt,
		})
	}
	return views
}
