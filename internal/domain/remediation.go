package domain

import (
	"encoding/json"
	"time"
)

// Remediation run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Approval states for a remediation run.
const (
	ApprovalPending      = "pending"
	ApprovalApproved     = "approved"
	ApprovalRejected     = "rejected"
	ApprovalAutoApproved = "auto-approved"
)

// Remediation executor kinds.
const (
	RemediationShell         = "shell"
	RemediationOrchestration = "orchestration-script"
	RemediationCloudAPI      = "cloud-api"
)

// Failure taxonomy. Structural failures will not succeed on retry without
// intervention; transient ones may.
const (
	FailurePolicyDenied        = "policy_denied"
	FailurePlaybookBug         = "playbook_bug"
	FailureDependencyOutage    = "dependency_outage"
	FailureTimeout             = "timeout"
	FailureExecutorUnavailable = "executor_unavailable"
	FailureCancelled           = "cancelled"
)

// TransientFailure reports whether reason is eligible for automatic retry.
func TransientFailure(reason string) bool {
	switch reason {
	case FailureDependencyOutage, FailureTimeout, FailureExecutorUnavailable:
		return true
	}
	return false
}

// RemediationPlaybook is a catalog entry describing one repair procedure.
type RemediationPlaybook struct {
	Key              string
	ExecutorKind     string
	Owner            string
	ApprovalRequired bool
	SLASeconds       int
	Payload          json.RawMessage
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RemediationRun is one remediation attempt against a runtime instance.
// At most one run per instance may be in pending or running status.
type RemediationRun struct {
	ID                 string
	InstanceID         string
	PlaybookKey        string
	ExecutorKind       string
	Status             string
	ApprovalState      string
	AssignedOwner      string
	SLADeadline        *time.Time
	FailureReason      string
	LastError          string
	Metadata           json.RawMessage
	Version            int64
	StartedAt          time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason string
	UpdatedAt          time.Time
}

// Active reports whether the run still holds the per-instance active slot.
func (r *RemediationRun) Active() bool {
	return r.Status == RunPending || r.Status == RunRunning
}

// Log stream labels for remediation executor output.
const (
	LogStreamStdout = "stdout"
	LogStreamStderr = "stderr"
	LogStreamSystem = "system"
)

// RemediationLogEvent is one structured log line emitted during execution.
type RemediationLogEvent struct {
	RunID  string    `json:"run_id"`
	Stream string    `json:"stream"`
	Line   string    `json:"line"`
	At     time.Time `json:"at"`
}

// RemediationArtifact is immutable evidence attached to a run.
type RemediationArtifact struct {
	ID        int64
	RunID     string
	Kind      string
	Label     string
	Content   json.RawMessage
	CreatedAt time.Time
}
