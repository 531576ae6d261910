package domain

import "time"

// Attestation statuses reported by executors.
const (
	AttestationTrusted   = "trusted"
	AttestationUntrusted = "untrusted"
	AttestationPending   = "pending"
)

// Lifecycle states of the trust registry state machine. The machine has no
// terminal state; instances cycle between these for their whole lifetime.
const (
	LifecycleSuspect     = "suspect"
	LifecycleQuarantined = "quarantined"
	LifecycleRemediating = "remediating"
	LifecycleRestored    = "restored"
)

// ValidAttestationStatus reports whether status is a known attestation status.
func ValidAttestationStatus(status string) bool {
	switch status {
	case AttestationTrusted, AttestationUntrusted, AttestationPending:
		return true
	}
	return false
}

// ValidLifecycleState reports whether state is a known lifecycle state.
func ValidLifecycleState(state string) bool {
	switch state {
	case LifecycleSuspect, LifecycleQuarantined, LifecycleRemediating, LifecycleRestored:
		return true
	}
	return false
}

// TrustEntry is the current lifecycle snapshot for a runtime instance.
// Version strictly increases with every write; writers must supply the
// version they last read or the write is rejected.
type TrustEntry struct {
	InstanceID          string
	AttestationStatus   string
	LifecycleState      string
	RemediationState    string
	RemediationAttempts int
	FreshnessDeadline   *time.Time
	Provenance          string
	Version             int64
	UpdatedAt           time.Time
}

// Stale reports whether the entry's evidence is past its freshness deadline.
func (e *TrustEntry) Stale(now time.Time) bool {
	return e.FreshnessDeadline != nil && now.After(*e.FreshnessDeadline)
}

// TrustTransition is an immutable history record of one registry write.
type TrustTransition struct {
	ID                  int64
	InstanceID          string
	PreviousStatus      *string
	CurrentStatus       string
	PreviousLifecycle   *string
	CurrentLifecycle    string
	Reason              string
	RemediationAttempts int
	TriggeredAt         time.Time
}

// TrustEvent couples a snapshot with the transition that produced it; this is
// the payload delivered on the notification bus.
type TrustEvent struct {
	Entry      TrustEntry
	Transition TrustTransition
}

// AttestationEvidence is what an executor reports back after verifying an
// instance against its expected baseline.
type AttestationEvidence struct {
	Status            string
	Kind              string
	Provenance        string
	FreshnessDeadline *time.Time
	Notes             []string
}
