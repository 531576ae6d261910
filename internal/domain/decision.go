package domain

import "time"

// PlacementDecision is the immutable audit record of one policy evaluation.
// A new evaluation always produces a new record; rows are never updated.
type PlacementDecision struct {
	ID                    string
	WorkloadID            string
	RequestedBackend      string
	ChosenBackend         string
	ImageRef              string
	Capabilities          []string
	CapabilitiesSatisfied bool
	EvaluationRequired    bool
	GovernanceRequired    bool
	PromotionBlocked      bool
	Blocked               bool
	Notes                 []string
	CreatedAt             time.Time
}
