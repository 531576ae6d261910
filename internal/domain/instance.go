package domain

import "time"

// Backend kinds a workload can be placed on.
const (
	BackendContainer = "container"
	BackendCluster   = "cluster"
	BackendMicroVM   = "microvm"
)

// Capability names understood by executor descriptors.
const (
	CapabilityGPU          = "gpu"
	CapabilityConfidential = "confidential-compute"
)

// Workload identifies a hosted server workload and the signals needed to place it.
type Workload struct {
	ID             string
	OrgID          string
	ImageRef       string
	ManifestDigest string
	Tier           string
}

// RuntimeInstance captures one running or terminated execution of a workload.
type RuntimeInstance struct {
	ID            string
	WorkloadID    string
	Backend       string
	IsolationTier string
	ImageRef      string
	ExternalRef   string
	CreatedAt     time.Time
	TerminatedAt  *time.Time
}

// WorkloadSpec is the executor-facing launch request.
type WorkloadSpec struct {
	WorkloadID    string
	ImageRef      string
	IsolationTier string
	Env           []string
	Command       []string
	Capabilities  []string
}

// CapabilityDescriptor advertises what an executor backend can provide.
type CapabilityDescriptor struct {
	Backend        string
	Supported      []string
	IsolationTiers []string
}

// Provides reports whether the descriptor satisfies the named capability.
func (d CapabilityDescriptor) Provides(capability string) bool {
	for _, c := range d.Supported {
		if c == capability {
			return true
		}
	}
	return false
}
