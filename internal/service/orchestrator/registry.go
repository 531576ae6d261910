package orchestrator

import (
	"sort"
	"sync"

	"github.com/vigil-host/vigil/internal/domain"
)

// Registry holds one executor per backend kind. Dispatch is a flat lookup;
// there is no fallback chain here, backend choice belongs to the policy
// engine.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register installs an executor under its descriptor's backend kind.
func (r *Registry) Register(exec Executor) {
	if exec == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[exec.Capabilities().Backend] = exec
}

// Get returns the executor for a backend kind.
func (r *Registry) Get(backend string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[backend]
	return exec, ok
}

// DescriptorFor returns the capability descriptor for a backend kind.
func (r *Registry) DescriptorFor(backend string) (domain.CapabilityDescriptor, bool) {
	exec, ok := r.Get(backend)
	if !ok {
		return domain.CapabilityDescriptor{}, false
	}
	return exec.Capabilities(), true
}

// Kinds lists registered backend kinds sorted for stable output.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
