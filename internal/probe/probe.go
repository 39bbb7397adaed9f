package probe

import (
	"context"
	"fmt"
	"sort"

	"github.com/mkarlsen/stackhost/internal/resource"
)

// Result is the outcome of a single probe invocation.
type Result struct {
	Status      resource.HealthStatus
	Description string
}

// Probe checks the health of one aspect of a resource. Implementations may
// block; they must honor context cancellation.
type Probe interface {
	Check(ctx context.Context) (Result, error)
}

// Func adapts a plain function to the Probe interface.
type Func func(ctx context.Context) (Result, error)

// Check implements Probe.
func (f Func) Check(ctx context.Context) (Result, error) {
	return f(ctx)
}

// Registry maps health-check ids to probes. It is built once at startup and
// never mutated afterwards, so lookups need no locking.
type Registry struct {
	probes map[string]Probe
}

// NewRegistry builds a registry from the given probes.
func NewRegistry(probes map[string]Probe) *Registry {
	owned := make(map[string]Probe, len(probes))
	for id, p := range probes {
		owned[id] = p
	}
	return &Registry{probes: owned}
}

// Lookup returns the probe registered under the given health-check id.
func (r *Registry) Lookup(id string) (Probe, error) {
	p, ok := r.probes[id]
	if !ok {
		return nil, fmt.Errorf("health check %q: %w", id, ErrProbeNotFound)
	}
	return p, nil
}

// IDs returns the registered health-check ids in deterministic order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.probes))
	for id := range r.probes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
