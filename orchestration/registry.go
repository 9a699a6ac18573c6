package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/itsneelabh/fedquery/core"
)

// AdapterRegistry maps each capability onto the adapter that serves it.
// Registration happens at startup; lookups are safe for concurrent use.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[Capability]Adapter
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[Capability]Adapter)}
}

// Register binds an adapter to a capability. A capability may be bound once.
func (r *AdapterRegistry) Register(capability Capability, adapter Adapter) error {
	if !capability.Valid() {
		return &core.FrameworkError{
			Op:      "AdapterRegistry.Register",
			Kind:    "registry",
			ID:      string(capability),
			Message: "unknown capability",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if adapter == nil {
		return &core.FrameworkError{
			Op:      "AdapterRegistry.Register",
			Kind:    "registry",
			ID:      string(capability),
			Message: "adapter is nil",
			Err:     core.ErrInvalidConfiguration,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[capability]; exists {
		return &core.FrameworkError{Op: "AdapterRegistry.Register", Kind: "registry", ID: string(capability), Err: core.ErrAlreadyRegistered}
	}
	r.adapters[capability] = adapter
	return nil
}

// Lookup returns the adapter for a capability.
func (r *AdapterRegistry) Lookup(capability Capability) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[capability]
	if !ok {
		return nil, &core.FrameworkError{Op: "AdapterRegistry.Lookup", Kind: "registry", ID: string(capability), Err: core.ErrCapabilityNotFound}
	}
	return adapter, nil
}

// Capabilities lists registered capabilities in sorted order.
func (r *AdapterRegistry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SourceRouter is an Adapter that dispatches to one of several named sources
// of the same capability, chosen by the node's preferred_source. An empty
// preferred source goes to the default.
type SourceRouter struct {
	capability    Capability
	mu            sync.RWMutex
	sources       map[string]Adapter
	defaultSource string
}

// NewSourceRouter creates a router for one capability.
func NewSourceRouter(capability Capability) *SourceRouter {
	return &SourceRouter{capability: capability, sources: make(map[string]Adapter)}
}

// Add registers a named source. The first source added becomes the default
// unless a later one is added with isDefault set.
func (r *SourceRouter) Add(name string, adapter Adapter, isDefault bool) error {
	if name == "" || adapter == nil {
		return &core.FrameworkError{Op: "SourceRouter.Add", Kind: "registry", ID: name, Message: "source name and adapter are required", Err: core.ErrInvalidConfiguration}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[name]; exists {
		return &core.FrameworkError{Op: "SourceRouter.Add", Kind: "registry", ID: name, Err: core.ErrAlreadyRegistered}
	}
	r.sources[name] = adapter
	if isDefault || r.defaultSource == "" {
		r.defaultSource = name
	}
	return nil
}

// Sources lists source names in sorted order.
func (r *SourceRouter) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for name := range r.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute implements Adapter.
func (r *SourceRouter) Execute(ctx context.Context, q Subquery, deps Dependencies) (*Result, error) {
	r.mu.RLock()
	name := q.Source
	if name == "" {
		name = r.defaultSource
	}
	adapter, ok := r.sources[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &core.FrameworkError{
			Op:      "SourceRouter.Execute",
			Kind:    "registry",
			ID:      name,
			Message: fmt.Sprintf("no %s source named %q", r.capability, name),
			Err:     core.ErrSourceNotFound,
		}
	}
	q.Source = name
	return adapter.Execute(ctx, q, deps)
}
