package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// Backend is a registered adapter with its routing priority. Lower
// priorities are tried first; ties keep registration order.
type Backend struct {
	Adapter  engine.Adapter
	Priority int
	order    int
}

// ID returns the adapter id.
func (b *Backend) ID() string { return b.Adapter.ID() }

// BackendStatus describes a backend for operators.
type BackendStatus struct {
	ID           string              `json:"id"`
	Kind         string              `json:"kind"`
	Priority     int                 `json:"priority"`
	Capabilities []engine.Capability `json:"capabilities"`
	Fallback     bool                `json:"fallback"`
	Health       HealthSnapshot      `json:"health"`
}

// Registry maps capabilities to the backends that serve them. It is filled
// at startup and sealed before the first dispatch; after that it is read
// without locking.
type Registry struct {
	mu        sync.RWMutex
	sealed    bool
	backends  []*Backend
	byID      map[string]*Backend
	byCap     map[engine.Capability][]*Backend
	fallbacks map[engine.Capability]engine.Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]*Backend),
		byCap:     make(map[engine.Capability][]*Backend),
		fallbacks: make(map[engine.Capability]engine.Adapter),
	}
}

// ErrSealed is returned when registering after Seal.
var ErrSealed = errors.New("registry is sealed")

// Register adds an adapter at priority.
func (r *Registry) Register(adapter engine.Adapter, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	id := adapter.ID()
	if id == "" {
		return fmt.Errorf("adapter has empty id")
	}
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("backend already registered: %s", id)
	}
	caps := adapter.Capabilities()
	if len(caps) == 0 {
		return fmt.Errorf("backend %s declares no capabilities", id)
	}
	for _, c := range caps {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("backend %s: %w", id, err)
		}
	}

	b := &Backend{Adapter: adapter, Priority: priority, order: len(r.backends)}
	r.backends = append(r.backends, b)
	r.byID[id] = b
	for _, c := range caps {
		r.byCap[c] = append(r.byCap[c], b)
	}
	return nil
}

// RegisterFallback installs a generator used when every candidate for one
// of caps has failed over. Fallbacks are not subject to health tracking.
func (r *Registry) RegisterFallback(adapter engine.Adapter, caps ...engine.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if len(caps) == 0 {
		caps = adapter.Capabilities()
	}
	for _, c := range caps {
		if !engine.Supports(adapter, c) {
			return fmt.Errorf("fallback %s does not support %s", adapter.ID(), c)
		}
		if c == engine.CapabilityExecute {
			return fmt.Errorf("execute cannot have a synthetic fallback")
		}
		r.fallbacks[c] = adapter
	}
	return nil
}

// Seal sorts candidate lists and freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c, list := range r.byCap {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority < list[j].Priority
			}
			return list[i].order < list[j].order
		})
		r.byCap[c] = list
	}
	r.sealed = true
}

// Candidates returns the backends declaring c in priority order.
func (r *Registry) Candidates(c engine.Capability) []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, len(r.byCap[c]))
	copy(out, r.byCap[c])
	return out
}

// Fallback returns the fallback generator for c, if any.
func (r *Registry) Fallback(c engine.Capability) (engine.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.fallbacks[c]
	return a, ok
}

// Get returns a backend by id.
func (r *Registry) Get(id string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[id]
	return b, ok
}

// Backends returns all registered backends in registration order.
func (r *Registry) Backends() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// Status describes every backend and fallback.
func (r *Registry) Status(tracker *HealthTracker) []BackendStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BackendStatus, 0, len(r.backends)+len(r.fallbacks))
	for _, b := range r.backends {
		out = append(out, BackendStatus{
			ID:           b.ID(),
			Kind:         b.Adapter.Kind(),
			Priority:     b.Priority,
			Capabilities: b.Adapter.Capabilities(),
			Health:       tracker.Snapshot(b.ID()),
		})
	}

	seen := make(map[string]bool)
	for _, c := range engine.AllCapabilities() {
		fb, ok := r.fallbacks[c]
		if !ok || seen[fb.ID()] {
			continue
		}
		seen[fb.ID()] = true
		out = append(out, BackendStatus{
			ID:           fb.ID(),
			Kind:         fb.Kind(),
			Capabilities: fb.Capabilities(),
			Fallback:     true,
			Health:       HealthSnapshot{Backend: fb.ID(), State: HealthHealthy},
		})
	}
	return out
}

// Close closes every adapter and fallback.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	closed := make(map[string]bool)
	closeOne := func(a engine.Adapter) {
		if closed[a.ID()] {
			return
		}
		closed[a.ID()] = true
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", a.ID(), err))
		}
	}
	for _, b := range r.backends {
		closeOne(b.Adapter)
	}
	for _, a := range r.fallbacks {
		closeOne(a)
	}
	return errors.Join(errs...)
}
