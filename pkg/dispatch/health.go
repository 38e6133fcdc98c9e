package dispatch

import (
	"sync"
	"time"
)

// HealthState is a backend's position in the circuit breaker.
type HealthState string

const (
	// HealthHealthy backends receive traffic.
	HealthHealthy HealthState = "healthy"

	// HealthUnhealthy backends are skipped until their cooldown ends.
	HealthUnhealthy HealthState = "unhealthy"

	// HealthProbing backends admit a single trial request.
	HealthProbing HealthState = "probing"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures that
	// marks a backend unhealthy.
	DefaultFailureThreshold = 3

	// DefaultCooldown is how long an unhealthy backend is skipped.
	DefaultCooldown = 30 * time.Second
)

// HealthConfig tunes the tracker.
type HealthConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// HealthSnapshot is a point-in-time view of one backend.
type HealthSnapshot struct {
	Backend             string      `json:"backend"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	UnhealthyUntil      time.Time   `json:"unhealthy_until,omitempty"`
}

// StateChangeFunc observes state transitions.
type StateChangeFunc func(backend string, from, to HealthState)

type healthEntry struct {
	mu       sync.Mutex
	state    HealthState
	failures int
	until    time.Time
	probing  bool
}

// HealthTracker is a per-backend circuit breaker. Each backend has its own
// lock, so transitions on one backend never wait on another.
type HealthTracker struct {
	cfg      HealthConfig
	now      func() time.Time
	onChange StateChangeFunc

	mu      sync.RWMutex
	entries map[string]*healthEntry
}

// NewHealthTracker creates a tracker. Zero config values take defaults.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &HealthTracker{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*healthEntry),
	}
}

// OnStateChange registers a transition observer. It must be set before the
// tracker is shared.
func (t *HealthTracker) OnStateChange(fn StateChangeFunc) {
	t.onChange = fn
}

func (t *HealthTracker) entry(id string) *healthEntry {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[id]; !ok {
		e = &healthEntry{state: HealthHealthy}
		t.entries[id] = e
	}
	return e
}

// Acquire asks whether a request may be sent to backend id. An unhealthy
// backend whose cooldown has passed moves to probing and the caller gets
// the single probe slot. Every successful Acquire must be followed by
// Success, Failure or Release.
func (t *HealthTracker) Acquire(id string) bool {
	e := t.entry(id)
	e.mu.Lock()
	from := e.state
	allowed := false
	switch e.state {
	case HealthHealthy:
		allowed = true
	case HealthUnhealthy:
		if !t.now().Before(e.until) {
			e.state = HealthProbing
			e.probing = true
			allowed = true
		}
	case HealthProbing:
		if !e.probing {
			e.probing = true
			allowed = true
		}
	}
	to := e.state
	e.mu.Unlock()

	t.notify(id, from, to)
	return allowed
}

// Success records a request that proved the transport works.
func (t *HealthTracker) Success(id string) {
	e := t.entry(id)
	e.mu.Lock()
	from := e.state
	e.state = HealthHealthy
	e.failures = 0
	e.probing = false
	e.until = time.Time{}
	e.mu.Unlock()

	t.notify(id, from, HealthHealthy)
}

// Failure records a transport failure. A failed probe restarts the
// cooldown immediately.
func (t *HealthTracker) Failure(id string) {
	e := t.entry(id)
	e.mu.Lock()
	from := e.state
	e.failures++
	switch {
	case e.state == HealthProbing:
		e.state = HealthUnhealthy
		e.until = t.now().Add(t.cfg.Cooldown)
	case e.state == HealthHealthy && e.failures >= t.cfg.FailureThreshold:
		e.state = HealthUnhealthy
		e.until = t.now().Add(t.cfg.Cooldown)
	}
	e.probing = false
	to := e.state
	e.mu.Unlock()

	t.notify(id, from, to)
}

// Release gives back a slot without an outcome, for example when the
// caller cancelled.
func (t *HealthTracker) Release(id string) {
	e := t.entry(id)
	e.mu.Lock()
	e.probing = false
	e.mu.Unlock()
}

// Snapshot returns the state of backend id.
func (t *HealthTracker) Snapshot(id string) HealthSnapshot {
	e := t.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.state
	if state == HealthUnhealthy && !t.now().Before(e.until) {
		state = HealthProbing
	}
	return HealthSnapshot{
		Backend:             id,
		State:               state,
		ConsecutiveFailures: e.failures,
		UnhealthyUntil:      e.until,
	}
}

func (t *HealthTracker) notify(id string, from, to HealthState) {
	if from != to && t.onChange != nil {
		t.onChange(id, from, to)
	}
}
