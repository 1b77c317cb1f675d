package monitor

import (
	"sync"
	"time"

	"vigil/internal/integrity"
)

// afterCheck returns the state following a completed check. Check failures
// (verdict error) leave the state unchanged; Clean is only ever reached
// through a successful operation.
func afterCheck(cur integrity.State, verdict integrity.Verdict) integrity.State {
	switch cur {
	case integrity.StateRestoring, integrity.StateRestoreFailed:
		// Pinned: checks do not run in these states, and a stray result
		// must not unpin them.
		return cur
	}
	switch verdict {
	case integrity.VerdictMatch:
		return integrity.StateClean
	case integrity.VerdictDrift:
		return integrity.StateDrifted
	default:
		return cur
	}
}

// afterRestore returns the state following a completed restore attempt.
func afterRestore(verified bool) integrity.State {
	if verified {
		return integrity.StateClean
	}
	return integrity.StateRestoreFailed
}

// ContainerStatus is a point-in-time copy of one registry entry.
type ContainerStatus struct {
	Name            string
	State           integrity.State
	AutoRestore     bool
	Interval        time.Duration
	BaselineDigest  string
	BaselineVersion int
	LastDigest      string
	LastChecked     time.Time
}

// Registry tracks monitored containers. It is owned by the scheduler
// instance and passed explicitly, never package-level. Each entry has a
// single writer (its container's check loop); the mutex protects readers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*ContainerStatus
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*ContainerStatus)}
}

func (r *Registry) Add(st ContainerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[st.Name]; !ok {
		r.order = append(r.order, st.Name)
	}
	copied := st
	r.entries[st.Name] = &copied
}

// State returns the current state of name, or StateUnverified if unknown.
func (r *Registry) State(name string) integrity.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.State
	}
	return integrity.StateUnverified
}

// Update applies fn to the entry for name under the registry lock.
func (r *Registry) Update(name string, fn func(*ContainerStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		fn(e)
	}
}

// Snapshot returns all entries in registration order.
func (r *Registry) Snapshot() []ContainerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ContainerStatus, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.entries[name])
	}
	return out
}
