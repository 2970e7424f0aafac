// Package singleflight implements a mutex-guarded at-most-one-holder
// gate used to ensure only one update or one backup/restore job runs at
// a time.
package singleflight

import "sync"

// SessionLookup reports whether a session id is still present and, if
// so, whether it has reached a terminal state. A gate uses this to
// distinguish a genuinely active holder from one whose session was
// garbage collected or finished without releasing the gate.
type SessionLookup func(id string) (exists bool, terminal bool)

// Gate is an at-most-one-holder mutex keyed by an arbitrary id.
type Gate struct {
	mu     sync.Mutex
	active string
}

// TryAcquire atomically claims the gate for id. Returns false if another
// id already holds it.
func (g *Gate) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != "" {
		return false
	}
	g.active = id
	return true
}

// Release clears the gate only if id is the current holder, so a
// stale release from an already-superseded caller cannot evict a new
// holder.
func (g *Gate) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == id {
		g.active = ""
	}
}

// ActiveID returns the current holder, or "" if the gate is free.
func (g *Gate) ActiveID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// CleanupStale releases the held id if lookup reports the backing
// session no longer exists or has reached a terminal state.
func (g *Gate) CleanupStale(lookup SessionLookup) {
	g.mu.Lock()
	active := g.active
	g.mu.Unlock()
	if active == "" {
		return
	}
	exists, terminal := lookup(active)
	if !exists || terminal {
		g.Release(active)
	}
}

// IsEffectivelyActive reports whether the gate has a holder whose
// session both exists and has not reached a terminal state. A holder
// left behind by a session that finished or vanished without releasing
// is treated as inactive and is cleared as a side effect.
func (g *Gate) IsEffectivelyActive(lookup SessionLookup) bool {
	active := g.ActiveID()
	if active == "" {
		return false
	}
	exists, terminal := lookup(active)
	if !exists || terminal {
		g.Release(active)
		return false
	}
	return true
}
