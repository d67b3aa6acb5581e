package session

import "sync"

// RouteState is the external navigation state carrying the session id (URL
// parameter, CLI state file, ...). Writes go through compare-and-set so that
// concurrent or redundant session events cannot clobber each other.
type RouteState interface {
	SessionID() string
	CompareAndSwapSessionID(old, next string) bool
}

// MemoryRoute is an in-process RouteState.
type MemoryRoute struct {
	mu        sync.Mutex
	sessionID string
	swaps     int
}

var _ RouteState = &MemoryRoute{}

func NewMemoryRoute(initial string) *MemoryRoute {
	return &MemoryRoute{sessionID: initial}
}

func (r *MemoryRoute) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *MemoryRoute) CompareAndSwapSessionID(old, next string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID != old {
		return false
	}
	if old == next {
		return true
	}
	r.sessionID = next
	r.swaps++
	return true
}

// Swaps counts effective writes; useful to assert that redundant events were no-ops.
func (r *MemoryRoute) Swaps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.swaps
}
