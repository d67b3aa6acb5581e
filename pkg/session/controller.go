// Package session tracks the single active conversation session of a client.
package session

import (
	"strings"
	"time"
)

// DefaultDebounce guards against duplicate create_session requests when the
// connection and the identity resolve at nearly the same time.
const DefaultDebounce = 750 * time.Millisecond

// Session is a server-tracked conversation.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	TerminatedAt time.Time `json:"terminated_at,omitempty"`
}

func (s Session) Active() bool { return s.ID != "" && s.TerminatedAt.IsZero() }

// Controller owns create/resume/end transitions. It is not safe for concurrent
// use; the engine applies transitions under its own lock.
type Controller struct {
	route    RouteState
	debounce time.Duration

	current       *Session
	createPending bool
	lastCreateAt  time.Time
}

type Option func(*Controller)

func WithDebounce(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.debounce = d
		}
	}
}

// WithRoute wires the external routing state updated on session changes.
func WithRoute(r RouteState) Option {
	return func(c *Controller) {
		if r != nil {
			c.route = r
		}
	}
}

func NewController(opts ...Option) *Controller {
	c := &Controller{route: NewMemoryRoute(""), debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Route exposes the routing state, e.g. to read a navigation-provided id at startup.
func (c *Controller) Route() RouteState { return c.route }

// Active returns the current session, if any.
func (c *Controller) Active() (Session, bool) {
	if c.current == nil {
		return Session{}, false
	}
	return *c.current, true
}

// ID returns the active session id or "".
func (c *Controller) ID() string {
	if c.current == nil {
		return ""
	}
	return c.current.ID
}

// CreatePending reports whether a create_session is awaiting its acknowledgment.
func (c *Controller) CreatePending() bool { return c.createPending }

// Create reports whether a create_session must be sent now. It refuses when a
// session is already active or another creation is inside the debounce window.
func (c *Controller) Create(now time.Time) bool {
	if c.current != nil {
		return false
	}
	if c.createPending && now.Sub(c.lastCreateAt) < c.debounce {
		return false
	}
	c.createPending = true
	c.lastCreateAt = now
	return true
}

// AbandonCreate forgets an unacknowledged create_session, e.g. after the socket
// dropped before the server answered.
func (c *Controller) AbandonCreate() {
	c.createPending = false
	c.lastCreateAt = time.Time{}
}

// Resume attaches to an externally supplied session id. It returns true when the
// active session changed.
func (c *Controller) Resume(id string, now time.Time) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if c.current != nil && c.current.ID == id {
		return false
	}
	c.swapRoute(id)
	c.current = &Session{ID: id, CreatedAt: now}
	c.createPending = false
	return true
}

// HandleCreated applies a session_created acknowledgment. It is accepted only
// while this controller is waiting for one and has no active session; a late
// acknowledgment for a create that a resume or an end overtook is ignored. The
// routing state moves from "" with compare-and-set, so a route another writer
// already claimed is never overwritten.
func (c *Controller) HandleCreated(id string, now time.Time) bool {
	id = strings.TrimSpace(id)
	if id == "" || !c.createPending || c.current != nil {
		return false
	}
	c.createPending = false
	if !c.route.CompareAndSwapSessionID(c.ID(), id) {
		return false
	}
	c.current = &Session{ID: id, CreatedAt: now}
	return true
}

// End terminates the active session and clears the routing state.
func (c *Controller) End(now time.Time) (Session, bool) {
	if c.current == nil {
		return Session{}, false
	}
	ended := *c.current
	ended.TerminatedAt = now
	c.route.CompareAndSwapSessionID(ended.ID, "")
	c.current = nil
	c.createPending = false
	return ended, true
}

func (c *Controller) swapRoute(id string) {
	for i := 0; i < 3; i++ {
		old := c.route.SessionID()
		if old == id || c.route.CompareAndSwapSessionID(old, id) {
			return
		}
	}
}
