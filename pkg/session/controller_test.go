package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestControllerCreateDebounce(t *testing.T) {
	c := NewController(WithDebounce(time.Second))
	now := time.Now()

	require.True(t, c.Create(now))
	require.False(t, c.Create(now.Add(100*time.Millisecond)), "second create inside the window is suppressed")
	require.True(t, c.CreatePending())
	require.True(t, c.Create(now.Add(2*time.Second)), "an unanswered create may be retried after the window")
}

func TestControllerCreateRefusedWhenResumed(t *testing.T) {
	route := NewMemoryRoute("")
	c := NewController(WithRoute(route))
	require.True(t, c.Resume("nav-session", time.Now()))
	require.False(t, c.Create(time.Now()))
	require.Equal(t, "nav-session", route.SessionID())
	require.False(t, c.Resume("nav-session", time.Now()))
}

func TestControllerHandleCreatedCompareAndSet(t *testing.T) {
	route := NewMemoryRoute("")
	c := NewController(WithRoute(route))
	now := time.Now()
	require.True(t, c.Create(now))

	require.True(t, c.HandleCreated("s-1", now))
	require.Equal(t, "s-1", route.SessionID())
	require.Equal(t, 1, route.Swaps())
	require.False(t, c.CreatePending())

	require.False(t, c.HandleCreated("s-1", now), "redundant session_created is a no-op")
	require.Equal(t, 1, route.Swaps())

	s, ok := c.Active()
	require.True(t, ok)
	require.Equal(t, "s-1", s.ID)
	require.True(t, s.Active())
}

func TestControllerIgnoresUnsolicitedSessionCreated(t *testing.T) {
	route := NewMemoryRoute("")
	c := NewController(WithRoute(route))
	require.False(t, c.HandleCreated("s-9", time.Now()), "no create was sent")
	require.Equal(t, "", route.SessionID())
	require.Equal(t, "", c.ID())
}

func TestControllerLateSessionCreatedAfterResume(t *testing.T) {
	route := NewMemoryRoute("")
	c := NewController(WithRoute(route))
	now := time.Now()
	require.True(t, c.Create(now))
	require.True(t, c.Resume("s-7", now))

	require.False(t, c.HandleCreated("s-new", now))
	require.Equal(t, "s-7", c.ID())
	require.Equal(t, "s-7", route.SessionID())
	require.Equal(t, 1, route.Swaps())
}

func TestControllerSessionCreatedLosesToClaimedRoute(t *testing.T) {
	route := NewMemoryRoute("")
	c := NewController(WithRoute(route))
	now := time.Now()
	require.True(t, c.Create(now))
	require.True(t, route.CompareAndSwapSessionID("", "elsewhere"))

	require.False(t, c.HandleCreated("s-1", now))
	require.Equal(t, "elsewhere", route.SessionID())
	require.Equal(t, "", c.ID())
	require.False(t, c.CreatePending(), "the acknowledgment was consumed")
}

func TestControllerEnd(t *testing.T) {
	route := NewMemoryRoute("")
	c := NewController(WithRoute(route))
	start := time.Now()
	require.True(t, c.Create(start))
	require.True(t, c.HandleCreated("s-1", start))

	ended, ok := c.End(start.Add(time.Minute))
	require.True(t, ok)
	require.Equal(t, "s-1", ended.ID)
	require.False(t, ended.Active())
	require.Equal(t, start.Add(time.Minute), ended.TerminatedAt)
	require.Equal(t, "", route.SessionID())
	require.Equal(t, "", c.ID())

	_, ok = c.End(time.Now())
	require.False(t, ok)
	require.True(t, c.Create(time.Now()))
}

func TestControllerAbandonCreate(t *testing.T) {
	c := NewController(WithDebounce(time.Hour))
	now := time.Now()
	require.True(t, c.Create(now))
	require.False(t, c.Create(now.Add(time.Second)), "debounced")

	c.AbandonCreate()
	require.False(t, c.CreatePending())
	require.True(t, c.Create(now.Add(2*time.Second)), "a dropped request may be retried at once")
}
