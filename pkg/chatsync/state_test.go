package chatsync

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsync/pkg/chaterrors"
	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("local-%d", n)
	}
}

func newTestState(route session.RouteState) *State {
	return NewState(StateConfig{BatchSize: 4, Debounce: time.Second, Route: route, NewID: sequentialIDs()})
}

func commands(out Outcome) []protocol.Command {
	var cmds []protocol.Command
	for _, eff := range out.Effects {
		if sc, ok := eff.(SendCommand); ok {
			cmds = append(cmds, sc.Command)
		}
	}
	return cmds
}

func fetches(out Outcome) []FetchPage {
	var fs []FetchPage
	for _, eff := range out.Effects {
		if f, ok := eff.(FetchPage); ok {
			fs = append(fs, f)
		}
	}
	return fs
}

// connected drives a fresh state to a live session "s-1" for user "u-1".
func connected(t *testing.T) *State {
	t.Helper()
	s := newTestState(nil)
	require.Empty(t, commands(s.Apply(Inbound{Event: protocol.Connected{}}, t0)), "no identity yet")
	out := s.Apply(IdentityResolved{UserID: "u-1"}, t0)
	require.Equal(t, []protocol.Command{protocol.CreateSession{}}, commands(out))
	s.Apply(Inbound{Event: protocol.SessionCreated{ID: "s-1"}}, t0)
	require.True(t, s.CanSend())
	return s
}

// send applies a send request and its follow-up, the way the runtime does after
// a successful write.
func send(t *testing.T, s *State, content string, now time.Time) SendCommand {
	t.Helper()
	out := s.Apply(SendRequested{Content: content}, now)
	require.NoError(t, out.Err)
	require.Len(t, out.Effects, 1)
	sc := out.Effects[0].(SendCommand)
	s.Apply(sc.Then, now)
	return sc
}

func TestStateStreamedReplyBecomesOneMessage(t *testing.T) {
	s := connected(t)

	sc := send(t, s, "Hello", t0.Add(time.Second))
	require.Equal(t, protocol.SendMessage{SessionID: "s-1", UserID: "u-1", Content: "Hello"}, sc.Command)
	require.Len(t, s.Snapshot().Messages, 1)

	for i, chunk := range []string{"Hi", " ", "th", "er", "e"} {
		out := s.Apply(Inbound{Event: protocol.AgentReply{Chunk: chunk}}, t0.Add(2*time.Second+time.Duration(i)*time.Millisecond))
		require.True(t, out.Typing)
		require.Empty(t, out.Mutations, "chunks never touch the timeline")
	}
	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.NotNil(t, snap.Partial)
	require.Equal(t, "Hi there", snap.Partial.Content)
	require.True(t, snap.Partial.IsPartial)

	full := "Hi there"
	out := s.Apply(Inbound{Event: protocol.AgentReplyEnd{AccumulatedResponse: &full}}, t0.Add(3*time.Second))
	require.Equal(t, []timeline.Mutation{{Kind: timeline.MutationAppend, Added: 1}}, out.Mutations)

	snap = s.Snapshot()
	require.Nil(t, snap.Partial)
	require.Len(t, snap.Messages, 2)
	require.Equal(t, timeline.SenderSelf, snap.Messages[0].Sender)
	require.Equal(t, "Hello", snap.Messages[0].Content)
	require.Equal(t, timeline.SenderAgent, snap.Messages[1].Sender)
	require.Equal(t, "Hi there", snap.Messages[1].Content)

	// a second finalize for the same cycle is ignored
	out = s.Apply(Inbound{Event: protocol.AgentReplyEnd{AccumulatedResponse: &full}}, t0.Add(4*time.Second))
	require.Empty(t, out.Mutations)
	require.Len(t, s.Snapshot().Messages, 2)
}

func TestStateFinalizeFallsBackToBuffer(t *testing.T) {
	s := connected(t)
	s.Apply(Inbound{Event: protocol.AgentReply{Chunk: "par"}}, t0)
	s.Apply(Inbound{Event: protocol.AgentReply{Chunk: "tial"}}, t0)
	s.Apply(Inbound{Event: protocol.AgentReplyEnd{}}, t0)
	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 1)
	require.Equal(t, "partial", msgs[0].Content)
}

func TestStateConnectErrorRejectsSend(t *testing.T) {
	s := newTestState(nil)
	s.Apply(IdentityResolved{UserID: "u-1"}, t0)
	out := s.Apply(Inbound{Event: protocol.ConnectError{Message: "dial tcp: connection refused", Err: &chaterrors.ConnectionError{Op: "connect", Err: errors.New("connection refused")}}}, t0)
	require.True(t, out.Changed)

	snap := s.Snapshot()
	require.Equal(t, protocol.StateConnecting, snap.Connection)
	require.Equal(t, "Connection error: connection refused", snap.LastError)
	require.False(t, snap.CanSend)

	out = s.Apply(SendRequested{Content: "Hello"}, t0)
	require.ErrorIs(t, out.Err, ErrNotConnected)
	require.Empty(t, out.Effects)
	require.Empty(t, s.Snapshot().Messages)
	require.Equal(t, "not connected", s.Snapshot().LastError)
}

func TestStateRejectedSendFillsErrorSlot(t *testing.T) {
	s := newTestState(nil)
	s.Apply(Inbound{Event: protocol.Connected{}}, t0)
	v := s.Version()
	out := s.Apply(SendRequested{Content: "Hello"}, t0)
	require.ErrorIs(t, out.Err, ErrNoSession)
	require.True(t, out.Changed)
	require.Greater(t, s.Version(), v)
	require.Equal(t, "no active session", s.Snapshot().LastError)

	s.Apply(IdentityFailed{Err: errors.New("identity lookup failed")}, t0)
	require.ErrorIs(t, s.Apply(SendRequested{Content: "Hello"}, t0).Err, ErrSendingDisabled)
	require.Equal(t, ErrSendingDisabled.Error(), s.Snapshot().LastError)

	// validation of the input itself is left to the caller
	s = connected(t)
	require.ErrorIs(t, s.Apply(SendRequested{Content: " "}, t0).Err, ErrEmptyMessage)
	require.Empty(t, s.Snapshot().LastError)
}

func TestStateExhaustedConnectAttemptsEnterErrorState(t *testing.T) {
	s := newTestState(nil)
	final := &chaterrors.ConnectionError{Op: "connect", Attempts: 5, Err: errors.New("refused")}
	s.Apply(Inbound{Event: protocol.ConnectError{Message: final.Error(), Err: final}}, t0)
	require.Equal(t, protocol.StateError, s.Snapshot().Connection)

	s.Apply(Inbound{Event: protocol.Connected{}}, t0)
	snap := s.Snapshot()
	require.Equal(t, protocol.StateConnected, snap.Connection)
	require.Empty(t, snap.LastError, "cleared by the next successful operation")
}

func TestStateDisconnectDuringReceivingDiscardsPartial(t *testing.T) {
	s := connected(t)
	send(t, s, "Hello", t0)
	s.Apply(Inbound{Event: protocol.AgentReply{Chunk: "Hi"}}, t0)
	s.Apply(Inbound{Event: protocol.AgentReply{Chunk: " th"}}, t0)

	out := s.Apply(Inbound{Event: protocol.Disconnected{Reason: "transport close"}}, t0)
	require.True(t, out.Typing)
	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1, "timeline length unchanged")
	require.Nil(t, snap.Partial)
	require.False(t, snap.CanSend)

	// the finalize of the abandoned cycle is a no-op after reconnecting
	s.Apply(Inbound{Event: protocol.Connected{}}, t0)
	full := "Hi there"
	out = s.Apply(Inbound{Event: protocol.AgentReplyEnd{AccumulatedResponse: &full}}, t0)
	require.Empty(t, out.Mutations)
	require.Len(t, s.Snapshot().Messages, 1)
	require.Equal(t, "s-1", s.SessionID(), "reconnect keeps the session")
}

func TestStateErrorFinalize(t *testing.T) {
	s := connected(t)
	s.Apply(Inbound{Event: protocol.AgentReply{Chunk: "Hi"}}, t0)
	out := s.Apply(Inbound{Event: protocol.AgentReplyEnd{Error: "model overloaded"}}, t0)
	require.Len(t, out.Mutations, 1)

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.True(t, snap.Messages[0].IsError)
	require.Equal(t, "model overloaded", snap.Messages[0].Content)
	require.Equal(t, "The agent failed to reply: model overloaded", snap.LastError)

	// the next chunk opens a new cycle
	s.Apply(Inbound{Event: protocol.AgentReply{Chunk: "retry"}}, t0)
	require.NotNil(t, s.Snapshot().Partial)
}

func TestStateStrayErrorFinalizeOnlySetsErrorSlot(t *testing.T) {
	s := connected(t)
	out := s.Apply(Inbound{Event: protocol.AgentReplyEnd{Error: "boom"}}, t0)
	require.Empty(t, out.Mutations)
	require.Empty(t, s.Snapshot().Messages)
	require.Equal(t, "The agent failed to reply: boom", s.Snapshot().LastError)
}

func TestStateSendValidation(t *testing.T) {
	s := connected(t)
	require.ErrorIs(t, s.Apply(SendRequested{Content: "   "}, t0).Err, ErrEmptyMessage)

	s = newTestState(nil)
	s.Apply(Inbound{Event: protocol.Connected{}}, t0)
	s.Apply(IdentityFailed{Err: &chaterrors.AuthenticationError{Op: "identity fetch", StatusCode: 401, Err: errors.New("Unauthorized")}}, t0)
	snap := s.Snapshot()
	require.False(t, snap.CanSend)
	require.Equal(t, "Authentication failed, please log in again.", snap.LastError)
	require.ErrorIs(t, s.Apply(SendRequested{Content: "Hello"}, t0).Err, ErrSendingDisabled)

	s = newTestState(nil)
	s.Apply(Inbound{Event: protocol.Connected{}}, t0)
	require.ErrorIs(t, s.Apply(SendRequested{Content: "Hello"}, t0).Err, ErrNoSession, "identity still pending")
}

func TestStateSessionCreationIsDebounced(t *testing.T) {
	s := newTestState(nil)
	s.Apply(IdentityResolved{UserID: "u-1"}, t0)
	out := s.Apply(Inbound{Event: protocol.Connected{}}, t0)
	require.Len(t, commands(out), 1)

	// a dropped socket abandons the unacknowledged request, so reconnecting asks again
	s.Apply(Inbound{Event: protocol.Disconnected{Reason: "transport close"}}, t0)
	out = s.Apply(Inbound{Event: protocol.Connected{}}, t0.Add(10*time.Millisecond))
	require.Len(t, commands(out), 1)

	out = s.Apply(IdentityResolved{UserID: "u-1"}, t0.Add(20*time.Millisecond))
	require.Empty(t, commands(out), "still pending inside the window")
}

func TestStateRedundantSessionCreated(t *testing.T) {
	route := session.NewMemoryRoute("")
	s := newTestState(route)
	s.Apply(Inbound{Event: protocol.Connected{}}, t0)
	s.Apply(IdentityResolved{UserID: "u-1"}, t0)
	s.Apply(Inbound{Event: protocol.SessionCreated{ID: "s-1"}}, t0)
	require.Equal(t, "s-1", route.SessionID())
	send(t, s, "Hello", t0)

	out := s.Apply(Inbound{Event: protocol.SessionCreated{ID: "s-1"}}, t0)
	require.False(t, out.Changed)
	require.Empty(t, out.Effects)
	require.Len(t, s.Snapshot().Messages, 1, "timeline untouched")
	require.Equal(t, 1, route.Swaps())
}

func TestStateResumeLoadsLatestHistory(t *testing.T) {
	route := session.NewMemoryRoute("s-7")
	s := newTestState(route)
	out := s.Apply(ResumeRequested{SessionID: "s-7"}, t0)
	require.Empty(t, fetches(out), "user id unknown yet")

	out = s.Apply(IdentityResolved{UserID: "u-1"}, t0)
	fs := fetches(out)
	require.Len(t, fs, 1)
	require.True(t, fs[0].Request.Probe)
	require.Equal(t, history.PageRequest{SessionID: "s-7", UserID: "u-1", Page: 1, Limit: 4, Probe: true}, fs[0].Request)
	require.True(t, s.Snapshot().LoadingHistory)

	pg := history.Pagination{Total: 10, Pages: 3}
	out = s.Apply(HistoryLoaded{Generation: fs[0].Generation, Request: fs[0].Request, Page: history.Page{Messages: page(1, 4), Pagination: pg}}, t0)
	fs = fetches(out)
	require.Len(t, fs, 1)
	require.Equal(t, 3, fs[0].Request.Page)
	require.Equal(t, "s-7", fs[0].Request.SessionID)

	out = s.Apply(HistoryLoaded{Generation: fs[0].Generation, Request: fs[0].Request, Page: history.Page{Messages: page(9, 2), Pagination: pg}}, t0)
	require.Equal(t, []timeline.Mutation{{Kind: timeline.MutationPrepend, Added: 2}}, out.Mutations)
	snap := s.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "h9", snap.Messages[0].ID)
	require.Equal(t, "h10", snap.Messages[1].ID)
	require.False(t, snap.LoadingHistory)
	require.True(t, snap.HasMoreHistory)

	out = s.Apply(LoadMoreRequested{}, t0)
	fs = fetches(out)
	require.Len(t, fs, 1)
	require.Equal(t, 2, fs[0].Request.Page)
	require.Empty(t, fetches(s.Apply(LoadMoreRequested{}, t0)), "busy suppresses concurrent loads")
}

func TestStateStaleHistoryIsDropped(t *testing.T) {
	s := newTestState(nil)
	s.Apply(ResumeRequested{SessionID: "s-old"}, t0)
	fs := fetches(s.Apply(IdentityResolved{UserID: "u-1"}, t0))
	require.Len(t, fs, 1)
	stale := fs[0]

	s.Apply(ResumeRequested{SessionID: "s-new"}, t0)
	require.NotEqual(t, stale.Generation, s.Generation())

	out := s.Apply(HistoryLoaded{
		Generation: stale.Generation,
		Request:    history.PageRequest{SessionID: "s-old", UserID: "u-1", Page: 1, Limit: 4},
		Page:       history.Page{Messages: page(1, 3), Pagination: history.Pagination{Total: 3, Pages: 1}},
	}, t0)
	require.Empty(t, out.Mutations)
	require.False(t, out.Changed)
	require.Empty(t, s.Snapshot().Messages)

	out = s.Apply(HistoryFailed{Generation: stale.Generation, Err: errors.New("late")}, t0)
	require.False(t, out.Changed)
	require.Empty(t, s.Snapshot().LastError)
}

func TestStateHistoryFailureIsRetryable(t *testing.T) {
	s := newTestState(nil)
	s.Apply(ResumeRequested{SessionID: "s-1"}, t0)
	fs := fetches(s.Apply(IdentityResolved{UserID: "u-1"}, t0))
	require.Len(t, fs, 1)

	s.Apply(HistoryFailed{Generation: fs[0].Generation, Request: fs[0].Request, Err: &chaterrors.NetworkError{Op: "history fetch", Err: errors.New("timeout")}}, t0)
	snap := s.Snapshot()
	require.Equal(t, "Could not load messages (network problem), try again.", snap.LastError)
	require.False(t, snap.LoadingHistory)
	require.True(t, snap.HasMoreHistory)
	require.Len(t, fetches(s.Apply(LoadMoreRequested{}, t0)), 1)
}

func TestStateEndSessionStartsFresh(t *testing.T) {
	route := session.NewMemoryRoute("")
	s := newTestState(route)
	s.Apply(Inbound{Event: protocol.Connected{}}, t0)
	s.Apply(IdentityResolved{UserID: "u-1"}, t0)
	s.Apply(Inbound{Event: protocol.SessionCreated{ID: "s-1"}}, t0)
	send(t, s, "Hello", t0)
	s.Apply(Inbound{Event: protocol.AgentReply{Chunk: "Hi"}}, t0)

	out := s.Apply(EndRequested{}, t0.Add(time.Minute))
	require.NoError(t, out.Err)
	require.Equal(t, []protocol.Command{protocol.EndSession{SessionID: "s-1"}, protocol.CreateSession{}}, commands(out))
	require.True(t, out.Typing)
	require.Contains(t, out.Mutations, timeline.Mutation{Kind: timeline.MutationReset})

	snap := s.Snapshot()
	require.Empty(t, snap.Messages)
	require.Nil(t, snap.Partial)
	require.Empty(t, snap.SessionID)
	require.Empty(t, route.SessionID())

	var ended *session.Session
	for _, eff := range out.Effects {
		if p, ok := eff.(Persist); ok && p.Session != nil {
			ended = p.Session
		}
	}
	require.NotNil(t, ended)
	require.Equal(t, "s-1", ended.ID)
	require.False(t, ended.Active())

	require.ErrorIs(t, newTestState(nil).Apply(EndRequested{}, t0).Err, ErrNoSession)
}

func TestStateLateSessionCreatedKeepsResumedSession(t *testing.T) {
	route := session.NewMemoryRoute("")
	s := newTestState(route)
	s.Apply(Inbound{Event: protocol.Connected{}}, t0)
	require.Len(t, commands(s.Apply(IdentityResolved{UserID: "u-1"}, t0)), 1)

	fs := fetches(s.Apply(ResumeRequested{SessionID: "s-7"}, t0))
	require.Len(t, fs, 1)
	pg := history.Pagination{Total: 2, Pages: 1}
	s.Apply(HistoryLoaded{Generation: fs[0].Generation, Request: fs[0].Request, Page: history.Page{Messages: page(1, 2), Pagination: pg}}, t0)
	require.Len(t, s.Snapshot().Messages, 2)

	out := s.Apply(Inbound{Event: protocol.SessionCreated{ID: "s-new"}}, t0)
	require.False(t, out.Changed)
	require.Empty(t, out.Mutations)
	snap := s.Snapshot()
	require.Equal(t, "s-7", snap.SessionID)
	require.Equal(t, "s-7", route.SessionID())
	require.Len(t, snap.Messages, 2, "timeline untouched")
}

func TestStateServerSessionEnded(t *testing.T) {
	s := connected(t)
	send(t, s, "Hello", t0)
	out := s.Apply(Inbound{Event: protocol.SessionEnded{}}, t0.Add(time.Second))
	require.Equal(t, []protocol.Command{protocol.CreateSession{}}, commands(out), "no end_session echo")
	require.Empty(t, s.Snapshot().Messages)
}

func TestStateOutboundFailureAbandonsCreate(t *testing.T) {
	s := newTestState(nil)
	s.Apply(IdentityResolved{UserID: "u-1"}, t0)
	require.Len(t, commands(s.Apply(Inbound{Event: protocol.Connected{}}, t0)), 1)

	s.Apply(OutboundFailed{Command: protocol.CommandCreateSession, Err: errors.New("broken pipe")}, t0)
	require.Equal(t, "broken pipe", s.Snapshot().LastError)
	require.Len(t, commands(s.Apply(Inbound{Event: protocol.Connected{}}, t0)), 1, "create may be retried at once")
}

func TestStateVersionAdvancesOnChange(t *testing.T) {
	s := newTestState(nil)
	v := s.Version()
	s.Apply(Inbound{Event: protocol.Connected{}}, t0)
	require.Greater(t, s.Version(), v)
	v = s.Version()
	s.Apply(LoadMoreRequested{}, t0)
	require.Equal(t, v, s.Version(), "rejected commands change nothing")
}

func page(first, n int) []timeline.Message {
	out := make([]timeline.Message, 0, n)
	for i := first + n - 1; i >= first; i-- {
		out = append(out, timeline.Message{
			ID:        fmt.Sprintf("h%d", i),
			Content:   fmt.Sprintf("history %d", i),
			CreatedAt: t0.Add(-time.Hour + time.Duration(i)*time.Minute),
			Sender:    timeline.SenderAgent,
		})
	}
	return out
}
