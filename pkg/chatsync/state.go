package chatsync

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chaterrors"
	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/stream"
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

// StateConfig configures a reducer.
type StateConfig struct {
	BatchSize    int
	Debounce     time.Duration
	ModelVersion string
	Route        session.RouteState
	NewID        func() string
}

// State is the whole client-side view of a conversation. Apply is the only
// way to change it and must be serialized by the caller.
type State struct {
	Connection     protocol.ConnectionState
	UserID         string
	IdentityFailed bool
	LastError      string

	sessions  *session.Controller
	timeline  *timeline.Timeline
	assembler *stream.Assembler
	paginator *history.Paginator

	modelVersion string
	newID        func() string

	// generation is bumped on every session reset; history results carrying an
	// older generation belong to a session that is gone.
	generation uint64
	version    uint64
	autoLoad   bool
}

func NewState(cfg StateConfig) *State {
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	sopts := []session.Option{session.WithRoute(cfg.Route)}
	if cfg.Debounce > 0 {
		sopts = append(sopts, session.WithDebounce(cfg.Debounce))
	}
	return &State{
		Connection:   protocol.StateDisconnected,
		sessions:     session.NewController(sopts...),
		timeline:     timeline.New(),
		assembler:    stream.NewAssembler(stream.WithIDGenerator(newID)),
		paginator:    history.NewPaginator(cfg.BatchSize),
		modelVersion: cfg.ModelVersion,
		newID:        newID,
	}
}

func (s *State) Version() uint64 { return s.version }

func (s *State) Generation() uint64 { return s.generation }

func (s *State) SessionID() string { return s.sessions.ID() }

// Route is the routing state the session controller keeps in sync.
func (s *State) Route() session.RouteState { return s.sessions.Route() }

// CanSend reports whether a user message would currently be accepted.
func (s *State) CanSend() bool {
	return s.Connection == protocol.StateConnected &&
		!s.IdentityFailed && s.UserID != "" &&
		s.sessions.ID() != ""
}

// Apply consumes one event.
func (s *State) Apply(ev Event, now time.Time) Outcome {
	var out Outcome
	switch e := ev.(type) {
	case Inbound:
		s.applyInbound(e.Event, now, &out)
	case IdentityResolved:
		s.UserID = strings.TrimSpace(e.UserID)
		s.IdentityFailed = s.UserID == ""
		out.Changed = true
		s.kick(now, &out)
	case IdentityFailed:
		s.IdentityFailed = true
		s.fail(&out, e.Err)
	case SendRequested:
		s.applySend(e, now, &out)
	case MessageSent:
		s.appendFinal(e.Message, &out)
		s.clearError(&out)
	case LoadMoreRequested:
		if s.sessions.ID() == "" {
			out.Err = ErrNoSession
			break
		}
		s.beginLoad(&out)
	case EndRequested:
		if !s.endSession(now, &out, true) {
			out.Err = ErrNoSession
		}
	case ResumeRequested:
		if s.sessions.Resume(e.SessionID, now) {
			s.resetSession(&out)
			s.autoLoad = true
			if cur, ok := s.sessions.Active(); ok {
				s.persistSession(&out, cur)
			}
			s.kick(now, &out)
		}
	case HistoryLoaded:
		s.applyHistory(e, &out)
	case HistoryFailed:
		if e.Generation != s.generation {
			break
		}
		s.paginator.Fail()
		s.fail(&out, e.Err)
	case OutboundFailed:
		if e.Command == protocol.CommandCreateSession {
			s.sessions.AbandonCreate()
		}
		s.fail(&out, e.Err)
	}
	if out.Changed || out.Typing {
		s.version++
	}
	return out
}

func (s *State) applyInbound(ev protocol.Event, now time.Time, out *Outcome) {
	switch e := ev.(type) {
	case protocol.Connected:
		s.Connection = protocol.StateConnected
		out.Changed = true
		s.clearError(out)
		s.kick(now, out)
	case protocol.Disconnected:
		s.Connection = protocol.StateDisconnected
		out.Changed = true
		if s.assembler.Discard() {
			out.Typing = true
		}
		if s.sessions.CreatePending() {
			s.sessions.AbandonCreate()
		}
	case protocol.ConnectError:
		err := e.Err
		if err == nil {
			err = errors.New(e.Message)
		}
		s.Connection = protocol.StateConnecting
		var connErr *chaterrors.ConnectionError
		if chaterrors.IsAuthentication(err) || (errors.As(err, &connErr) && connErr.Attempts > 0) {
			s.Connection = protocol.StateError
		}
		s.fail(out, err)
	case protocol.SessionCreated:
		if !s.sessions.HandleCreated(e.ID, now) {
			return
		}
		s.resetSession(out)
		s.autoLoad = false
		if cur, ok := s.sessions.Active(); ok {
			s.persistSession(out, cur)
		}
		s.clearError(out)
	case protocol.AgentReply:
		s.assembler.Chunk(e.Chunk, now)
		out.Typing = true
	case protocol.AgentReplyEnd:
		msg, ok := s.assembler.Finalize(e, now)
		if !ok {
			// stray finalize; an error still reaches the error slot
			if e.IsError() {
				s.fail(out, &chaterrors.StreamError{Reason: e.Error})
			}
			return
		}
		out.Typing = true
		s.appendFinal(msg, out)
		if msg.IsError {
			s.fail(out, &chaterrors.StreamError{Reason: e.Error})
		}
	case protocol.SessionEnded:
		s.endSession(now, out, false)
	}
}

func (s *State) applySend(e SendRequested, now time.Time, out *Outcome) {
	switch {
	case strings.TrimSpace(e.Content) == "":
		out.Err = ErrEmptyMessage
		return
	case s.IdentityFailed:
		s.reject(out, ErrSendingDisabled)
		return
	case s.Connection != protocol.StateConnected:
		s.reject(out, ErrNotConnected)
		return
	case s.sessions.ID() == "" || s.UserID == "":
		s.reject(out, ErrNoSession)
		return
	}
	msg := timeline.Message{
		ID:        s.newID(),
		Content:   e.Content,
		CreatedAt: now,
		Sender:    timeline.SenderSelf,
	}
	out.effect(SendCommand{
		Command: protocol.SendMessage{
			SessionID:    s.sessions.ID(),
			UserID:       s.UserID,
			Content:      e.Content,
			ModelVersion: s.modelVersion,
		},
		Then: MessageSent{Message: msg},
	})
}

func (s *State) applyHistory(e HistoryLoaded, out *Outcome) {
	if e.Generation != s.generation {
		return
	}
	msgs, follow := s.paginator.Receive(e.Request, e.Page, s.timeline.LoadedCount())
	if follow != nil {
		follow.SessionID = e.Request.SessionID
		follow.UserID = e.Request.UserID
		out.effect(FetchPage{Generation: s.generation, Request: *follow})
		return
	}
	m, err := s.timeline.Prepend(msgs)
	if err != nil {
		s.paginator.Fail()
		s.fail(out, &chaterrors.FormatError{Op: "history fetch", Err: err})
		return
	}
	out.mutate(m)
	s.paginator.Settle(s.timeline.LoadedCount())
	out.Changed = true
	s.clearError(out)
	if len(msgs) > 0 {
		out.effect(Persist{SessionID: e.Request.SessionID, UserID: s.UserID, Messages: msgs})
	}
}

// kick issues the follow-ups that become possible once the connection, the
// identity and the session line up.
func (s *State) kick(now time.Time, out *Outcome) {
	if s.IdentityFailed || s.UserID == "" {
		return
	}
	if s.sessions.ID() == "" {
		if s.Connection == protocol.StateConnected && s.sessions.Create(now) {
			out.effect(SendCommand{Command: protocol.CreateSession{}})
			out.Changed = true
		}
		return
	}
	if s.autoLoad && s.timeline.Len() == 0 {
		s.autoLoad = false
		s.beginLoad(out)
	}
}

func (s *State) beginLoad(out *Outcome) {
	req, ok := s.paginator.Begin(s.timeline.LoadedCount())
	if !ok {
		return
	}
	req.SessionID = s.sessions.ID()
	req.UserID = s.UserID
	out.effect(FetchPage{Generation: s.generation, Request: req})
	out.Changed = true
}

func (s *State) endSession(now time.Time, out *Outcome, notifyServer bool) bool {
	ended, ok := s.sessions.End(now)
	if !ok {
		return false
	}
	if notifyServer && s.Connection == protocol.StateConnected {
		out.effect(SendCommand{Command: protocol.EndSession{SessionID: ended.ID}})
	}
	s.resetSession(out)
	s.autoLoad = false
	s.persistSession(out, ended)
	s.kick(now, out)
	return true
}

// resetSession drops everything tied to the previous session.
func (s *State) resetSession(out *Outcome) {
	s.generation++
	if s.assembler.Discard() {
		out.Typing = true
	}
	out.mutate(s.timeline.Reset())
	s.paginator.Reset()
	out.Changed = true
}

func (s *State) appendFinal(msg timeline.Message, out *Outcome) {
	m, err := s.timeline.Append(msg)
	if err != nil {
		s.fail(out, errors.Wrap(err, "append message"))
		return
	}
	out.mutate(m)
	if m.Added > 0 && s.sessions.ID() != "" {
		out.effect(Persist{SessionID: s.sessions.ID(), UserID: s.UserID, Messages: []timeline.Message{msg}})
	}
}

func (s *State) persistSession(out *Outcome, cur session.Session) {
	sess := cur
	out.effect(Persist{SessionID: cur.ID, UserID: s.UserID, Session: &sess, LastError: s.LastError})
}

func (s *State) fail(out *Outcome, err error) {
	if err == nil {
		return
	}
	s.LastError = chaterrors.Message(err)
	out.Changed = true
}

// reject refuses a public operation; the caller gets err and the error slot shows it.
func (s *State) reject(out *Outcome, err error) {
	out.Err = err
	s.fail(out, err)
}

func (s *State) clearError(out *Outcome) {
	if s.LastError == "" {
		return
	}
	s.LastError = ""
	out.Changed = true
}
