package chatsync

import (
	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/session"
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

// Event is everything the reducer consumes: inbound frames and lifecycle
// notifications, collaborator results and user commands.
type Event interface {
	isEngineEvent()
}

// Inbound wraps an event read from the connection manager.
type Inbound struct {
	Event protocol.Event
}

type IdentityResolved struct {
	UserID string
}

type IdentityFailed struct {
	Err error
}

type SendRequested struct {
	Content string
}

// MessageSent follows a successfully written send_message frame.
type MessageSent struct {
	Message timeline.Message
}

type LoadMoreRequested struct{}

type EndRequested struct{}

type ResumeRequested struct {
	SessionID string
}

// HistoryLoaded and HistoryFailed carry the generation the fetch was issued
// for; results from an older generation are dropped.
type HistoryLoaded struct {
	Generation uint64
	Request    history.PageRequest
	Page       history.Page
}

type HistoryFailed struct {
	Generation uint64
	Request    history.PageRequest
	Err        error
}

type OutboundFailed struct {
	Command string
	Err     error
}

func (Inbound) isEngineEvent()           {}
func (IdentityResolved) isEngineEvent()  {}
func (IdentityFailed) isEngineEvent()    {}
func (SendRequested) isEngineEvent()     {}
func (MessageSent) isEngineEvent()       {}
func (LoadMoreRequested) isEngineEvent() {}
func (EndRequested) isEngineEvent()      {}
func (ResumeRequested) isEngineEvent()   {}
func (HistoryLoaded) isEngineEvent()     {}
func (HistoryFailed) isEngineEvent()     {}
func (OutboundFailed) isEngineEvent()    {}

// Effect is work the runtime performs outside the engine lock.
type Effect interface {
	isEffect()
}

// SendCommand writes a frame. Then, if set, is applied once the write succeeded.
type SendCommand struct {
	Command protocol.Command
	Then    Event
}

type FetchPage struct {
	Generation uint64
	Request    history.PageRequest
}

// Persist writes finalized messages and/or the session record to the transcript cache.
type Persist struct {
	SessionID string
	UserID    string
	Messages  []timeline.Message
	Session   *session.Session
	LastError string
}

func (SendCommand) isEffect() {}
func (FetchPage) isEffect()   {}
func (Persist) isEffect()     {}

// Outcome is what one Apply produced.
type Outcome struct {
	Mutations []timeline.Mutation
	Effects   []Effect
	// Typing is set when the partial reply appeared, grew or went away.
	Typing bool
	// Err rejects a user command synchronously.
	Err error
	// Changed reports whether anything observable changed.
	Changed bool
}

func (o *Outcome) mutate(m timeline.Mutation) {
	if m.Kind == timeline.MutationNone {
		return
	}
	o.Mutations = append(o.Mutations, m)
	o.Changed = true
}

func (o *Outcome) effect(e Effect) {
	o.Effects = append(o.Effects, e)
}
