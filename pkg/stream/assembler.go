// Package stream assembles chunked agent replies into finalized timeline messages.
package stream

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

// State of the assembler.
type State string

const (
	StateIdle      State = "idle"
	StateReceiving State = "receiving"
	StateErrored   State = "errored"
)

// Assembler is the Idle -> Receiving -> Idle|Errored state machine for one agent
// reply at a time. It is not safe for concurrent use; the engine serializes access.
type Assembler struct {
	state     State
	buf       strings.Builder
	chunks    int
	replyID   string
	startedAt time.Time
	newID     func() string
}

type Option func(*Assembler)

// WithIDGenerator overrides how finalized reply ids are minted.
func WithIDGenerator(f func() string) Option {
	return func(a *Assembler) {
		if f != nil {
			a.newID = f
		}
	}
}

func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{state: StateIdle, newID: uuid.NewString}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Assembler) State() State { return a.state }

// Receiving reports whether a reply is currently streaming.
func (a *Assembler) Receiving() bool { return a.state == StateReceiving }

// Chunks is the number of chunks received in the current cycle.
func (a *Assembler) Chunks() int { return a.chunks }

// Chunk accumulates one fragment. It returns true when the chunk opened a new
// Receiving cycle.
func (a *Assembler) Chunk(chunk string, now time.Time) bool {
	started := false
	if a.state != StateReceiving {
		a.begin(now)
		started = true
	}
	a.buf.WriteString(chunk)
	a.chunks++
	return started
}

// Finalize closes the current cycle and produces its single message. A finalize
// with no cycle in progress is ignored.
func (a *Assembler) Finalize(end protocol.AgentReplyEnd, now time.Time) (timeline.Message, bool) {
	if a.state != StateReceiving {
		return timeline.Message{}, false
	}

	msg := timeline.Message{
		ID:        a.replyID,
		CreatedAt: now,
		Sender:    timeline.SenderAgent,
	}
	if end.IsError() {
		msg.Content = end.Error
		msg.IsError = true
		a.clear()
		a.state = StateErrored
		return msg, true
	}

	msg.Content = a.buf.String()
	if end.AccumulatedResponse != nil && *end.AccumulatedResponse != "" {
		msg.Content = *end.AccumulatedResponse
	}
	a.clear()
	a.state = StateIdle
	return msg, true
}

// Discard drops any in-flight reply without producing a message. It returns true
// when a partial buffer was thrown away.
func (a *Assembler) Discard() bool {
	dropped := a.state == StateReceiving
	a.clear()
	a.state = StateIdle
	return dropped
}

// Partial returns the in-flight reply as a partial message, for typing indicators.
func (a *Assembler) Partial() (timeline.Message, bool) {
	if a.state != StateReceiving {
		return timeline.Message{}, false
	}
	return timeline.Message{
		ID:        a.replyID,
		Content:   a.buf.String(),
		CreatedAt: a.startedAt,
		Sender:    timeline.SenderAgent,
		IsPartial: true,
	}, true
}

func (a *Assembler) begin(now time.Time) {
	a.clear()
	a.state = StateReceiving
	a.replyID = a.newID()
	a.startedAt = now
}

func (a *Assembler) clear() {
	a.buf.Reset()
	a.chunks = 0
	a.replyID = ""
	a.startedAt = time.Time{}
}
