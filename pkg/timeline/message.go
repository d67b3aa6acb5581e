package timeline

import "time"

// Sender identifies who authored a message.
type Sender string

const (
	SenderSelf  Sender = "self"
	SenderAgent Sender = "agent"
)

// Message is one entry of the conversation. Partial messages only exist outside
// the Timeline, while an agent reply is still streaming.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Sender    Sender    `json:"sender"`
	IsError   bool      `json:"is_error,omitempty"`
	IsPartial bool      `json:"is_partial,omitempty"`
}

// SenderFromRole maps a history API role onto a Sender.
func SenderFromRole(role string) Sender {
	switch role {
	case "user", "self", "human":
		return SenderSelf
	default:
		return SenderAgent
	}
}

// MutationKind classifies a single atomic Timeline change.
type MutationKind string

const (
	MutationNone    MutationKind = "none"
	MutationAppend  MutationKind = "append"
	MutationPrepend MutationKind = "prepend"
	MutationReset   MutationKind = "reset"
	// MutationTyping covers changes to the transient typing indicator / partial
	// reply. It never changes Timeline membership.
	MutationTyping MutationKind = "typing"
)

// Mutation describes what an operation did to the Timeline.
type Mutation struct {
	Kind  MutationKind `json:"kind"`
	Added int          `json:"added"`
}

// Changed reports whether the mutation affects what presentation renders.
func (m Mutation) Changed() bool {
	switch m.Kind {
	case MutationAppend, MutationPrepend:
		return m.Added > 0
	case MutationReset, MutationTyping:
		return true
	default:
		return false
	}
}
