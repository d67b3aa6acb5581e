// Package protocol describes the frames exchanged over the duplex session channel.
//
// Inbound frames and connection lifecycle notifications are modelled as one tagged
// union (Event), outbound frames as another (Command). Both are carried as JSON
// envelopes of the form {"event": <name>, "data": <payload>}.
package protocol

// ConnectionState is the lifecycle state of the duplex channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// Inbound event names.
const (
	EventConnect        = "connect"
	EventDisconnect     = "disconnect"
	EventConnectError   = "connect_error"
	EventSessionCreated = "session_created"
	EventAgentReply     = "agent_reply"
	EventAgentReplyEnd  = "agent_reply_end"
	EventSessionEnded   = "session_ended"
)

// Outbound command names.
const (
	CommandCreateSession = "create_session"
	CommandSendMessage   = "send_message"
	CommandEndSession    = "end_session"
)

// Event is an inbound frame or a lifecycle notification produced by the
// connection manager.
type Event interface {
	EventName() string
	isEvent()
}

// Connected is emitted once the socket handshake completed.
type Connected struct{}

// Disconnected is emitted whenever a live socket goes away.
type Disconnected struct {
	Reason string
}

// ConnectError is emitted for every failed connection attempt. Err, when set,
// carries the typed cause (see chaterrors); it is never serialized.
type ConnectError struct {
	Message string
	Err     error `json:"-"`
}

// SessionCreated acknowledges a create_session.
type SessionCreated struct {
	ID string `json:"id"`
}

// AgentReply carries one chunk of a streaming agent reply.
type AgentReply struct {
	Chunk string `json:"chunk"`
}

// AgentReplyEnd finalizes a streaming reply. Exactly one of AccumulatedResponse or
// Error is expected; AccumulatedResponse may be nil when the server relies on the
// client-side buffer.
type AgentReplyEnd struct {
	AccumulatedResponse *string `json:"accumulatedResponse,omitempty"`
	Error               string  `json:"error,omitempty"`
}

// SessionEnded tells the client the server terminated the session.
type SessionEnded struct{}

func (Connected) EventName() string      { return EventConnect }
func (Disconnected) EventName() string   { return EventDisconnect }
func (ConnectError) EventName() string   { return EventConnectError }
func (SessionCreated) EventName() string { return EventSessionCreated }
func (AgentReply) EventName() string     { return EventAgentReply }
func (AgentReplyEnd) EventName() string  { return EventAgentReplyEnd }
func (SessionEnded) EventName() string   { return EventSessionEnded }

func (Connected) isEvent()      {}
func (Disconnected) isEvent()   {}
func (ConnectError) isEvent()   {}
func (SessionCreated) isEvent() {}
func (AgentReply) isEvent()     {}
func (AgentReplyEnd) isEvent()  {}
func (SessionEnded) isEvent()   {}

// IsError reports whether the finalize carries an agent-side error.
func (e AgentReplyEnd) IsError() bool { return e.Error != "" }

// Command is an outbound frame.
type Command interface {
	CommandName() string
	isCommand()
}

// CreateSession asks the server for a fresh session.
type CreateSession struct{}

// SendMessage submits a user message to the agent.
type SendMessage struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	Content      string `json:"content"`
	ModelVersion string `json:"modelVersion,omitempty"`
}

// EndSession terminates the session server-side.
type EndSession struct {
	SessionID string `json:"sessionId,omitempty"`
}

func (CreateSession) CommandName() string { return CommandCreateSession }
func (SendMessage) CommandName() string   { return CommandSendMessage }
func (EndSession) CommandName() string    { return CommandEndSession }

func (CreateSession) isCommand() {}
func (SendMessage) isCommand()   {}
func (EndSession) isCommand()    {}
