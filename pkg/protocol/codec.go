package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownEvent is returned by Decode for well-formed frames naming an event this
// client does not handle. Callers usually log and skip those.
var ErrUnknownEvent = errors.New("unknown event")

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses one inbound frame.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	name := strings.TrimSpace(env.Event)
	if name == "" {
		return nil, errors.New("decode envelope: missing event name")
	}

	switch name {
	case EventConnect:
		return Connected{}, nil
	case EventDisconnect:
		var payload struct {
			Reason string `json:"reason"`
		}
		if err := decodeData(env.Data, &payload); err != nil {
			// socket.io style servers send the bare reason string
			var reason string
			if err2 := json.Unmarshal(env.Data, &reason); err2 != nil {
				return nil, errors.Wrap(err, "decode disconnect")
			}
			payload.Reason = reason
		}
		return Disconnected{Reason: payload.Reason}, nil
	case EventConnectError:
		var payload struct {
			Message string `json:"message"`
		}
		if err := decodeData(env.Data, &payload); err != nil {
			return nil, errors.Wrap(err, "decode connect_error")
		}
		return ConnectError{Message: payload.Message}, nil
	case EventSessionCreated:
		var payload SessionCreated
		if err := decodeData(env.Data, &payload); err != nil {
			return nil, errors.Wrap(err, "decode session_created")
		}
		if strings.TrimSpace(payload.ID) == "" {
			return nil, errors.New("decode session_created: empty id")
		}
		return payload, nil
	case EventAgentReply:
		return decodeAgentReply(env.Data)
	case EventAgentReplyEnd:
		var payload AgentReplyEnd
		if err := decodeData(env.Data, &payload); err != nil {
			return nil, errors.Wrap(err, "decode agent_reply_end")
		}
		return payload, nil
	case EventSessionEnded:
		return SessionEnded{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownEvent, "event %q", name)
	}
}

// agent_reply carries either the raw chunk string or {"chunk": "..."}.
func decodeAgentReply(data json.RawMessage) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return AgentReply{}, nil
	}
	if trimmed[0] == '"' {
		var chunk string
		if err := json.Unmarshal(trimmed, &chunk); err != nil {
			return nil, errors.Wrap(err, "decode agent_reply")
		}
		return AgentReply{Chunk: chunk}, nil
	}
	var payload AgentReply
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, errors.Wrap(err, "decode agent_reply")
	}
	return payload, nil
}

func decodeData(data json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, out)
}

// Encode serializes an outbound command.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, errors.New("encode: nil command")
	}
	env := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: cmd.CommandName()}
	switch c := cmd.(type) {
	case CreateSession:
	case SendMessage:
		env.Data = c
	case EndSession:
		if c.SessionID != "" {
			env.Data = c
		}
	default:
		return nil, errors.Errorf("encode: unsupported command %T", cmd)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", cmd.CommandName())
	}
	return b, nil
}

// EncodeEvent serializes an inbound event. Servers and test doubles use it to
// speak the same envelope the client decodes.
func EncodeEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encode event: nil event")
	}
	env := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: ev.EventName()}
	switch e := ev.(type) {
	case Connected, SessionEnded:
	case Disconnected:
		env.Data = map[string]string{"reason": e.Reason}
	case ConnectError:
		env.Data = map[string]string{"message": e.Message}
	case SessionCreated, AgentReply, AgentReplyEnd:
		env.Data = e
	default:
		return nil, errors.Errorf("encode event: unsupported event %T", ev)
	}
	return json.Marshal(env)
}

// DecodeCommand parses an outbound frame; the inverse of Encode.
func DecodeCommand(frame []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errors.Wrap(err, "decode command envelope")
	}
	switch env.Event {
	case CommandCreateSession:
		return CreateSession{}, nil
	case CommandSendMessage:
		var c SendMessage
		if err := decodeData(env.Data, &c); err != nil {
			return nil, errors.Wrap(err, "decode send_message")
		}
		return c, nil
	case CommandEndSession:
		var c EndSession
		if err := decodeData(env.Data, &c); err != nil {
			return nil, errors.Wrap(err, "decode end_session")
		}
		return c, nil
	default:
		return nil, errors.Errorf("decode command: unknown command %q", env.Event)
	}
}
