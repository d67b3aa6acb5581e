package chatsync

import (
	"github.com/go-go-golems/chatsync/pkg/history"
	"github.com/go-go-golems/chatsync/pkg/protocol"
	"github.com/go-go-golems/chatsync/pkg/timeline"
)

// Snapshot is a consistent, copy-on-read view for presentation.
type Snapshot struct {
	Version        uint64                   `json:"version"`
	Connection     protocol.ConnectionState `json:"connection"`
	Connected      bool                     `json:"connected"`
	SessionID      string                   `json:"session_id,omitempty"`
	UserID         string                   `json:"user_id,omitempty"`
	Messages       []timeline.Message       `json:"messages"`
	Partial        *timeline.Message        `json:"partial,omitempty"`
	HasMoreHistory bool                     `json:"has_more_history"`
	LoadingHistory bool                     `json:"loading_history"`
	History        history.Metadata         `json:"history"`
	LastError      string                   `json:"last_error,omitempty"`
	CanSend        bool                     `json:"can_send"`
}

func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Version:        s.version,
		Connection:     s.Connection,
		Connected:      s.Connection == protocol.StateConnected,
		SessionID:      s.sessions.ID(),
		UserID:         s.UserID,
		Messages:       s.timeline.Snapshot(),
		HasMoreHistory: s.sessions.ID() != "" && s.paginator.HasMore(),
		LoadingHistory: s.paginator.Busy(),
		History:        s.paginator.Metadata(),
		LastError:      s.LastError,
		CanSend:        s.CanSend(),
	}
	if p, ok := s.assembler.Partial(); ok {
		snap.Partial = &p
	}
	return snap
}
