package chatstore

import (
	"context"

	"github.com/go-go-golems/chatsync/pkg/timeline"
)

const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// SessionRecord captures persisted session-level metadata used for offline
// transcript listing.
type SessionRecord struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
	TerminatedAtMs int64  `json:"terminated_at_ms,omitempty"`
	MessageCount   int    `json:"message_count"`
	Status         string `json:"status"`
	LastError      string `json:"last_error,omitempty"`
}

// TranscriptStore is a local write-through cache of finalized messages.
//
// It is never read back into a live timeline; the history collaborator stays
// the source of truth for pagination.
type TranscriptStore interface {
	UpsertSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error)
	ListSessions(ctx context.Context, limit int, sinceMs int64) ([]SessionRecord, error)
	// AppendMessages upserts by (session, message id). Partial messages are rejected.
	AppendMessages(ctx context.Context, sessionID string, msgs []timeline.Message) error
	// GetMessages returns the newest limit messages in chronological order.
	GetMessages(ctx context.Context, sessionID string, limit int) ([]timeline.Message, error)
	Close() error
}
