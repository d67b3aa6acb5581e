package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/timeline"
)

// InMemoryTranscriptStore is a size-limited, in-memory TranscriptStore.
// It mirrors the ordering semantics of the SQLite store.
type InMemoryTranscriptStore struct {
	mu                    sync.Mutex
	maxMessagesPerSession int
	messages              map[string]map[string]timeline.Message
	sessions              map[string]SessionRecord
}

var _ TranscriptStore = &InMemoryTranscriptStore{}

func NewInMemoryTranscriptStore(maxMessagesPerSession int) *InMemoryTranscriptStore {
	if maxMessagesPerSession <= 0 {
		maxMessagesPerSession = 5000
	}
	return &InMemoryTranscriptStore{
		maxMessagesPerSession: maxMessagesPerSession,
		messages:              map[string]map[string]timeline.Message{},
		sessions:              map[string]SessionRecord{},
	}
}

func (s *InMemoryTranscriptStore) Close() error { return nil }

func (s *InMemoryTranscriptStore) UpsertSession(_ context.Context, record SessionRecord) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	now := time.Now().UnixMilli()
	record = normalizeSessionRecord(record, now)
	if record.SessionID == "" {
		return errors.New("in-memory transcript store: sessionID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	merged := mergeSessionRecord(s.sessions[record.SessionID], record, now)
	merged.MessageCount = len(s.messages[record.SessionID])
	s.sessions[record.SessionID] = merged
	return nil
}

func (s *InMemoryTranscriptStore) GetSession(_ context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil {
		return SessionRecord{}, false, errors.New("in-memory transcript store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("in-memory transcript store: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	return record, ok, nil
}

func (s *InMemoryTranscriptStore) ListSessions(_ context.Context, limit int, sinceMs int64) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	if limit <= 0 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]SessionRecord, 0, len(s.sessions))
	for _, record := range s.sessions {
		if sinceMs > 0 && record.LastActivityMs < sinceMs {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivityMs == records[j].LastActivityMs {
			return records[i].SessionID < records[j].SessionID
		}
		return records[i].LastActivityMs > records[j].LastActivityMs
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *InMemoryTranscriptStore) AppendMessages(_ context.Context, sessionID string, msgs []timeline.Message) error {
	if s == nil {
		return errors.New("in-memory transcript store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("in-memory transcript store: sessionID is empty")
	}
	if err := validateMessages(msgs); err != nil {
		return errors.Wrap(err, "in-memory transcript store")
	}
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.messages[sessionID]
	if stored == nil {
		stored = map[string]timeline.Message{}
		s.messages[sessionID] = stored
	}
	latest := int64(0)
	for _, m := range msgs {
		if existing, ok := stored[m.ID]; ok && !existing.CreatedAt.IsZero() {
			m.CreatedAt = existing.CreatedAt
		}
		stored[m.ID] = m
		if ms := m.CreatedAt.UnixMilli(); ms > latest {
			latest = ms
		}
	}

	// Evict the oldest messages when exceeding the per-session limit.
	if len(stored) > s.maxMessagesPerSession {
		ordered := sortedMessages(stored)
		for _, m := range ordered[:len(ordered)-s.maxMessagesPerSession] {
			delete(stored, m.ID)
		}
	}

	now := time.Now().UnixMilli()
	if latest == 0 {
		latest = now
	}
	record := mergeSessionRecord(s.sessions[sessionID], SessionRecord{
		SessionID:      sessionID,
		LastActivityMs: latest,
	}, now)
	record.MessageCount = len(stored)
	s.sessions[sessionID] = record
	return nil
}

func (s *InMemoryTranscriptStore) GetMessages(_ context.Context, sessionID string, limit int) ([]timeline.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory transcript store: nil store")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("in-memory transcript store: sessionID is empty")
	}
	if limit <= 0 {
		limit = 5000
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := sortedMessages(s.messages[sessionID])
	if len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered, nil
}

func sortedMessages(stored map[string]timeline.Message) []timeline.Message {
	out := make([]timeline.Message, 0, len(stored))
	for _, m := range stored {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func validateMessages(msgs []timeline.Message) error {
	for _, m := range msgs {
		if strings.TrimSpace(m.ID) == "" {
			return errors.New("message id is empty")
		}
		if m.IsPartial {
			return errors.Errorf("message %s is partial", m.ID)
		}
	}
	return nil
}

func normalizeSessionRecord(record SessionRecord, now int64) SessionRecord {
	record.SessionID = strings.TrimSpace(record.SessionID)
	record.UserID = strings.TrimSpace(record.UserID)
	record.Status = strings.TrimSpace(record.Status)
	record.LastError = strings.TrimSpace(record.LastError)
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = now
	}
	if record.LastActivityMs <= 0 {
		record.LastActivityMs = record.CreatedAtMs
	}
	if record.TerminatedAtMs > 0 {
		record.Status = StatusEnded
	}
	return record
}

func mergeSessionRecord(existing, incoming SessionRecord, now int64) SessionRecord {
	incoming = normalizeSessionRecord(incoming, now)
	if existing.SessionID == "" {
		if incoming.Status == "" {
			incoming.Status = StatusActive
		}
		return incoming
	}
	if existing.CreatedAtMs > 0 {
		incoming.CreatedAtMs = existing.CreatedAtMs
	}
	if incoming.LastActivityMs < existing.LastActivityMs {
		incoming.LastActivityMs = existing.LastActivityMs
	}
	if incoming.UserID == "" {
		incoming.UserID = existing.UserID
	}
	if incoming.TerminatedAtMs == 0 {
		incoming.TerminatedAtMs = existing.TerminatedAtMs
	}
	if incoming.Status == "" {
		incoming.Status = existing.Status
	}
	if incoming.LastError == "" {
		incoming.LastError = existing.LastError
	}
	if incoming.TerminatedAtMs > 0 {
		incoming.Status = StatusEnded
	}
	if incoming.Status == "" {
		incoming.Status = StatusActive
	}
	incoming.MessageCount = existing.MessageCount
	return incoming
}
