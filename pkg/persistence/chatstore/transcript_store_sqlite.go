package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/timeline"
)

type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ TranscriptStore = &SQLiteTranscriptStore{}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_sessions (
		  session_id TEXT PRIMARY KEY,
		  user_id TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL,
		  terminated_at_ms INTEGER NOT NULL DEFAULT 0,
		  status TEXT NOT NULL DEFAULT 'active',
		  last_error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_sessions_by_last_activity
		  ON transcript_sessions(last_activity_ms DESC, session_id ASC);`,
		`CREATE TABLE IF NOT EXISTS transcript_messages (
		  session_id TEXT NOT NULL,
		  message_id TEXT NOT NULL,
		  sender TEXT NOT NULL,
		  content TEXT NOT NULL,
		  is_error INTEGER NOT NULL DEFAULT 0,
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  PRIMARY KEY (session_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_messages_by_created
		  ON transcript_messages(session_id, created_at_ms, message_id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

const upsertSessionSQL = `
	INSERT INTO transcript_sessions (
		session_id, user_id, created_at_ms, last_activity_ms, terminated_at_ms, status, last_error
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		user_id = CASE
			WHEN excluded.user_id <> '' THEN excluded.user_id
			ELSE transcript_sessions.user_id
		END,
		created_at_ms = CASE
			WHEN transcript_sessions.created_at_ms > 0 THEN transcript_sessions.created_at_ms
			ELSE excluded.created_at_ms
		END,
		last_activity_ms = CASE
			WHEN excluded.last_activity_ms > transcript_sessions.last_activity_ms THEN excluded.last_activity_ms
			ELSE transcript_sessions.last_activity_ms
		END,
		terminated_at_ms = CASE
			WHEN excluded.terminated_at_ms > 0 THEN excluded.terminated_at_ms
			ELSE transcript_sessions.terminated_at_ms
		END,
		status = CASE
			WHEN excluded.terminated_at_ms > 0 OR transcript_sessions.terminated_at_ms > 0 THEN 'ended'
			WHEN excluded.status <> '' THEN excluded.status
			ELSE transcript_sessions.status
		END,
		last_error = CASE
			WHEN excluded.last_error <> '' THEN excluded.last_error
			ELSE transcript_sessions.last_error
		END
`

func (s *SQLiteTranscriptStore) UpsertSession(ctx context.Context, record SessionRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record = normalizeSessionRecord(record, time.Now().UnixMilli())
	if record.SessionID == "" {
		return errors.New("sqlite transcript store: sessionID is empty")
	}
	if _, err := s.db.ExecContext(ctx, upsertSessionSQL,
		record.SessionID, record.UserID, record.CreatedAtMs, record.LastActivityMs,
		record.TerminatedAtMs, record.Status, record.LastError,
	); err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert session")
	}
	return nil
}

const selectSessionSQL = `
	SELECT s.session_id, s.user_id, s.created_at_ms, s.last_activity_ms, s.terminated_at_ms,
	       s.status, s.last_error,
	       (SELECT COUNT(*) FROM transcript_messages m WHERE m.session_id = s.session_id)
	FROM transcript_sessions s
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var record SessionRecord
	err := row.Scan(
		&record.SessionID,
		&record.UserID,
		&record.CreatedAtMs,
		&record.LastActivityMs,
		&record.TerminatedAtMs,
		&record.Status,
		&record.LastError,
		&record.MessageCount,
	)
	if err != nil {
		return SessionRecord{}, err
	}
	if record.Status == "" {
		record.Status = StatusActive
	}
	return record, nil
}

func (s *SQLiteTranscriptStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil || s.db == nil {
		return SessionRecord{}, false, errors.New("sqlite transcript store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("sqlite transcript store: sessionID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record, err := scanSession(s.db.QueryRowContext(ctx, selectSessionSQL+` WHERE s.session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, errors.Wrap(err, "sqlite transcript store: get session")
	}
	return record, true, nil
}

func (s *SQLiteTranscriptStore) ListSessions(ctx context.Context, limit int, sinceMs int64) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}

	query := selectSessionSQL
	args := make([]any, 0, 2)
	if sinceMs > 0 {
		query += ` WHERE s.last_activity_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY s.last_activity_ms DESC, s.session_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list sessions")
	}
	defer func() { _ = rows.Close() }()

	records := make([]SessionRecord, 0, limit)
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan session")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: iterate sessions")
	}
	return records, nil
}

func (s *SQLiteTranscriptStore) AppendMessages(ctx context.Context, sessionID string, msgs []timeline.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("sqlite transcript store: sessionID is empty")
	}
	if err := validateMessages(msgs); err != nil {
		return errors.Wrap(err, "sqlite transcript store")
	}
	if len(msgs) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transcript_messages(session_id, message_id, sender, content, is_error, created_at_ms, updated_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, message_id) DO UPDATE SET
		  sender = excluded.sender,
		  content = excluded.content,
		  is_error = excluded.is_error,
		  updated_at_ms = excluded.updated_at_ms
	`)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: prepare message upsert")
	}
	defer func() { _ = stmt.Close() }()

	latest := int64(0)
	for _, m := range msgs {
		createdAt := m.CreatedAt.UnixMilli()
		if m.CreatedAt.IsZero() {
			createdAt = now
		}
		if createdAt > latest {
			latest = createdAt
		}
		isError := 0
		if m.IsError {
			isError = 1
		}
		if _, err := stmt.ExecContext(ctx, sessionID, m.ID, string(m.Sender), m.Content, isError, createdAt, now); err != nil {
			return errors.Wrapf(err, "sqlite transcript store: upsert message %s", m.ID)
		}
	}

	// Keep the session index in sync with message upserts.
	if _, err := tx.ExecContext(ctx, upsertSessionSQL, sessionID, "", latest, latest, 0, "", ""); err != nil {
		return errors.Wrap(err, "sqlite transcript store: upsert session progress")
	}
	return tx.Commit()
}

func (s *SQLiteTranscriptStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]timeline.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("sqlite transcript store: sessionID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 5000
	}

	// newest first with the limit applied, then flipped back to chronological order
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender, content, is_error, created_at_ms
		FROM transcript_messages
		WHERE session_id = ?
		ORDER BY created_at_ms DESC, message_id DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: query messages")
	}
	defer func() { _ = rows.Close() }()

	out := make([]timeline.Message, 0, 64)
	for rows.Next() {
		var (
			m         timeline.Message
			sender    string
			isError   int64
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &sender, &m.Content, &isError, &createdAt); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan message")
		}
		m.Sender = timeline.Sender(sender)
		m.IsError = isError == 1
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: iterate messages")
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
