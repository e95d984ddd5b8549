// Package store provides a SQLite-backed history store for coachkb. It keeps
// the conversation threads the coach answers in, keyed by creator and
// session, and a record of every knowledge base build. Both survive server
// restarts; conversation turns are injected into the model context on
// follow-up questions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a question asked by the end user.
	RoleUser Role = "user"
	// RoleAssistant is an answer produced by the coach.
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	// Role is the author of the message.
	Role Role
	// Content is the text of the message.
	Content string
	// CreatedAt is when the message was persisted.
	CreatedAt time.Time
}

// BuildRecord is the history entry of one knowledge base build.
type BuildRecord struct {
	ID                 string        `json:"id"`
	CreatorID          string        `json:"creator_id"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration_ns"`
	Outcome            string        `json:"outcome"`
	TotalChunks        int           `json:"total_chunks"`
	FailedChunks       int           `json:"failed_chunks"`
	SkippedPosts       int           `json:"skipped_posts"`
	FallbackBatches    int           `json:"fallback_batches"`
	EmbeddingDimension int           `json:"embedding_dimension"`
	Error              string        `json:"error,omitempty"`
}

// ConversationStore persists and retrieves conversation history keyed by
// creator and session. Implementations must be safe for concurrent use.
type ConversationStore interface {
	// Append persists a single message for the given thread.
	Append(ctx context.Context, creatorID, session string, role Role, content string) error
	// Recent returns the most recent n messages of the thread, ordered
	// oldest-first so they can be prepended to the LLM message slice directly.
	// If fewer than n messages exist, all are returned.
	Recent(ctx context.Context, creatorID, session string, n int) ([]Message, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a ConversationStore and build recorder backed by a local
// SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the history database.
// It resolves to ~/.coachkb/history.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".coachkb")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "history.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversations (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    creator_id   TEXT    NOT NULL,
    session      TEXT    NOT NULL,
    role         TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content      TEXT    NOT NULL,
    created_at   INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_conversations_thread_created
    ON conversations (creator_id, session, created_at);

CREATE TABLE IF NOT EXISTS builds (
    id                  TEXT    PRIMARY KEY,
    creator_id          TEXT    NOT NULL,
    started_at          INTEGER NOT NULL,  -- Unix timestamp (milliseconds)
    duration_ms         INTEGER NOT NULL,
    outcome             TEXT    NOT NULL,
    total_chunks        INTEGER NOT NULL,
    failed_chunks       INTEGER NOT NULL,
    skipped_posts       INTEGER NOT NULL,
    fallback_batches    INTEGER NOT NULL,
    embedding_dimension INTEGER NOT NULL,
    error               TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_builds_creator_started
    ON builds (creator_id, started_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Append persists a single message for the given thread.
func (s *SQLiteStore) Append(ctx context.Context, creatorID, session string, role Role, content string) error {
	const q = `INSERT INTO conversations (creator_id, session, role, content, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, creatorID, session, string(role), content, time.Now().Unix()); err != nil {
		return fmt.Errorf("store: append: %w", err)
	}
	return nil
}

// Recent returns the most recent n messages of the thread, ordered
// oldest-first. Uses a subquery to select the tail then re-order for injection.
func (s *SQLiteStore) Recent(ctx context.Context, creatorID, session string, n int) ([]Message, error) {
	const q = `
SELECT role, content, created_at FROM (
    SELECT id, role, content, created_at
    FROM   conversations
    WHERE  creator_id = ? AND session = ?
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, creatorID, session, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		var role string
		if err := rows.Scan(&role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("store: recent scan: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent rows: %w", err)
	}
	return msgs, nil
}

// RecordBuild persists a build history entry. Recording the same ID twice
// replaces the earlier entry.
func (s *SQLiteStore) RecordBuild(ctx context.Context, rec BuildRecord) error {
	const q = `
INSERT OR REPLACE INTO builds (id, creator_id, started_at, duration_ms, outcome, total_chunks,
    failed_chunks, skipped_posts, fallback_batches, embedding_dimension, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		rec.ID, rec.CreatorID, rec.StartedAt.UnixMilli(), rec.Duration.Milliseconds(), rec.Outcome,
		rec.TotalChunks, rec.FailedChunks, rec.SkippedPosts, rec.FallbackBatches,
		rec.EmbeddingDimension, rec.Error)
	if err != nil {
		return fmt.Errorf("store: record build: %w", err)
	}
	return nil
}

// Builds returns up to n build records of a creator, newest first.
func (s *SQLiteStore) Builds(ctx context.Context, creatorID string, n int) ([]BuildRecord, error) {
	const q = `
SELECT id, creator_id, started_at, duration_ms, outcome, total_chunks, failed_chunks,
       skipped_posts, fallback_batches, embedding_dimension, error
FROM   builds
WHERE  creator_id = ?
ORDER  BY started_at DESC, id DESC
LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, creatorID, n)
	if err != nil {
		return nil, fmt.Errorf("store: builds: %w", err)
	}
	defer rows.Close()

	var out []BuildRecord
	for rows.Next() {
		var (
			r       BuildRecord
			started int64
			durMS   int64
		)
		if err := rows.Scan(&r.ID, &r.CreatorID, &started, &durMS, &r.Outcome, &r.TotalChunks,
			&r.FailedChunks, &r.SkippedPosts, &r.FallbackBatches, &r.EmbeddingDimension, &r.Error); err != nil {
			return nil, fmt.Errorf("store: builds scan: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: builds rows: %w", err)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Name identifies the dependency in readiness reports.
func (s *SQLiteStore) Name() string { return "history" }

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
