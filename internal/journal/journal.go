// Package journal keeps a best-effort audit trail of relay activity in
// a local sqlite database: inbound messages, prompt flushes, and reply
// deliveries. Journal failures never block the relay path; they are
// logged and dropped.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sjoeboo/relaydeck/internal/logging"
)

// Journal records relay events. A nil *Journal is a valid no-op, so
// callers never need to guard the disabled case.
type Journal struct {
	mu  sync.Mutex
	db  *sql.DB
	log *slog.Logger
}

// Open creates (or opens) the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// Keep sqlite responsive under contention.
	_, _ = db.Exec("PRAGMA busy_timeout = 5000;")
	_, _ = db.Exec("PRAGMA journal_mode = WAL;")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL;")

	schema := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			author TEXT,
			content TEXT NOT NULL,
			received_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, received_at_ns);`,
		`CREATE TABLE IF NOT EXISTS flushes (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			session TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			prompt_bytes INTEGER NOT NULL,
			delivered INTEGER NOT NULL,
			flushed_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_flushes_conversation ON flushes(conversation_id, flushed_at_ns);`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			session TEXT NOT NULL,
			source TEXT NOT NULL,
			type TEXT NOT NULL,
			chunk_index INTEGER,
			content_bytes INTEGER NOT NULL,
			delivered_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_session ON deliveries(session, delivered_at_ns);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init journal schema: %w", err)
		}
	}

	return &Journal{db: db, log: logging.ForComponent(logging.CompJournal)}, nil
}

// Close flushes and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}

// Message records one inbound chat message.
func (j *Journal) Message(conversationID, author, content string) {
	if j == nil {
		return
	}
	j.exec(
		`INSERT INTO messages(id, conversation_id, author, content, received_at_ns)
		 VALUES(?, ?, ?, ?, ?)`,
		uuid.NewString(), conversationID, author, content, time.Now().UnixNano(),
	)
}

// Flush records one prompt flush attempt and whether delivery succeeded.
func (j *Journal) Flush(conversationID, session string, messageCount, promptBytes int, delivered bool) {
	if j == nil {
		return
	}
	n := 0
	if delivered {
		n = 1
	}
	j.exec(
		`INSERT INTO flushes(id, conversation_id, session, message_count, prompt_bytes, delivered, flushed_at_ns)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), conversationID, session, messageCount, promptBytes, n, time.Now().UnixNano(),
	)
}

// Delivery records one reply forwarded to the chat sink. source is
// "bridge" or "capture"; chunkIndex is 0 for unchunked replies.
func (j *Journal) Delivery(session, source, typ string, chunkIndex, contentBytes int) {
	if j == nil {
		return
	}
	j.exec(
		`INSERT INTO deliveries(id, session, source, type, chunk_index, content_bytes, delivered_at_ns)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), session, source, typ, chunkIndex, contentBytes, time.Now().UnixNano(),
	)
}

// Stats summarizes journal contents for the status surfaces.
type Stats struct {
	Messages   int64 `json:"messages"`
	Flushes    int64 `json:"flushes"`
	Deliveries int64 `json:"deliveries"`
}

// Stats counts the rows in each table.
func (j *Journal) Stats() (Stats, error) {
	if j == nil {
		return Stats{}, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var s Stats
	if err := j.db.QueryRow(`SELECT COUNT(1) FROM messages`).Scan(&s.Messages); err != nil {
		return s, err
	}
	if err := j.db.QueryRow(`SELECT COUNT(1) FROM flushes`).Scan(&s.Flushes); err != nil {
		return s, err
	}
	if err := j.db.QueryRow(`SELECT COUNT(1) FROM deliveries`).Scan(&s.Deliveries); err != nil {
		return s, err
	}
	return s, nil
}

func (j *Journal) exec(query string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.db.Exec(query, args...); err != nil {
		j.log.Warn("journal write failed", slog.String("error", err.Error()))
	}
}
