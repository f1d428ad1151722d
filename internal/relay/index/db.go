// Package index maintains the derived SQLite index over the maildir
// store: message rows for queries and metrics, and trace spans for
// per-delivery timing. The filesystem is the source of truth; the index
// is fully rebuildable by rescanning every mailbox.
package index

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver" // database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embedded sqlite build
)

// messagesSchemaVersion tracks the messages table via PRAGMA
// user_version. The trace table shares the DB file with other
// subsystems and is versioned by a table-existence check instead.
const messagesSchemaVersion = 1

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	sender TEXT NOT NULL,
	endpoint_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	ttl INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_subject ON messages(subject);
CREATE INDEX IF NOT EXISTS idx_messages_endpoint ON messages(endpoint_hash, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
CREATE INDEX IF NOT EXISTS idx_messages_ttl ON messages(ttl);
`

const tracesSchema = `
CREATE TABLE IF NOT EXISTS message_traces (
	message_id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	span_id TEXT NOT NULL,
	parent_span_id TEXT,
	subject TEXT NOT NULL,
	from_endpoint TEXT NOT NULL,
	to_endpoint TEXT NOT NULL,
	status TEXT NOT NULL,
	budget_hops_used INTEGER NOT NULL,
	budget_ttl_remaining_ms INTEGER NOT NULL,
	sent_at INTEGER NOT NULL,
	delivered_at INTEGER,
	processed_at INTEGER,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_traces_trace_id ON message_traces(trace_id);
CREATE INDEX IF NOT EXISTS idx_traces_subject ON message_traces(subject);
CREATE INDEX IF NOT EXISTS idx_traces_sent_at ON message_traces(sent_at DESC);
CREATE INDEX IF NOT EXISTS idx_traces_dead_lettered ON message_traces(status) WHERE status = 'dead_lettered';
`

// Index wraps the shared index.db connection.
type Index struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database at path with WAL
// journaling, relaxed sync, and a 5s busy timeout.
func Open(path string) (*Index, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	ix, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

// New wraps an existing connection (tests use :memory:) and applies
// schema setup.
func New(db *sql.DB) (*Index, error) {
	ix := &Index{db: db}
	if err := ix.migrate(); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *Index) migrate() error {
	var version int
	if err := ix.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version < messagesSchemaVersion {
		if _, err := ix.db.Exec(messagesSchema); err != nil {
			return fmt.Errorf("apply messages schema: %w", err)
		}
		if _, err := ix.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, messagesSchemaVersion)); err != nil {
			return fmt.Errorf("bump schema version: %w", err)
		}
	}

	// Trace table: existence check, the DB file is shared.
	var name string
	err := ix.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'message_traces'`).Scan(&name)
	if err == sql.ErrNoRows {
		if _, err := ix.db.Exec(tracesSchema); err != nil {
			return fmt.Errorf("apply traces schema: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("check traces table: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}
