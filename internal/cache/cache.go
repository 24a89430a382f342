// Package cache provides the SQLite-backed relational projection of the
// workspace file tree.
//
// The tree is the sole source of truth; everything here is derived and
// disposable. Dropping the database file and re-scanning rebuilds it.
package cache

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS manifest (
	path       TEXT PRIMARY KEY,
	size       INTEGER NOT NULL DEFAULT 0,
	mtime      INTEGER NOT NULL DEFAULT 0,
	kind       TEXT NOT NULL DEFAULT '',
	fail_count INTEGER NOT NULL DEFAULT 0,
	degraded   INTEGER NOT NULL DEFAULT 0,
	indexed_at DATETIME
);

CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	etype      TEXT NOT NULL DEFAULT '',
	dir        TEXT NOT NULL DEFAULT '',
	archived   INTEGER NOT NULL DEFAULT 0,
	first_seen DATETIME,
	last_seen  DATETIME
);

CREATE TABLE IF NOT EXISTS vitals (
	entity_id  TEXT PRIMARY KEY,
	health     TEXT NOT NULL DEFAULT '',
	summary    TEXT NOT NULL DEFAULT '',
	updated_at DATETIME,
	metadata   TEXT NOT NULL DEFAULT '{}',
	src_path   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS intel (
	entity_id  TEXT PRIMARY KEY,
	headline   TEXT NOT NULL DEFAULT '',
	sources    TEXT NOT NULL DEFAULT '[]',
	updated_at DATETIME,
	metadata   TEXT NOT NULL DEFAULT '{}',
	src_path   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS people (
	key            TEXT PRIMARY KEY,
	email          TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL DEFAULT '',
	org            TEXT NOT NULL DEFAULT '',
	role           TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT 'unknown',
	profiled       INTEGER NOT NULL DEFAULT 0,
	first_seen     DATETIME,
	last_seen      DATETIME,
	src_path       TEXT
);

CREATE TABLE IF NOT EXISTS meetings (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	mtype      TEXT NOT NULL DEFAULT '',
	start      DATETIME,
	end        DATETIME,
	notes_path TEXT NOT NULL DEFAULT '',
	summary    TEXT NOT NULL DEFAULT '',
	src_path   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS meeting_people (
	meeting_id TEXT NOT NULL,
	person_key TEXT NOT NULL,
	src_path   TEXT NOT NULL,
	UNIQUE(meeting_id, person_key, src_path)
);

CREATE TABLE IF NOT EXISTS meeting_entities (
	meeting_id TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	src_path   TEXT NOT NULL,
	UNIQUE(meeting_id, entity_id, src_path)
);

CREATE TABLE IF NOT EXISTS person_entities (
	person_key TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	src_path   TEXT NOT NULL,
	UNIQUE(person_key, entity_id, src_path)
);

CREATE TABLE IF NOT EXISTS actions (
	id             TEXT PRIMARY KEY,
	entity_id      TEXT NOT NULL DEFAULT '',
	text           TEXT NOT NULL DEFAULT '',
	priority       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'open',
	due            DATETIME,
	person_key     TEXT NOT NULL DEFAULT '',
	source_meeting TEXT NOT NULL DEFAULT '',
	src_path       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS content_index (
	path       TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	format     TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	mtime      DATETIME,
	indexed_at DATETIME,
	summary    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS projection_errors (
	path        TEXT PRIMARY KEY,
	kind        TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL,
	occurred_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_meetings_src ON meetings(src_path);
CREATE INDEX IF NOT EXISTS idx_mp_meeting ON meeting_people(meeting_id);
CREATE INDEX IF NOT EXISTS idx_mp_person ON meeting_people(person_key);
CREATE INDEX IF NOT EXISTS idx_me_entity ON meeting_entities(entity_id);
CREATE INDEX IF NOT EXISTS idx_pe_person ON person_entities(person_key);
CREATE INDEX IF NOT EXISTS idx_pe_entity ON person_entities(entity_id);
CREATE INDEX IF NOT EXISTS idx_actions_entity ON actions(entity_id);
CREATE INDEX IF NOT EXISTS idx_actions_src ON actions(src_path);
CREATE INDEX IF NOT EXISTS idx_content_entity ON content_index(entity_id);
`

// DB wraps a sql.DB with projection-cache operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite cache and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	// Projections of a given path are serialized by the callers; a single
	// connection keeps SQLite's writer lock contention predictable.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
