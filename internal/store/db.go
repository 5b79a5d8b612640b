// Package store persists rooms, channels, messages, peer info and the
// local profile to a per-process SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database behind a mutex, following the teacher's own
// read/write-locked wrapper around database/sql rather than relying on
// sql.DB's own connection pool locking, since WAL mode still serializes
// writers at the SQLite level and the teacher's code takes the lock at the
// Go layer for that reason.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the SQLite database file under dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "data.db")

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := sqlDB.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	d := &DB{db: sqlDB, path: dbPath}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profile (
			id              INTEGER PRIMARY KEY CHECK (id = 1),
			peer_id         TEXT NOT NULL,
			display_name    TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT '',
			avatar_hash     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			invite_code TEXT NOT NULL UNIQUE,
			owner_peer_id TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id          TEXT PRIMARY KEY,
			room_id     TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			type        TEXT NOT NULL DEFAULT 'text',
			topic       TEXT NOT NULL DEFAULT '',
			position    INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			UNIQUE(room_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			channel_id       TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			sender_peer_id   TEXT NOT NULL,
			sender_display_name TEXT NOT NULL,
			content          TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			edited_at        TEXT,
			deleted_at       TEXT,
			reply_to_id      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			id UNINDEXED, channel_id UNINDEXED, sender_display_name, content,
			content='messages', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, id, channel_id, sender_display_name, content)
			VALUES (new.rowid, new.id, new.channel_id, new.sender_display_name, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, id, channel_id, sender_display_name, content)
			VALUES ('delete', old.rowid, old.id, old.channel_id, old.sender_display_name, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, id, channel_id, sender_display_name, content)
			VALUES ('delete', old.rowid, old.id, old.channel_id, old.sender_display_name, old.content);
			INSERT INTO messages_fts(rowid, id, channel_id, sender_display_name, content)
			VALUES (new.rowid, new.id, new.channel_id, new.sender_display_name, new.content);
		END`,
		`CREATE TABLE IF NOT EXISTS peers (
			peer_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			online       INTEGER NOT NULL DEFAULT 0,
			last_seen    TEXT NOT NULL,
			avatar_hash  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS avatars (
			hash TEXT PRIMARY KEY,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS room_peers (
			room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			peer_id TEXT NOT NULL,
			PRIMARY KEY (room_id, peer_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return fmt.Errorf("exec migration %q: %w", s, err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}
