// Package store persists server state in an embedded SQLite database and
// exposes the narrow façade the chat engine consumes.
//
// Migration design: SQL is kept in the [migrations] slice as ordered strings.
// Each entry is applied exactly once, inside its own transaction; the applied
// version is recorded in the schema_version table. To change the schema,
// append a new entry — never edit or reorder existing ones.
//
// Writes fall into two classes. Mutations on the caller's critical path
// (create/delete server) run synchronously. High-frequency mutations
// (messages, topics, on-demand channels) go through Async, which hands the
// closure to a small worker pool; failures there are logged and never
// surfaced, so a slow disk cannot stall broadcast fan-out.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const (
	asyncWorkers   = 4
	asyncQueueSize = 256
)

// migrations holds the ordered DDL bringing the schema up to date. Index i
// corresponds to version i+1.
var migrations = []string{
	// v1 — users
	`CREATE TABLE users (
		id         TEXT PRIMARY KEY,
		username   TEXT NOT NULL UNIQUE,
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — servers (tenants)
	`CREATE TABLE servers (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		owner_id   TEXT NOT NULL,
		icon       TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — server membership
	`CREATE TABLE server_members (
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		user_id   TEXT NOT NULL,
		joined_at INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (server_id, user_id)
	)`,
	// v4 — channels
	`CREATE TABLE channels (
		id                TEXT PRIMARY KEY,
		server_id         TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		name              TEXT NOT NULL,
		topic             TEXT NOT NULL DEFAULT '',
		topic_set_by      TEXT NOT NULL DEFAULT '',
		topic_set_at      INTEGER,
		channel_type      TEXT NOT NULL DEFAULT 'text',
		parent_message_id TEXT,
		is_private        INTEGER NOT NULL DEFAULT 0,
		slow_mode_seconds INTEGER NOT NULL DEFAULT 0,
		nsfw              INTEGER NOT NULL DEFAULT 0,
		is_announcement   INTEGER NOT NULL DEFAULT 0,
		archived          INTEGER NOT NULL DEFAULT 0,
		created_at        INTEGER NOT NULL DEFAULT (unixepoch()),
		UNIQUE (server_id, name)
	)`,
	// v5 — persisted channel membership
	`CREATE TABLE channel_members (
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		joined_at  INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (channel_id, user_id)
	)`,
	// v6 — messages; exactly one of channel_id / recipient_id is set
	`CREATE TABLE messages (
		id           TEXT PRIMARY KEY,
		server_id    TEXT NOT NULL DEFAULT '',
		channel_id   TEXT,
		recipient_id TEXT,
		sender_id    TEXT NOT NULL DEFAULT '',
		sender_nick  TEXT NOT NULL,
		content      TEXT NOT NULL,
		reply_to     TEXT,
		created_at   INTEGER NOT NULL,
		edited_at    INTEGER,
		deleted_at   INTEGER,
		CHECK ((channel_id IS NULL) <> (recipient_id IS NULL))
	);
	CREATE INDEX idx_messages_channel_created ON messages(channel_id, created_at)`,
	// v7 — full-text search over message content, maintained by triggers
	`CREATE VIRTUAL TABLE messages_fts USING fts5(content, content='messages', content_rowid='rowid');
	CREATE TRIGGER messages_fts_ai AFTER INSERT ON messages BEGIN
		INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
	END;
	CREATE TRIGGER messages_fts_ad AFTER DELETE ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	END;
	CREATE TRIGGER messages_fts_au AFTER UPDATE OF content ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
	END`,
	// v8 — roles; exactly one default ("@everyone") role per server
	`CREATE TABLE roles (
		id          TEXT PRIMARY KEY,
		server_id   TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		name        TEXT NOT NULL,
		position    INTEGER NOT NULL DEFAULT 0,
		permissions INTEGER NOT NULL DEFAULT 0,
		is_default  INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE user_roles (
		role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (role_id, user_id)
	)`,
	// v9 — per-channel permission overrides
	`CREATE TABLE channel_overrides (
		channel_id  TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		target_kind TEXT NOT NULL CHECK (target_kind IN ('role','user')),
		target_id   TEXT NOT NULL,
		allow       INTEGER NOT NULL DEFAULT 0,
		deny        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (channel_id, target_kind, target_id)
	)`,
	// v10 — reactions and pins
	`CREATE TABLE reactions (
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		emoji      TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (message_id, user_id, emoji)
	);
	CREATE TABLE pins (
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		message_id TEXT NOT NULL,
		pinned_by  TEXT NOT NULL DEFAULT '',
		pinned_at  INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (channel_id, message_id)
	)`,
	// v11 — bans and invites
	`CREATE TABLE bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id  TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		banned_by  TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch()),
		UNIQUE (server_id, user_id)
	);
	CREATE TABLE invites (
		code       TEXT PRIMARY KEY,
		server_id  TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		created_by TEXT NOT NULL DEFAULT '',
		max_uses   INTEGER NOT NULL DEFAULT 0,
		uses       INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v12 — bearer tokens for the line protocol, scoped by nickname
	`CREATE TABLE irc_tokens (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		nickname     TEXT NOT NULL,
		token_hash   TEXT NOT NULL,
		created_at   INTEGER NOT NULL DEFAULT (unixepoch()),
		last_used_at INTEGER
	);
	CREATE INDEX idx_irc_tokens_nickname ON irc_tokens(nickname)`,
	// v13 — presence (away messages)
	`CREATE TABLE presence (
		user_id      TEXT PRIMARY KEY,
		away_message TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v14 — notification settings; server_id/channel_id are nullable and
	// participate in the UNIQUE constraint (see SetNotificationSetting)
	`CREATE TABLE notification_settings (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		server_id  TEXT,
		channel_id TEXT,
		level      TEXT NOT NULL DEFAULT 'all',
		UNIQUE (user_id, server_id, channel_id)
	)`,
	// v15 — audit log
	`CREATE TABLE audit_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		server_id    TEXT NOT NULL DEFAULT '',
		actor_id     TEXT NOT NULL DEFAULT '',
		action       TEXT NOT NULL,
		target       TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v16 — secondary indexes
	`CREATE INDEX idx_messages_recipient_created ON messages(recipient_id, created_at);
	CREATE INDEX idx_user_roles_user ON user_roles(user_id);
	CREATE INDEX idx_audit_log_created ON audit_log(created_at)`,
}

type job struct {
	name string
	fn   func(context.Context) error
}

// Store wraps the SQLite database plus the background writer pool.
type Store struct {
	db   *sql.DB
	jobs chan job
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// Open opens (or creates) the database at path, applies pending migrations
// and starts the background writer pool. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			slog.Warn("sqlite pragma failed", "pragma", pragma, "err", err)
		}
	}

	s := &Store{
		db:   db,
		jobs: make(chan job, asyncQueueSize),
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	for i := 0; i < asyncWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

// Close drains the background writer pool and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.jobs)
	})
	s.wg.Wait()
	return s.db.Close()
}

// DB exposes the underlying handle so collaborators (REST handlers) can run
// their own queries without reopening the database. Advisory only: the
// engine never reads state it already holds in memory through here.
func (s *Store) DB() *sql.DB { return s.db }

// Async hands fn to the writer pool. It never blocks: when the queue is
// full the write is dropped with a warning, matching the best-effort
// contract for high-frequency mutations.
func (s *Store) Async(name string, fn func(context.Context) error) {
	select {
	case s.jobs <- job{name: name, fn: fn}:
	default:
		slog.Warn("persistence queue full, dropping write", "op", name)
	}
}

func (s *Store) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := j.fn(ctx); err != nil {
			slog.Warn("background write failed", "op", j.name, "err", err)
		}
		cancel()
	}
}

// migrate creates schema_version (if absent) and applies every migration
// whose version exceeds the recorded maximum, one transaction per migration.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version(version) VALUES(?)`, v,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

// SchemaVersionCount returns the number of applied migrations.
func (s *Store) SchemaVersionCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&n)
	return n, err
}

// nullable maps "" to NULL for optional TEXT columns.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// nullableTime maps the zero time to NULL, otherwise Unix milliseconds.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
