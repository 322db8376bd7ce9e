// Package store handles database connectivity, migrations, and data access
// for the bridge. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments), mirroring the
// dual-driver design of the reference bridge this codebase descends from.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/klppl/atbridge/internal/errs"
	"github.com/klppl/atbridge/internal/model"
)

// Store wraps a database connection and provides all data access methods.
// It is the only component permitted to mutate entity rows; everything else
// works with value copies returned from its methods.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "bridge.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "open db", err)
	}

	if err := db.Ping(); err != nil {
		return nil, errs.Wrap(errs.Fatal, "ping db", err)
	}

	if driver == "sqlite" {
		// WAL mode allows multiple concurrent readers alongside one writer.
		// A small pool lets read-heavy operations (follower pagination, stats)
		// proceed in parallel instead of queueing behind every write; SQLite
		// serialises writers itself, and busy_timeout makes that graceful.
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, errs.Wrap(errs.Fatal, "sqlite pragma "+pragma, err)
			}
		}

		slog.Info("sqlite database opened",
			"max_conns", sqliteMaxConns,
			"note", "switch to PostgreSQL for high-traffic deployments",
		)
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	if s.driver == "sqlite" {
		return s.migrateSQLite()
	}
	return s.migratePostgres()
}

// commonMigrations lists DDL statements shared between SQLite and PostgreSQL.
// Any new migration must be appended here; driver-specific error handling is
// applied by migrateSQLite / migratePostgres.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS follows (
		user_did           TEXT NOT NULL,
		actor_uri          TEXT NOT NULL,
		activity_id        TEXT NOT NULL,
		actor_inbox        TEXT NOT NULL,
		actor_shared_inbox TEXT NOT NULL DEFAULT '',
		created_at         TEXT NOT NULL,
		PRIMARY KEY (user_did, actor_uri)
	)`,
	`CREATE INDEX IF NOT EXISTS follows_actor ON follows(actor_uri)`,
	`CREATE INDEX IF NOT EXISTS follows_created ON follows(user_did, created_at)`,

	`CREATE TABLE IF NOT EXISTS key_pairs (
		user_did    TEXT NOT NULL,
		algorithm   TEXT NOT NULL,
		public_key  TEXT NOT NULL,
		private_key TEXT NOT NULL,
		PRIMARY KEY (user_did, algorithm)
	)`,

	`CREATE TABLE IF NOT EXISTS bridge_accounts (
		role          TEXT PRIMARY KEY,
		did           TEXT NOT NULL,
		handle        TEXT NOT NULL,
		password      TEXT NOT NULL,
		access_token  TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS post_mappings (
		at_uri         TEXT PRIMARY KEY,
		ap_note_id     TEXT NOT NULL UNIQUE,
		ap_actor_id    TEXT NOT NULL,
		ap_actor_inbox TEXT NOT NULL,
		created_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS post_mappings_actor ON post_mappings(ap_actor_id)`,

	`CREATE TABLE IF NOT EXISTS monitored_posts (
		at_uri       TEXT PRIMARY KEY,
		author_did   TEXT NOT NULL,
		last_checked TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS monitored_posts_last_checked ON monitored_posts(last_checked)`,

	`CREATE TABLE IF NOT EXISTS external_replies (
		at_uri        TEXT PRIMARY KEY,
		parent_at_uri TEXT NOT NULL,
		author_did    TEXT NOT NULL,
		ap_note_id    TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS external_replies_parent ON external_replies(parent_at_uri)`,

	`CREATE TABLE IF NOT EXISTS engagement_events (
		activity_id     TEXT PRIMARY KEY,
		kind            TEXT NOT NULL,
		post_at_uri     TEXT NOT NULL,
		post_author_did TEXT NOT NULL,
		ap_actor_id     TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		notified_at     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS engagement_events_unnotified ON engagement_events(kind, notified_at, created_at)`,
	`CREATE INDEX IF NOT EXISTS engagement_events_author ON engagement_events(post_author_did)`,

	`CREATE TABLE IF NOT EXISTS outbound_queue (
		id              TEXT PRIMARY KEY,
		activity_id     TEXT NOT NULL,
		recipient_kind  TEXT NOT NULL,
		recipient_url   TEXT NOT NULL,
		actor_id        TEXT NOT NULL,
		body            TEXT NOT NULL,
		attempt         INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		last_error      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS outbound_queue_due ON outbound_queue(next_attempt_at)`,

	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		ts     TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_ts ON audit_log(ts)`,
}

func (s *Store) migrateSQLite() error {
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			return errs.Wrap(errs.Fatal, "migration failed\nSQL: "+m, err)
		}
	}
	slog.Info("migrations complete")
	return nil
}

func (s *Store) migratePostgres() error {
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return errs.Wrap(errs.Fatal, "migration failed", err)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ph returns the placeholder token for the n-th (1-indexed) query argument.
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

func nowStr() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}
