package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/xerrors"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes helper methods used by the server.
type Store struct {
	db *sql.DB
}

// ErrAppExists is returned when a public key is already registered.
var ErrAppExists = xerrors.New("app already exists")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "presence.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) (err error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS apps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			public_key TEXT NOT NULL UNIQUE,
			secret_hash BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS presence_event (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app_key TEXT NOT NULL,
			type TEXT NOT NULL,
			tag TEXT,
			status TEXT,
			session_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			user_agent TEXT,
			duration INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS presence_event_tag_idx ON presence_event(tag);`,
		`CREATE INDEX IF NOT EXISTS presence_event_timestamp_idx ON presence_event(timestamp);`,
		`CREATE INDEX IF NOT EXISTS presence_event_session_idx ON presence_event(session_id);`,
		`CREATE INDEX IF NOT EXISTS presence_event_tag_timestamp_idx ON presence_event(tag, timestamp);`,
		`CREATE INDEX IF NOT EXISTS presence_event_status_timestamp_idx ON presence_event(status, timestamp);`,
		`CREATE INDEX IF NOT EXISTS presence_event_app_idx ON presence_event(app_key, id);`,
		`CREATE TABLE IF NOT EXISTS presence_tag (
			app_key TEXT NOT NULL,
			name TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			total_updates INTEGER NOT NULL DEFAULT 0,
			peak_concurrent_connections INTEGER NOT NULL DEFAULT 0,
			peak_reached_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (app_key, name)
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin migration: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if xerrors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
