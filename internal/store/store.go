package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/pricer/internal/ruleset"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Append-only triggers on quote_versions and quote_acceptances,
//     frozen content for non-draft rulesets
const currentSchemaVersion = 1

// Store is the SQLite ruleset registry and quote arena.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db       *sql.DB
	adapters *ruleset.Adapters
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithAdapters sets the schema adapter registry used when loading rulesets.
func WithAdapters(a *ruleset.Adapters) Option {
	return func(s *Store) {
		s.adapters = a
	}
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		adapters: ruleset.DefaultAdapters,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	from, err := applySchema(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if from != currentSchemaVersion {
		s.logger.Info("store migrated", "path", path, "from", from, "to", currentSchemaVersion)
	}

	s.db = db
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// It returns the schema version found before migrating.
func applySchema(db *sql.DB) (int, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return 0, fmt.Errorf("failed to execute schema: %w", err)
	}

	from, err := runMigrations(db)
	if err != nil {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	return from, nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	from := version

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return 0, err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return 0, fmt.Errorf("set user_version: %w", err)
	}

	return from, nil
}

// migrateToV1 installs the triggers that make snapshots append-only and
// published ruleset content immutable at the storage level.
func migrateToV1(db *sql.DB) error {
	stmts := []string{
		`CREATE TRIGGER IF NOT EXISTS quote_versions_no_update
		BEFORE UPDATE ON quote_versions
		BEGIN
			SELECT RAISE(ABORT, 'quote_versions is append-only');
		END`,
		`CREATE TRIGGER IF NOT EXISTS quote_versions_no_delete
		BEFORE DELETE ON quote_versions
		BEGIN
			SELECT RAISE(ABORT, 'quote_versions is append-only');
		END`,
		`CREATE TRIGGER IF NOT EXISTS quote_acceptances_no_update
		BEFORE UPDATE ON quote_acceptances
		BEGIN
			SELECT RAISE(ABORT, 'quote_acceptances is append-only');
		END`,
		`CREATE TRIGGER IF NOT EXISTS quote_acceptances_no_delete
		BEFORE DELETE ON quote_acceptances
		BEGIN
			SELECT RAISE(ABORT, 'quote_acceptances is append-only');
		END`,
		`CREATE TRIGGER IF NOT EXISTS rulesets_frozen_content
		BEFORE UPDATE OF content, checksum, schema_version ON rulesets
		WHEN OLD.status != 'draft'
		BEGIN
			SELECT RAISE(ABORT, 'published ruleset content is immutable');
		END`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
