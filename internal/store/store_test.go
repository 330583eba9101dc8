package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM rulesets").Scan(&count); err != nil {
		t.Errorf("query failed: %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"rulesets", "quote_versions", "quote_heads", "quote_acceptances"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestDB_ReturnsUnderlyingConnection(t *testing.T) {
	s := createTestStore(t)

	db := s.DB()
	if db == nil {
		t.Fatal("DB() returned nil")
	}
	if err := db.Ping(); err != nil {
		t.Errorf("DB() connection not usable: %v", err)
	}
}

// Pragma tests

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name string
		want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		if err := s.verifyPragma(tt.name, tt.want); err != nil {
			t.Error(err)
		}
	}
}

// Schema tests

func TestSchema_Columns(t *testing.T) {
	s := createTestStore(t)

	expected := map[string][]string{
		"rulesets": {
			"ruleset_id", "version", "status", "schema_version", "checksum",
			"content", "published_at", "blocked",
		},
		"quote_versions": {
			"id", "quote_id", "version", "supersedes", "idempotency_key", "request_hash",
			"ruleset_id", "ruleset_version", "ruleset_checksum", "schema_version",
			"context", "result", "trace", "trace_checksum", "sensitive_fields",
			"issued_at", "issued_by",
		},
		"quote_heads":       {"quote_id", "head_id"},
		"quote_acceptances": {"quote_version_id", "actor", "accepted_at"},
	}
	for table, cols := range expected {
		columns := getTableColumns(t, s.db, table)
		for _, col := range cols {
			if !slices.Contains(columns, col) {
				t.Errorf("%s table missing column %q", table, col)
			}
		}
	}
}

func TestSchema_QuoteVersionIndexes(t *testing.T) {
	s := createTestStore(t)

	indexes := getTableIndexes(t, s.db, "quote_versions")
	if !slices.Contains(indexes, "idx_quote_versions_quote") {
		t.Errorf("quote_versions table missing index idx_quote_versions_quote, got %v", indexes)
	}
}

// Constraint tests

func TestConstraint_AppendOnlyQuoteVersions(t *testing.T) {
	s := createTestStore(t)
	insertRawQuote(t, s.db, "qv-1", "key-1")

	if _, err := s.db.Exec(`UPDATE quote_versions SET issued_by = 'mallory' WHERE id = 'qv-1'`); err == nil {
		t.Error("expected UPDATE on quote_versions to be rejected")
	}
	if _, err := s.db.Exec(`DELETE FROM quote_versions WHERE id = 'qv-1'`); err == nil {
		t.Error("expected DELETE on quote_versions to be rejected")
	}
}

func TestConstraint_UniqueIdempotencyKey(t *testing.T) {
	s := createTestStore(t)
	insertRawQuote(t, s.db, "qv-1", "key-1")

	_, err := s.db.Exec(rawQuoteInsert, "qv-2", "q-2", "key-1")
	if err == nil {
		t.Error("expected duplicate idempotency_key to be rejected")
	}
}

func TestConstraint_AcceptanceForeignKey(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO quote_acceptances (quote_version_id, actor, accepted_at)
		VALUES ('missing', 'buyer', '2026-01-15T09:00:00Z')
	`)
	if err == nil {
		t.Error("expected foreign key violation for unknown quote version")
	}
}

func TestConstraint_RulesetStatusCheck(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO rulesets (ruleset_id, version, status, schema_version, checksum, content)
		VALUES ('x', 1, 'retired', '1.0', 'sha256:00', '{}')
	`)
	if err == nil {
		t.Error("expected CHECK violation for unknown status")
	}
}

// Migration tests

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestMigration_IdempotentUpgrade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}

		var version int
		if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
			t.Fatalf("failed to get user_version: %v", err)
		}
		if version != currentSchemaVersion {
			t.Errorf("iteration %d: user_version = %d, want %d", i, version, currentSchemaVersion)
		}
		s.Close()
	}
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	// Apply schema but NOT migrations (simulates pre-migration state)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 0"); err != nil {
		t.Fatalf("failed to set user_version: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d after migration", version, currentSchemaVersion)
	}

	triggers := getTriggers(t, s.db)
	for _, name := range []string{
		"quote_versions_no_update",
		"quote_versions_no_delete",
		"quote_acceptances_no_update",
		"quote_acceptances_no_delete",
		"rulesets_frozen_content",
	} {
		if !slices.Contains(triggers, name) {
			t.Errorf("trigger %q missing after migration, got %v", name, triggers)
		}
	}
}

// Helper functions

const rawQuoteInsert = `
	INSERT INTO quote_versions
	(id, quote_id, version, idempotency_key, request_hash, ruleset_id, ruleset_version,
	 ruleset_checksum, schema_version, context, result, trace, trace_checksum, issued_at)
	VALUES (?, ?, 1, ?, 'sha256:00', 'bookkeeping', 3, 'sha256:00', '1.0', '{}', '{}', '{}', 'sha256:00',
	        '2026-01-15T09:00:00Z')
`

func insertRawQuote(t *testing.T, db *sql.DB, id, key string) {
	t.Helper()
	if _, err := db.Exec(rawQuoteInsert, id, "q-"+id, key); err != nil {
		t.Fatalf("insert quote version: %v", err)
	}
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	return querySchemaNames(t, db, "SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
}

func getTriggers(t *testing.T, db *sql.DB) []string {
	t.Helper()
	return querySchemaNames(t, db, "SELECT name FROM sqlite_master WHERE type='trigger'")
}

func querySchemaNames(t *testing.T, db *sql.DB, query string, args ...any) []string {
	t.Helper()

	rows, err := db.Query(query, args...)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan name: %v", err)
		}
		names = append(names, name)
	}
	return names
}
