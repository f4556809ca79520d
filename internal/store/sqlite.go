// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the fleet schema and applies migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pools (
			pool_id       TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			owner_user_id TEXT NOT NULL,
			visibility    TEXT NOT NULL DEFAULT 'private',
			created_at    TEXT NOT NULL,

			UNIQUE(owner_user_id, name),
			CHECK (visibility IN ('public', 'private'))
		);

		CREATE INDEX IF NOT EXISTS idx_pools_owner ON pools(owner_user_id);
		CREATE INDEX IF NOT EXISTS idx_pools_visibility ON pools(visibility);

		CREATE TABLE IF NOT EXISTS agents (
			agent_id          TEXT PRIMARY KEY,
			client_id         TEXT NOT NULL,
			display_tag       TEXT NOT NULL,
			pool_id           TEXT REFERENCES pools(pool_id),
			status            TEXT NOT NULL DEFAULT 'active',
			profile_json      TEXT,
			credential_sealed BLOB NOT NULL,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('active', 'inactive', 'restarting'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_pool ON agents(pool_id);
		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS guild_settings (
			guild_id        TEXT PRIMARY KEY,
			pool_id         TEXT REFERENCES pools(pool_id),
			idle_release_ms INTEGER,
			updated_at      TEXT NOT NULL,

			CHECK (idle_release_ms IS NULL OR idle_release_ms >= 0)
		);

		CREATE TABLE IF NOT EXISTS roles (
			subject_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (subject_id, role),
			CHECK (role IN ('superuser', 'operator'))
		);

		CREATE INDEX IF NOT EXISTS idx_roles_role ON roles(role);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id      TEXT PRIMARY KEY,
			actor_user_id TEXT NOT NULL,
			action        TEXT NOT NULL,
			target_type   TEXT NOT NULL,
			target_id     TEXT NOT NULL,
			ts            TEXT NOT NULL,
			detail_json   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "agents",
			column: "contributed_by",
			apply:  `ALTER TABLE agents ADD COLUMN contributed_by TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_agents_contributed ON agents(contributed_by, pool_id, status)`); err != nil {
		return fmt.Errorf("creating contribution index: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}
