package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 records the catalog snapshot each session ran against
// and the fuzz trace of each attempt.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE sessions ADD COLUMN catalog_version INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE attempts ADD COLUMN fuzz_trace TEXT NOT NULL DEFAULT ''",
	}
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

// createSchema creates all tables and indices at the current version.
func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			request_json TEXT NOT NULL,
			catalog_version INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('running','succeeded','exhausted','fatal')),
			attempt_count INTEGER NOT NULL DEFAULT 0,
			final_source TEXT,
			final_diagnostic_json TEXT,
			created_at TEXT NOT NULL,
			finished_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS attempts (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			number INTEGER NOT NULL CHECK (number >= 1),
			outcome TEXT NOT NULL,
			diagnostic_json TEXT,
			prior_json TEXT,
			snippets_json TEXT NOT NULL,
			design_json TEXT,
			source TEXT NOT NULL,
			exit_code INTEGER,
			signal TEXT,
			timed_out INTEGER NOT NULL DEFAULT 0,
			fuzz_trace TEXT NOT NULL DEFAULT '',
			dir TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, number)
		)`,

		`CREATE TABLE IF NOT EXISTS transitions (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			at TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,

		"CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_attempts_outcome ON attempts(outcome)",
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return setSchemaVersion(db, CurrentSchemaVersion)
}

// GetSchemaVersion returns the applied schema version, or 0 for an empty database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
