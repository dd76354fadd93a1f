package store

import (
	"database/sql"
	"fmt"

	"specnerd/internal/logging"
)

// Schema versions:
// v1: checkpoints table (session_id, state, payload, updated_at)
// v2: workspace and version columns, updated_at index
const CurrentSchemaVersion = 2

const baseSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	payload    BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS schema_versions (
	version    INTEGER NOT NULL,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);`

// Migration adds a column to an existing table.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations upgrade v1 databases in place.
var pendingMigrations = []Migration{
	{"checkpoints", "workspace", "TEXT DEFAULT ''"},
	{"checkpoints", "version", "INTEGER DEFAULT 0"},
}

// RunMigrations creates the schema and applies column migrations. It is
// idempotent.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	if _, err := db.Exec(baseSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	applied := 0
	for _, m := range pendingMigrations {
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		logging.StoreDebug("Executing migration: %s", query)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		applied++
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if GetSchemaVersion(db) < CurrentSchemaVersion {
		if _, err := db.Exec("INSERT INTO schema_versions (version) VALUES (?)", CurrentSchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	logging.Store("Schema migrations complete: applied=%d, version=%d", applied, CurrentSchemaVersion)
	return nil
}

// GetSchemaVersion returns the recorded schema version, or 0.
func GetSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "schema_versions") {
		return 0
	}
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version); err != nil {
		logging.StoreDebug("schema_versions lookup failed: %v", err)
		return 0
	}
	return version
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(db *sql.DB, table string) bool {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count); err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}
