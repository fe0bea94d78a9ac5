package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// ddlVersion is the version of the table layout below. It is unrelated to
// the record-format version stored in record_schema.
const ddlVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS context_records (
		conversation_id TEXT    NOT NULL,
		id              TEXT    NOT NULL,
		user_input      TEXT    NOT NULL DEFAULT '',
		content         BLOB    NOT NULL,
		is_compressed   INTEGER NOT NULL DEFAULT 0,
		timestamp       INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		access_count    INTEGER NOT NULL DEFAULT 0,
		last_accessed   INTEGER NOT NULL,
		size_bytes      INTEGER NOT NULL DEFAULT 0,
		checksum        TEXT    NOT NULL,
		schema_version  INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (conversation_id, id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_context_records_conv_ts
		ON context_records(conversation_id, timestamp)`,

	`CREATE TABLE IF NOT EXISTS record_schema (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	)`,

	`INSERT OR IGNORE INTO record_schema (id, version) VALUES (1, 1)`,
}

// migrate creates or updates the database schema to the latest version.
// All DDL uses IF NOT EXISTS, making migration idempotent.
func migrate(ctx context.Context, db *sql.DB) error {
	// Ensure schema_version table exists first.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current >= ddlVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", ddlVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}

	return nil
}
