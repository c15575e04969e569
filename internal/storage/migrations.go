package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.0.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
}

const migrationV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Single row describing the index as a whole
CREATE TABLE IF NOT EXISTS index_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    index_id TEXT NOT NULL,
    commit_seq INTEGER NOT NULL DEFAULT 0,
    embedding_model TEXT NOT NULL DEFAULT '',
    embedding_dimension INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

-- Conversation versions, append-only
CREATE TABLE IF NOT EXISTS conversations (
    row_id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    project TEXT NOT NULL DEFAULT '',
    tool TEXT NOT NULL DEFAULT '',
    file_path TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    message_count INTEGER NOT NULL,
    chunk_count INTEGER NOT NULL,
    indexed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_id ON conversations(conversation_id);
CREATE INDEX IF NOT EXISTS idx_conversations_path ON conversations(file_path);
CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project, tool);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

-- Conversation id to its live version
CREATE TABLE IF NOT EXISTS conversation_lookup (
    conversation_id TEXT PRIMARY KEY,
    row_id INTEGER NOT NULL UNIQUE,
    FOREIGN KEY (row_id) REFERENCES conversations(row_id)
);

-- Chunks, append-only; superseded together with their version
CREATE TABLE IF NOT EXISTS chunks (
    row_id INTEGER NOT NULL,
    ordinal INTEGER NOT NULL,
    first_message INTEGER NOT NULL,
    last_message INTEGER NOT NULL,
    text TEXT NOT NULL,
    search_text TEXT NOT NULL,
    char_len INTEGER NOT NULL,
    token_count INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    PRIMARY KEY (row_id, ordinal),
    FOREIGN KEY (row_id) REFERENCES conversations(row_id)
);

-- Invalidation markers, one per superseded or deleted version
CREATE TABLE IF NOT EXISTS chunk_invalidations (
    row_id INTEGER PRIMARY KEY,
    invalidated_at INTEGER NOT NULL,
    reason TEXT NOT NULL,
    FOREIGN KEY (row_id) REFERENCES conversations(row_id)
);

-- Chunk to vector references; the vector blob lets the vector index be
-- rebuilt without calling the embedding model
CREATE TABLE IF NOT EXISTS embedding_refs (
    row_id INTEGER NOT NULL,
    ordinal INTEGER NOT NULL,
    vector_key TEXT NOT NULL UNIQUE,
    model TEXT NOT NULL,
    dimension INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    vector BLOB,
    PRIMARY KEY (row_id, ordinal),
    FOREIGN KEY (row_id, ordinal) REFERENCES chunks(row_id, ordinal)
);

-- Per source file indexing state
CREATE TABLE IF NOT EXISTS file_status (
    path TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL DEFAULT '',
    mod_time INTEGER NOT NULL DEFAULT 0,
    size INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    conversation_id TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    last_indexed_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_status_state ON file_status(state);
`

const migrationV1Down = `
DROP TABLE IF EXISTS file_status;
DROP TABLE IF EXISTS embedding_refs;
DROP TABLE IF EXISTS chunk_invalidations;
DROP TABLE IF EXISTS chunks;
DROP TABLE IF EXISTS conversation_lookup;
DROP TABLE IF EXISTS conversations;
DROP TABLE IF EXISTS index_state;
`

// SchemaVersion returns the highest applied migration, or 0.0.0 for an
// empty database.
func SchemaVersion(ctx context.Context, q querier) (*semver.Version, error) {
	var tableName string
	err := q.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return semver.MustParse("0.0.0"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	rows, err := q.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		parsed, err := semver.NewVersion(v)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %s: %w", v, err)
		}
		if parsed.GreaterThan(current) {
			current = parsed
		}
	}
	return current, rows.Err()
}

// ApplyMigrations runs all pending migrations. A database written by a newer
// schema is refused.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	currentVersion, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if currentVersion.GreaterThan(semver.MustParse(CurrentSchemaVersion)) {
		return fmt.Errorf("database schema %s is newer than supported %s", currentVersion, CurrentSchemaVersion)
	}

	// Run migrations in order
	for _, migration := range AllMigrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		// Skip if already applied (LessThanOrEqual means current >= migration)
		if !currentVersion.LessThan(migrationVersion) {
			continue // Already applied
		}

		if err := applyMigration(ctx, db, migration); err != nil {
			return err
		}

		// Update current version for next iteration
		currentVersion = migrationVersion
	}

	return nil
}

// applyMigration runs one migration and records it in a single transaction
func applyMigration(ctx context.Context, db *sql.DB, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
		return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
	}
	return tx.Commit()
}

// RollbackMigration rolls back the most recent migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	version, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if version.Equal(semver.MustParse("0.0.0")) {
		return fmt.Errorf("no migrations to rollback")
	}
	currentVersion := version.Original()

	// Find migration
	var migration *Migration
	for i := range AllMigrations {
		if AllMigrations[i].Version == currentVersion {
			migration = &AllMigrations[i]
			break
		}
	}

	if migration == nil {
		return fmt.Errorf("migration %s not found", currentVersion)
	}

	// Execute rollback
	_, err = db.ExecContext(ctx, migration.Down)
	if err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", currentVersion, err)
	}

	// Remove version record
	_, err = db.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", currentVersion)
	if err != nil {
		return fmt.Errorf("failed to remove migration record %s: %w", currentVersion, err)
	}

	return nil
}
