package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// CurrentSchemaVersion is the newest schema this build knows.
const CurrentSchemaVersion = "1.1.0"

// Migration is one forward schema step.
type Migration struct {
	Version string
	Up      string
}

// AllMigrations lists every schema step; ApplyMigrations sorts them by semver.
var AllMigrations = []Migration{
	{Version: "1.0.0", Up: migrationV1Up},
	{Version: "1.1.0", Up: migrationV11Up},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE,
	content_hash BLOB NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	mod_time INTEGER NOT NULL DEFAULT 0,
	last_indexed_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL,
	chunk_index INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	header_context TEXT,
	content TEXT NOT NULL,
	content_hash BLOB NOT NULL,
	FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, chunk_index);
CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(content_hash);

CREATE TABLE IF NOT EXISTS chunk_embeddings (
	chunk_id INTEGER PRIMARY KEY,
	vector BLOB NOT NULL,
	dimension INTEGER NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (chunk_id) REFERENCES chunks(id) ON DELETE CASCADE
);
`

const migrationV11Up = `
ALTER TABLE chunk_embeddings ADD COLUMN model TEXT NOT NULL DEFAULT '';
`

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version TEXT PRIMARY KEY,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations runs every migration newer than the recorded schema version, each in its own transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaVersionTable); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	migrations := make([]Migration, len(AllMigrations))
	copy(migrations, AllMigrations)
	sort.Slice(migrations, func(i, j int) bool {
		return semver.MustParse(migrations[i].Version).LessThan(semver.MustParse(migrations[j].Version))
	})

	for _, m := range migrations {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", m.Version, err)
		}
		if current != nil && !v.GreaterThan(current) {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("migration %s failed: %w", m.Version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
	}
	return tx.Commit()
}

// currentVersion returns the highest applied version, or nil on a fresh database.
func currentVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer rows.Close()

	var newest *semver.Version
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(s)
		if err != nil {
			return nil, fmt.Errorf("invalid recorded schema version %q: %w", s, err)
		}
		if newest == nil || v.GreaterThan(newest) {
			newest = v
		}
	}
	return newest, rows.Err()
}

// SchemaVersion reports the applied schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (string, error) {
	v, err := currentVersion(ctx, s.db)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return v.Original(), nil
}
