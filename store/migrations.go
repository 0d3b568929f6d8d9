package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migration represents a single schema migration.
type migration struct {
	version     int
	description string
	apply       func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// New migrations are appended at the end; never modify existing entries.
var migrations = []migration{
	{
		version:     1,
		description: "initial schema (applied via schemaSQL)",
		apply:       func(tx *sql.Tx) error { return nil }, // base schema applied separately
	},
	{
		version:     2,
		description: "add content hash to documents",
		apply: func(tx *sql.Tx) error {
			// Present in the base schema for fresh databases; tolerate the
			// duplicate-column error on upgrade paths.
			if _, err := tx.Exec("ALTER TABLE documents ADD COLUMN content_hash TEXT"); err != nil {
				slog.Debug("migration 2: column may already exist", "error", err)
			}
			return nil
		},
	},
}

// Migrate runs all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	// Ensure the schema_version table exists.
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		err := s.inTx(ctx, func(tx *sql.Tx) error {
			if err := m.apply(tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, description) VALUES (?, ?)",
				m.version, m.description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		slog.Info("store: applied migration", "version", m.version, "description", m.description)
	}

	return nil
}
