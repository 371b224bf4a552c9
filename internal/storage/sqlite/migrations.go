package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate runs database migrations. schemaSQL (schema.go) already creates
// every table CREATE-TABLE-IF-NOT-EXISTS style, so migrations here are
// reserved for additive changes to a database created by an earlier
// version of this schema.
func (s *SQLiteDB) migrate() error {
	ctx := context.Background()

	if err := s.createMigrationsTable(ctx); err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "initial_schema", up: migrateV1Noop},
		{version: 2, name: "job_completion_phase_column", up: migrateAddJobCompletionPhaseColumn},
	}

	for _, m := range migrations {
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (s *SQLiteDB) createMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteDB) runMigration(ctx context.Context, m migration) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
	if err != nil {
		return err
	}

	if count > 0 {
		return nil // already applied
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s', 'now'))",
		m.version, m.name)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// migrateV1Noop records the baseline: schemaSQL already created every
// table for a fresh database, so version 1 just reserves the row a
// pre-migrations-table database would otherwise be missing.
func migrateV1Noop(_ context.Context, _ *sql.Tx) error {
	return nil
}

// migrateAddJobCompletionPhaseColumn backfills the completion_phase column
// onto a jobs table created before it existed. Mirrors the
// PRAGMA-table_info column-existence check used throughout this package's
// additive migrations.
func migrateAddJobCompletionPhaseColumn(ctx context.Context, tx *sql.Tx) error {
	exists, err := columnExists(ctx, tx, "jobs", "completion_phase")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		"ALTER TABLE jobs ADD COLUMN completion_phase TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("failed to add completion_phase column: %w", err)
	}

	return nil
}

// columnExists reports whether table has a column named column, using the
// same PRAGMA table_info scan idiom as every additive migration in this
// package.
func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}

	return false, rows.Err()
}
