package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Migration is one forward schema step for a component.
type Migration struct {
	// Version is the schema version reached after this step.
	Version int
	// Statements are executed in order inside the migration transaction.
	Statements []string
}

// Migrate applies pending migrations for component in a single transaction.
//
// Versions are tracked per component in schema_meta so several packages can
// share one database. Statements must be idempotent (CREATE ... IF NOT EXISTS);
// duplicate-column errors from ALTER TABLE are ignored.
func Migrate(ctx context.Context, db *sql.DB, component string, migrations []Migration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}
	component = strings.TrimSpace(component)
	if component == "" {
		return fmt.Errorf("component is required")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (
		component TEXT PRIMARY KEY,
		schema_version INTEGER NOT NULL
	);`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_meta (component, schema_version)
		VALUES (?, 0)
		ON CONFLICT(component) DO NOTHING;`, component); err != nil {
		return fmt.Errorf("seed schema_meta: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE component = ?`, component).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	target := current
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		for _, stmt := range m.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				// SQLite/libsql report duplicate columns as an error; treat as idempotent.
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("%s migration v%d: %w", component, m.Version, err)
			}
		}
		if m.Version > target {
			target = m.Version
		}
	}

	if target != current {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE component = ?`, target, component); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied schema version for component (0 if none).
func SchemaVersion(ctx context.Context, db *sql.DB, component string) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE component = ?`, component).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
