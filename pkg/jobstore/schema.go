package jobstore

import (
	"context"
	"database/sql"

	"github.com/3leaps/lexbatch/pkg/sqlstore"
)

// SchemaVersion is the current job store schema version.
const SchemaVersion = 1

// Component names this package in schema_meta.
const Component = "jobstore"

var migrations = []sqlstore.Migration{
	{
		Version: 1,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				label TEXT NOT NULL DEFAULT '',
				model TEXT NOT NULL,
				template TEXT NOT NULL,
				scope TEXT NOT NULL,
				scope_hash TEXT NOT NULL,
				service_tier TEXT NOT NULL,
				reasoning_effort TEXT NOT NULL,
				apply_flags INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				total_items INTEGER NOT NULL DEFAULT 0,
				submitted_items INTEGER NOT NULL DEFAULT 0,
				processed_items INTEGER NOT NULL DEFAULT 0,
				succeeded_items INTEGER NOT NULL DEFAULT 0,
				failed_items INTEGER NOT NULL DEFAULT 0,
				flagged_items INTEGER NOT NULL DEFAULT 0,
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT,
				updated_at TEXT NOT NULL,
				version INTEGER NOT NULL DEFAULT 1
			);`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_scope_hash ON jobs(scope_hash);`,
			`CREATE TABLE IF NOT EXISTS job_items (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				position INTEGER NOT NULL,
				record_id TEXT NOT NULL,
				record_pos TEXT NOT NULL,
				status TEXT NOT NULL,
				last_error TEXT,
				response TEXT,
				flagged INTEGER,
				flag_reason TEXT NOT NULL DEFAULT '',
				input_tokens INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				submitted_at TEXT,
				completed_at TEXT,
				UNIQUE(job_id, record_id, record_pos)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_job_items_job_status_pos ON job_items(job_id, status, position);`,
			`CREATE INDEX IF NOT EXISTS idx_job_items_status_updated ON job_items(status, updated_at);`,
		},
	},
}

// Migrate brings the job store schema up to date.
func Migrate(ctx context.Context, db *sql.DB) error {
	return sqlstore.Migrate(ctx, db, Component, migrations)
}
