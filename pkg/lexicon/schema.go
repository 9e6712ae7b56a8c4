package lexicon

import (
	"context"
	"database/sql"

	"github.com/3leaps/lexbatch/pkg/sqlstore"
)

// SchemaVersion is the current lexicon schema version.
const SchemaVersion = 2

// Component names this package in schema_meta.
const Component = "lexicon"

var migrations = []sqlstore.Migration{
	{
		Version: 1,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS lex_frames (
				id INTEGER PRIMARY KEY,
				code TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL,
				definition TEXT NOT NULL DEFAULT '',
				short_definition TEXT NOT NULL DEFAULT '',
				flagged INTEGER NOT NULL DEFAULT 0,
				flagged_reason TEXT NOT NULL DEFAULT '',
				updated_at TEXT NOT NULL
			);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_lex_frames_name ON lex_frames(name COLLATE NOCASE);`,

			`CREATE TABLE IF NOT EXISTS lex_senses (
				id TEXT NOT NULL,
				pos TEXT NOT NULL,
				code TEXT NOT NULL DEFAULT '',
				gloss TEXT NOT NULL DEFAULT '',
				lexfile TEXT NOT NULL DEFAULT '',
				frame_id INTEGER,
				flagged INTEGER NOT NULL DEFAULT 0,
				flagged_reason TEXT NOT NULL DEFAULT '',
				updated_at TEXT NOT NULL,
				PRIMARY KEY(id, pos),
				FOREIGN KEY(frame_id) REFERENCES lex_frames(id) ON DELETE SET NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_lex_senses_frame ON lex_senses(frame_id);`,

			`CREATE TABLE IF NOT EXISTS lex_lemmas (
				sense_id TEXT NOT NULL,
				pos TEXT NOT NULL,
				position INTEGER NOT NULL,
				lemma TEXT NOT NULL,
				PRIMARY KEY(sense_id, pos, position),
				FOREIGN KEY(sense_id, pos) REFERENCES lex_senses(id, pos) ON DELETE CASCADE
			);`,
			`CREATE INDEX IF NOT EXISTS idx_lex_lemmas_lemma ON lex_lemmas(lemma);`,

			`CREATE TABLE IF NOT EXISTS lex_examples (
				sense_id TEXT NOT NULL,
				pos TEXT NOT NULL,
				position INTEGER NOT NULL,
				text TEXT NOT NULL,
				PRIMARY KEY(sense_id, pos, position),
				FOREIGN KEY(sense_id, pos) REFERENCES lex_senses(id, pos) ON DELETE CASCADE
			);`,
		},
	},
	{
		// v2: index for partial id lookups per type.
		Version: 2,
		Statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_lex_senses_pos_id ON lex_senses(pos, id);`,
		},
	},
}

// Migrate creates (or upgrades) the lexicon schema in-place.
func Migrate(ctx context.Context, db *sql.DB) error {
	return sqlstore.Migrate(ctx, db, Component, migrations)
}
