package lexicon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/lexbatch/pkg/sqlstore"
)

// maxInArgs bounds the number of bind parameters per IN (...) list.
const maxInArgs = 500

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store reads and writes lexicon records in a SQLite/libsql database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertFrames inserts or replaces frames.
func (s *Store) UpsertFrames(ctx context.Context, frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}
	now := sqlstore.FormatTime(s.now())
	return sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, f := range frames {
			if strings.TrimSpace(f.Name) == "" {
				return fmt.Errorf("frame %d: name is required", f.ID)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO lex_frames (id, code, name, definition, short_definition, flagged, flagged_reason, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					code = excluded.code,
					name = excluded.name,
					definition = excluded.definition,
					short_definition = excluded.short_definition,
					flagged = excluded.flagged,
					flagged_reason = excluded.flagged_reason,
					updated_at = excluded.updated_at`,
				f.ID, f.Code, f.Name, f.Definition, f.ShortDefinition, boolInt(f.Flagged), f.FlaggedReason, now)
			if err != nil {
				return fmt.Errorf("upsert frame %d: %w", f.ID, err)
			}
		}
		return nil
	})
}

// UpsertSenses inserts or replaces sense records with their lemmas and examples.
func (s *Store) UpsertSenses(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	now := sqlstore.FormatTime(s.now())
	return sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, r := range records {
			if !r.POS.IsSense() {
				return fmt.Errorf("record %s: %q is not a sense type", r.ID, r.POS)
			}
			if strings.TrimSpace(r.ID) == "" {
				return errors.New("record id is required")
			}
			var frameID any
			if r.FrameID != nil {
				frameID = *r.FrameID
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO lex_senses (id, pos, code, gloss, lexfile, frame_id, flagged, flagged_reason, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id, pos) DO UPDATE SET
					code = excluded.code,
					gloss = excluded.gloss,
					lexfile = excluded.lexfile,
					frame_id = excluded.frame_id,
					flagged = excluded.flagged,
					flagged_reason = excluded.flagged_reason,
					updated_at = excluded.updated_at`,
				r.ID, string(r.POS), r.Code, r.Gloss, r.Lexfile, frameID, boolInt(r.Flagged), r.FlaggedReason, now)
			if err != nil {
				return fmt.Errorf("upsert record %s: %w", r.ID, err)
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM lex_lemmas WHERE sense_id = ? AND pos = ?`, r.ID, string(r.POS)); err != nil {
				return fmt.Errorf("clear lemmas %s: %w", r.ID, err)
			}
			for i, l := range r.Lemmas {
				if _, err := tx.ExecContext(ctx, `INSERT INTO lex_lemmas (sense_id, pos, position, lemma) VALUES (?, ?, ?, ?)`,
					r.ID, string(r.POS), i, l); err != nil {
					return fmt.Errorf("insert lemma %s: %w", r.ID, err)
				}
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM lex_examples WHERE sense_id = ? AND pos = ?`, r.ID, string(r.POS)); err != nil {
				return fmt.Errorf("clear examples %s: %w", r.ID, err)
			}
			for i, ex := range r.Examples {
				if _, err := tx.ExecContext(ctx, `INSERT INTO lex_examples (sense_id, pos, position, text) VALUES (?, ?, ?, ?)`,
					r.ID, string(r.POS), i, ex); err != nil {
					return fmt.Errorf("insert example %s: %w", r.ID, err)
				}
			}
		}
		return nil
	})
}

// Get loads records by id, in input order. Missing ids are omitted.
func (s *Store) Get(ctx context.Context, pos POS, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[string]Record, len(ids))
	for _, chunk := range chunkStrings(ids, maxInArgs) {
		var (
			recs []Record
			err  error
		)
		if pos == Frames {
			recs, err = s.getFrames(ctx, chunk)
		} else {
			recs, err = s.getSenses(ctx, pos, chunk)
		}
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			byID[r.ID] = r
		}
	}

	out := make([]Record, 0, len(byID))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, r)
		}
	}
	return out, nil
}

// GetOne loads a single record.
func (s *Store) GetOne(ctx context.Context, ref Ref) (*Record, error) {
	recs, err := s.Get(ctx, ref.POS, []string{ref.ID})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return &recs[0], nil
}

func (s *Store) getSenses(ctx context.Context, pos POS, ids []string) ([]Record, error) {
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(pos))
	for _, id := range ids {
		args = append(args, id)
	}
	marks := placeholders(len(ids))

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.code, r.gloss, r.lexfile, r.frame_id, COALESCE(f.name, ''), r.flagged, r.flagged_reason
		FROM lex_senses r
		LEFT JOIN lex_frames f ON f.id = r.frame_id
		WHERE r.pos = ? AND r.id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query senses: %w", err)
	}

	var out []Record
	for rows.Next() {
		var (
			r       Record
			frameID sql.NullInt64
			flagged int
		)
		if err := rows.Scan(&r.ID, &r.Code, &r.Gloss, &r.Lexfile, &frameID, &r.FrameName, &flagged, &r.FlaggedReason); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan sense: %w", err)
		}
		r.POS = pos
		r.Flagged = flagged != 0
		if frameID.Valid {
			id := frameID.Int64
			r.FrameID = &id
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate senses: %w", err)
	}
	_ = rows.Close()

	if len(out) == 0 {
		return out, nil
	}

	lemmas, err := s.listValues(ctx, `SELECT sense_id, lemma FROM lex_lemmas WHERE pos = ? AND sense_id IN (`+marks+`) ORDER BY sense_id, position`, args)
	if err != nil {
		return nil, fmt.Errorf("query lemmas: %w", err)
	}
	examples, err := s.listValues(ctx, `SELECT sense_id, text FROM lex_examples WHERE pos = ? AND sense_id IN (`+marks+`) ORDER BY sense_id, position`, args)
	if err != nil {
		return nil, fmt.Errorf("query examples: %w", err)
	}
	for i := range out {
		out[i].Lemmas = lemmas[out[i].ID]
		out[i].Examples = examples[out[i].ID]
	}
	return out, nil
}

func (s *Store) listValues(ctx context.Context, query string, args []any) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]string)
	for rows.Next() {
		var key, val string
		if err := rows.Scan(&key, &val); err != nil {
			return nil, err
		}
		out[key] = append(out[key], val)
	}
	return out, rows.Err()
}

func (s *Store) getFrames(ctx context.Context, ids []string) ([]Record, error) {
	numeric := make([]int64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			continue
		}
		numeric = append(numeric, n)
	}
	if len(numeric) == 0 {
		return nil, nil
	}

	frames, err := s.framesByID(ctx, numeric)
	if err != nil {
		return nil, err
	}
	verbs, err := s.VerbsForFrames(ctx, numeric)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Record(verbs[f.ID]))
	}
	return out, nil
}

func (s *Store) framesByID(ctx context.Context, ids []int64) ([]Frame, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryFrames(ctx, `WHERE id IN (`+placeholders(len(ids))+`)`, args...)
}

func (s *Store) queryFrames(ctx context.Context, where string, args ...any) ([]Frame, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, definition, short_definition, flagged, flagged_reason
		FROM lex_frames `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Frame
	for rows.Next() {
		var (
			f       Frame
			flagged int
		)
		if err := rows.Scan(&f.ID, &f.Code, &f.Name, &f.Definition, &f.ShortDefinition, &flagged, &f.FlaggedReason); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		f.Flagged = flagged != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// ResolveFrames resolves frame tokens (numeric id or case-insensitive name)
// in input order. Tokens that match no frame are returned as unresolved.
func (s *Store) ResolveFrames(ctx context.Context, tokens []string) ([]Frame, []string, error) {
	var (
		resolved   []Frame
		unresolved []string
	)
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		var (
			frames []Frame
			err    error
		)
		if n, convErr := strconv.ParseInt(tok, 10, 64); convErr == nil {
			frames, err = s.queryFrames(ctx, `WHERE id = ?`, n)
		} else {
			frames, err = s.queryFrames(ctx, `WHERE name = ? COLLATE NOCASE`, tok)
		}
		if err != nil {
			return nil, nil, err
		}
		if len(frames) == 0 {
			unresolved = append(unresolved, tok)
			continue
		}
		resolved = append(resolved, frames[0])
	}
	return resolved, unresolved, nil
}

// VerbsForFrames returns the verb sense ids attached to each frame, ordered by id.
func (s *Store) VerbsForFrames(ctx context.Context, frameIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(frameIDs))
	if len(frameIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(frameIDs))
	for i, id := range frameIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame_id, id FROM lex_senses
		WHERE pos = 'verbs' AND frame_id IN (`+placeholders(len(frameIDs))+`)
		ORDER BY frame_id, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query frame verbs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			frameID int64
			id      string
		)
		if err := rows.Scan(&frameID, &id); err != nil {
			return nil, fmt.Errorf("scan frame verb: %w", err)
		}
		out[frameID] = append(out[frameID], id)
	}
	return out, rows.Err()
}

// Search returns up to limit refs whose id starts with partial or that have a
// lemma starting with partial. Results are ordered by id.
func (s *Store) Search(ctx context.Context, pos POS, partial string, limit int) ([]Ref, error) {
	partial = strings.ToLower(strings.TrimSpace(partial))
	if limit <= 0 {
		limit = 20
	}
	like := escapeLike(partial) + "%"

	var (
		rows *sql.Rows
		err  error
	)
	if pos == Frames {
		rows, err = s.db.QueryContext(ctx, `
			SELECT CAST(id AS TEXT) FROM lex_frames
			WHERE CAST(id AS TEXT) LIKE ? ESCAPE '\' OR name LIKE ? ESCAPE '\'
			ORDER BY id LIMIT ?`, like, like, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT r.id FROM lex_senses r
			WHERE r.pos = ? AND (r.id LIKE ? ESCAPE '\' OR EXISTS (
				SELECT 1 FROM lex_lemmas l WHERE l.sense_id = r.id AND l.pos = r.pos AND l.lemma LIKE ? ESCAPE '\'))
			ORDER BY r.id LIMIT ?`, string(pos), like, like, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Ref
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, Ref{ID: id, POS: pos})
	}
	return out, rows.Err()
}

// Count returns the number of records of a type.
func (s *Store) Count(ctx context.Context, pos POS) (int, error) {
	var n int
	var err error
	if pos == Frames {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lex_frames`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lex_senses WHERE pos = ?`, string(pos)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// SetFlag writes a moderation flag back to a record.
func (s *Store) SetFlag(ctx context.Context, ref Ref, flagged bool, reason string) error {
	now := sqlstore.FormatTime(s.now())
	var (
		res sql.Result
		err error
	)
	if ref.POS == Frames {
		id, convErr := strconv.ParseInt(ref.ID, 10, 64)
		if convErr != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		res, err = s.db.ExecContext(ctx, `UPDATE lex_frames SET flagged = ?, flagged_reason = ?, updated_at = ? WHERE id = ?`,
			boolInt(flagged), reason, now, id)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE lex_senses SET flagged = ?, flagged_reason = ?, updated_at = ? WHERE id = ? AND pos = ?`,
			boolInt(flagged), reason, now, ref.ID, string(ref.POS))
	}
	if err != nil {
		return fmt.Errorf("set flag %s: %w", ref, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
