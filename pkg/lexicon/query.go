package lexicon

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/3leaps/lexbatch/pkg/predicate"
)

// scanPage is the number of records loaded per round trip when a predicate
// has to be evaluated in memory.
const scanPage = 500

// Query returns refs of the given type matching pred, ordered by id.
// A nil pred matches every record. limit <= 0 means unbounded.
//
// Trees that only use SQL-expressible comparators are compiled to a WHERE
// clause; trees containing glob or regex comparisons are matched in memory.
func (s *Store) Query(ctx context.Context, pos POS, pred *predicate.Node, limit int) ([]Ref, error) {
	fields := Fields(pos)
	if pred != nil {
		if err := predicate.Validate(pred, fields); err != nil {
			return nil, err
		}
	}
	if predicate.Pushable(pred) {
		return s.queryPushdown(ctx, pos, pred, limit)
	}
	return s.queryScan(ctx, pos, pred, limit)
}

// LookupIDs returns the subset of ids that exist for pos.
func (s *Store) LookupIDs(ctx context.Context, pos POS, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	for _, chunk := range chunkStrings(ids, maxInArgs) {
		args := make([]any, 0, len(chunk)+1)
		var query string
		if pos == Frames {
			for _, id := range chunk {
				args = append(args, id)
			}
			query = `SELECT CAST(id AS TEXT) FROM lex_frames WHERE CAST(id AS TEXT) IN (` + placeholders(len(chunk)) + `)`
		} else {
			args = append(args, string(pos))
			for _, id := range chunk {
				args = append(args, id)
			}
			query = `SELECT id FROM lex_senses WHERE pos = ? AND id IN (` + placeholders(len(chunk)) + `)`
		}
		if err := s.collectIDs(ctx, query, args, func(id string) { found[id] = true }); err != nil {
			return nil, fmt.Errorf("lookup ids: %w", err)
		}
	}
	return found, nil
}

func (s *Store) queryPushdown(ctx context.Context, pos POS, pred *predicate.Node, limit int) ([]Ref, error) {
	var (
		clause string
		args   []any
		err    error
		query  string
	)
	if pos == Frames {
		clause, args, err = predicate.ToSQL(pred, frameFields, frameColumns)
		if err != nil {
			return nil, err
		}
		query = `SELECT CAST(f.id AS TEXT) FROM lex_frames f WHERE ` + clause + ` ORDER BY f.id`
	} else {
		clause, args, err = predicate.ToSQL(pred, senseFields, senseColumns)
		if err != nil {
			return nil, err
		}
		query = `SELECT r.id FROM lex_senses r LEFT JOIN lex_frames f ON f.id = r.frame_id
			WHERE r.pos = ? AND ` + clause + ` ORDER BY r.id`
		args = append([]any{string(pos)}, args...)
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []Ref
	err = s.collectIDs(ctx, query, args, func(id string) {
		out = append(out, Ref{ID: id, POS: pos})
	})
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return out, nil
}

func (s *Store) queryScan(ctx context.Context, pos POS, pred *predicate.Node, limit int) ([]Ref, error) {
	matcher := predicate.NewMatcher(pred)
	var out []Ref
	cursor := ""
	frameCursor := int64(-1 << 62)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			ids []string
			err error
		)
		if pos == Frames {
			ids, err = s.pageIDs(ctx, `SELECT CAST(id AS TEXT) FROM lex_frames WHERE id > ? ORDER BY id LIMIT ?`, frameCursor, scanPage)
		} else {
			ids, err = s.pageIDs(ctx, `SELECT id FROM lex_senses WHERE pos = ? AND id > ? ORDER BY id LIMIT ?`, string(pos), cursor, scanPage)
		}
		if err != nil {
			return nil, fmt.Errorf("scan records: %w", err)
		}
		if len(ids) == 0 {
			return out, nil
		}

		recs, err := s.Get(ctx, pos, ids)
		if err != nil {
			return nil, err
		}
		for i := range recs {
			if matcher.Match(&recs[i]) {
				out = append(out, Ref{ID: recs[i].ID, POS: pos})
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}

		last := ids[len(ids)-1]
		if pos == Frames {
			n, err := strconv.ParseInt(last, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("scan records: bad frame id %q", last)
			}
			frameCursor = n
		} else {
			cursor = last
		}
		if len(ids) < scanPage {
			return out, nil
		}
	}
}

func (s *Store) pageIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	var ids []string
	err := s.collectIDs(ctx, query, args, func(id string) { ids = append(ids, id) })
	return ids, err
}

func (s *Store) collectIDs(ctx context.Context, query string, args []any, fn func(string)) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id sql.NullString
		if err := rows.Scan(&id); err != nil {
			return err
		}
		if id.Valid {
			fn(id.String)
		}
	}
	return rows.Err()
}
