// Package jobstore persists moderation jobs and their items.
//
// Every mutation is a short transaction whose status change is a
// compare-and-swap on the current status, so concurrent submit, cancel and
// sweep paths cannot interleave inconsistently. Counters are updated in the
// same transaction as the item transitions that drive them.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/pkg/sqlstore"
)

// Store is the single mutation point for jobs and items.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps an open, migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return storeErr("ping", s.db.PingContext(ctx))
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// CreateJob persists a queued job with one item per target in a single
// transaction. Targets must be duplicate-free.
func (s *Store) CreateJob(ctx context.Context, nj NewJob) (*Job, error) {
	if strings.TrimSpace(nj.Model) == "" {
		return nil, errors.New("model is required")
	}
	if len(nj.Targets) == 0 {
		return nil, errors.New("job has no targets")
	}

	now := s.now().UTC()
	ts := sqlstore.FormatTime(now)
	jobID := s.newID()

	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, label, model, template, scope, scope_hash, service_tier, reasoning_effort,
				apply_flags, status, total_items, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, nj.Label, nj.Model, nj.Template, string(nj.Scope), nj.ScopeHash, nj.ServiceTier,
			nj.ReasoningEffort, boolInt(nj.ApplyFlags), string(JobQueued), len(nj.Targets), ts, ts)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO job_items (id, job_id, position, record_id, record_pos, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare item insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i, t := range nj.Targets {
			if _, err := stmt.ExecContext(ctx, s.newID(), jobID, i, t.ID, string(t.POS), string(ItemQueued), ts, ts); err != nil {
				return fmt.Errorf("insert item %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("create job", err)
	}

	s.logger.Info("job created",
		zap.String("job_id", jobID),
		zap.String("model", nj.Model),
		zap.Int("total_items", len(nj.Targets)),
	)
	return s.GetJob(ctx, jobID)
}

const jobColumns = `id, label, model, template, scope, scope_hash, service_tier, reasoning_effort, apply_flags,
	status, total_items, submitted_items, processed_items, succeeded_items, failed_items, flagged_items,
	input_tokens, output_tokens, last_error, created_at, started_at, completed_at, updated_at, version`

func scanJob(sc scanner) (*Job, error) {
	var (
		j                      Job
		scope                  string
		applyFlags             int
		createdAt, updatedAt   string
		startedAt, completedAt sql.NullString
	)
	if err := sc.Scan(&j.ID, &j.Label, &j.Model, &j.Template, &scope, &j.ScopeHash, &j.ServiceTier,
		&j.ReasoningEffort, &applyFlags, &j.Status, &j.Total, &j.Submitted, &j.Processed, &j.Succeeded,
		&j.Failed, &j.Flagged, &j.InputTokens, &j.OutputTokens, &j.LastError, &createdAt, &startedAt,
		&completedAt, &updatedAt, &j.Version); err != nil {
		return nil, err
	}
	j.Scope = []byte(scope)
	j.ApplyFlags = applyFlags != 0

	var err error
	if j.CreatedAt, err = sqlstore.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = sqlstore.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = sqlstore.ParseNullTime(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = sqlstore.ParseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func getJob(ctx context.Context, q querier, id string) (*Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("job", id)
	}
	return j, err
}

// GetJob loads a job.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := getJob(ctx, s.db, id)
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return j, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, q ListQuery) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(q.Statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(q.Statuses)) + `)`
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	jobs, err := s.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	return jobs, nil
}

// ActiveJobs returns queued and running jobs, oldest first.
func (s *Store) ActiveJobs(ctx context.Context) ([]Job, error) {
	jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?) ORDER BY created_at, id`, string(JobQueued), string(JobRunning))
	if err != nil {
		return nil, storeErr("active jobs", err)
	}
	return jobs, nil
}

// FindDuplicate returns an active job with the same scope hash, model and
// template, or nil.
func (s *Store) FindDuplicate(ctx context.Context, scopeHash, model, template string) (*Job, error) {
	args := []any{scopeHash, model, template}
	for _, st := range ActiveJobStatuses {
		args = append(args, string(st))
	}
	jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE scope_hash = ? AND model = ? AND template = ? AND status IN (`+placeholders(len(ActiveJobStatuses))+`)
		ORDER BY created_at DESC LIMIT 1`, args...)
	if err != nil {
		return nil, storeErr("find duplicate", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

const itemColumns = `id, job_id, position, record_id, record_pos, status, last_error, response, flagged,
	flag_reason, input_tokens, output_tokens, created_at, updated_at, submitted_at, completed_at`

func scanItem(sc scanner) (*Item, error) {
	var (
		it                       Item
		lastError, response      sql.NullString
		flagged                  sql.NullInt64
		createdAt, updatedAt     string
		submittedAt, completedAt sql.NullString
	)
	if err := sc.Scan(&it.ID, &it.JobID, &it.Position, &it.RecordID, &it.RecordPOS, &it.Status, &lastError,
		&response, &flagged, &it.FlagReason, &it.InputTokens, &it.OutputTokens, &createdAt, &updatedAt,
		&submittedAt, &completedAt); err != nil {
		return nil, err
	}
	if lastError.Valid {
		msg := lastError.String
		it.LastError = &msg
	}
	if response.Valid {
		it.Response = []byte(response.String)
	}
	if flagged.Valid {
		f := flagged.Int64 != 0
		it.Flagged = &f
	}

	var err error
	if it.CreatedAt, err = sqlstore.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if it.UpdatedAt, err = sqlstore.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if it.SubmittedAt, err = sqlstore.ParseNullTime(submittedAt); err != nil {
		return nil, err
	}
	if it.CompletedAt, err = sqlstore.ParseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &it, nil
}

func getItem(ctx context.Context, q querier, id string) (*Item, error) {
	it, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM job_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("item", id)
	}
	return it, err
}

// GetItem loads one item.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	it, err := getItem(ctx, s.db, id)
	if err != nil {
		return nil, storeErr("get item", err)
	}
	return it, nil
}

func bucketClause(b Bucket) (string, []any) {
	switch b {
	case BucketPending:
		return ` AND status IN (?, ?, ?)`, []any{string(ItemQueued), string(ItemSubmitting), string(ItemProcessing)}
	case BucketSucceeded:
		return ` AND status = ?`, []any{string(ItemSucceeded)}
	case BucketFailed:
		return ` AND status = ?`, []any{string(ItemFailed)}
	case BucketSkipped:
		return ` AND status = ?`, []any{string(ItemSkipped)}
	case BucketFlagged:
		return ` AND flagged = 1`, nil
	}
	return "", nil
}

// ListItems returns one page of a job's items in scope order.
func (s *Store) ListItems(ctx context.Context, jobID string, q ItemsQuery) (*ItemPage, error) {
	if err := checkBucket(q); err != nil {
		return nil, err
	}
	var page *ItemPage
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getJob(ctx, tx, jobID); err != nil {
			return err
		}
		var err error
		page, err = listItems(ctx, tx, jobID, q)
		return err
	})
	if err != nil {
		return nil, storeErr("list items", err)
	}
	return page, nil
}

// View loads a job and one page of its items from a single transaction, so
// the page always agrees with the job's counters.
func (s *Store) View(ctx context.Context, jobID string, q ItemsQuery) (*JobView, error) {
	if err := checkBucket(q); err != nil {
		return nil, err
	}
	var view JobView
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		page, err := listItems(ctx, tx, jobID, q)
		if err != nil {
			return err
		}
		view = JobView{Job: *j, Items: *page}
		return nil
	})
	if err != nil {
		return nil, storeErr("view job", err)
	}
	return &view, nil
}

func checkBucket(q ItemsQuery) error {
	if _, ok := ParseBucket(string(q.normalized().Bucket)); !ok {
		return fmt.Errorf("unknown item bucket %q", q.Bucket)
	}
	return nil
}

func listItems(ctx context.Context, db querier, jobID string, q ItemsQuery) (*ItemPage, error) {
	q = q.normalized()
	clause, extra := bucketClause(q.Bucket)
	args := append([]any{jobID}, extra...)

	page := &ItemPage{Bucket: q.Bucket, Page: q.Page, PageSize: q.PageSize, Items: []Item{}}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_items WHERE job_id = ?`+clause, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT `+itemColumns+` FROM job_items WHERE job_id = ?`+clause+`
		ORDER BY position LIMIT ? OFFSET ?`, append(args, q.PageSize, (q.Page-1)*q.PageSize)...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		page.Items = append(page.Items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return page, nil
}

// EachItem streams all items of a job in scope order. fn must not call
// back into the store.
func (s *Store) EachItem(ctx context.Context, jobID string, fn func(Item) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM job_items WHERE job_id = ? ORDER BY position`, jobID)
	if err != nil {
		return storeErr("iterate items", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return storeErr("scan item", err)
		}
		if err := fn(*it); err != nil {
			return err
		}
	}
	return storeErr("iterate items", rows.Err())
}

// DeleteJob removes a job and its items. Running jobs must be paused or
// cancelled first.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if j.Status == JobRunning {
			return conflict("job %s is running; cancel or pause it first", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_items WHERE job_id = ?`, id); err != nil {
			return fmt.Errorf("delete items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return nil
	})
	if err != nil {
		return storeErr("delete job", err)
	}
	s.logger.Info("job deleted", zap.String("job_id", id))
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
