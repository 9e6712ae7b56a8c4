package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/pkg/sqlstore"
)

// StaleItemError is recorded on items recovered by RecoverStale.
const StaleItemError = "interrupted before a response was recorded"

// StartJob moves a queued job to running. Starting a running job is a no-op,
// which lets an interrupted submission resume.
func (s *Store) StartJob(ctx context.Context, id string) (*Job, error) {
	var out *Job
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		switch j.Status {
		case JobQueued, JobRunning:
		default:
			return conflict("job %s is %s", id, j.Status)
		}
		ts := sqlstore.FormatTime(s.now())
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?, version = version + 1
			WHERE id = ? AND status = ?`,
			string(JobRunning), ts, ts, id, string(j.Status)); err != nil {
			return fmt.Errorf("start job: %w", err)
		}
		out, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, storeErr("start job", err)
	}
	return out, nil
}

// ClaimItems moves up to n queued items to submitting, in scope order, and
// advances submitted_items. Nothing is claimed unless the job is running.
func (s *Store) ClaimItems(ctx context.Context, jobID string, n int) ([]Item, error) {
	if n <= 0 {
		return nil, nil
	}
	var claimed []Item
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.Status != JobRunning {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `SELECT id FROM job_items WHERE job_id = ? AND status = ? ORDER BY position LIMIT ?`,
			jobID, string(ItemQueued), n)
		if err != nil {
			return fmt.Errorf("select queued items: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		ts := sqlstore.FormatTime(s.now())
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE job_items SET status = ?, submitted_at = ?, updated_at = ?
				WHERE id = ? AND status = ?`,
				string(ItemSubmitting), ts, ts, id, string(ItemQueued))
			if err != nil {
				return fmt.Errorf("claim item %s: %w", id, err)
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				continue
			}
			it, err := getItem(ctx, tx, id)
			if err != nil {
				return err
			}
			claimed = append(claimed, *it)
		}
		if len(claimed) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET submitted_items = submitted_items + ?, updated_at = ?, version = version + 1
			WHERE id = ? AND status = ?`,
			len(claimed), ts, jobID, string(JobRunning))
		return err
	})
	if err != nil {
		return nil, storeErr("claim items", err)
	}
	return claimed, nil
}

// MarkProcessing moves a submitting item to processing. It fails with
// ErrConflict when the item was skipped in the meantime.
func (s *Store) MarkProcessing(ctx context.Context, itemID string) error {
	ts := sqlstore.FormatTime(s.now())
	res, err := s.db.ExecContext(ctx, `UPDATE job_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(ItemProcessing), ts, itemID, string(ItemSubmitting))
	if err != nil {
		return storeErr("mark processing", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conflict("item %s is no longer submitting", itemID)
	}
	return nil
}

// CompleteItem records the outcome of a call.
//
// In-flight items become succeeded or failed and the job counters advance.
// Items already skipped by a cancel keep their status; a successful late
// response is stored on them without touching the job.
func (s *Store) CompleteItem(ctx context.Context, itemID string, out Outcome) (*CompletionResult, error) {
	var result CompletionResult
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		it, err := getItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		ts := sqlstore.FormatTime(s.now())

		var response any
		if len(out.Response) > 0 {
			response = string(out.Response)
		}
		var flagged any
		if out.Succeeded {
			flagged = boolInt(out.Flagged)
		}

		switch it.Status {
		case ItemSubmitting, ItemProcessing:
		case ItemSkipped:
			result.Late = true
			if out.Succeeded {
				if _, err := tx.ExecContext(ctx, `
					UPDATE job_items SET response = ?, flagged = ?, flag_reason = ?, input_tokens = ?, output_tokens = ?, updated_at = ?
					WHERE id = ? AND status = ?`,
					response, flagged, out.FlagReason, out.InputTokens, out.OutputTokens, ts, itemID, string(ItemSkipped)); err != nil {
					return fmt.Errorf("store late result: %w", err)
				}
			}
			it, err = getItem(ctx, tx, itemID)
			if err != nil {
				return err
			}
			result.Item = *it
			return nil
		default:
			return conflict("item %s is already %s", itemID, it.Status)
		}

		status := ItemSucceeded
		var lastError any
		if !out.Succeeded {
			status = ItemFailed
			lastError = out.Error
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE job_items SET status = ?, last_error = ?, response = ?, flagged = ?, flag_reason = ?,
				input_tokens = ?, output_tokens = ?, updated_at = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			string(status), lastError, response, flagged, out.FlagReason, out.InputTokens, out.OutputTokens,
			ts, ts, itemID, string(it.Status))
		if err != nil {
			return fmt.Errorf("complete item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflict("item %s changed concurrently", itemID)
		}

		succeeded, failed, flaggedInc := 0, 0, 0
		if out.Succeeded {
			succeeded = 1
			if out.Flagged {
				flaggedInc = 1
			}
		} else {
			failed = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET processed_items = processed_items + 1,
				succeeded_items = succeeded_items + ?, failed_items = failed_items + ?, flagged_items = flagged_items + ?,
				input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
				updated_at = ?, version = version + 1
			WHERE id = ?`,
			succeeded, failed, flaggedInc, out.InputTokens, out.OutputTokens, ts, it.JobID); err != nil {
			return fmt.Errorf("advance counters: %w", err)
		}

		it, err = getItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		result.Applied = true
		result.Item = *it
		return nil
	})
	if err != nil {
		return nil, storeErr("complete item", err)
	}
	return &result, nil
}

// CancelJob cancels a job. Every queued, submitting or processing item
// becomes skipped; items that were already submitted count as processed.
// Cancelling a cancelled job returns it unchanged.
func (s *Store) CancelJob(ctx context.Context, id string) (*Job, error) {
	var out *Job
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if j.Status == JobCancelled {
			out = j
			return nil
		}
		if j.Status.Terminal() {
			return conflict("job %s is already %s", id, j.Status)
		}

		var inFlight int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status IN (?, ?)`,
			id, string(ItemSubmitting), string(ItemProcessing)).Scan(&inFlight); err != nil {
			return fmt.Errorf("count in-flight items: %w", err)
		}

		ts := sqlstore.FormatTime(s.now())
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_items SET status = ?, updated_at = ?, completed_at = ?
			WHERE job_id = ? AND status IN (?, ?, ?)`,
			string(ItemSkipped), ts, ts, id, string(ItemQueued), string(ItemSubmitting), string(ItemProcessing)); err != nil {
			return fmt.Errorf("skip items: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, processed_items = processed_items + ?, completed_at = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND status = ?`,
			string(JobCancelled), inFlight, ts, ts, id, string(j.Status))
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflict("job %s changed concurrently", id)
		}
		out, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, storeErr("cancel job", err)
	}
	s.logger.Info("job cancelled", zap.String("job_id", id))
	return out, nil
}

// PauseJob stops further claims for a queued or running job. In-flight
// calls still complete.
func (s *Store) PauseJob(ctx context.Context, id string) (*Job, error) {
	return s.transition(ctx, "pause job", id, map[JobStatus]JobStatus{
		JobQueued:  JobPaused,
		JobRunning: JobPaused,
		JobPaused:  JobPaused,
	})
}

// ResumeJob returns a paused job to running, or to queued when it had never
// started.
func (s *Store) ResumeJob(ctx context.Context, id string) (*Job, error) {
	var out *Job
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		switch j.Status {
		case JobPaused:
		case JobQueued, JobRunning:
			out = j
			return nil
		default:
			return conflict("job %s is %s", id, j.Status)
		}
		next := JobRunning
		if j.StartedAt == nil {
			next = JobQueued
		}
		if err := setStatus(ctx, tx, id, j.Status, next, s.now()); err != nil {
			return err
		}
		out, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, storeErr("resume job", err)
	}
	return out, nil
}

func (s *Store) transition(ctx context.Context, op, id string, allowed map[JobStatus]JobStatus) (*Job, error) {
	var out *Job
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		next, ok := allowed[j.Status]
		if !ok {
			return conflict("job %s is %s", id, j.Status)
		}
		if next != j.Status {
			if err := setStatus(ctx, tx, id, j.Status, next, s.now()); err != nil {
				return err
			}
		}
		out, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}

func setStatus(ctx context.Context, tx *sql.Tx, id string, from, to JobStatus, now time.Time) error {
	ts := sqlstore.FormatTime(now)
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ?, version = version + 1 WHERE id = ? AND status = ?`,
		string(to), ts, id, string(from))
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conflict("job %s changed concurrently", id)
	}
	return nil
}

// FailJob marks a non-terminal job failed with a job-level error. Queued
// items are skipped; in-flight items may still complete.
func (s *Store) FailJob(ctx context.Context, id, message string) (*Job, error) {
	var out *Job
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if j.Status.Terminal() {
			return conflict("job %s is already %s", id, j.Status)
		}
		ts := sqlstore.FormatTime(s.now())
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_items SET status = ?, updated_at = ?, completed_at = ? WHERE job_id = ? AND status = ?`,
			string(ItemSkipped), ts, ts, id, string(ItemQueued)); err != nil {
			return fmt.Errorf("skip queued items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = ?, completed_at = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND status = ?`,
			string(JobFailed), message, ts, ts, id, string(j.Status)); err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		out, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, storeErr("fail job", err)
	}
	s.logger.Warn("job failed", zap.String("job_id", id), zap.String("error", message))
	return out, nil
}

// FinishIfDone completes a running job that has no queued or in-flight
// items left. It reports whether the job is now completed.
func (s *Store) FinishIfDone(ctx context.Context, id string) (bool, error) {
	var done bool
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		done, err = finishTx(ctx, tx, id, s.now())
		return err
	})
	if err != nil {
		return false, storeErr("finish job", err)
	}
	if done {
		s.logger.Info("job completed", zap.String("job_id", id))
	}
	return done, nil
}

func finishTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	j, err := getJob(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if j.Status == JobCompleted {
		return true, nil
	}
	if j.Status != JobRunning {
		return false, nil
	}
	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status IN (?, ?, ?)`,
		id, string(ItemQueued), string(ItemSubmitting), string(ItemProcessing)).Scan(&remaining); err != nil {
		return false, fmt.Errorf("count remaining items: %w", err)
	}
	if remaining > 0 {
		return false, nil
	}
	ts := sqlstore.FormatTime(now)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND status = ?`,
		string(JobCompleted), ts, ts, id, string(JobRunning))
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecoverStale fails submitting or processing items whose last update is
// older than olderThan, advancing their job counters. Running jobs left with
// no pending items are completed. It returns the number of recovered items.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	cutoff := sqlstore.FormatTime(now.Add(-olderThan))
	recovered := 0
	err := sqlstore.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, job_id, status FROM job_items
			WHERE status IN (?, ?) AND updated_at < ?
			ORDER BY job_id, position`,
			string(ItemSubmitting), string(ItemProcessing), cutoff)
		if err != nil {
			return fmt.Errorf("select stale items: %w", err)
		}
		type stale struct{ id, jobID, status string }
		var items []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.id, &st.jobID, &st.status); err != nil {
				_ = rows.Close()
				return err
			}
			items = append(items, st)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		ts := sqlstore.FormatTime(now)
		var jobs []string
		seen := make(map[string]bool)
		for _, st := range items {
			res, err := tx.ExecContext(ctx, `
				UPDATE job_items SET status = ?, last_error = ?, updated_at = ?, completed_at = ?
				WHERE id = ? AND status = ?`,
				string(ItemFailed), StaleItemError, ts, ts, st.id, st.status)
			if err != nil {
				return fmt.Errorf("fail stale item %s: %w", st.id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET processed_items = processed_items + 1, failed_items = failed_items + 1,
					updated_at = ?, version = version + 1
				WHERE id = ?`, ts, st.jobID); err != nil {
				return fmt.Errorf("advance counters: %w", err)
			}
			recovered++
			if !seen[st.jobID] {
				seen[st.jobID] = true
				jobs = append(jobs, st.jobID)
			}
		}
		for _, id := range jobs {
			if _, err := finishTx(ctx, tx, id, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("recover stale items", err)
	}
	if recovered > 0 {
		s.logger.Warn("recovered stale items", zap.Int("items", recovered))
	}
	return recovered, nil
}
