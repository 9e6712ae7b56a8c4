package jobstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/sqlstore"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, sqlstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db))

	clock := &testClock{now: time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)}
	return New(db, WithClock(clock.Now)), clock
}

func targets(n int) []lexicon.Ref {
	out := make([]lexicon.Ref, n)
	for i := range out {
		out[i] = lexicon.Ref{ID: fmt.Sprintf("w%02d.n.01", i), POS: lexicon.Nouns}
	}
	return out
}

func createJob(t *testing.T, s *Store, n int) *Job {
	t.Helper()
	j, err := s.CreateJob(context.Background(), NewJob{
		Label:           "demo",
		Model:           "m",
		Template:        "{{gloss}}",
		Scope:           []byte(`{"kind":"ids"}`),
		ScopeHash:       "hash",
		ServiceTier:     "default",
		ReasoningEffort: "medium",
		Targets:         targets(n),
	})
	require.NoError(t, err)
	return j
}

func TestCreateJobPersistsItemsInOrder(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	j := createJob(t, s, 3)

	assert.Equal(t, JobQueued, j.Status)
	assert.Equal(t, 3, j.Total)
	assert.True(t, j.Counters.Valid())

	page, err := s.ListItems(ctx, j.ID, ItemsQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.Equal(t, 3, page.Total)
	for i, it := range page.Items {
		assert.Equal(t, i, it.Position)
		assert.Equal(t, ItemQueued, it.Status)
		assert.Nil(t, it.LastError)
		assert.Nil(t, it.Flagged)
	}
	assert.Equal(t, "w00.n.01", page.Items[0].RecordID)
}

func TestCreateJobRejectsDuplicateTargets(t *testing.T) {
	s, _ := openStore(t)
	ref := lexicon.Ref{ID: "a.n.01", POS: lexicon.Nouns}
	_, err := s.CreateJob(context.Background(), NewJob{Model: "m", Template: "x", Scope: []byte(`{}`), Targets: []lexicon.Ref{ref, ref}})
	require.Error(t, err)
	assert.True(t, IsStoreError(err))

	jobs, err := s.ListJobs(context.Background(), ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "failed create must not leave a partial job")
}

func TestClaimOnlyWhileRunning(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	j := createJob(t, s, 5)

	items, err := s.ClaimItems(ctx, j.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, items, "queued job must not hand out items")

	_, err = s.StartJob(ctx, j.ID)
	require.NoError(t, err)
	items, err = s.ClaimItems(ctx, j.ID, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ItemSubmitting, items[0].Status)
	assert.NotNil(t, items[0].SubmittedAt)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Submitted)
	assert.True(t, got.Counters.Valid())
}

func TestCompleteItemAdvancesCounters(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	j := createJob(t, s, 3)
	_, err := s.StartJob(ctx, j.ID)
	require.NoError(t, err)

	items, err := s.ClaimItems(ctx, j.ID, 3)
	require.NoError(t, err)
	require.Len(t, items, 3)

	require.NoError(t, s.MarkProcessing(ctx, items[0].ID))
	res, err := s.CompleteItem(ctx, items[0].ID, Outcome{Succeeded: true, Flagged: true, FlagReason: "slur", Response: []byte(`{"flagged":true}`), InputTokens: 10, OutputTokens: 2})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, ItemSucceeded, res.Item.Status)
	require.NotNil(t, res.Item.Flagged)
	assert.True(t, *res.Item.Flagged)

	res, err = s.CompleteItem(ctx, items[1].ID, Outcome{Error: "request timed out"})
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, res.Item.Status)
	require.NotNil(t, res.Item.LastError)
	assert.Equal(t, "request timed out", *res.Item.LastError)

	_, err = s.CompleteItem(ctx, items[1].ID, Outcome{Succeeded: true})
	assert.True(t, IsConflict(err), "terminal items stay terminal")

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 3, Submitted: 3, Processed: 2, Succeeded: 1, Failed: 1, Flagged: 1}, got.Counters)
	assert.Equal(t, int64(10), got.InputTokens)

	done, err := s.FinishIfDone(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = s.CompleteItem(ctx, items[2].ID, Outcome{Succeeded: true})
	require.NoError(t, err)
	done, err = s.FinishIfDone(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestCancelSkipsPendingAndCountsInFlight(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	j := createJob(t, s, 4)
	_, err := s.StartJob(ctx, j.ID)
	require.NoError(t, err)
	items, err := s.ClaimItems(ctx, j.ID, 2)
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, items[0].ID))

	cancelled, err := s.CancelJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, cancelled.Status)
	assert.Equal(t, 2, cancelled.Processed)
	assert.True(t, cancelled.Counters.Valid())

	page, err := s.ListItems(ctx, j.ID, ItemsQuery{Bucket: BucketSkipped})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	assert.True(t, IsConflict(s.MarkProcessing(ctx, items[1].ID)))

	// A late response is stored without changing status or counters.
	res, err := s.CompleteItem(ctx, items[0].ID, Outcome{Succeeded: true, Flagged: true, Response: []byte(`{"flagged":true}`)})
	require.NoError(t, err)
	assert.True(t, res.Late)
	assert.False(t, res.Applied)
	assert.Equal(t, ItemSkipped, res.Item.Status)
	assert.JSONEq(t, `{"flagged":true}`, string(res.Item.Response))

	again, err := s.CancelJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled.Counters, again.Counters)
	assert.Equal(t, JobCancelled, again.Status)
}

func TestPauseResume(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	j := createJob(t, s, 2)

	paused, err := s.PauseJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobPaused, paused.Status)

	resumed, err := s.ResumeJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, resumed.Status, "never-started job resumes to queued")

	_, err = s.StartJob(ctx, j.ID)
	require.NoError(t, err)
	_, err = s.PauseJob(ctx, j.ID)
	require.NoError(t, err)
	items, err := s.ClaimItems(ctx, j.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, items)

	resumed, err = s.ResumeJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, resumed.Status)

	_, err = s.CancelJob(ctx, j.ID)
	require.NoError(t, err)
	_, err = s.PauseJob(ctx, j.ID)
	assert.True(t, IsConflict(err))
}

func TestDeleteJob(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	j := createJob(t, s, 2)

	_, err := s.StartJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, IsConflict(s.DeleteJob(ctx, j.ID)))

	_, err = s.CancelJob(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, s.DeleteJob(ctx, j.ID))

	_, err = s.GetJob(ctx, j.ID)
	assert.True(t, IsNotFound(err))
	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_items WHERE job_id = ?`, j.ID).Scan(&n))
	assert.Zero(t, n)
	assert.True(t, IsNotFound(s.DeleteJob(ctx, j.ID)))
}

func TestRecoverStale(t *testing.T) {
	s, clock := openStore(t)
	ctx := context.Background()
	j := createJob(t, s, 2)
	_, err := s.StartJob(ctx, j.ID)
	require.NoError(t, err)
	items, err := s.ClaimItems(ctx, j.ID, 2)
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, items[0].ID))

	n, err := s.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(10 * time.Minute)
	n, err = s.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, got.Status)
	assert.Equal(t, Counters{Total: 2, Submitted: 2, Processed: 2, Failed: 2}, got.Counters)

	it, err := s.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.NotNil(t, it.LastError)
	assert.Equal(t, StaleItemError, *it.LastError)
}

func TestFailJobSkipsQueuedItems(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	j := createJob(t, s, 3)
	_, err := s.StartJob(ctx, j.ID)
	require.NoError(t, err)
	items, err := s.ClaimItems(ctx, j.ID, 1)
	require.NoError(t, err)

	failed, err := s.FailJob(ctx, j.ID, "credentials rejected")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, failed.Status)
	assert.Equal(t, "credentials rejected", failed.LastError)

	page, err := s.ListItems(ctx, j.ID, ItemsQuery{Bucket: BucketPending})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	res, err := s.CompleteItem(ctx, items[0].ID, Outcome{Error: "x"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestListJobsAndDuplicate(t *testing.T) {
	s, clock := openStore(t)
	ctx := context.Background()
	first := createJob(t, s, 1)
	clock.Advance(time.Second)
	second := createJob(t, s, 1)

	jobs, err := s.ListJobs(ctx, ListQuery{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)

	dup, err := s.FindDuplicate(ctx, "hash", "m", "{{gloss}}")
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, second.ID, dup.ID)

	_, err = s.CancelJob(ctx, first.ID)
	require.NoError(t, err)
	_, err = s.CancelJob(ctx, second.ID)
	require.NoError(t, err)
	dup, err = s.FindDuplicate(ctx, "hash", "m", "{{gloss}}")
	require.NoError(t, err)
	assert.Nil(t, dup)

	jobs, err = s.ListJobs(ctx, ListQuery{Statuses: []JobStatus{JobQueued}})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestListItemsPaging(t *testing.T) {
	s, _ := openStore(t)
	j := createJob(t, s, 7)

	page, err := s.ListItems(context.Background(), j.ID, ItemsQuery{Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	require.Len(t, page.Items, 3)
	assert.Equal(t, 3, page.Items[0].Position)

	_, err = s.ListItems(context.Background(), j.ID, ItemsQuery{Bucket: "bogus"})
	assert.Error(t, err)

	_, err = s.ListItems(context.Background(), "missing", ItemsQuery{})
	assert.True(t, IsNotFound(err))
}

func TestParseStatusAndBucket(t *testing.T) {
	st, ok := ParseJobStatus("paused")
	assert.True(t, ok)
	assert.Equal(t, JobPaused, st)
	_, ok = ParseJobStatus("done")
	assert.False(t, ok)

	b, ok := ParseBucket("")
	assert.True(t, ok)
	assert.Equal(t, BucketAll, b)
	_, ok = ParseBucket("weird")
	assert.False(t, ok)
}

func TestView(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	j := createJob(t, s, 3)
	_, err := s.StartJob(ctx, j.ID)
	require.NoError(t, err)
	items, err := s.ClaimItems(ctx, j.ID, 2)
	require.NoError(t, err)
	_, err = s.CompleteItem(ctx, items[0].ID, Outcome{Succeeded: true})
	require.NoError(t, err)

	v, err := s.View(ctx, j.ID, ItemsQuery{Bucket: BucketSucceeded})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Job.Succeeded)
	assert.Equal(t, 1, v.Items.Total)
	require.Len(t, v.Items.Items, 1)
	assert.Equal(t, items[0].ID, v.Items.Items[0].ID)

	_, err = s.View(ctx, j.ID, ItemsQuery{Bucket: "weird"})
	assert.Error(t, err)

	_, err = s.View(ctx, "missing", ItemsQuery{})
	assert.True(t, IsNotFound(err))
}

func TestViewAgreesWithCountersDuringWrites(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	const n = 40
	j := createJob(t, s, n)
	_, err := s.StartJob(ctx, j.ID)
	require.NoError(t, err)
	items, err := s.ClaimItems(ctx, j.ID, n)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, it := range items {
			if _, err := s.CompleteItem(ctx, it.ID, Outcome{Succeeded: true}); err != nil {
				return
			}
		}
	}()

	views := 0
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		v, err := s.View(ctx, j.ID, ItemsQuery{Bucket: BucketSucceeded, PageSize: 1})
		require.NoError(t, err)
		require.Equal(t, v.Job.Succeeded, v.Items.Total, "job row and item page read from different states")
		views++
	}

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.Succeeded)
	assert.Positive(t, views)
}
