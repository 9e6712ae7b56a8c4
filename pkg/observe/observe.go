// Package observe turns job store reads into change-only snapshots for
// pollers (HTTP clients, the websocket watch, the CLI).
package observe

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/pkg/jobstore"
)

// DefaultPersistentAfter is the number of consecutive failed polls after
// which an error is reported.
const DefaultPersistentAfter = 3

// Source reads a job with one page of its items.
type Source interface {
	View(ctx context.Context, jobID string, q jobstore.ItemsQuery) (*jobstore.JobView, error)
}

// ItemState is the tracked part of an item.
type ItemState struct {
	ID        string              `json:"id"`
	RecordID  string              `json:"record_id"`
	Status    jobstore.ItemStatus `json:"status"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Snapshot is the tracked part of a job.
type Snapshot struct {
	JobID       string             `json:"job_id"`
	Status      jobstore.JobStatus `json:"status"`
	Counters    jobstore.Counters  `json:"counters"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	Items       []ItemState        `json:"items"`
}

// Done reports whether the job can no longer change status.
func (s Snapshot) Done() bool {
	return s.Status.Terminal()
}

// FromView builds a snapshot.
func FromView(v *jobstore.JobView) Snapshot {
	snap := Snapshot{
		JobID:       v.Job.ID,
		Status:      v.Job.Status,
		Counters:    v.Job.Counters,
		CompletedAt: v.Job.CompletedAt,
		LastError:   v.Job.LastError,
		Items:       make([]ItemState, 0, len(v.Items.Items)),
	}
	for _, it := range v.Items.Items {
		snap.Items = append(snap.Items, ItemState{ID: it.ID, RecordID: it.RecordID, Status: it.Status, UpdatedAt: it.UpdatedAt})
	}
	return snap
}

// Options tune an Observer.
type Options struct {
	// Items selects which page of items is tracked.
	Items jobstore.ItemsQuery

	// PersistentAfter is the number of consecutive failures before an error
	// is reported.
	PersistentAfter int

	Logger *zap.Logger
}

// Observer polls one job. It is safe for concurrent use.
type Observer struct {
	source Source
	jobID  string
	opts   Options

	mu       sync.Mutex
	last     *Snapshot
	version  int64
	failures int
	reported bool
}

// New creates an observer for jobID.
func New(source Source, jobID string, opts Options) *Observer {
	if opts.PersistentAfter <= 0 {
		opts.PersistentAfter = DefaultPersistentAfter
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Observer{source: source, jobID: jobID, opts: opts}
}

// Last returns the most recent snapshot, if any.
func (o *Observer) Last() (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Snapshot{}, false
	}
	return *o.last, true
}

// Poll reads the job once.
//
// changed is false when the snapshot equals the previous one. A failed read
// returns the last snapshot with a nil error until it has failed
// PersistentAfter times in a row; that failure is returned once, and the
// latch resets on the next successful read. Not-found errors are returned
// immediately.
//
// Overlapping polls may finish out of order. A read whose job version is
// older than the last accepted one is discarded and reported unchanged, so
// the observer never moves backwards.
func (o *Observer) Poll(ctx context.Context) (Snapshot, bool, error) {
	view, err := o.source.View(ctx, o.jobID, o.opts.Items)

	o.mu.Lock()
	defer o.mu.Unlock()

	if err != nil {
		if jobstore.IsNotFound(err) {
			return Snapshot{}, false, err
		}
		o.failures++
		o.opts.Logger.Debug("poll failed", zap.String("job_id", o.jobID), zap.Int("failures", o.failures), zap.Error(err))
		var last Snapshot
		if o.last != nil {
			last = *o.last
		}
		if o.failures >= o.opts.PersistentAfter && !o.reported {
			o.reported = true
			return last, false, err
		}
		return last, false, nil
	}

	o.failures = 0
	o.reported = false
	if o.last != nil && view.Job.Version < o.version {
		return *o.last, false, nil
	}
	snap := FromView(view)
	o.version = view.Job.Version
	if o.last != nil && cmp.Equal(*o.last, snap) {
		return snap, false, nil
	}
	o.last = &snap
	return snap, true, nil
}

// Event is delivered by Watch.
type Event struct {
	Snapshot Snapshot
	Err      error
}

// Watch polls every interval and calls fn on the first snapshot, on every
// change and on a persistent error. It returns when ctx is done, fn returns
// an error, the job reaches a terminal state, or the job disappears.
func (o *Observer) Watch(ctx context.Context, interval time.Duration, fn func(Event) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, changed, err := o.Poll(ctx)
		switch {
		case jobstore.IsNotFound(err):
			return err
		case err != nil:
			if ferr := fn(Event{Snapshot: snap, Err: err}); ferr != nil {
				return ferr
			}
		case changed:
			if ferr := fn(Event{Snapshot: snap}); ferr != nil {
				return ferr
			}
			if snap.Done() {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
