// Package engine drains queued job items through the inference client.
//
// The engine has no exclusive lock on a job: every step is a short
// compare-and-swap transaction in the job store, so a cancel issued while
// calls are in flight wins and the calls' late results are kept on the
// skipped items. Submit is idempotent: it only ever claims queued items, so
// rerunning it after a crash resumes from durable state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/3leaps/lexbatch/pkg/inference"
	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/lexicon"
	"github.com/3leaps/lexbatch/pkg/template"
)

// Config tunes the engine.
type Config struct {
	// Concurrency is the maximum number of in-flight calls per job.
	Concurrency int

	// RateLimit is calls per second across the engine (0 = unlimited).
	RateLimit float64

	// RequestTimeout bounds each inference call.
	RequestTimeout time.Duration

	// ClaimBatch is the number of items claimed per store round trip.
	ClaimBatch int

	// MaxConsecutiveFatal fails the job after this many fatal call errors
	// in a row.
	MaxConsecutiveFatal int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:         4,
		RequestTimeout:      60 * time.Second,
		ClaimBatch:          16,
		MaxConsecutiveFatal: 5,
	}
}

// Store is the job store surface the engine mutates.
type Store interface {
	GetJob(ctx context.Context, id string) (*jobstore.Job, error)
	StartJob(ctx context.Context, id string) (*jobstore.Job, error)
	ClaimItems(ctx context.Context, jobID string, n int) ([]jobstore.Item, error)
	MarkProcessing(ctx context.Context, itemID string) error
	CompleteItem(ctx context.Context, itemID string, out jobstore.Outcome) (*jobstore.CompletionResult, error)
	FailJob(ctx context.Context, id, message string) (*jobstore.Job, error)
	FinishIfDone(ctx context.Context, id string) (bool, error)
}

// Records fetches the records behind items.
type Records interface {
	Get(ctx context.Context, pos lexicon.POS, ids []string) ([]lexicon.Record, error)
}

// FlagWriter writes verdicts back to the record store.
type FlagWriter interface {
	SetFlag(ctx context.Context, ref lexicon.Ref, flagged bool, reason string) error
}

// Summary reports what one Submit call did.
type Summary struct {
	JobID     string             `json:"job_id"`
	Status    jobstore.JobStatus `json:"status"`
	Counters  jobstore.Counters  `json:"counters"`
	Claimed   int64              `json:"claimed"`
	Succeeded int64              `json:"succeeded"`
	Failed    int64              `json:"failed"`
	Late      int64              `json:"late"`
	Duration  time.Duration      `json:"duration"`
}

// Engine submits job items to the inference client.
type Engine struct {
	store   Store
	records Records
	flags   FlagWriter
	client  inference.Client
	limiter *rate.Limiter
	config  Config
	logger  *zap.Logger
}

// New creates an engine. flags may be nil when write-back is not wanted.
func New(store Store, records Records, client inference.Client, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = max(def.ClaimBatch, cfg.Concurrency)
	}
	if cfg.MaxConsecutiveFatal <= 0 {
		cfg.MaxConsecutiveFatal = def.MaxConsecutiveFatal
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:   store,
		records: records,
		client:  client,
		config:  cfg,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return e
}

// WithFlagWriter enables flag write-back for jobs created with apply_flags.
func (e *Engine) WithFlagWriter(w FlagWriter) *Engine {
	e.flags = w
	return e
}

type run struct {
	job         *jobstore.Job
	fatalStreak atomic.Int64
	fatalErr    atomic.Value // string
	claimed     atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	late        atomic.Int64
}

// Submit drives a job until no queued items remain, the job leaves the
// running state, or ctx is cancelled.
//
// Jobs that are paused or terminal are returned as-is without error.
// Per-item failures never fail Submit; persistence failures do, after an
// attempt to mark the job failed.
func (e *Engine) Submit(ctx context.Context, jobID string) (*Summary, error) {
	start := time.Now()
	job, err := e.store.StartJob(ctx, jobID)
	if err != nil {
		if jobstore.IsConflict(err) {
			return e.summary(ctx, jobID, &run{}, start)
		}
		return nil, err
	}

	log := e.logger.With(zap.String("job_id", jobID), zap.String("model", job.Model))
	log.Info("submission started", zap.Int("total_items", job.Total), zap.Int("processed_items", job.Processed))

	r := &run{job: job}
	for {
		if err := ctx.Err(); err != nil {
			break
		}
		items, err := e.store.ClaimItems(ctx, jobID, e.config.ClaimBatch)
		if err != nil {
			return nil, e.storeFailure(ctx, jobID, log, err)
		}
		if len(items) == 0 {
			break
		}
		r.claimed.Add(int64(len(items)))

		if err := e.processBatch(ctx, r, items, log); err != nil {
			if ctx.Err() != nil {
				break
			}
			return nil, e.storeFailure(ctx, jobID, log, err)
		}

		if msg, ok := r.fatalErr.Load().(string); ok && msg != "" {
			if _, err := e.store.FailJob(ctx, jobID, msg); err != nil && !jobstore.IsConflict(err) {
				return nil, err
			}
			log.Error("job failed after repeated fatal errors", zap.String("error", msg))
			break
		}
	}

	if ctx.Err() == nil {
		if _, err := e.store.FinishIfDone(ctx, jobID); err != nil {
			return nil, e.storeFailure(ctx, jobID, log, err)
		}
	}

	sum, err := e.summary(context.WithoutCancel(ctx), jobID, r, start)
	if err != nil {
		return nil, err
	}
	log.Info("submission finished",
		zap.String("status", string(sum.Status)),
		zap.Int64("claimed", sum.Claimed),
		zap.Int64("succeeded", sum.Succeeded),
		zap.Int64("failed", sum.Failed),
		zap.Duration("duration", sum.Duration),
	)
	return sum, ctx.Err()
}

func (e *Engine) summary(ctx context.Context, jobID string, r *run, start time.Time) (*Summary, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		JobID:     jobID,
		Status:    job.Status,
		Counters:  job.Counters,
		Claimed:   r.claimed.Load(),
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
		Late:      r.late.Load(),
		Duration:  time.Since(start),
	}, nil
}

// storeFailure marks the job failed when the store is still reachable and
// returns the original error.
func (e *Engine) storeFailure(ctx context.Context, jobID string, log *zap.Logger, cause error) error {
	log.Error("job store failure during submission", zap.Error(cause))
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := e.store.FailJob(failCtx, jobID, "job store failure: "+cause.Error()); err != nil && !jobstore.IsConflict(err) {
		log.Warn("could not mark job failed", zap.Error(err))
	}
	return fmt.Errorf("submit job %s: %w", jobID, cause)
}

func (e *Engine) processBatch(ctx context.Context, r *run, items []jobstore.Item, log *zap.Logger) error {
	records, err := e.fetchRecords(ctx, items)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)
	for _, it := range items {
		rec := records[it.Ref()]
		g.Go(func() error {
			return e.processItem(gctx, r, it, rec, log)
		})
	}
	return g.Wait()
}

func (e *Engine) fetchRecords(ctx context.Context, items []jobstore.Item) (map[lexicon.Ref]*lexicon.Record, error) {
	byPOS := make(map[lexicon.POS][]string)
	for _, it := range items {
		byPOS[it.RecordPOS] = append(byPOS[it.RecordPOS], it.RecordID)
	}
	out := make(map[lexicon.Ref]*lexicon.Record, len(items))
	for pos, ids := range byPOS {
		recs, err := e.records.Get(ctx, pos, ids)
		if err != nil {
			return nil, fmt.Errorf("fetch records: %w", err)
		}
		for i := range recs {
			out[lexicon.Ref{ID: recs[i].ID, POS: pos}] = &recs[i]
		}
	}
	return out, nil
}

func (e *Engine) processItem(ctx context.Context, r *run, it jobstore.Item, rec *lexicon.Record, log *zap.Logger) error {
	log = log.With(zap.String("item_id", it.ID), zap.String("record_id", it.RecordID))

	if msg, ok := r.fatalErr.Load().(string); ok && msg != "" {
		return e.complete(ctx, r, it, jobstore.Outcome{Error: msg}, log)
	}
	if rec == nil {
		return e.complete(ctx, r, it, jobstore.Outcome{Error: "record no longer exists"}, log)
	}
	rendered, err := template.Render(r.job.Template, rec)
	if err != nil {
		return e.complete(ctx, r, it, jobstore.Outcome{Error: err.Error()}, log)
	}

	if err := e.store.MarkProcessing(ctx, it.ID); err != nil {
		if jobstore.IsConflict(err) {
			log.Debug("item skipped before submission")
			return nil
		}
		return err
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	resp, callErr := e.client.Moderate(callCtx, inference.Request{
		Model:           r.job.Model,
		Prompt:          rendered.Text,
		ServiceTier:     inference.ServiceTier(r.job.ServiceTier),
		ReasoningEffort: inference.ReasoningEffort(r.job.ReasoningEffort),
		RecordID:        it.RecordID,
	})
	cancel()

	if callErr != nil {
		if ctx.Err() != nil {
			// Shutdown, not a per-call failure; the stale sweep recovers the item.
			return ctx.Err()
		}
		if inference.IsFatal(callErr) {
			if r.fatalStreak.Add(1) >= int64(e.config.MaxConsecutiveFatal) {
				r.fatalErr.CompareAndSwap(nil, inference.SafeMessage(callErr))
			}
		} else {
			r.fatalStreak.Store(0)
		}
		log.Warn("inference call failed", zap.Error(callErr))
		return e.complete(ctx, r, it, jobstore.Outcome{Error: inference.SafeMessage(callErr)}, log)
	}
	r.fatalStreak.Store(0)

	payload, err := json.Marshal(resp.Verdict)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	return e.complete(ctx, r, it, jobstore.Outcome{
		Succeeded:    true,
		Flagged:      resp.Verdict.Flagged,
		FlagReason:   resp.Verdict.Reason,
		Response:     payload,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, log)
}

func (e *Engine) complete(ctx context.Context, r *run, it jobstore.Item, out jobstore.Outcome, log *zap.Logger) error {
	res, err := e.store.CompleteItem(ctx, it.ID, out)
	if err != nil {
		if jobstore.IsConflict(err) {
			log.Debug("item already terminal", zap.Error(err))
			return nil
		}
		return err
	}
	switch {
	case res.Late:
		r.late.Add(1)
		log.Debug("late result stored on skipped item")
		return nil
	case out.Succeeded:
		r.succeeded.Add(1)
	default:
		r.failed.Add(1)
	}

	if out.Succeeded && out.Flagged && r.job.ApplyFlags && e.flags != nil {
		if err := e.flags.SetFlag(ctx, it.Ref(), true, out.FlagReason); err != nil {
			if errors.Is(err, lexicon.ErrNotFound) {
				log.Warn("flag write-back target missing")
				return nil
			}
			log.Warn("flag write-back failed", zap.Error(err))
		}
	}
	return nil
}
