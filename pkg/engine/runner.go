package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/lexbatch/pkg/jobstore"
)

// RunnerConfig tunes the background runner.
type RunnerConfig struct {
	// PollInterval is how often active jobs are looked up.
	PollInterval time.Duration

	// MaxParallelJobs bounds concurrent Submit calls.
	MaxParallelJobs int

	// StaleAfter is the age after which in-flight items are failed by the
	// sweep. It must exceed the request timeout.
	StaleAfter time.Duration

	// SweepSchedule is a robfig/cron spec ("@every 1m", "*/5 * * * *").
	SweepSchedule string
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval:    2 * time.Second,
		MaxParallelJobs: 2,
		StaleAfter:      5 * time.Minute,
		SweepSchedule:   "@every 1m",
	}
}

// JobSource lists jobs that need work and recovers stale items.
type JobSource interface {
	ActiveJobs(ctx context.Context) ([]jobstore.Job, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Submitter runs one job. *Engine implements it.
type Submitter interface {
	Submit(ctx context.Context, jobID string) (*Summary, error)
}

// Runner drives queued and running jobs through a Submitter.
type Runner struct {
	jobs   JobSource
	submit Submitter
	config RunnerConfig
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewRunner creates a runner.
func NewRunner(jobs JobSource, submit Submitter, cfg RunnerConfig, logger *zap.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxParallelJobs <= 0 {
		cfg.MaxParallelJobs = def.MaxParallelJobs
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = def.SweepSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		jobs:    jobs,
		submit:  submit,
		config:  cfg,
		logger:  logger,
		running: make(map[string]bool),
	}
}

// Run polls for work until ctx is cancelled, then waits for in-flight
// submissions to return. A stale sweep runs at start and on the cron
// schedule.
func (r *Runner) Run(ctx context.Context) error {
	sched := cron.New()
	if _, err := sched.AddFunc(r.config.SweepSchedule, func() { r.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", r.config.SweepSchedule, err)
	}
	r.Sweep(ctx)
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	r.logger.Info("runner started",
		zap.Duration("poll_interval", r.config.PollInterval),
		zap.Int("max_parallel_jobs", r.config.MaxParallelJobs),
		zap.String("sweep_schedule", r.config.SweepSchedule),
	)

	var g errgroup.Group
	g.SetLimit(r.config.MaxParallelJobs)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		r.dispatch(ctx, &g)
		select {
		case <-ctx.Done():
			_ = g.Wait()
			r.logger.Info("runner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Drain submits every active job until none is left with queued work, then
// returns. Paused jobs are left alone.
func (r *Runner) Drain(ctx context.Context) error {
	r.Sweep(ctx)
	for {
		jobs, err := r.jobs.ActiveJobs(ctx)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.config.MaxParallelJobs)
		progressed := false
		var mu sync.Mutex
		for _, j := range jobs {
			id := j.ID
			g.Go(func() error {
				sum, err := r.submit.Submit(gctx, id)
				if err != nil {
					return err
				}
				mu.Lock()
				if sum.Claimed > 0 || sum.Status.Terminal() {
					progressed = true
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// Sweep fails stale in-flight items once.
func (r *Runner) Sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := r.jobs.RecoverStale(ctx, r.config.StaleAfter)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("stale sweep failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		r.logger.Warn("recovered stale items", zap.Int("items", n), zap.Duration("stale_after", r.config.StaleAfter))
	}
}

func (r *Runner) dispatch(ctx context.Context, g *errgroup.Group) {
	jobs, err := r.jobs.ActiveJobs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("list active jobs failed", zap.Error(err))
		}
		return
	}
	for _, j := range jobs {
		id := j.ID
		if !r.claim(id) {
			continue
		}
		started := g.TryGo(func() error {
			defer r.release(id)
			if _, err := r.submit.Submit(ctx, id); err != nil && ctx.Err() == nil {
				r.logger.Error("submission failed", zap.String("job_id", id), zap.Error(err))
			}
			return nil
		})
		if !started {
			r.release(id)
			return
		}
	}
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[id] {
		return false
	}
	r.running[id] = true
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}

// Active reports the ids of jobs currently being submitted.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.running))
	for id := range r.running {
		out = append(out, id)
	}
	return out
}
