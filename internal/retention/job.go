// Package retention deletes old messages and media on a schedule.
package retention

import (
	"context"
	"time"

	"github.com/matheus3301/msgstore/internal/destroy"
	"github.com/matheus3301/msgstore/internal/store"
	"go.uber.org/zap"
)

// StateLastRun is the state key holding the time of the last completed run.
const StateLastRun = "retention.last_run"

// Config controls what the job keeps.
type Config struct {
	Interval time.Duration
	// KeepDays is how long messages are kept. Zero keeps them forever.
	KeepDays int
	// MediaKeepDays is how long media is kept. Zero keeps it forever.
	MediaKeepDays int
}

// Result reports one run.
type Result struct {
	Messages int
	Media    int
}

// Option configures a Job.
type Option func(*Job)

// WithRunHook sets a function called with true before each run and with
// false after it.
func WithRunHook(fn func(running bool)) Option {
	return func(j *Job) { j.hook = fn }
}

// Job runs retention periodically.
type Job struct {
	destroyer *destroy.Destroyer
	qs        *store.Queries
	cfg       Config
	logger    *zap.Logger
	hook      func(running bool)
	now       func() time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a retention job.
func New(d *destroy.Destroyer, db *store.DB, cfg Config, logger *zap.Logger, opts ...Option) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	j := &Job{
		destroyer: d,
		qs:        db.Queries(),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Config returns the job configuration.
func (j *Job) Config() Config {
	return j.cfg
}

// Start begins running the job every interval. Nothing is scheduled when
// both retention periods are zero.
func (j *Job) Start(ctx context.Context) {
	if j.cfg.KeepDays <= 0 && j.cfg.MediaKeepDays <= 0 {
		j.logger.Info("retention disabled")
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	go j.loop(ctx)
}

// Stop stops the job loop and waits for a running pass to abort.
func (j *Job) Stop() {
	if j.cancel != nil {
		j.cancel()
		<-j.done
	}
}

func (j *Job) loop(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("retention run failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce deletes messages and media past their retention period.
// Cancelling ctx stops the run between deletion chunks.
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	now := j.now()
	if j.hook != nil {
		j.hook(true)
		defer j.hook(false)
	}

	if j.cfg.KeepDays > 0 {
		cutoff := now.AddDate(0, 0, -j.cfg.KeepDays)
		n, err := j.destroyer.DeleteMessages(ctx, destroy.Criteria{OlderThan: &cutoff, Retention: true})
		res.Messages = n
		if err != nil {
			return res, err
		}
	}
	if j.cfg.MediaKeepDays > 0 {
		cutoff := now.AddDate(0, 0, -j.cfg.MediaKeepDays)
		n, err := j.destroyer.DeleteMediaOlderThan(ctx, &cutoff, nil)
		res.Media = n
		if err != nil {
			return res, err
		}
	}

	if err := j.qs.SetState(ctx, StateLastRun, now.UTC().Format(time.RFC3339)); err != nil {
		j.logger.Warn("failed to record retention run", zap.Error(err))
	}
	j.logger.Info("retention run finished",
		zap.Int("messages", res.Messages),
		zap.Int("media", res.Media))
	return res, nil
}

// LastRun returns the time of the last completed run, or the zero time.
func (j *Job) LastRun(ctx context.Context) time.Time {
	v, err := j.qs.GetState(ctx, StateLastRun)
	if err != nil || v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
