// Package scheduler runs the periodic jobs of the bot on cron cadences.
package scheduler

import (
	"context"
	"time"

	"council-trade-bot/internal/metrics"
	"council-trade-bot/internal/tracing"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one unit of periodic work. A returned error is logged and counted;
// the schedule continues.
type Job func(ctx context.Context) error

// Runner wraps a seconds-resolution cron in UTC. An overrunning job skips
// its next tick instead of running twice.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	metrics *metrics.Metrics
	baseCtx context.Context
}

func New(baseCtx context.Context, logger *zap.Logger, m *metrics.Metrics) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		metrics: m,
		baseCtx: baseCtx,
	}
}

// Add schedules job under name on spec (six fields, seconds first).
func (r *Runner) Add(name, spec string, job Job) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() { r.run(name, job) })
}

// RunNow runs job once on the caller's goroutine with the same logging and
// metrics as a scheduled tick.
func (r *Runner) RunNow(name string, job Job) error {
	return r.run(name, job)
}

func (r *Runner) run(name string, job Job) error {
	if r.baseCtx.Err() != nil {
		return r.baseCtx.Err()
	}
	ctx, span := tracing.StartSpan(r.baseCtx, "job."+name)
	start := time.Now()
	err := job(ctx)
	took := time.Since(start)
	tracing.End(span, err)
	r.metrics.ObserveJob(name, took, err)

	log := r.logger.With(zap.String("job", name), zap.Duration("took", took))
	if err != nil {
		log.Error("Job failed", append(tracing.Fields(ctx), zap.Error(err))...)
		return err
	}
	log.Debug("Job finished")
	return nil
}

// Start begins ticking in the background.
func (r *Runner) Start() {
	r.logger.Info("Scheduler started", zap.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

// Stop prevents new ticks and waits for running jobs to return.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("Scheduler stopped")
}

// Next reports when the entry fires next.
func (r *Runner) Next(id cron.EntryID) time.Time {
	return r.cron.Entry(id).Next
}

type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug(msg, zap.Any("details", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error(msg, zap.Error(err), zap.Any("details", kv))
}
