package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"council-trade-bot/internal/analysis"
	"council-trade-bot/internal/apperr"
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/council"
	"council-trade-bot/internal/database"
	"council-trade-bot/internal/market"
	"council-trade-bot/internal/metrics"
	"council-trade-bot/internal/models"
	"council-trade-bot/internal/planner"
	"council-trade-bot/internal/scheduler"
	"council-trade-bot/internal/tracing"
	"council-trade-bot/internal/verification"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Engine runs the two periodic jobs of the bot: the signal cycle, which asks
// the council for a decision and opens paper trades, and the verification
// poll, which resolves them.
type Engine struct {
	UUID      string
	Name      string
	StartTime time.Time

	logger   *zap.Logger
	cfg      *config.Config
	store    *database.Store
	src      market.BarSource
	council  *council.Council
	planner  *planner.Planner
	verifier *verification.Engine
	metrics  *metrics.Metrics
	events   []time.Time
	now      func() time.Time
}

// NewEngine creates a new trading engine.
func NewEngine(logger *zap.Logger, cfg *config.Config, store *database.Store, src market.BarSource, c *council.Council, verifier *verification.Engine, m *metrics.Metrics) (*Engine, error) {
	events := make([]time.Time, 0, len(cfg.Safety.Events))
	for _, ev := range cfg.Safety.Events {
		at, err := time.Parse(config.EventLayout, ev)
		if err != nil {
			return nil, fmt.Errorf("%w: safety event %q: %v", apperr.ErrConfiguration, ev, err)
		}
		events = append(events, at.UTC())
	}

	return &Engine{
		UUID:      uuid.NewString(),
		Name:      "council-" + cfg.Instrument.Symbol,
		StartTime: time.Now().UTC(),
		logger:    logger.Named("engine"),
		cfg:       cfg,
		store:     store,
		src:       src,
		council:   c,
		planner:   planner.New(cfg.Risk, cfg.Instrument),
		verifier:  verifier,
		metrics:   m,
		events:    events,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run schedules both jobs and blocks until ctx is cancelled. Pending trades
// left over from a previous run are verified once before the schedule starts.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting trading engine",
		zap.String("uuid", e.UUID),
		zap.String("symbol", e.cfg.Instrument.Symbol),
		zap.String("timeframe", e.cfg.Instrument.Timeframe),
		zap.String("signal_schedule", e.cfg.Schedule.Signal),
		zap.String("verification_schedule", e.cfg.Schedule.Verification),
	)

	runner := scheduler.New(ctx, e.logger, e.metrics)
	if _, err := runner.Add("signal", e.cfg.Schedule.Signal, e.signalJob); err != nil {
		return fmt.Errorf("%w: schedule.signal: %v", apperr.ErrConfiguration, err)
	}
	if _, err := runner.Add("verification", e.cfg.Schedule.Verification, e.verificationJob); err != nil {
		return fmt.Errorf("%w: schedule.verification: %v", apperr.ErrConfiguration, err)
	}

	if err := runner.RunNow("verification", e.verificationJob); err != nil {
		e.logger.Warn("Startup verification failed; the schedule will retry", zap.Error(err))
	}

	runner.Start()
	<-ctx.Done()
	e.logger.Info("Stopping trading engine...")
	runner.Stop()
	return nil
}

func (e *Engine) signalJob(ctx context.Context) error {
	_, err := e.RunSignalCycle(ctx)
	return err
}

func (e *Engine) verificationJob(ctx context.Context) error {
	sum, err := e.verifier.Poll(ctx)
	if err != nil {
		return err
	}
	if sum.Checked > 0 {
		e.logger.Info("Verification poll complete",
			zap.Int("checked", sum.Checked),
			zap.Int("skipped", sum.Skipped),
			zap.Int("fetch_failures", sum.Failures),
			zap.Any("resolved", sum.Resolved),
		)
	}
	return nil
}

// CycleResult describes what one signal cycle did.
type CycleResult struct {
	Skipped string // non-empty when a safety limit stopped the cycle
	Signal  *models.Signal
	Trade   *models.Trade
}

// RunSignalCycle evaluates the instrument once. Every evaluated decision is
// persisted; an actionable one also opens a PENDING trade unless the ladder
// balance cannot fund the minimum lot, which is recorded on the signal.
func (e *Engine) RunSignalCycle(ctx context.Context) (res CycleResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "trader.SignalCycle", attribute.String("symbol", e.cfg.Instrument.Symbol))
	defer func() { tracing.End(span, err) }()

	now := e.now()
	reason, err := e.blocked(ctx, now)
	if err != nil {
		return res, err
	}
	if reason != "" {
		e.logger.Info("Signal cycle skipped", zap.String("reason", reason))
		res.Skipped = reason
		return res, nil
	}

	inst := e.cfg.Instrument
	bars, err := e.src.GetLatestBars(ctx, inst.Symbol, market.Timeframe(inst.Timeframe), inst.Lookback)
	if err != nil {
		return res, fmt.Errorf("failed to fetch bars for %s: %w", inst.Symbol, err)
	}
	if len(bars) == 0 {
		return res, fmt.Errorf("%w: provider returned no bars for %s", apperr.ErrDataFetch, inst.Symbol)
	}

	d := e.council.Evaluate(ctx, analysis.Snapshot{Symbol: inst.Symbol, At: now, Bars: bars})
	sig := signalFrom(d, inst.Symbol)
	if err := e.store.SaveSignal(ctx, sig, d.Opinions); err != nil {
		return res, err
	}
	res.Signal = sig

	l := e.logger.With(zap.Uint("signal_id", sig.ID), zap.String("direction", string(d.Direction)))
	if !d.Actionable() {
		l.Info("No trade this cycle", zap.Float64("score", d.Score), zap.Bool("gate_passed", d.GatePassed))
		return res, nil
	}

	level, err := e.store.CurrentLevel(ctx)
	if err != nil {
		return res, err
	}
	plan, err := e.planner.Plan(sig.ID, d, level)
	if err != nil {
		note := err.Error()
		if aerr := e.store.AnnotateSignal(ctx, sig.ID, note); aerr != nil {
			return res, aerr
		}
		sig.Note = note
		if errors.Is(err, apperr.ErrInsufficientBalance) {
			l.Warn("Decision not traded", zap.Float64("balance", level.Balance), zap.Error(err))
			return res, nil
		}
		return res, err
	}

	trade, err := e.store.OpenTrade(ctx, plan, inst.Symbol, inst.Timeframe)
	if err != nil {
		return res, err
	}
	res.Trade = trade
	e.metrics.TradeOpened()
	l.Info("Paper trade opened",
		zap.Uint("trade_id", trade.ID),
		zap.Float64("entry", trade.Entry),
		zap.Float64("stop", trade.Stop),
		zap.Float64("target", trade.Target),
		zap.Float64("size", trade.Size),
		zap.Float64("risk_amount", trade.RiskAmount),
		zap.Int("level", trade.Level),
	)
	return res, nil
}

func signalFrom(d council.Decision, symbol string) *models.Signal {
	return &models.Signal{
		Timestamp:  d.Timestamp,
		Symbol:     symbol,
		Score:      d.Score,
		Technical:  d.Technical,
		Direction:  d.Direction,
		GatePassed: d.GatePassed,
		Confidence: d.Confidence,
		Price:      d.Price,
		Volatility: d.Volatility,
	}
}

// blocked returns the first safety limit that forbids a cycle at now.
func (e *Engine) blocked(ctx context.Context, now time.Time) (string, error) {
	paused, err := e.store.Paused(ctx)
	if err != nil {
		return "", err
	}
	if paused {
		return "paused by operator", nil
	}

	s := e.cfg.Safety
	if s.SkipWeekends {
		if now.Weekday() == time.Saturday {
			return "market closed for the weekend", nil
		}
	}
	for _, ev := range e.events {
		if d := now.Sub(ev); d >= -s.Blackout && d <= s.Blackout {
			return fmt.Sprintf("news blackout around %s", ev.Format(config.EventLayout)), nil
		}
	}

	day := startOfDay(now)
	if s.MaxTradesPerDay > 0 {
		n, err := e.store.CountTradesSince(ctx, day)
		if err != nil {
			return "", err
		}
		if n >= s.MaxTradesPerDay {
			return fmt.Sprintf("daily trade limit of %d reached", s.MaxTradesPerDay), nil
		}
	}
	if s.ConsecutiveLossLimit > 0 {
		recent, err := e.store.RecentOutcomes(ctx, s.ConsecutiveLossLimit)
		if err != nil {
			return "", err
		}
		if lossStreak(recent, day) >= s.ConsecutiveLossLimit {
			return fmt.Sprintf("%d consecutive losses today, cooling down until tomorrow", s.ConsecutiveLossLimit), nil
		}
	}
	return "", nil
}

// lossStreak counts the leading LOSS trades resolved at or after since.
// recent is in resolution order; a WIN or TIMEOUT ends the streak.
func lossStreak(recent []models.Trade, since time.Time) int {
	n := 0
	for _, t := range recent {
		if t.State != models.StateLoss || t.ResolvedTime == nil || t.ResolvedTime.Before(since) {
			break
		}
		n++
	}
	return n
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
