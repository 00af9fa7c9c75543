// Package verification resolves PENDING trades by replaying the price bars
// that followed their entry.
//
// Each trade is claimed before it is evaluated and its terminal state is
// committed together with the ladder and grading updates in one transaction,
// guarded by the claim. A trade therefore transitions at most once, however
// many pollers or manual overrides race on it.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"council-trade-bot/internal/config"
	"council-trade-bot/internal/database"
	"council-trade-bot/internal/grading"
	"council-trade-bot/internal/ladder"
	"council-trade-bot/internal/market"
	"council-trade-bot/internal/metrics"
	"council-trade-bot/internal/models"
	"council-trade-bot/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	// ErrBusy is returned by ForceResolve when the trade is claimed elsewhere.
	ErrBusy = errors.New("trade is being verified; try again")
	// ErrAlreadyResolved is returned by ForceResolve for a terminal trade.
	ErrAlreadyResolved = errors.New("trade already resolved")
)

// Summary counts what one poll did.
type Summary struct {
	Checked  int                       `json:"checked"`
	Skipped  int                       `json:"skipped"`
	Failures int                       `json:"fetch_failures"`
	Resolved map[models.TradeState]int `json:"resolved"`
}

// Engine is the verification state machine.
type Engine struct {
	store     *database.Store
	src       market.BarSource
	cfg       config.Verification
	ladderCfg config.Ladder
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	newToken  func() string
}

func NewEngine(store *database.Store, src market.BarSource, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:     store,
		src:       src,
		cfg:       cfg.Verification,
		ladderCfg: cfg.Ladder,
		logger:    logger.Named("verification"),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		newToken:  func() string { return uuid.NewString() },
	}
}

// Poll verifies every PENDING trade once. A persistence failure aborts the
// poll and is returned; fetch failures are absorbed per trade.
func (e *Engine) Poll(ctx context.Context) (Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "verification.Poll")
	sum := Summary{Resolved: map[models.TradeState]int{}}
	var err error
	defer func() { tracing.End(span, err) }()

	pending, err := e.store.PendingTrades(ctx)
	if err != nil {
		return sum, err
	}
	e.metrics.SetPending(len(pending))

	for i := range pending {
		if ctx.Err() != nil {
			err = ctx.Err()
			return sum, err
		}
		var out outcome
		out, err = e.verify(ctx, &pending[i])
		if err != nil {
			return sum, fmt.Errorf("failed to verify trade %d: %w", pending[i].ID, err)
		}
		sum.Checked++
		switch {
		case out.skipped:
			sum.Skipped++
		case out.fetchFailed:
			sum.Failures++
		}
		if out.state.Terminal() {
			sum.Resolved[out.state]++
		}
	}

	resolved := 0
	for _, n := range sum.Resolved {
		resolved += n
	}
	span.SetAttributes(attribute.Int("checked", sum.Checked), attribute.Int("resolved", resolved))
	e.metrics.SetPending(len(pending) - resolved)
	return sum, nil
}

// Verify re-checks one trade. Verifying a terminal trade is a no-op that
// returns its state.
func (e *Engine) Verify(ctx context.Context, id uint) (models.TradeState, error) {
	t, err := e.store.Trade(ctx, id)
	if err != nil {
		return "", err
	}
	out, err := e.verify(ctx, t)
	return out.state, err
}

type outcome struct {
	state       models.TradeState
	skipped     bool
	fetchFailed bool
}

func (e *Engine) verify(ctx context.Context, t *models.Trade) (outcome, error) {
	if t.State.Terminal() {
		return outcome{state: t.State, skipped: true}, nil
	}

	log := e.logger.With(zap.Uint("trade_id", t.ID), zap.String("direction", string(t.Direction)))
	token := e.newToken()
	now := e.now()

	claimed, err := e.store.ClaimTrade(ctx, t.ID, token, now, e.cfg.ClaimTTL)
	if err != nil {
		return outcome{}, err
	}
	if !claimed {
		log.Debug("Trade claimed elsewhere or already resolved, skipping")
		return outcome{state: models.StatePending, skipped: true}, nil
	}
	// The caller's row may predate failures recorded by another verifier.
	fresh, err := e.store.Trade(ctx, t.ID)
	if err != nil {
		_ = e.store.ReleaseClaim(context.WithoutCancel(ctx), t.ID, token)
		return outcome{}, err
	}
	t = fresh

	tf, err := market.Timeframe(t.Timeframe).Duration()
	if err != nil {
		return e.fail(ctx, t, token, now, err, log)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	bars, err := e.src.GetBars(fetchCtx, t.Symbol, market.Timeframe(t.Timeframe), t.EntryTime.Add(-tf))
	cancel()
	if err != nil {
		return e.fail(ctx, t, token, now, err, log)
	}
	if len(bars) == 0 && !now.Before(t.EntryTime.Add(tf+e.cfg.DataGrace)) {
		return e.fail(ctx, t, token, now, errors.New("provider returned no bars after entry"), log)
	}

	v := Replay(t, bars, now, Limits{Horizon: e.cfg.Horizon, MaxBars: e.cfg.MaxBars})
	if v.State == models.StatePending {
		log.Debug("Trade still open", zap.Int("bars_seen", v.BarsSeen))
		return outcome{state: models.StatePending}, e.store.ReleaseClaim(ctx, t.ID, token)
	}

	if err := e.commit(ctx, t, token, v.State, v.ResolvedTime, v.Note, nil); err != nil {
		if errors.Is(err, database.ErrClaimLost) {
			log.Warn("Claim lost before commit, leaving trade to its new owner")
			return outcome{state: models.StatePending, skipped: true}, nil
		}
		return outcome{}, err
	}
	log.Info("Trade resolved",
		zap.String("state", string(v.State)),
		zap.Time("resolved_time", v.ResolvedTime),
		zap.Int("bars_seen", v.BarsSeen),
		zap.String("note", v.Note),
	)
	return outcome{state: v.State}, nil
}

// fail records a fetch failure. Past the retry ceiling the trade becomes ERROR.
func (e *Engine) fail(ctx context.Context, t *models.Trade, token string, now time.Time, cause error, log *zap.Logger) (outcome, error) {
	failures := t.FetchFailures + 1
	if failures > e.cfg.RetryCeiling {
		note := fmt.Sprintf("data fetch failed %d times: %v", failures, cause)
		if err := e.commit(ctx, t, token, models.StateError, now, note, &fetchFailure{count: failures, msg: cause.Error()}); err != nil {
			if errors.Is(err, database.ErrClaimLost) {
				return outcome{state: models.StatePending, skipped: true}, nil
			}
			return outcome{}, err
		}
		log.Error("Trade escalated to ERROR after repeated fetch failures", zap.Int("failures", failures), zap.Error(cause))
		return outcome{state: models.StateError, fetchFailed: true}, nil
	}

	n, err := e.store.RecordFetchFailure(ctx, t.ID, token, cause.Error())
	if errors.Is(err, database.ErrClaimLost) {
		return outcome{state: models.StatePending, skipped: true}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	log.Warn("Bar fetch failed, trade stays PENDING", zap.Int("failures", n), zap.Int("ceiling", e.cfg.RetryCeiling), zap.Error(cause))
	return outcome{state: models.StatePending, fetchFailed: true}, nil
}

type fetchFailure struct {
	count int
	msg   string
}

// commit writes the terminal state plus its ladder and ledger effects in one
// transaction. Losing the claim rolls everything back.
func (e *Engine) commit(ctx context.Context, t *models.Trade, token string, state models.TradeState, at time.Time, note string, ff *fetchFailure) error {
	if at.Before(t.EntryTime) {
		at = t.EntryTime
	}
	r := RMultiple(state, t.RewardRisk)
	pnl := r * t.RiskAmount
	res := database.Resolution{
		TradeID:      t.ID,
		Token:        token,
		State:        state,
		ResolvedTime: at,
		Note:         note,
		RMultiple:    r,
		PnL:          pnl,
	}
	if ff != nil {
		res.FetchFailures, res.LastError = ff.count, ff.msg
	}

	var next ladder.State
	err := e.store.InTx(ctx, func(tx *database.Store) error {
		ok, err := tx.FinalizeTrade(ctx, res)
		if err != nil {
			return err
		}
		if !ok {
			return database.ErrClaimLost
		}
		if state == models.StateError {
			return nil
		}

		cur, err := tx.CurrentLevel(ctx)
		if err != nil {
			return err
		}
		next = ladder.Apply(cur, ladder.Outcome{Result: state, PnL: pnl}, e.ladderCfg)
		reason := string(state)
		if state == models.StateLoss && next.StartBalance != cur.StartBalance {
			reason = "RESET"
		}
		id := t.ID
		if err := tx.AppendLevel(ctx, next, reason, &id, pnl, e.now()); err != nil {
			return err
		}

		g := grading.Outcome{Direction: t.Direction, Result: state, RMultiple: r}
		if !g.Gradable() {
			return nil
		}
		opinions, err := tx.SignalOpinions(ctx, t.SignalID)
		if err != nil {
			return err
		}
		current, err := tx.ModulePerformances(ctx)
		if err != nil {
			return err
		}
		updated := grading.Grade(current, opinions, g)
		deltas := make([]grading.Performance, 0, len(updated))
		for _, p := range updated {
			deltas = append(deltas, grading.Delta(current[p.ModuleID], p))
		}
		return tx.AddPerformance(ctx, deltas)
	})
	if err != nil {
		return err
	}

	e.metrics.TradeResolved(string(state))
	if state != models.StateError {
		e.metrics.SetLadder(next.Level, next.Balance)
	}
	return nil
}

// ForceResolve is the administrative override. It goes through the same claim
// and commit path as a poll.
func (e *Engine) ForceResolve(ctx context.Context, id uint, state models.TradeState, note string) error {
	if !state.Terminal() {
		return fmt.Errorf("cannot force trade into %q", state)
	}
	t, err := e.store.Trade(ctx, id)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return fmt.Errorf("%w: trade %d is %s", ErrAlreadyResolved, id, t.State)
	}

	token := e.newToken()
	now := e.now()
	claimed, err := e.store.ClaimTrade(ctx, id, token, now, e.cfg.ClaimTTL)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrBusy
	}

	if note == "" {
		note = "manual override"
	} else {
		note = "manual override: " + note
	}
	if err := e.commit(ctx, t, token, state, now, note, nil); err != nil {
		if errors.Is(err, database.ErrClaimLost) {
			return ErrBusy
		}
		return err
	}
	e.logger.Warn("Trade force-resolved", zap.Uint("trade_id", id), zap.String("state", string(state)), zap.String("note", note))
	return nil
}
