package trader

import (
	"context"
	"errors"
	"time"

	"council-trade-bot/internal/analysis"
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/database"
	"council-trade-bot/internal/grading"
	"council-trade-bot/internal/ladder"
	"council-trade-bot/internal/market"
	"council-trade-bot/internal/models"
	"council-trade-bot/internal/verification"
)

// Queries are the read accessors behind the CLI, the status API and the
// dashboard, plus the manual override.
type Queries struct {
	store     *database.Store
	verifier  *verification.Engine
	registry  *analysis.Registry
	src       market.BarSource
	inst      config.Instrument
	ladderCfg config.Ladder
	now       func() time.Time
}

func NewQueries(store *database.Store, verifier *verification.Engine, registry *analysis.Registry, src market.BarSource, cfg *config.Config) *Queries {
	return &Queries{
		store:     store,
		verifier:  verifier,
		registry:  registry,
		src:       src,
		inst:      cfg.Instrument,
		ladderCfg: cfg.Ladder,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PriceView is the live quote of the traded instrument with the configured
// spread applied around it.
type PriceView struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Price fetches the current quote. Each call spends one provider credit.
func (q *Queries) Price(ctx context.Context) (PriceView, error) {
	quote, err := q.src.GetQuote(ctx, q.inst.Symbol)
	if err != nil {
		return PriceView{}, err
	}
	half := q.inst.Spread / 2
	return PriceView{
		Symbol: quote.Symbol,
		Price:  quote.Price,
		Bid:    quote.Price - half,
		Ask:    quote.Price + half,
		Time:   quote.Time,
	}, nil
}

type LevelView struct {
	ladder.State
	Progress     float64 `json:"progress"`
	GuardBalance float64 `json:"guard_balance"` // a LOSS below this resets to level 1
}

func (q *Queries) Level(ctx context.Context) (LevelView, error) {
	st, err := q.store.CurrentLevel(ctx)
	if err != nil {
		return LevelView{}, err
	}
	return LevelView{
		State:        st,
		Progress:     st.Progress(),
		GuardBalance: st.StartBalance * (1 - q.ladderCfg.DrawdownGuard),
	}, nil
}

func (q *Queries) LevelHistory(ctx context.Context, limit int) ([]models.Level, error) {
	return q.store.LevelHistory(ctx, limit)
}

type PendingTrade struct {
	models.Trade
	Age string `json:"age"`
}

// PendingTrades lists open trades with their age, oldest first.
func (q *Queries) PendingTrades(ctx context.Context) ([]PendingTrade, error) {
	trades, err := q.store.PendingTrades(ctx)
	if err != nil {
		return nil, err
	}
	now := q.now()
	out := make([]PendingTrade, len(trades))
	for i, t := range trades {
		out[i] = PendingTrade{Trade: t, Age: t.Age(now).Truncate(time.Second).String()}
	}
	return out, nil
}

func (q *Queries) RecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	return q.store.RecentTrades(ctx, limit)
}

type DecisionView struct {
	*models.Signal
	Opinions []analysis.Opinion `json:"opinions"`
}

// LatestDecision returns nil when no cycle has run yet.
func (q *Queries) LatestDecision(ctx context.Context) (*DecisionView, error) {
	sig, err := q.store.LatestSignal(ctx)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ops, err := database.DecodeOpinions(sig.Opinions)
	if err != nil {
		return nil, err
	}
	return &DecisionView{Signal: sig, Opinions: ops}, nil
}

type ModuleView struct {
	grading.Performance
	Weight     float64 `json:"weight"`
	Gate       bool    `json:"gate"`
	Accuracy   float64 `json:"accuracy"`
	Expectancy float64 `json:"expectancy"`
}

// Modules returns every registered module with its ledger record, best first.
func (q *Queries) Modules(ctx context.Context) ([]ModuleView, error) {
	perfs, err := q.store.ModulePerformances(ctx)
	if err != nil {
		return nil, err
	}

	all := make([]grading.Performance, 0, len(perfs))
	gates := map[string]bool{}
	for _, m := range q.registry.Modules() {
		p := perfs[m.ID()]
		p.ModuleID = m.ID()
		all = append(all, p)
		gates[m.ID()] = q.registry.IsGate(m.ID())
		delete(perfs, m.ID())
	}
	// Modules no longer registered keep their history.
	for _, p := range perfs {
		all = append(all, p)
	}

	ranked := grading.Ranked(all)
	out := make([]ModuleView, len(ranked))
	for i, p := range ranked {
		out[i] = ModuleView{
			Performance: p,
			Weight:      q.registry.Weight(p.ModuleID),
			Gate:        gates[p.ModuleID],
			Accuracy:    p.Accuracy(),
			Expectancy:  p.Expectancy(),
		}
	}
	return out, nil
}

// Stats covers trades entered at or after since; zero means all time.
func (q *Queries) Stats(ctx context.Context, since time.Time) (database.Stats, error) {
	return q.store.TradeStats(ctx, since)
}

type Summary struct {
	Date       string         `json:"date"`
	Level      LevelView      `json:"level"`
	Today      database.Stats `json:"today"`
	AllTime    database.Stats `json:"all_time"`
	TopModules []ModuleView   `json:"top_modules"`
	Latest     *DecisionView  `json:"latest_decision,omitempty"`
	Paused     bool           `json:"paused"`
}

// DailySummary reports the ladder, today's and all-time statistics and the
// three most accurate modules.
func (q *Queries) DailySummary(ctx context.Context) (Summary, error) {
	now := q.now()
	var s Summary
	var err error
	s.Date = now.Format("2006-01-02")
	if s.Level, err = q.Level(ctx); err != nil {
		return s, err
	}
	if s.Today, err = q.store.TradeStats(ctx, startOfDay(now)); err != nil {
		return s, err
	}
	if s.AllTime, err = q.store.TradeStats(ctx, time.Time{}); err != nil {
		return s, err
	}
	mods, err := q.Modules(ctx)
	if err != nil {
		return s, err
	}
	s.TopModules = mods[:min(3, len(mods))]
	if s.Latest, err = q.LatestDecision(ctx); err != nil {
		return s, err
	}
	s.Paused, err = q.store.Paused(ctx)
	return s, err
}

func (q *Queries) ForceResolve(ctx context.Context, id uint, state models.TradeState, note string) error {
	return q.verifier.ForceResolve(ctx, id, state, note)
}

func (q *Queries) SetPaused(ctx context.Context, paused bool) error {
	return q.store.SetPaused(ctx, paused)
}
