package trader

import (
	"context"
	"errors"
	"testing"
	"time"

	"council-trade-bot/internal/analysis"
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/council"
	"council-trade-bot/internal/database"
	"council-trade-bot/internal/database/databasetest"
	"council-trade-bot/internal/market"
	"council-trade-bot/internal/market/markettest"
	"council-trade-bot/internal/models"
	"council-trade-bot/internal/planner"
	"council-trade-bot/internal/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Tuesday.
var tuesday = time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC)

// fixed is an analysis module with a canned verdict.
type fixed struct {
	id       string
	dir      market.Direction
	strength float64
}

func (f fixed) ID() string { return f.id }
func (f fixed) Analyze(context.Context, analysis.Snapshot) (analysis.Verdict, error) {
	return analysis.Verdict{Direction: f.dir, Strength: f.strength, Explanation: "fixed"}, nil
}

type testEnv struct {
	cfg      *config.Config
	store    *database.Store
	src      *markettest.MockBarSource
	registry *analysis.Registry
	engine   *Engine
	queries  *Queries
}

func testConfig() *config.Config {
	return &config.Config{
		Instrument: config.Instrument{
			Symbol: "XAU/USD", Timeframe: "1min", Lookback: 30,
			PointValue: 1, MinLot: 0.01, LotStep: 0.01, MaxLot: 50, Spread: 0.05, TickSize: 0.01,
		},
		Council: config.Council{
			Threshold: 2, GateModule: "macro", GateVetoSeverity: 0.3,
			Confidence: config.Confidence{Base: 50, PerModule: 5, MacroAlign: 10, MacroContra: -10, Cap: 90, Floor: 30},
		},
		Risk:         config.Risk{PerTrade: 0.01, StrictPerTrade: 0.2, RewardRisk: 2, ATRPeriod: 14, ATRMultiplier: 1.5},
		Ladder:       databasetest.Ladder,
		Verification: config.Verification{Horizon: 2 * time.Hour, MaxBars: 120, RetryCeiling: 3, FetchTimeout: time.Second, ClaimTTL: time.Minute},
		Schedule:     config.Schedule{Signal: "0 */30 * * * *", Verification: "0 */5 * * * *"},
		Safety:       config.Safety{MaxTradesPerDay: 3, ConsecutiveLossLimit: 3, Blackout: 15 * time.Minute, SkipWeekends: true},
	}
}

func newEnv(t *testing.T, cfg *config.Config, modules ...analysis.Module) *testEnv {
	t.Helper()
	if len(modules) == 0 {
		modules = []analysis.Module{
			fixed{id: "trend", dir: market.Buy, strength: 1},
			fixed{id: "rsi", dir: market.Buy, strength: 1},
			fixed{id: "macro", dir: market.Neutral},
		}
	}
	env := &testEnv{cfg: cfg, store: databasetest.Open(t), src: new(markettest.MockBarSource)}
	env.registry = analysis.NewRegistryOf(nil, cfg.Council.GateModule, modules...)
	c := council.New(env.registry, cfg.Council, cfg.Risk.ATRPeriod, zap.NewNop(), nil)
	v := verification.NewEngine(env.store, env.src, cfg, zap.NewNop(), nil)

	var err error
	env.engine, err = NewEngine(zap.NewNop(), cfg, env.store, env.src, c, v, nil)
	require.NoError(t, err)
	env.engine.now = func() time.Time { return tuesday }
	env.queries = NewQueries(env.store, v, env.registry, env.src, cfg)
	env.queries.now = func() time.Time { return tuesday }
	return env
}

// flatBars returns 30 one-minute bars around 2000 with a true range of 1.
func flatBars() []market.Bar { return flatBarsAt(tuesday) }

func flatBarsAt(end time.Time) []market.Bar {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 2000
	}
	return markettest.Series(end.Add(-30*time.Minute), 0.5, closes...)
}

func (env *testEnv) expectLatest(bars []market.Bar, err error) {
	env.src.On("GetLatestBars", mock.Anything, "XAU/USD", market.Timeframe("1min"), 30).Return(bars, err)
}

func TestRunSignalCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("actionable decision opens a trade", func(t *testing.T) {
		// Arrange
		env := newEnv(t, testConfig())
		env.expectLatest(flatBars(), nil)

		// Act
		res, err := env.engine.RunSignalCycle(ctx)

		// Assert
		require.NoError(t, err)
		require.NotNil(t, res.Signal)
		require.NotNil(t, res.Trade)
		assert.Equal(t, market.Buy, res.Signal.Direction)
		assert.Equal(t, models.StatePending, res.Trade.State)
		assert.Equal(t, 2000.0, res.Trade.Entry)
		assert.InDelta(t, 1998.45, res.Trade.Stop, 1e-9)
		assert.InDelta(t, 2003.1, res.Trade.Target, 1e-9)
		assert.Equal(t, 0.12, res.Trade.Size)

		sig, err := env.store.LatestSignal(ctx)
		require.NoError(t, err)
		require.NotNil(t, sig.TradeID)
		assert.Equal(t, res.Trade.ID, *sig.TradeID)
	})

	t.Run("neutral decision is recorded without a trade", func(t *testing.T) {
		env := newEnv(t, testConfig(),
			fixed{id: "trend", dir: market.Buy, strength: 1},
			fixed{id: "rsi", dir: market.Sell, strength: 1},
		)
		env.expectLatest(flatBars(), nil)

		res, err := env.engine.RunSignalCycle(ctx)
		require.NoError(t, err)
		require.NotNil(t, res.Signal)
		assert.Nil(t, res.Trade)
		assert.Equal(t, market.None, res.Signal.Direction)
	})

	t.Run("gate veto is recorded without a trade", func(t *testing.T) {
		env := newEnv(t, testConfig(),
			fixed{id: "trend", dir: market.Buy, strength: 1},
			fixed{id: "rsi", dir: market.Buy, strength: 1},
			fixed{id: "macro", dir: market.Sell, strength: 1},
		)
		env.expectLatest(flatBars(), nil)

		res, err := env.engine.RunSignalCycle(ctx)
		require.NoError(t, err)
		assert.Nil(t, res.Trade)
		assert.False(t, res.Signal.GatePassed)
	})

	t.Run("insufficient balance annotates the signal", func(t *testing.T) {
		cfg := testConfig()
		cfg.Instrument.PointValue = 100
		env := newEnv(t, cfg)
		env.expectLatest(flatBars(), nil)

		res, err := env.engine.RunSignalCycle(ctx)
		require.NoError(t, err)
		assert.Nil(t, res.Trade)

		sig, err := env.store.LatestSignal(ctx)
		require.NoError(t, err)
		assert.Contains(t, sig.Note, "insufficient balance")
		assert.Nil(t, sig.TradeID)
	})

	t.Run("fetch failure fails the cycle", func(t *testing.T) {
		env := newEnv(t, testConfig())
		env.expectLatest(nil, errors.New("API down"))

		_, err := env.engine.RunSignalCycle(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API down")
	})
}

func TestSafetyLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("paused", func(t *testing.T) {
		env := newEnv(t, testConfig())
		require.NoError(t, env.queries.SetPaused(ctx, true))

		res, err := env.engine.RunSignalCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, "paused by operator", res.Skipped)
		env.src.AssertNotCalled(t, "GetLatestBars", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("weekend", func(t *testing.T) {
		env := newEnv(t, testConfig())
		env.engine.now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) }

		res, err := env.engine.RunSignalCycle(ctx)
		require.NoError(t, err)
		assert.Contains(t, res.Skipped, "weekend")
	})

	t.Run("sunday trades", func(t *testing.T) {
		sunday := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
		env := newEnv(t, testConfig())
		env.engine.now = func() time.Time { return sunday }
		env.expectLatest(flatBarsAt(sunday), nil)

		res, err := env.engine.RunSignalCycle(ctx)
		require.NoError(t, err)
		assert.Empty(t, res.Skipped)
		require.NotNil(t, res.Trade)
	})

	t.Run("news blackout", func(t *testing.T) {
		cfg := testConfig()
		cfg.Safety.Events = []string{"2024-03-05 10:40"}
		env := newEnv(t, cfg)

		res, err := env.engine.RunSignalCycle(ctx)
		require.NoError(t, err)
		assert.Contains(t, res.Skipped, "blackout")
	})

	t.Run("daily trade limit", func(t *testing.T) {
		cfg := testConfig()
		cfg.Safety.MaxTradesPerDay = 1
		env := newEnv(t, cfg)
		sig := &models.Signal{Timestamp: tuesday, Symbol: "XAU/USD", Direction: market.Buy, Technical: market.Buy}
		require.NoError(t, env.store.SaveSignal(ctx, sig, nil))
		_, err := env.store.OpenTrade(ctx, planner.Plan{SignalID: sig.ID, Direction: market.Buy, Entry: 2000, Stop: 1999, Target: 2002, CreatedAt: tuesday.Add(-time.Hour)}, "XAU/USD", "1min")
		require.NoError(t, err)

		res, err := env.engine.RunSignalCycle(ctx)
		require.NoError(t, err)
		assert.Contains(t, res.Skipped, "daily trade limit")
	})

	t.Run("loss streak follows resolution order", func(t *testing.T) {
		cfg := testConfig()
		cfg.Safety.ConsecutiveLossLimit = 2
		cfg.Safety.MaxTradesPerDay = 0
		env := newEnv(t, cfg)
		resolve := func(state models.TradeState, at time.Time) {
			sig := &models.Signal{Timestamp: tuesday, Symbol: "XAU/USD", Direction: market.Buy, Technical: market.Buy}
			require.NoError(t, env.store.SaveSignal(ctx, sig, nil))
			tr, err := env.store.OpenTrade(ctx, planner.Plan{SignalID: sig.ID, Direction: market.Buy, Entry: 2000, Stop: 1999, Target: 2002, CreatedAt: tuesday.Add(-3 * time.Hour)}, "XAU/USD", "1min")
			require.NoError(t, err)
			ok, err := env.store.ClaimTrade(ctx, tr.ID, "tok", tuesday, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			done, err := env.store.FinalizeTrade(ctx, database.Resolution{TradeID: tr.ID, Token: "tok", State: state, ResolvedTime: at})
			require.NoError(t, err)
			require.True(t, done)
		}
		// The WIN was opened last but resolved first; the two later LOSSes form the streak.
		resolve(models.StateLoss, tuesday.Add(-30*time.Minute))
		resolve(models.StateLoss, tuesday.Add(-20*time.Minute))
		resolve(models.StateWin, tuesday.Add(-2*time.Hour))

		res, err := env.engine.RunSignalCycle(ctx)
		require.NoError(t, err)
		assert.Contains(t, res.Skipped, "consecutive losses")
	})

	t.Run("invalid event is a configuration error", func(t *testing.T) {
		cfg := testConfig()
		cfg.Safety.Events = []string{"next friday"}
		_, err := NewEngine(zap.NewNop(), cfg, nil, nil, nil, nil, nil)
		assert.Error(t, err)
	})
}

func TestLossStreak(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	at := func(h int) *time.Time { v := day.Add(time.Duration(h) * time.Hour); return &v }

	tests := []struct {
		name   string
		trades []models.Trade
		want   int
	}{
		{"empty", nil, 0},
		{"streak today", []models.Trade{{State: models.StateLoss, ResolvedTime: at(3)}, {State: models.StateLoss, ResolvedTime: at(2)}}, 2},
		{"win breaks streak", []models.Trade{{State: models.StateLoss, ResolvedTime: at(3)}, {State: models.StateWin, ResolvedTime: at(2)}, {State: models.StateLoss, ResolvedTime: at(1)}}, 1},
		{"yesterday does not count", []models.Trade{{State: models.StateLoss, ResolvedTime: at(-1)}}, 0},
		{"timeout breaks streak", []models.Trade{{State: models.StateLoss, ResolvedTime: at(4)}, {State: models.StateTimeout, ResolvedTime: at(3)}, {State: models.StateLoss, ResolvedTime: at(2)}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lossStreak(tt.trades, day))
		})
	}
}

func TestQueries(t *testing.T) {
	ctx := context.Background()

	t.Run("price applies the spread", func(t *testing.T) {
		env := newEnv(t, testConfig())
		env.src.On("GetQuote", mock.Anything, "XAU/USD").Return(market.Quote{Symbol: "XAU/USD", Price: 2000, Time: tuesday}, nil).Once()

		p, err := env.queries.Price(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2000.0, p.Price)
		assert.InDelta(t, 1999.975, p.Bid, 1e-9)
		assert.InDelta(t, 2000.025, p.Ask, 1e-9)
		assert.True(t, tuesday.Equal(p.Time))

		env.src.On("GetQuote", mock.Anything, "XAU/USD").Return(market.Quote{}, errors.New("API down")).Once()
		_, err = env.queries.Price(ctx)
		assert.Error(t, err)
	})

	t.Run("empty store", func(t *testing.T) {
		env := newEnv(t, testConfig())

		d, err := env.queries.LatestDecision(ctx)
		require.NoError(t, err)
		assert.Nil(t, d)

		lvl, err := env.queries.Level(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, lvl.Level)
		assert.Zero(t, lvl.Progress)
		assert.InDelta(t, 16.67, lvl.GuardBalance, 0.01)

		mods, err := env.queries.Modules(ctx)
		require.NoError(t, err)
		assert.Len(t, mods, 3)
	})

	t.Run("after a resolved trade", func(t *testing.T) {
		env := newEnv(t, testConfig())
		env.expectLatest(flatBars(), nil)
		res, err := env.engine.RunSignalCycle(ctx)
		require.NoError(t, err)
		require.NotNil(t, res.Trade)

		pending, err := env.queries.PendingTrades(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "0s", pending[0].Age)

		require.NoError(t, env.queries.ForceResolve(ctx, res.Trade.ID, models.StateWin, "checked by hand"))

		mods, err := env.queries.Modules(ctx)
		require.NoError(t, err)
		require.Len(t, mods, 3)
		assert.Equal(t, 1.0, mods[0].Accuracy)

		d, err := env.queries.LatestDecision(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Len(t, d.Opinions, 3)

		sum, err := env.queries.DailySummary(ctx)
		require.NoError(t, err)
		assert.Equal(t, "2024-03-05", sum.Date)
		assert.Equal(t, 1, sum.AllTime.Wins)
		assert.Equal(t, 1, sum.Today.Wins)
		assert.Len(t, sum.TopModules, 3)
		assert.False(t, sum.Paused)
	})
}
