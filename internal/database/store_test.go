package database_test

import (
	"context"
	"testing"
	"time"

	"council-trade-bot/internal/analysis"
	"council-trade-bot/internal/database"
	"council-trade-bot/internal/database/databasetest"
	"council-trade-bot/internal/grading"
	"council-trade-bot/internal/market"
	"council-trade-bot/internal/models"
	"council-trade-bot/internal/planner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entry = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func openTrade(t *testing.T, s *database.Store, at time.Time) *models.Trade {
	t.Helper()
	ctx := context.Background()
	sig := &models.Signal{Timestamp: at, Symbol: "XAU/USD", Technical: market.Buy, Direction: market.Buy, GatePassed: true, Confidence: 60, Score: 2.5}
	require.NoError(t, s.SaveSignal(ctx, sig, []analysis.Opinion{
		{ModuleID: "trend", Direction: market.Buy, Strength: 1, Weight: 1},
	}))
	tr, err := s.OpenTrade(ctx, planner.Plan{
		SignalID: sig.ID, Direction: market.Buy, Entry: 2000, Stop: 1999, Target: 2002,
		Size: 0.01, StopDistance: 1, RiskFraction: 0.01, RiskAmount: 0.2, RewardRisk: 2, Level: 1, CreatedAt: at,
	}, "XAU/USD", "1min")
	require.NoError(t, err)
	return tr
}

func TestStoreSeeding(t *testing.T) {
	s := databasetest.Open(t)
	ctx := context.Background()

	lvl, err := s.CurrentLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lvl.Level)
	assert.Equal(t, 20.0, lvl.Balance)
	assert.Equal(t, 24.0, lvl.Target)

	paused, err := s.Paused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, s.SetPaused(ctx, true))
	paused, err = s.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)
}

func TestOpenTrade(t *testing.T) {
	s := databasetest.Open(t)
	ctx := context.Background()

	est := time.FixedZone("EST", -5*3600)
	tr := openTrade(t, s, entry.In(est))

	loaded, err := s.Trade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, loaded.State)
	assert.Equal(t, time.UTC, loaded.EntryTime.Location())
	assert.True(t, entry.Equal(loaded.EntryTime))

	sig, err := s.LatestSignal(ctx)
	require.NoError(t, err)
	require.NotNil(t, sig.TradeID)
	assert.Equal(t, tr.ID, *sig.TradeID)

	ops, err := s.SignalOpinions(ctx, sig.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "trend", ops[0].ModuleID)

	_, err = s.Trade(ctx, 999)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestClaimTrade(t *testing.T) {
	ctx := context.Background()
	now := entry.Add(10 * time.Minute)

	t.Run("second claim is refused while the first is live", func(t *testing.T) {
		s := databasetest.Open(t)
		tr := openTrade(t, s, entry)

		ok, err := s.ClaimTrade(ctx, tr.ID, "a", now, 10*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ClaimTrade(ctx, tr.ID, "b", now.Add(time.Minute), 10*time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("stale claim can be taken over", func(t *testing.T) {
		s := databasetest.Open(t)
		tr := openTrade(t, s, entry)

		ok, err := s.ClaimTrade(ctx, tr.ID, "a", now, 10*time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.ClaimTrade(ctx, tr.ID, "b", now.Add(11*time.Minute), 10*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		// The original holder can no longer commit.
		done, err := s.FinalizeTrade(ctx, database.Resolution{TradeID: tr.ID, Token: "a", State: models.StateWin, ResolvedTime: now})
		require.NoError(t, err)
		assert.False(t, done)
	})

	t.Run("released claim is free again", func(t *testing.T) {
		s := databasetest.Open(t)
		tr := openTrade(t, s, entry)

		ok, err := s.ClaimTrade(ctx, tr.ID, "a", now, 10*time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.ReleaseClaim(ctx, tr.ID, "a"))

		ok, err = s.ClaimTrade(ctx, tr.ID, "b", now, 10*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestFinalizeTrade(t *testing.T) {
	s := databasetest.Open(t)
	ctx := context.Background()
	tr := openTrade(t, s, entry)
	now := entry.Add(3 * time.Minute)

	ok, err := s.ClaimTrade(ctx, tr.ID, "tok", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res := database.Resolution{TradeID: tr.ID, Token: "tok", State: models.StateWin, ResolvedTime: entry.Add(2 * time.Minute), Note: "target", RMultiple: 2, PnL: 0.4}
	done, err := s.FinalizeTrade(ctx, res)
	require.NoError(t, err)
	assert.True(t, done)

	// A repeated commit is a no-op.
	res.State = models.StateLoss
	done, err = s.FinalizeTrade(ctx, res)
	require.NoError(t, err)
	assert.False(t, done)

	loaded, err := s.Trade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateWin, loaded.State)
	require.NotNil(t, loaded.ResolvedTime)
	assert.True(t, entry.Add(2*time.Minute).Equal(*loaded.ResolvedTime))
	assert.Nil(t, loaded.ClaimToken)
	assert.Equal(t, 0.4, loaded.PnL)

	ok, err = s.ClaimTrade(ctx, tr.ID, "again", now.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "terminal trades cannot be claimed")
}

func TestRecordFetchFailure(t *testing.T) {
	s := databasetest.Open(t)
	ctx := context.Background()
	tr := openTrade(t, s, entry)
	now := entry.Add(time.Minute)

	for want := 1; want <= 2; want++ {
		ok, err := s.ClaimTrade(ctx, tr.ID, "tok", now, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		n, err := s.RecordFetchFailure(ctx, tr.ID, "tok", "provider down")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	_, err := s.RecordFetchFailure(ctx, tr.ID, "not-held", "x")
	assert.ErrorIs(t, err, database.ErrClaimLost)

	loaded, err := s.Trade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, loaded.State)
	assert.Equal(t, "provider down", loaded.LastError)
}

func TestAddPerformance(t *testing.T) {
	s := databasetest.Open(t)
	ctx := context.Background()

	require.NoError(t, s.AddPerformance(ctx, []grading.Performance{
		{ModuleID: "rsi", TradesSeen: 1, Agreements: 1, CumulativeR: 2},
		{ModuleID: "macd", Neutral: 1},
	}))
	require.NoError(t, s.AddPerformance(ctx, []grading.Performance{
		{ModuleID: "rsi", TradesSeen: 1, CumulativeR: -1},
	}))

	perfs, err := s.ModulePerformances(ctx)
	require.NoError(t, err)
	assert.Equal(t, grading.Performance{ModuleID: "rsi", TradesSeen: 2, Agreements: 1, CumulativeR: 1}, perfs["rsi"])
	assert.Equal(t, grading.Performance{ModuleID: "macd", Neutral: 1}, perfs["macd"])
}

func TestTradeStats(t *testing.T) {
	s := databasetest.Open(t)
	ctx := context.Background()

	resolve := func(state models.TradeState, r, pnl float64) {
		tr := openTrade(t, s, entry)
		ok, err := s.ClaimTrade(ctx, tr.ID, "tok", entry, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		done, err := s.FinalizeTrade(ctx, database.Resolution{TradeID: tr.ID, Token: "tok", State: state, ResolvedTime: entry, RMultiple: r, PnL: pnl})
		require.NoError(t, err)
		require.True(t, done)
	}
	resolve(models.StateWin, 2, 0.4)
	resolve(models.StateWin, 2, 0.4)
	resolve(models.StateLoss, -1, -0.2)
	resolve(models.StateTimeout, 0, 0)
	openTrade(t, s, entry)

	st, err := s.TradeStats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 2, st.Wins)
	assert.Equal(t, 1, st.Losses)
	assert.Equal(t, 1, st.Timeouts)
	assert.InDelta(t, 66.67, st.WinRate, 0.01)
	assert.InDelta(t, 3.0, st.NetR, 1e-9)
	assert.InDelta(t, 0.6, st.NetPnL, 1e-9)

	n, err := s.CountTradesSince(ctx, entry.Add(time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	recent, err := s.RecentTrades(ctx, 10, models.StateWin)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestRecentOutcomes(t *testing.T) {
	s := databasetest.Open(t)
	ctx := context.Background()

	resolve := func(state models.TradeState, at time.Time) *models.Trade {
		tr := openTrade(t, s, entry)
		ok, err := s.ClaimTrade(ctx, tr.ID, "tok", entry, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		done, err := s.FinalizeTrade(ctx, database.Resolution{TradeID: tr.ID, Token: "tok", State: state, ResolvedTime: at})
		require.NoError(t, err)
		require.True(t, done)
		return tr
	}
	// Opened in id order, resolved out of order.
	late := resolve(models.StateLoss, entry.Add(3*time.Hour))
	early := resolve(models.StateWin, entry.Add(time.Hour))
	mid := resolve(models.StateTimeout, entry.Add(2*time.Hour))
	resolve(models.StateError, entry.Add(4*time.Hour))
	openTrade(t, s, entry)

	recent, err := s.RecentOutcomes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []uint{late.ID, mid.ID, early.ID}, []uint{recent[0].ID, recent[1].ID, recent[2].ID})

	recent, err = s.RecentOutcomes(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, late.ID, recent[0].ID)
}
