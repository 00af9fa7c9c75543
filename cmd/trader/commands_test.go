package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"council-trade-bot/internal/analysis"
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/database/databasetest"
	"council-trade-bot/internal/market"
	"council-trade-bot/internal/market/markettest"
	"council-trade-bot/internal/models"
	"council-trade-bot/internal/planner"
	"council-trade-bot/internal/trader"
	"council-trade-bot/internal/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPrintStatus(t *testing.T) {
	ctx := context.Background()
	store := databasetest.Open(t)
	cfg := &config.Config{Ladder: databasetest.Ladder, Verification: config.Verification{ClaimTTL: time.Minute}}
	src := new(markettest.MockBarSource)
	verifier := verification.NewEngine(store, src, cfg, zap.NewNop(), nil)
	queries := trader.NewQueries(store, verifier, analysis.NewRegistryOf(nil, ""), src, cfg)

	sig := &models.Signal{Timestamp: time.Now().UTC(), Symbol: "XAU/USD", Direction: market.Buy, Technical: market.Buy}
	require.NoError(t, store.SaveSignal(ctx, sig, nil))
	_, err := store.OpenTrade(ctx, planner.Plan{SignalID: sig.ID, Direction: market.Buy, Entry: 2000, Stop: 1999, Target: 2002, CreatedAt: time.Now().UTC()}, "XAU/USD", "1min")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printStatus(ctx, &buf, queries))

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Contains(t, out, "summary")
	assert.NotContains(t, out, "quota", "the one-shot CLI has no call history")

	var pending []trader.PendingTrade
	require.NoError(t, json.Unmarshal(out["pending"], &pending))
	assert.Len(t, pending, 1)
}
