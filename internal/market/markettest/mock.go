// Package markettest provides test doubles for market.BarSource.
package markettest

import (
	"context"
	"time"

	"council-trade-bot/internal/market"
	"github.com/stretchr/testify/mock"
)

// MockBarSource is a mock implementation of market.BarSource.
type MockBarSource struct {
	mock.Mock
}

var _ market.BarSource = (*MockBarSource)(nil)

func (m *MockBarSource) GetBars(ctx context.Context, symbol string, tf market.Timeframe, since time.Time) ([]market.Bar, error) {
	args := m.Called(ctx, symbol, tf, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]market.Bar), args.Error(1)
}

func (m *MockBarSource) GetLatestBars(ctx context.Context, symbol string, tf market.Timeframe, n int) ([]market.Bar, error) {
	args := m.Called(ctx, symbol, tf, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]market.Bar), args.Error(1)
}

func (m *MockBarSource) GetQuote(ctx context.Context, symbol string) (market.Quote, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(market.Quote), args.Error(1)
}

// Series builds one-minute bars starting at start from close prices. Each bar
// spans ±spread around its close and opens at the previous close.
func Series(start time.Time, spread float64, closes ...float64) []market.Bar {
	bars := make([]market.Bar, len(closes))
	prev := closes[0]
	for i, c := range closes {
		hi, lo := max(prev, c)+spread, min(prev, c)-spread
		bars[i] = market.NewBar(start.Add(time.Duration(i)*time.Minute), time.Minute, prev, hi, lo, c, 100)
		prev = c
	}
	return bars
}
