package analysis

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"council-trade-bot/internal/market"
)

// Macro is the default gate module. It reads the trend of a USD proxy pair: a rising
// dollar argues against long gold, a falling dollar against shorts.
// Results are cached for ttl to spare the provider's call budget.
type Macro struct {
	src       market.BarSource
	symbol    string
	timeframe market.Timeframe
	ttl       time.Duration
	lookback  int
	now       func() time.Time

	mu       sync.Mutex
	cached   Verdict
	cachedAt time.Time
}

func NewMacro(src market.BarSource, symbol string, tf market.Timeframe, ttl time.Duration) *Macro {
	return &Macro{src: src, symbol: symbol, timeframe: tf, ttl: ttl, lookback: 3, now: time.Now}
}

func (*Macro) ID() string { return "macro" }

func (m *Macro) Analyze(ctx context.Context, _ Snapshot) (Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.cachedAt.IsZero() && now.Sub(m.cachedAt) < m.ttl {
		return m.cached, nil
	}

	bars, err := m.src.GetLatestBars(ctx, m.symbol, m.timeframe, m.lookback*2+4)
	if err != nil {
		return Verdict{}, fmt.Errorf("macro data: %w", err)
	}

	// Only the dollar component has a data feed; yield and risk tone stay flat.
	score := -usdTrend(market.Closes(bars), m.lookback)
	v := macroVerdict(score)

	m.cached, m.cachedAt = v, now
	return v, nil
}

// macroVerdict maps a score in [-3, 3] to a verdict of strength |score|/3.
func macroVerdict(score int) Verdict {
	strength := math.Min(math.Abs(float64(score))/3, 1)
	switch {
	case score >= 1:
		return Verdict{market.Buy, strength, fmt.Sprintf("USD weakening (macro score %+d)", score)}
	case score <= -1:
		return Verdict{market.Sell, strength, fmt.Sprintf("USD strengthening (macro score %+d)", score)}
	}
	return neutral("macro flat")
}

// usdTrend compares the mean of the last lookback closes with the mean of the
// lookback before them: 1 rising by more than 0.2%, -1 falling, 0 flat.
func usdTrend(closes []float64, lookback int) int {
	if len(closes) < lookback*2 {
		return 0
	}
	recent := SMA(closes, lookback)
	older := SMA(closes[:len(closes)-lookback], lookback)
	switch {
	case recent > older*1.002:
		return 1
	case recent < older*0.998:
		return -1
	}
	return 0
}
