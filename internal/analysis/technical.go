package analysis

import (
	"context"
	"fmt"
	"math"
	"sort"

	"council-trade-bot/internal/market"
)

const (
	strong = 1.0
	weak   = 0.5
)

// Trend compares the last close with EMA20 and EMA50.
type Trend struct{}

func (Trend) ID() string { return "trend" }

func (Trend) Analyze(_ context.Context, snap Snapshot) (Verdict, error) {
	if len(snap.Bars) < 50 {
		return neutral("insufficient data"), nil
	}
	closes := market.Closes(snap.Bars)
	last := len(closes) - 1
	price, ema20, ema50 := closes[last], EMA(closes, 20)[last], EMA(closes, 50)[last]
	if !finite(ema20, ema50) {
		return Verdict{}, fmt.Errorf("ema is not finite")
	}

	switch {
	case price > ema20 && price > ema50:
		return Verdict{market.Buy, strong, fmt.Sprintf("price %.2f above EMA20 %.2f and EMA50 %.2f", price, ema20, ema50)}, nil
	case price < ema20 && price < ema50:
		return Verdict{market.Sell, strong, fmt.Sprintf("price %.2f below EMA20 %.2f and EMA50 %.2f", price, ema20, ema50)}, nil
	}
	return neutral("price between EMA20 %.2f and EMA50 %.2f", ema20, ema50), nil
}

// Candlestick reads the last two bars for engulfing, hammer and doji patterns.
type Candlestick struct{}

func (Candlestick) ID() string { return "candlestick" }

func (Candlestick) Analyze(_ context.Context, snap Snapshot) (Verdict, error) {
	n := len(snap.Bars)
	if n < 2 {
		return neutral("no pattern"), nil
	}
	prev, curr := snap.Bars[n-2], snap.Bars[n-1]

	switch {
	case prev.Close < prev.Open && curr.Close > curr.Open && curr.Open < prev.Close && curr.Close > prev.Open:
		return Verdict{market.Buy, strong, "bullish engulfing"}, nil
	case prev.Close > prev.Open && curr.Close < curr.Open && curr.Open > prev.Close && curr.Close < prev.Open:
		return Verdict{market.Sell, strong, "bearish engulfing"}, nil
	case isHammer(curr):
		return Verdict{market.Buy, weak, "hammer"}, nil
	case isDoji(curr):
		return neutral("doji"), nil
	}
	return neutral("no clear pattern"), nil
}

func isHammer(b market.Bar) bool {
	body := math.Abs(b.Close - b.Open)
	if body == 0 {
		return false
	}
	lower := math.Min(b.Open, b.Close) - b.Low
	upper := b.High - math.Max(b.Open, b.Close)
	return lower > 2*body && upper < body*0.5
}

func isDoji(b market.Bar) bool {
	rng := b.High - b.Low
	if rng == 0 {
		return false
	}
	return math.Abs(b.Close-b.Open)/rng < 0.1
}

// SupportResistance votes when price sits within Proximity of the nearest swing level.
type SupportResistance struct {
	Window    int
	Proximity float64
}

func (SupportResistance) ID() string { return "sr" }

func (s SupportResistance) Analyze(_ context.Context, snap Snapshot) (Verdict, error) {
	if len(snap.Bars) < 20 {
		return neutral("insufficient data"), nil
	}
	price := snap.Bars[len(snap.Bars)-1].Close
	highs, lows := swings(snap.Bars, s.Window)

	var supports, resistances []float64
	for _, l := range lows {
		if l < price {
			supports = append(supports, l)
		}
	}
	for _, h := range highs {
		if h > price {
			resistances = append(resistances, h)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(supports)))
	sort.Float64s(resistances)

	if len(supports) > 0 && math.Abs(price-supports[0])/price < s.Proximity {
		return Verdict{market.Buy, strong, fmt.Sprintf("near support at %.2f", supports[0])}, nil
	}
	if len(resistances) > 0 && math.Abs(price-resistances[0])/price < s.Proximity {
		return Verdict{market.Sell, strong, fmt.Sprintf("near resistance at %.2f", resistances[0])}, nil
	}
	return neutral("mid-zone between levels"), nil
}

// swings returns bar highs and lows that are extremes of their ±window neighbourhood.
func swings(bars []market.Bar, window int) (highs, lows []float64) {
	for i := window; i < len(bars)-window; i++ {
		isHigh, isLow := true, true
		for j := i - window; j <= i+window; j++ {
			if bars[j].High > bars[i].High {
				isHigh = false
			}
			if bars[j].Low < bars[i].Low {
				isLow = false
			}
		}
		if isHigh {
			highs = append(highs, bars[i].High)
		}
		if isLow {
			lows = append(lows, bars[i].Low)
		}
	}
	return highs, lows
}

// Volume compares the last bar's volume to its moving average.
type Volume struct {
	Period       int
	Strong, Weak float64
}

func (Volume) ID() string { return "volume" }

func (v Volume) Analyze(_ context.Context, snap Snapshot) (Verdict, error) {
	if len(snap.Bars) < v.Period {
		return neutral("insufficient data"), nil
	}
	vols := market.Volumes(snap.Bars)
	avg := SMA(vols, v.Period)
	if avg == 0 {
		return neutral("no volume data"), nil
	}
	ratio := vols[len(vols)-1] / avg
	switch {
	case ratio > v.Strong:
		return Verdict{market.Buy, strong, fmt.Sprintf("strong volume (%.2fx avg)", ratio)}, nil
	case ratio < v.Weak:
		return Verdict{market.Sell, strong, fmt.Sprintf("weak volume (%.2fx avg)", ratio)}, nil
	}
	return neutral("normal volume (%.2fx avg)", ratio), nil
}

// RSIModule reads overbought/oversold extremes and the 40-60 momentum zones.
type RSIModule struct {
	Period int
}

func (RSIModule) ID() string { return "rsi" }

func (r RSIModule) Analyze(_ context.Context, snap Snapshot) (Verdict, error) {
	if len(snap.Bars) < r.Period+5 {
		return neutral("insufficient data"), nil
	}
	closes := market.Closes(snap.Bars)
	last := len(closes) - 1
	curr, prev := RSI(closes, r.Period, last), RSI(closes, r.Period, last-1)
	if !finite(curr, prev) {
		return Verdict{}, fmt.Errorf("rsi is not finite")
	}

	switch {
	case curr < 30:
		return Verdict{market.Buy, strong, fmt.Sprintf("RSI %.1f oversold", curr)}, nil
	case curr >= 40 && curr <= 50 && curr > prev:
		return Verdict{market.Buy, weak, fmt.Sprintf("RSI %.1f rising", curr)}, nil
	case curr > 70:
		return Verdict{market.Sell, strong, fmt.Sprintf("RSI %.1f overbought", curr)}, nil
	case curr >= 50 && curr <= 60 && curr < prev:
		return Verdict{market.Sell, weak, fmt.Sprintf("RSI %.1f falling", curr)}, nil
	}
	return neutral("RSI %.1f neutral", curr), nil
}

// MACDModule reads signal-line crossovers and histogram momentum.
type MACDModule struct {
	Fast, Slow, Signal int
}

func (MACDModule) ID() string { return "macd" }

func (m MACDModule) Analyze(_ context.Context, snap Snapshot) (Verdict, error) {
	if len(snap.Bars) < m.Slow+m.Signal {
		return neutral("insufficient data"), nil
	}
	line, sig, hist := MACD(market.Closes(snap.Bars), m.Fast, m.Slow, m.Signal)
	last := len(line) - 1
	l, s, h, ph := line[last], sig[last], hist[last], hist[last-1]
	if !finite(l, s, h, ph) {
		return Verdict{}, fmt.Errorf("macd is not finite")
	}

	switch {
	case l > s && ph < 0 && h > 0:
		return Verdict{market.Buy, strong, "bullish crossover"}, nil
	case l > s && h > ph:
		return Verdict{market.Buy, weak, "MACD bullish"}, nil
	case l < s && ph > 0 && h < 0:
		return Verdict{market.Sell, strong, "bearish crossover"}, nil
	case l < s && h < ph:
		return Verdict{market.Sell, weak, "MACD bearish"}, nil
	}
	return neutral("MACD flat"), nil
}

// BollingerModule votes on touches of the outer bands.
type BollingerModule struct {
	Period int
	K      float64
}

func (BollingerModule) ID() string { return "bollinger" }

func (b BollingerModule) Analyze(_ context.Context, snap Snapshot) (Verdict, error) {
	if len(snap.Bars) < b.Period+5 {
		return neutral("insufficient data"), nil
	}
	closes := market.Closes(snap.Bars)
	price, prev := closes[len(closes)-1], closes[len(closes)-2]
	mid, up, low := Bollinger(closes, b.Period, b.K)
	if !finite(mid, up, low) {
		return Verdict{}, fmt.Errorf("bollinger bands are not finite")
	}

	switch {
	case price <= low*1.005 && price > prev:
		return Verdict{market.Buy, strong, "bounce off lower band"}, nil
	case price <= low*1.005:
		return Verdict{market.Buy, weak, "at lower band"}, nil
	case price >= up*0.995 && price < prev:
		return Verdict{market.Sell, strong, "rejection at upper band"}, nil
	case price >= up*0.995:
		return Verdict{market.Sell, weak, "at upper band"}, nil
	case math.Abs(price-mid)/mid < 0.003:
		return neutral("near middle band"), nil
	}
	return neutral("inside bands"), nil
}
