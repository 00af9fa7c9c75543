// Package market holds the price data types shared by the analysis modules,
// the verification engine and the data provider.
//
// Every instant that crosses this package boundary is UTC.
package market

import (
	"context"
	"fmt"
	"time"
)

// Direction is the side of an opinion, decision or trade.
type Direction string

const (
	Buy     Direction = "BUY"
	Sell    Direction = "SELL"
	Neutral Direction = "NEUTRAL"
	None    Direction = "NONE"
)

// Sign returns +1 for BUY, -1 for SELL and 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case Buy:
		return 1
	case Sell:
		return -1
	}
	return 0
}

// Opposite reports whether d and other point in opposite trading directions.
func (d Direction) Opposite(other Direction) bool {
	return d.Sign()*other.Sign() < 0
}

// Bar is one OHLCV candle. OpenTime and CloseTime are UTC.
type Bar struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Quote is a last-price snapshot.
type Quote struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// BarSource is the price data provider contract.
type BarSource interface {
	// GetBars returns bars whose open time is at or after since, ascending.
	GetBars(ctx context.Context, symbol string, tf Timeframe, since time.Time) ([]Bar, error)
	// GetLatestBars returns the most recent n bars, ascending.
	GetLatestBars(ctx context.Context, symbol string, tf Timeframe, n int) ([]Bar, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// Timeframe is a provider interval name such as "1min" or "15min".
type Timeframe string

var timeframes = map[Timeframe]time.Duration{
	"1min":  time.Minute,
	"5min":  5 * time.Minute,
	"15min": 15 * time.Minute,
	"30min": 30 * time.Minute,
	"45min": 45 * time.Minute,
	"1h":    time.Hour,
	"2h":    2 * time.Hour,
	"4h":    4 * time.Hour,
	"1day":  24 * time.Hour,
}

// Duration returns the bar length of tf.
func (tf Timeframe) Duration() (time.Duration, error) {
	d, ok := timeframes[tf]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
	return d, nil
}

// Normalize returns t as a UTC instant. Applying it to a UTC instant is the identity.
func Normalize(t time.Time) time.Time {
	return t.UTC()
}

// ParseInZone parses a naive datetime string as wall-clock time in loc and
// returns the equivalent UTC instant. Strings carrying their own offset keep it.
func ParseInZone(layout, value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", value, err)
	}
	return Normalize(t), nil
}

// NewBar builds a bar from an open instant, deriving the close instant from tf.
func NewBar(open time.Time, tf time.Duration, o, h, l, c, v float64) Bar {
	open = Normalize(open)
	return Bar{OpenTime: open, CloseTime: open.Add(tf), Open: o, High: h, Low: l, Close: c, Volume: v}
}

// Validate rejects bars that cannot be replayed.
func (b Bar) Validate() error {
	switch {
	case b.OpenTime.IsZero():
		return fmt.Errorf("bar has no open time")
	case b.High < b.Low:
		return fmt.Errorf("bar at %s has high %.5f below low %.5f", b.OpenTime.Format(time.RFC3339), b.High, b.Low)
	case b.Close <= 0 || b.Open <= 0:
		return fmt.Errorf("bar at %s has non-positive price", b.OpenTime.Format(time.RFC3339))
	}
	return nil
}

// Closes returns the close prices of bars.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Volumes returns the volumes of bars.
func Volumes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}
