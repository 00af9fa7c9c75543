// Package planner turns an actionable council decision into a sized paper trade.
package planner

import (
	"fmt"
	"math"
	"time"

	"council-trade-bot/internal/apperr"
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/council"
	"council-trade-bot/internal/ladder"
	"council-trade-bot/internal/market"
	"github.com/shopspring/decimal"
)

// Plan is the immutable trade derived from one decision.
type Plan struct {
	SignalID     uint
	Direction    market.Direction
	Entry        float64
	Stop         float64
	Target       float64
	Size         float64
	StopDistance float64 // price distance from entry to stop, spread included
	RiskFraction float64
	RiskAmount   float64 // account currency lost if the stop is hit
	RewardRisk   float64
	Level        int
	CreatedAt    time.Time
}

// Planner sizes trades against the ladder's current balance.
type Planner struct {
	risk config.Risk
	inst config.Instrument
}

func New(risk config.Risk, inst config.Instrument) *Planner {
	return &Planner{risk: risk, inst: inst}
}

// Plan builds the trade for decision d at the decision's price and volatility.
// It fails with apperr.ErrInsufficientBalance when the floored size is below
// the instrument's minimum lot.
func (p *Planner) Plan(signalID uint, d council.Decision, level ladder.State) (Plan, error) {
	if !d.Actionable() {
		return Plan{}, fmt.Errorf("decision %s is not actionable", d.Direction)
	}
	if d.Price <= 0 || math.IsNaN(d.Price) {
		return Plan{}, fmt.Errorf("invalid entry price %v", d.Price)
	}
	if d.Volatility <= 0 || math.IsNaN(d.Volatility) || math.IsInf(d.Volatility, 0) {
		return Plan{}, fmt.Errorf("invalid volatility %v", d.Volatility)
	}

	entry := p.tick(decimal.NewFromFloat(d.Price))
	stopDist := p.tick(decimal.NewFromFloat(p.risk.ATRMultiplier).
		Mul(decimal.NewFromFloat(d.Volatility)).
		Add(decimal.NewFromFloat(p.inst.Spread)))
	if !stopDist.IsPositive() {
		return Plan{}, fmt.Errorf("stop distance rounds to zero")
	}
	targetDist := p.tick(stopDist.Mul(decimal.NewFromFloat(p.risk.RewardRisk)))

	fraction := p.risk.StakeFor(level.Mode)
	budget := decimal.NewFromFloat(level.Balance).Mul(decimal.NewFromFloat(fraction))
	perLot := stopDist.Mul(decimal.NewFromFloat(p.inst.PointValue))

	step := decimal.NewFromFloat(p.inst.LotStep)
	size := budget.Div(perLot).Div(step).Floor().Mul(step)
	if maxLot := decimal.NewFromFloat(p.inst.MaxLot); size.GreaterThan(maxLot) {
		size = maxLot
	}
	if size.LessThan(decimal.NewFromFloat(p.inst.MinLot)) {
		return Plan{}, fmt.Errorf("%w: balance %.2f at %.1f%% risks %s against %s per lot",
			apperr.ErrInsufficientBalance, level.Balance, fraction*100, budget.StringFixed(2), perLot.StringFixed(2))
	}

	var stop, target decimal.Decimal
	if d.Direction == market.Buy {
		stop, target = entry.Sub(stopDist), entry.Add(targetDist)
	} else {
		stop, target = entry.Add(stopDist), entry.Sub(targetDist)
	}

	return Plan{
		SignalID:     signalID,
		Direction:    d.Direction,
		Entry:        entry.InexactFloat64(),
		Stop:         stop.InexactFloat64(),
		Target:       target.InexactFloat64(),
		Size:         size.InexactFloat64(),
		StopDistance: stopDist.InexactFloat64(),
		RiskFraction: fraction,
		RiskAmount:   size.Mul(perLot).Round(2).InexactFloat64(),
		RewardRisk:   p.risk.RewardRisk,
		Level:        level.Level,
		CreatedAt:    market.Normalize(d.Timestamp),
	}, nil
}

// tick rounds a price to the instrument's tick size.
func (p *Planner) tick(v decimal.Decimal) decimal.Decimal {
	if p.inst.TickSize <= 0 {
		return v
	}
	t := decimal.NewFromFloat(p.inst.TickSize)
	return v.Div(t).Round(0).Mul(t)
}
