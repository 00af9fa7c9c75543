// Package ladder tracks the staged balance-growth target. Every update is a
// pure function of the previous state and one resolved trade; the store keeps
// each result as a new history row.
package ladder

import (
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/models"
	"github.com/shopspring/decimal"
)

const (
	ModeSafer  = "SAFER"
	ModeStrict = "STRICT"
)

// State is the ladder at one point of its history.
type State struct {
	Level        int     `json:"level"`
	Balance      float64 `json:"balance"`
	Target       float64 `json:"target"`
	StartBalance float64 `json:"start_balance"`
	Mode         string  `json:"mode"`
}

// Outcome is what the ladder needs to know about a resolved trade.
type Outcome struct {
	Result models.TradeState
	PnL    float64 // signed, in account currency
}

// Initial returns level 1 at the configured starting balance.
func Initial(cfg config.Ladder) State {
	return open(1, cfg.InitialBalance, cfg)
}

func open(level int, balance float64, cfg config.Ladder) State {
	return State{
		Level:        level,
		Balance:      balance,
		Target:       round(decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(cfg.GrowthFactor))),
		StartBalance: balance,
		Mode:         cfg.Mode,
	}
}

// Apply returns the state after o. ERROR outcomes and unknown results leave
// the state unchanged; TIMEOUT changes nothing but is still recorded by callers.
func Apply(s State, o Outcome, cfg config.Ladder) State {
	switch o.Result {
	case models.StateWin:
		s.Balance = add(s.Balance, o.PnL)
		if s.Balance >= s.Target {
			s = open(s.Level+1, s.Balance, cfg)
		}
	case models.StateLoss:
		s.Balance = add(s.Balance, o.PnL)
		if s.Balance < 0 {
			s.Balance = 0
		}
		if GuardTripped(s, cfg) {
			floor := cfg.FloorBalance
			if floor <= 0 {
				floor = s.Balance
			}
			s = open(1, floor, cfg)
		}
	}
	if s.Mode == "" {
		s.Mode = cfg.Mode
	}
	return s
}

// GuardTripped reports whether the balance fell through the drawdown guard of
// the current level.
func GuardTripped(s State, cfg config.Ladder) bool {
	if cfg.DrawdownGuard <= 0 {
		return false
	}
	limit := decimal.NewFromFloat(s.StartBalance).Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(cfg.DrawdownGuard)))
	return decimal.NewFromFloat(s.Balance).LessThan(limit)
}

// Progress is the share of the way from the level's start to its target.
func (s State) Progress() float64 {
	span := s.Target - s.StartBalance
	if span <= 0 {
		return 0
	}
	p := (s.Balance - s.StartBalance) / span
	return min(max(p, 0), 1)
}

func add(balance, pnl float64) float64 {
	return round(decimal.NewFromFloat(balance).Add(decimal.NewFromFloat(pnl)))
}

func round(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}
