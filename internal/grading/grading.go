// Package grading keeps the per-module ledger of how each opinion fared
// against the realized outcome of the trade it fed into.
package grading

import (
	"sort"

	"council-trade-bot/internal/analysis"
	"council-trade-bot/internal/market"
	"council-trade-bot/internal/models"
)

// Performance is one module's accumulated record. Counters only grow.
type Performance struct {
	ModuleID    string  `json:"module_id"`
	TradesSeen  int     `json:"trades_seen"`
	Agreements  int     `json:"agreements"`
	Neutral     int     `json:"neutral"`
	CumulativeR float64 `json:"cumulative_r"`
}

// Accuracy is agreements per directional trade seen.
func (p Performance) Accuracy() float64 {
	if p.TradesSeen == 0 {
		return 0
	}
	return float64(p.Agreements) / float64(p.TradesSeen)
}

// Expectancy is the mean R credited per directional trade seen.
func (p Performance) Expectancy() float64 {
	if p.TradesSeen == 0 {
		return 0
	}
	return p.CumulativeR / float64(p.TradesSeen)
}

// Outcome is the resolved trade being graded.
type Outcome struct {
	Direction market.Direction
	Result    models.TradeState
	RMultiple float64 // realized R: +reward:risk on WIN, -1 on LOSS
}

// Gradable reports whether the outcome feeds the ledger. Only market
// outcomes do.
func (o Outcome) Gradable() bool {
	return o.Result == models.StateWin || o.Result == models.StateLoss
}

// Grade returns the updated records of every module that opined on the
// trade, in opinion order. current is not modified. A module's agreement is
// scored against the realized result: siding with the trade on a WIN, or
// against it on a LOSS.
func Grade(current map[string]Performance, opinions []analysis.Opinion, o Outcome) []Performance {
	if !o.Gradable() {
		return nil
	}

	updated := make(map[string]Performance, len(opinions))
	order := make([]string, 0, len(opinions))
	for _, op := range opinions {
		p, ok := updated[op.ModuleID]
		if !ok {
			p = current[op.ModuleID]
			p.ModuleID = op.ModuleID
			order = append(order, op.ModuleID)
		}

		if op.Direction != market.Buy && op.Direction != market.Sell {
			p.Neutral++
			updated[op.ModuleID] = p
			continue
		}

		matched := op.Direction == o.Direction
		won := o.Result == models.StateWin
		p.TradesSeen++
		if matched == won {
			p.Agreements++
		}
		if matched {
			p.CumulativeR += o.RMultiple
		} else {
			p.CumulativeR -= o.RMultiple
		}
		updated[op.ModuleID] = p
	}

	out := make([]Performance, 0, len(order))
	for _, id := range order {
		out = append(out, updated[id])
	}
	return out
}

// Delta returns the increments that turn before into after, for atomic
// counter updates in the store.
func Delta(before, after Performance) Performance {
	return Performance{
		ModuleID:    after.ModuleID,
		TradesSeen:  after.TradesSeen - before.TradesSeen,
		Agreements:  after.Agreements - before.Agreements,
		Neutral:     after.Neutral - before.Neutral,
		CumulativeR: after.CumulativeR - before.CumulativeR,
	}
}

// Ranked sorts by accuracy, then expectancy, best first.
func Ranked(perfs []Performance) []Performance {
	out := append([]Performance(nil), perfs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Accuracy() != out[j].Accuracy() {
			return out[i].Accuracy() > out[j].Accuracy()
		}
		return out[i].Expectancy() > out[j].Expectancy()
	})
	return out
}
