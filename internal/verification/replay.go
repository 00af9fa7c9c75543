package verification

import (
	"fmt"
	"sort"
	"time"

	"council-trade-bot/internal/market"
	"council-trade-bot/internal/models"
)

// Verdict is the result of replaying bars against one trade.
type Verdict struct {
	State        models.TradeState // PENDING when nothing resolved
	ResolvedTime time.Time
	Note         string
	BarsSeen     int
}

// Limits bound how long a trade may stay open.
type Limits struct {
	Horizon time.Duration
	MaxBars int
}

// Replay scans bars whose close instant lies in (entry, now] in ascending
// close order and returns the first stop or target hit.
//
// A bar that reaches both levels resolves LOSS. OHLC data cannot tell which
// level traded first, so the adverse one is assumed. With no hit, the trade
// times out once the horizon has elapsed or MaxBars bars were seen.
func Replay(t *models.Trade, bars []market.Bar, now time.Time, lim Limits) Verdict {
	entry := market.Normalize(t.EntryTime)
	now = market.Normalize(now)

	window := make([]market.Bar, 0, len(bars))
	for _, b := range bars {
		b.OpenTime = market.Normalize(b.OpenTime)
		b.CloseTime = market.Normalize(b.CloseTime)
		if b.CloseTime.After(entry) && !b.CloseTime.After(now) {
			window = append(window, b)
		}
	}
	sort.SliceStable(window, func(i, j int) bool { return window[i].CloseTime.Before(window[j].CloseTime) })

	for i, b := range window {
		hitTarget, hitStop := levelsHit(t, b)
		switch {
		case hitStop && hitTarget:
			return Verdict{
				State:        models.StateLoss,
				ResolvedTime: b.CloseTime,
				Note:         fmt.Sprintf("stop and target both inside bar closing %s; assumed stop first", b.CloseTime.Format(time.RFC3339)),
				BarsSeen:     i + 1,
			}
		case hitStop:
			return Verdict{
				State:        models.StateLoss,
				ResolvedTime: b.CloseTime,
				Note:         fmt.Sprintf("stop %.2f hit in bar closing %s", t.Stop, b.CloseTime.Format(time.RFC3339)),
				BarsSeen:     i + 1,
			}
		case hitTarget:
			return Verdict{
				State:        models.StateWin,
				ResolvedTime: b.CloseTime,
				Note:         fmt.Sprintf("target %.2f hit in bar closing %s", t.Target, b.CloseTime.Format(time.RFC3339)),
				BarsSeen:     i + 1,
			}
		}
	}

	v := Verdict{State: models.StatePending, BarsSeen: len(window)}
	elapsed := now.Sub(entry)
	switch {
	case lim.Horizon > 0 && elapsed > lim.Horizon:
		v.State = models.StateTimeout
		v.Note = fmt.Sprintf("no level hit within %s", lim.Horizon)
	case lim.MaxBars > 0 && len(window) >= lim.MaxBars:
		v.State = models.StateTimeout
		v.Note = fmt.Sprintf("no level hit within %d bars", lim.MaxBars)
	}
	if v.State == models.StateTimeout {
		v.ResolvedTime = now
	}
	return v
}

func levelsHit(t *models.Trade, b market.Bar) (target, stop bool) {
	if t.Direction == market.Sell {
		return b.Low <= t.Target, b.High >= t.Stop
	}
	return b.High >= t.Target, b.Low <= t.Stop
}

// RMultiple is the realized R of a terminal state: the reward:risk multiple
// on WIN, -1 on LOSS and nothing otherwise.
func RMultiple(state models.TradeState, rewardRisk float64) float64 {
	switch state {
	case models.StateWin:
		return rewardRisk
	case models.StateLoss:
		return -1
	}
	return 0
}
