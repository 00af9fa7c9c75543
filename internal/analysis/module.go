// Package analysis implements the technical and macro modules whose opinions
// the council aggregates, plus the indicator math they share.
package analysis

import (
	"context"
	"fmt"
	"time"

	"council-trade-bot/internal/apperr"
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/market"
)

// Opinion is one module's immutable view of the market at decision time.
type Opinion struct {
	ModuleID    string           `json:"module_id"`
	Direction   market.Direction `json:"direction"`
	Strength    float64          `json:"strength"`
	Weight      float64          `json:"weight"`
	Gate        bool             `json:"gate"`
	Explanation string           `json:"explanation"`
}

// Verdict is what a module computes; the registry turns it into an Opinion.
type Verdict struct {
	Direction   market.Direction
	Strength    float64
	Explanation string
}

func neutral(format string, args ...any) Verdict {
	return Verdict{Direction: market.Neutral, Explanation: fmt.Sprintf(format, args...)}
}

// Snapshot is the market data a signal cycle hands to every module.
type Snapshot struct {
	Symbol string
	At     time.Time
	Bars   []market.Bar // ascending, last bar is the most recent
}

// Module is one analysis module.
type Module interface {
	ID() string
	Analyze(ctx context.Context, snap Snapshot) (Verdict, error)
}

// Registry is the static, ordered set of modules consulted every cycle.
type Registry struct {
	modules []Module
	weights map[string]float64
	gate    string
}

// NewRegistry builds the module set. src feeds the macro module.
func NewRegistry(cfg config.Council, inst config.Instrument, src market.BarSource) *Registry {
	return NewRegistryOf(cfg.Weights, cfg.GateModule,
		Trend{},
		Candlestick{},
		SupportResistance{Window: 5, Proximity: 0.005},
		Volume{Period: 20, Strong: 1.2, Weak: 0.7},
		RSIModule{Period: 14},
		MACDModule{Fast: 12, Slow: 26, Signal: 9},
		BollingerModule{Period: 20, K: 2},
		NewMacro(src, inst.MacroSymbol, market.Timeframe(inst.MacroTimeframe), cfg.MacroCacheTTL),
	)
}

// NewRegistryOf builds a registry from explicit modules, in order. The module
// whose id equals gate vetoes instead of voting; an empty gate disables the veto.
func NewRegistryOf(weights map[string]float64, gate string, modules ...Module) *Registry {
	return &Registry{modules: modules, weights: weights, gate: gate}
}

func (r *Registry) Modules() []Module { return r.modules }

// IsGate reports whether id is the configured gate module.
func (r *Registry) IsGate(id string) bool { return r.gate != "" && id == r.gate }

// Weight returns the configured weight of id, defaulting to 1.
func (r *Registry) Weight(id string) float64 {
	if w, ok := r.weights[id]; ok && w > 0 {
		return w
	}
	return 1
}

// Run executes one module and stamps the result with its weight and gate flag.
// Any failure, including a non-finite strength, is reported as ErrComputation.
func (r *Registry) Run(ctx context.Context, m Module, snap Snapshot) (op Opinion, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: module %s panicked: %v", apperr.ErrComputation, m.ID(), p)
		}
	}()

	v, err := m.Analyze(ctx, snap)
	if err != nil {
		return Opinion{}, fmt.Errorf("%w: module %s: %v", apperr.ErrComputation, m.ID(), err)
	}
	if !finite(v.Strength) || v.Strength < 0 || v.Strength > 1 {
		return Opinion{}, fmt.Errorf("%w: module %s produced strength %v", apperr.ErrComputation, m.ID(), v.Strength)
	}
	switch v.Direction {
	case market.Buy, market.Sell:
	case market.Neutral, "":
		v.Direction = market.Neutral
		v.Strength = 0
	default:
		return Opinion{}, fmt.Errorf("%w: module %s produced direction %q", apperr.ErrComputation, m.ID(), v.Direction)
	}

	return Opinion{
		ModuleID:    m.ID(),
		Direction:   v.Direction,
		Strength:    v.Strength,
		Weight:      r.Weight(m.ID()),
		Gate:        r.IsGate(m.ID()),
		Explanation: v.Explanation,
	}, nil
}
