// Package council turns the opinions of the analysis modules into one decision
// per evaluation cycle.
//
// Directional modules add sign × strength × weight to the score. The gate
// module never adds to the score; it can only veto. Keeping the two apart
// matters: folding the gate into the sum changes which cycles trade.
package council

import (
	"context"
	"sync"
	"time"

	"council-trade-bot/internal/analysis"
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/market"
	"council-trade-bot/internal/metrics"
	"council-trade-bot/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Decision is the write-once outcome of one evaluation cycle.
type Decision struct {
	Timestamp  time.Time
	Score      float64
	Technical  market.Direction // direction implied by the score alone, before the gate
	Direction  market.Direction // BUY, SELL or NONE
	GatePassed bool
	Confidence int
	Opinions   []analysis.Opinion
	Price      float64
	Volatility float64
}

// Actionable reports whether the decision should produce a trade plan.
func (d Decision) Actionable() bool {
	return d.Direction == market.Buy || d.Direction == market.Sell
}

// Aggregate combines opinions into a decision. It is pure.
func Aggregate(opinions []analysis.Opinion, cfg config.Council, now time.Time) Decision {
	d := Decision{
		Timestamp:  market.Normalize(now),
		Opinions:   append([]analysis.Opinion(nil), opinions...),
		GatePassed: true,
		Technical:  market.None,
		Direction:  market.None,
	}

	for _, op := range opinions {
		if op.Gate {
			continue
		}
		d.Score += op.Direction.Sign() * op.Strength * op.Weight
	}

	switch {
	case d.Score >= cfg.Threshold:
		d.Technical = market.Buy
	case d.Score <= -cfg.Threshold:
		d.Technical = market.Sell
	}

	var gate *analysis.Opinion
	for i := range opinions {
		op := &opinions[i]
		if !op.Gate {
			continue
		}
		gate = op
		if op.Direction.Sign()*d.Score < 0 && op.Strength >= cfg.GateVetoSeverity {
			d.GatePassed = false
		}
	}

	if d.GatePassed {
		d.Direction = d.Technical
	}
	d.Confidence = confidence(d, opinions, gate, cfg.Confidence)
	return d
}

func confidence(d Decision, opinions []analysis.Opinion, gate *analysis.Opinion, cfg config.Confidence) int {
	aligned := 0
	if d.Technical != market.None {
		for _, op := range opinions {
			if !op.Gate && op.Direction == d.Technical {
				aligned++
			}
		}
	}
	c := cfg.Base + aligned*cfg.PerModule

	if d.Actionable() && gate != nil {
		switch {
		case gate.Direction == d.Direction:
			c += cfg.MacroAlign
		case gate.Direction != market.Neutral:
			c += cfg.MacroContra
		}
	}

	if cfg.Cap > 0 && c > cfg.Cap {
		c = cfg.Cap
	}
	if c < cfg.Floor {
		c = cfg.Floor
	}
	return c
}

// Council runs the module registry and aggregates the result.
type Council struct {
	registry  *analysis.Registry
	cfg       config.Council
	atrPeriod int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(registry *analysis.Registry, cfg config.Council, atrPeriod int, logger *zap.Logger, m *metrics.Metrics) *Council {
	return &Council{
		registry:  registry,
		cfg:       cfg,
		atrPeriod: atrPeriod,
		logger:    logger.Named("council"),
		metrics:   m,
		now:       time.Now,
	}
}

// Evaluate runs every module concurrently over snap and aggregates the
// opinions that were produced, in registry order. A module that fails is
// logged and left out; the decision is made on the partial set. The decision
// is stamped with snap.At when set.
func (c *Council) Evaluate(ctx context.Context, snap analysis.Snapshot) Decision {
	ctx, span := tracing.StartSpan(ctx, "council.Evaluate", attribute.String("symbol", snap.Symbol))
	defer span.End()

	modules := c.registry.Modules()
	results := make([]*analysis.Opinion, len(modules))

	var wg sync.WaitGroup
	for i, m := range modules {
		wg.Add(1)
		go func(i int, m analysis.Module) {
			defer wg.Done()
			op, err := c.registry.Run(ctx, m, snap)
			if err != nil {
				c.logger.Warn("Module dropped from cycle", zap.String("module", m.ID()), zap.Error(err))
				c.metrics.ModuleFailed(m.ID())
				return
			}
			results[i] = &op
		}(i, m)
	}
	wg.Wait()

	opinions := make([]analysis.Opinion, 0, len(results))
	for _, op := range results {
		if op != nil {
			opinions = append(opinions, *op)
		}
	}

	at := snap.At
	if at.IsZero() {
		at = c.now()
	}
	d := Aggregate(opinions, c.cfg, at)
	if n := len(snap.Bars); n > 0 {
		d.Price = snap.Bars[n-1].Close
		highs, lows, closes := make([]float64, n), make([]float64, n), make([]float64, n)
		for i, b := range snap.Bars {
			highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
		}
		d.Volatility = analysis.ATR(highs, lows, closes, c.atrPeriod)
	}

	span.SetAttributes(
		attribute.Float64("score", d.Score),
		attribute.String("direction", string(d.Direction)),
		attribute.Bool("gate_passed", d.GatePassed),
	)
	c.metrics.ObserveDecision(string(d.Direction))
	c.logger.Info("Council decision",
		zap.Float64("score", d.Score),
		zap.String("direction", string(d.Direction)),
		zap.Bool("gate_passed", d.GatePassed),
		zap.Int("confidence", d.Confidence),
		zap.Int("opinions", len(opinions)),
		zap.Int("modules", len(modules)),
	)
	return d
}
