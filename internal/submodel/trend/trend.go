// Package trend forecasts continuation of the moving-average trend.
package trend

import (
	"context"
	"fmt"
	"math"

	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/submodel"
)

// horizonScale shrinks the daily magnitude for shorter horizons.
var horizonScale = map[core.Horizon]float64{
	core.Horizon1H: 0.15,
	core.Horizon4H: 0.4,
	core.Horizon1D: 1,
}

// Trend combines the short/long MA spread with momentum.
type Trend struct {
	spreadWeight   float64
	momentumWeight float64
	maxMagnitude   float64
}

// New creates a trend adapter with default weights.
func New() *Trend {
	return &Trend{
		spreadWeight:   0.6,
		momentumWeight: 0.4,
		maxMagnitude:   5,
	}
}

func (t *Trend) Name() string {
	return "trend"
}

func (t *Trend) Init(cfg submodel.Config) error {
	t.spreadWeight = submodel.Float(cfg.Params, "spread_weight", t.spreadWeight)
	t.momentumWeight = submodel.Float(cfg.Params, "momentum_weight", t.momentumWeight)
	t.maxMagnitude = submodel.Float(cfg.Params, "max_magnitude", t.maxMagnitude)
	if t.spreadWeight < 0 || t.momentumWeight < 0 || t.spreadWeight+t.momentumWeight == 0 {
		return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("trend weights must be non-negative and not both zero"))
	}
	return nil
}

// Predict needs both moving averages; otherwise the model is unavailable.
func (t *Trend) Predict(ctx context.Context, symbol string, fs core.FeatureSet) (*core.ModelOutput, error) {
	tech := fs.Technical
	if tech == nil || tech.ShortMA <= 0 || tech.LongMA <= 0 {
		return nil, core.WrapError(core.ErrModelUnavailable, fmt.Errorf("trend needs moving averages for %s", symbol))
	}

	spread := (tech.ShortMA - tech.LongMA) / tech.LongMA * 100
	composite := (t.spreadWeight*spread + t.momentumWeight*tech.Momentum) / (t.spreadWeight + t.momentumWeight)
	daily := math.Max(-t.maxMagnitude, math.Min(t.maxMagnitude, composite*0.2))

	out := &core.ModelOutput{
		Directions: make(map[core.Horizon]core.Direction, len(horizonScale)),
		Magnitudes: make(map[core.Horizon]float64, len(horizonScale)),
		Confidence: t.confidence(composite),
	}
	for h, scale := range horizonScale {
		out.Directions[h] = submodel.DirectionOf(composite)
		out.Magnitudes[h] = daily * scale
	}
	return out, nil
}

// confidence scales to 0.5-0.9 with the strength of the composite signal.
func (t *Trend) confidence(composite float64) float64 {
	return 0.5 + math.Min(math.Abs(composite)/10, 1)*0.4
}
