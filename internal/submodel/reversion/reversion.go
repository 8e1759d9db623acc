// Package reversion forecasts RSI mean reversion.
package reversion

import (
	"context"
	"fmt"
	"math"

	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/submodel"
)

// Reversion bets that RSI drifts back toward 50. Reversion plays out over
// days, so shorter horizons carry less confidence.
type Reversion struct {
	overbought   float64
	oversold     float64
	maxMagnitude float64
}

// New creates a reversion adapter with the standard 70/30 bands.
func New() *Reversion {
	return &Reversion{overbought: 70, oversold: 30, maxMagnitude: 2}
}

func (r *Reversion) Name() string {
	return "reversion"
}

func (r *Reversion) Init(cfg submodel.Config) error {
	r.overbought = submodel.Float(cfg.Params, "overbought", r.overbought)
	r.oversold = submodel.Float(cfg.Params, "oversold", r.oversold)
	r.maxMagnitude = submodel.Float(cfg.Params, "max_magnitude", r.maxMagnitude)
	if r.oversold <= 0 || r.overbought >= 100 || r.oversold >= r.overbought {
		return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("reversion bands %v/%v", r.oversold, r.overbought))
	}
	return nil
}

func (r *Reversion) Predict(ctx context.Context, symbol string, fs core.FeatureSet) (*core.ModelOutput, error) {
	tech := fs.Technical
	if tech == nil || math.IsNaN(tech.RSI) || tech.RSI <= 0 {
		return nil, core.WrapError(core.ErrModelUnavailable, fmt.Errorf("reversion needs RSI for %s", symbol))
	}

	distance := (tech.RSI - 50) / 50 // -1..1
	confidence := 0.35 + math.Abs(distance)*0.3
	if tech.RSI >= r.overbought || tech.RSI <= r.oversold {
		confidence += 0.2
	}

	daily := -distance * r.maxMagnitude
	dir := submodel.DirectionOf(-distance)

	return &core.ModelOutput{
		Directions: map[core.Horizon]core.Direction{
			core.Horizon1H: dir,
			core.Horizon4H: dir,
			core.Horizon1D: dir,
		},
		Magnitudes: map[core.Horizon]float64{
			core.Horizon1H: daily * 0.1,
			core.Horizon4H: daily * 0.35,
			core.Horizon1D: daily,
		},
		Confidences: map[core.Horizon]float64{
			core.Horizon1H: confidence * 0.7,
			core.Horizon4H: confidence * 0.85,
			core.Horizon1D: confidence,
		},
		Confidence: confidence * (0.7 + 0.85 + 1) / 3,
	}, nil
}
