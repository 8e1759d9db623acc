// Package submodel defines the adapter boundary for forecasting models and
// a registry that runs them side by side.
package submodel

import (
	"context"
	"fmt"
	"math"

	"github.com/newthinker/augur/internal/core"
)

// Config holds sub-model configuration
type Config struct {
	Enabled bool
	Params  map[string]any
}

// Adapter wraps one forecasting model behind a fixed output shape.
// Returning an error marks the model unavailable for that symbol.
type Adapter interface {
	Name() string
	Init(cfg Config) error
	Predict(ctx context.Context, symbol string, fs core.FeatureSet) (*core.ModelOutput, error)
}

// Normalize validates an adapter output in place. Unknown horizons and NaN
// values are rejected; confidences are clamped to [0, 1]. Missing magnitudes
// become 0. A flat call is an abstention and its horizon is dropped; an
// output left with no horizon is unavailable.
func Normalize(out *core.ModelOutput) error {
	if out == nil || len(out.Directions) == 0 {
		return core.WrapError(core.ErrModelUnavailable, fmt.Errorf("no directions"))
	}
	if math.IsNaN(out.Confidence) || math.IsInf(out.Confidence, 0) {
		return core.WrapError(core.ErrModelUnavailable, fmt.Errorf("invalid confidence"))
	}
	out.Confidence = clamp01(out.Confidence)

	dirs := make(map[core.Horizon]core.Direction, len(out.Directions))
	mags := make(map[core.Horizon]float64, len(out.Directions))
	for h, d := range out.Directions {
		horizon, err := core.ParseHorizon(string(h))
		if err != nil {
			return core.WrapError(core.ErrModelUnavailable, err)
		}
		dir, err := core.ParseDirection(string(d))
		if err != nil {
			return core.WrapError(core.ErrModelUnavailable, err)
		}
		if dir == core.DirectionFlat {
			delete(out.Confidences, h)
			continue
		}
		m := out.Magnitudes[h]
		if math.IsNaN(m) || math.IsInf(m, 0) {
			m = 0
		}
		dirs[horizon], mags[horizon] = dir, m
	}
	if len(dirs) == 0 {
		return core.WrapError(core.ErrModelUnavailable, fmt.Errorf("no directional horizon"))
	}
	out.Directions, out.Magnitudes = dirs, mags

	for h, c := range out.Confidences {
		if math.IsNaN(c) {
			delete(out.Confidences, h)
			continue
		}
		out.Confidences[h] = clamp01(c)
	}
	return nil
}

// DirectionOf maps a signed value to a direction. Forecasts are binary, so
// exactly zero counts as up.
func DirectionOf(v float64) core.Direction {
	if v < 0 {
		return core.DirectionDown
	}
	return core.DirectionUp
}

// Float reads a numeric parameter. Config decoders yield int or float64.
func Float(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// Int reads an integer parameter.
func Int(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
