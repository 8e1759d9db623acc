// internal/ledger/codec.go
package ledger

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/newthinker/augur/internal/core"
)

// payload holds the map-valued prediction fields stored as one JSON
// document next to the scalar columns.
type payload struct {
	Directions      map[string]string            `json:"directions"`
	Magnitudes      map[string]float64           `json:"magnitudes"`
	FeatureSnapshot map[string]float64           `json:"feature_snapshot"`
	EnsembleWeights map[string]float64           `json:"ensemble_weights"`
	ModelDirections map[string]map[string]string `json:"model_directions,omitempty"`
	Breakdown       core.ComponentBreakdown      `json:"breakdown"`
}

// row is a prediction as stored, before enum validation.
type row struct {
	p       core.Prediction
	action  string
	payload string
}

func encodePayload(p core.Prediction) (string, error) {
	pl := payload{
		Directions:      make(map[string]string, len(p.Directions)),
		Magnitudes:      make(map[string]float64, len(p.Magnitudes)),
		FeatureSnapshot: make(map[string]float64, len(p.FeatureSnapshot)),
		EnsembleWeights: make(map[string]float64, len(p.EnsembleWeights)),
		Breakdown:       p.Breakdown,
	}
	for h, d := range p.Directions {
		pl.Directions[string(h)] = string(d)
	}
	for h, v := range p.Magnitudes {
		if isFinite(v) {
			pl.Magnitudes[string(h)] = v
		}
	}
	// JSON has no NaN; non-finite features are dropped from the snapshot.
	for k, v := range p.FeatureSnapshot {
		if isFinite(v) {
			pl.FeatureSnapshot[k] = v
		}
	}
	for k, v := range p.EnsembleWeights {
		pl.EnsembleWeights[k] = v
	}
	if len(p.ModelDirections) > 0 {
		pl.ModelDirections = make(map[string]map[string]string, len(p.ModelDirections))
		for model, dirs := range p.ModelDirections {
			m := make(map[string]string, len(dirs))
			for h, d := range dirs {
				m[string(h)] = string(d)
			}
			pl.ModelDirections[model] = m
		}
	}

	data, err := json.Marshal(pl)
	if err != nil {
		return "", fmt.Errorf("encoding prediction %s: %w", p.ID, err)
	}
	return string(data), nil
}

// decode validates the stored enums and rebuilds the prediction. Unknown
// values are structural defects and fail the read.
func (r row) decode() (*core.Prediction, error) {
	p := r.p
	action, err := core.ParseAction(r.action)
	if err != nil {
		return nil, fmt.Errorf("prediction %s: %w", p.ID, err)
	}
	p.Action = action

	var pl payload
	if err := json.Unmarshal([]byte(r.payload), &pl); err != nil {
		return nil, core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("decoding prediction %s: %w", p.ID, err))
	}

	if p.Directions, err = decodeDirections(pl.Directions); err != nil {
		return nil, fmt.Errorf("prediction %s: %w", p.ID, err)
	}
	p.Magnitudes = make(map[core.Horizon]float64, len(pl.Magnitudes))
	for h, v := range pl.Magnitudes {
		p.Magnitudes[core.Horizon(h)] = v
	}
	p.FeatureSnapshot = pl.FeatureSnapshot
	p.EnsembleWeights = pl.EnsembleWeights
	p.Breakdown = pl.Breakdown
	if len(pl.ModelDirections) > 0 {
		p.ModelDirections = make(map[string]map[core.Horizon]core.Direction, len(pl.ModelDirections))
		for model, dirs := range pl.ModelDirections {
			if p.ModelDirections[model], err = decodeDirections(dirs); err != nil {
				return nil, fmt.Errorf("prediction %s model %s: %w", p.ID, model, err)
			}
		}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func decodeDirections(in map[string]string) (map[core.Horizon]core.Direction, error) {
	out := make(map[core.Horizon]core.Direction, len(in))
	for h, v := range in {
		d, err := core.ParseDirection(v)
		if err != nil {
			return nil, err
		}
		out[core.Horizon(h)] = d
	}
	return out, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
