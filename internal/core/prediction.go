package core

import (
	"maps"
	"time"
)

// Ensemble methods recorded on predictions.
const (
	MethodSingleModel   = "single_model"
	MethodWeightedVote  = "weighted_vote"
	MethodRuleHeuristic = "rule_heuristic"
)

// EnsembleModelName names the aggregate performance record of the combined
// forecast, as opposed to individual sub-models.
const EnsembleModelName = "ensemble"

// ModelOutput is the normalized result of one sub-model for one symbol.
// Confidences is optional per horizon; Confidence is the model's average.
type ModelOutput struct {
	Directions  map[Horizon]Direction `json:"directions"`
	Magnitudes  map[Horizon]float64   `json:"magnitudes"`
	Confidences map[Horizon]float64   `json:"confidences,omitempty"`
	Confidence  float64               `json:"confidence"`
}

// Clone returns a deep copy.
func (o ModelOutput) Clone() ModelOutput {
	return ModelOutput{
		Directions:  maps.Clone(o.Directions),
		Magnitudes:  maps.Clone(o.Magnitudes),
		Confidences: maps.Clone(o.Confidences),
		Confidence:  o.Confidence,
	}
}

// EnsembleOutput is the combined forecast fed to the confidence engine.
type EnsembleOutput struct {
	ModelOutput
	Method       string                          `json:"method"`
	ModelVersion string                          `json:"model_version"`
	Models       []string                        `json:"models,omitempty"`
	Weights      map[string]float64              `json:"weights,omitempty"`
	PerModel     map[string]map[Horizon]Direction `json:"per_model,omitempty"`
}

// ComponentBreakdown records every stage of a confidence computation.
type ComponentBreakdown struct {
	Technical   float64 `json:"technical"`
	Sentiment   float64 `json:"sentiment"`
	Volume      float64 `json:"volume"`
	Risk        float64 `json:"risk"`
	Ensemble    float64 `json:"ensemble"`
	Preliminary float64 `json:"preliminary"`
	Multiplier  float64 `json:"multiplier"`
	Adjusted    float64 `json:"adjusted"`
	Final       float64 `json:"final"`
}

// Prediction is an immutable recommendation record.
type Prediction struct {
	ID              string                          `json:"id"`
	Symbol          string                          `json:"symbol"`
	CreatedAt       time.Time                       `json:"created_at"`
	Action          Action                          `json:"action"`
	Confidence      float64                         `json:"confidence"`
	Directions      map[Horizon]Direction           `json:"direction_by_horizon"`
	Magnitudes      map[Horizon]float64             `json:"magnitude_by_horizon"`
	FeatureSnapshot map[string]float64              `json:"feature_snapshot"`
	ModelVersion    string                          `json:"model_version"`
	EnsembleMethod  string                          `json:"ensemble_method"`
	EnsembleWeights map[string]float64              `json:"ensemble_weights_snapshot"`
	ModelDirections map[string]map[Horizon]Direction `json:"model_directions,omitempty"`
	Regime          string                          `json:"regime"`
	Breakdown       ComponentBreakdown              `json:"breakdown"`
}

// Clone returns a deep copy so callers cannot alias stored maps.
func (p Prediction) Clone() Prediction {
	out := p
	out.Directions = maps.Clone(p.Directions)
	out.Magnitudes = maps.Clone(p.Magnitudes)
	out.FeatureSnapshot = maps.Clone(p.FeatureSnapshot)
	out.EnsembleWeights = maps.Clone(p.EnsembleWeights)
	if p.ModelDirections != nil {
		out.ModelDirections = make(map[string]map[Horizon]Direction, len(p.ModelDirections))
		for name, dirs := range p.ModelDirections {
			out.ModelDirections[name] = maps.Clone(dirs)
		}
	}
	return out
}

// Outcome is the realized result of a prediction.
type Outcome struct {
	ID                string    `json:"id"`
	PredictionID      string    `json:"prediction_id"`
	Horizon           Horizon   `json:"horizon"`
	EntryPrice        float64   `json:"entry_price"`
	ExitPrice         float64   `json:"exit_price"`
	RealizedReturnPct float64   `json:"realized_return_pct"`
	RealizedDirection Direction `json:"realized_direction"`
	Correct           bool      `json:"correct"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// Evaluated pairs a prediction with its outcome.
type Evaluated struct {
	Prediction Prediction
	Outcome    Outcome
}

// ModelPerformance is one period-scoped accuracy record for a model.
type ModelPerformance struct {
	ModelName   string    `json:"model_name"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Accuracy    float64   `json:"accuracy"`
	SampleCount int       `json:"sample_count"`
}

// EnsembleWeights is the versioned weight table.
type EnsembleWeights struct {
	Version   int64              `json:"version"`
	Weights   map[string]float64 `json:"weights"`
	UpdatedAt time.Time          `json:"updated_at"`
	Source    string             `json:"source"`
}

// Clone returns a deep copy.
func (w EnsembleWeights) Clone() EnsembleWeights {
	out := w
	out.Weights = maps.Clone(w.Weights)
	return out
}
