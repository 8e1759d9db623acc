// internal/evaluator/accumulator.go
package evaluator

import (
	"sort"
	"time"

	"github.com/newthinker/augur/internal/core"
)

type modelStats struct {
	samples  int
	accuracy float64
}

// accumulator tracks per-model hit rates over one evaluation window.
type accumulator struct {
	stats map[string]*modelStats
}

func newAccumulator() *accumulator {
	return &accumulator{stats: make(map[string]*modelStats)}
}

// record adds one directional call for a model.
func (a *accumulator) record(model string, correct bool) {
	s, ok := a.stats[model]
	if !ok {
		s = &modelStats{}
		a.stats[model] = s
	}

	s.samples++
	hits := float64(s.samples-1) * s.accuracy
	if correct {
		hits++
	}
	s.accuracy = hits / float64(s.samples)
}

// add scores every model that voted on the horizon plus the combined
// forecast. Flat realizations carry no directional information and are
// ignored.
func (a *accumulator) add(e core.Evaluated, h core.Horizon) {
	realized := e.Outcome.RealizedDirection
	if realized == core.DirectionFlat {
		return
	}
	for model, dirs := range e.Prediction.ModelDirections {
		if d, ok := dirs[h]; ok {
			a.record(model, d == realized)
		}
	}
	if d, ok := e.Prediction.Directions[h]; ok {
		a.record(core.EnsembleModelName, d == realized)
	}
}

// records returns one period record per model, sorted by name.
func (a *accumulator) records(start, end time.Time) []core.ModelPerformance {
	out := make([]core.ModelPerformance, 0, len(a.stats))
	for model, s := range a.stats {
		out = append(out, core.ModelPerformance{
			ModelName:   model,
			PeriodStart: start,
			PeriodEnd:   end,
			Accuracy:    s.accuracy,
			SampleCount: s.samples,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out
}
