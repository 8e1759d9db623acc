package ensemble

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/newthinker/augur/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCombiner(t *testing.T, initial map[string]float64) *Combiner {
	t.Helper()
	c, err := NewCombiner(context.Background(), NewMemoryWeightStore(), initial,
		WithClock(func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }))
	require.NoError(t, err)
	return c
}

func output(conf float64, dirs map[core.Horizon]core.Direction, mags map[core.Horizon]float64) core.ModelOutput {
	return core.ModelOutput{Directions: dirs, Magnitudes: mags, Confidence: conf}
}

func sumWeights(w map[string]float64) float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}

func TestNewCombiner_SeedsNormalizedWeights(t *testing.T) {
	c := newCombiner(t, map[string]float64{"trend": 3, "reversion": 1})

	w := c.Weights()
	assert.Equal(t, int64(1), w.Version)
	assert.Equal(t, SourceConfig, w.Source)
	assert.InDelta(t, 0.75, w.Weights["trend"], 1e-12)
	assert.InDelta(t, 1.0, sumWeights(w.Weights), 1e-12)
}

func TestNewCombiner_RejectsNegativeInitialWeight(t *testing.T) {
	_, err := NewCombiner(context.Background(), NewMemoryWeightStore(), map[string]float64{"a": -1})
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestCombine_NoOutputs(t *testing.T) {
	c := newCombiner(t, map[string]float64{"trend": 1})

	_, err := c.Combine(nil)
	assert.True(t, errors.Is(err, core.ErrNoEnsemble))
}

func TestCombine_SingleModelPassThrough(t *testing.T) {
	c := newCombiner(t, map[string]float64{"trend": 1})
	in := core.ModelOutput{
		Directions:  map[core.Horizon]core.Direction{core.Horizon1H: core.DirectionDown, core.Horizon1D: core.DirectionUp},
		Magnitudes:  map[core.Horizon]float64{core.Horizon1H: -0.1, core.Horizon1D: 0.8},
		Confidences: map[core.Horizon]float64{core.Horizon1D: 0.66},
		Confidence:  0.61,
	}

	// Identity holds even for a model unknown to the weight table.
	for _, name := range []string{"trend", "newcomer"} {
		out, err := c.Combine(map[string]core.ModelOutput{name: in})
		require.NoError(t, err)
		assert.Equal(t, in, out.ModelOutput)
		assert.Equal(t, core.MethodSingleModel, out.Method)
		assert.Equal(t, map[string]float64{name: 1}, out.Weights)
	}
}

func TestCombine_WeightedVote(t *testing.T) {
	c := newCombiner(t, map[string]float64{"a": 0.5, "b": 0.3, "c": 0.2})

	outputs := map[string]core.ModelOutput{
		"a": output(0.8,
			map[core.Horizon]core.Direction{core.Horizon1D: core.DirectionUp, core.Horizon4H: core.DirectionUp},
			map[core.Horizon]float64{core.Horizon1D: 2, core.Horizon4H: 1}),
		"b": output(0.6,
			map[core.Horizon]core.Direction{core.Horizon1D: core.DirectionDown, core.Horizon1H: core.DirectionDown},
			map[core.Horizon]float64{core.Horizon1D: -1, core.Horizon1H: -0.5}),
		"c": output(0.5,
			map[core.Horizon]core.Direction{core.Horizon1D: core.DirectionDown},
			map[core.Horizon]float64{core.Horizon1D: -3}),
	}

	out, err := c.Combine(outputs)
	require.NoError(t, err)
	assert.Equal(t, core.MethodWeightedVote, out.Method)
	assert.Equal(t, "ensemble/v1", out.ModelVersion)
	assert.Equal(t, []string{"a", "b", "c"}, out.Models)

	// 1d: up share 0.5 against down share 0.5 goes up.
	assert.Equal(t, core.DirectionUp, out.Directions[core.Horizon1D])
	assert.InDelta(t, 0.5*2-0.3-0.2*3, out.Magnitudes[core.Horizon1D], 1e-12)

	// 4h: only a voted, so silent models do not dilute it.
	assert.Equal(t, core.DirectionUp, out.Directions[core.Horizon4H])
	assert.InDelta(t, 1.0, out.Magnitudes[core.Horizon4H], 1e-12)
	assert.InDelta(t, 0.8, out.Confidences[core.Horizon4H], 1e-12)

	// 1h: only b voted.
	assert.Equal(t, core.DirectionDown, out.Directions[core.Horizon1H])
	assert.InDelta(t, -0.5, out.Magnitudes[core.Horizon1H], 1e-12)

	assert.InDelta(t, 0.5*0.8+0.3*0.6+0.2*0.5, out.Confidence, 1e-12)
	assert.Len(t, out.PerModel, 3)
}

func TestCombine_VoteIsBinary(t *testing.T) {
	c := newCombiner(t, map[string]float64{"a": 0.3, "b": 0.3, "c": 0.4})

	tests := []struct {
		name string
		dirs [3]core.Direction
		want core.Direction
	}{
		{"tie goes up", [3]core.Direction{core.DirectionUp, core.DirectionDown, core.DirectionFlat}, core.DirectionUp},
		{"flat votes are ignored", [3]core.Direction{core.DirectionFlat, core.DirectionDown, core.DirectionFlat}, core.DirectionDown},
		{"minority up loses", [3]core.Direction{core.DirectionUp, core.DirectionFlat, core.DirectionDown}, core.DirectionDown},
		{"majority up wins", [3]core.Direction{core.DirectionUp, core.DirectionUp, core.DirectionDown}, core.DirectionUp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outputs := map[string]core.ModelOutput{}
			for i, name := range []string{"a", "b", "c"} {
				outputs[name] = output(0.6, map[core.Horizon]core.Direction{core.Horizon1D: tt.dirs[i]}, nil)
			}
			out, err := c.Combine(outputs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Directions[core.Horizon1D])
		})
	}
}

func TestCombine_NeverFlat(t *testing.T) {
	c := newCombiner(t, map[string]float64{"a": 0.25, "b": 0.25, "c": 0.5})
	rng := rand.New(rand.NewSource(11))
	choices := []core.Direction{core.DirectionUp, core.DirectionDown, core.DirectionFlat}

	for i := 0; i < 300; i++ {
		outputs := map[string]core.ModelOutput{}
		for _, name := range []string{"a", "b", "c"} {
			dirs := map[core.Horizon]core.Direction{}
			for _, h := range core.Horizons() {
				dirs[h] = choices[rng.Intn(len(choices))]
			}
			outputs[name] = output(rng.Float64(), dirs, nil)
		}
		out, err := c.Combine(outputs)
		require.NoError(t, err)
		for h, d := range out.Directions {
			assert.NotEqual(t, core.DirectionFlat, d, "horizon %s", h)
		}
	}
}

func TestCombine_ZeroHorizonConfidenceFallsBackToAverage(t *testing.T) {
	c := newCombiner(t, map[string]float64{"a": 0.5, "b": 0.5})

	a := output(0.6, map[core.Horizon]core.Direction{core.Horizon1D: core.DirectionUp}, nil)
	a.Confidences = map[core.Horizon]float64{core.Horizon1D: 0}
	b := output(0.4, map[core.Horizon]core.Direction{core.Horizon1D: core.DirectionUp}, nil)
	b.Confidences = map[core.Horizon]float64{core.Horizon1D: 0.9}

	out, err := c.Combine(map[string]core.ModelOutput{"a": a, "b": b})
	require.NoError(t, err)
	assert.InDelta(t, (0.6+0.9)/2, out.Confidences[core.Horizon1D], 1e-12)
}

func TestCombine_UnknownModelIgnored(t *testing.T) {
	c := newCombiner(t, map[string]float64{"a": 1})

	outputs := map[string]core.ModelOutput{
		"a":       output(0.7, map[core.Horizon]core.Direction{core.Horizon1D: core.DirectionUp}, nil),
		"unknown": output(0.9, map[core.Horizon]core.Direction{core.Horizon1D: core.DirectionDown}, nil),
	}

	out, err := c.Combine(outputs)
	require.NoError(t, err)
	assert.Equal(t, core.DirectionUp, out.Directions[core.Horizon1D])
	assert.InDelta(t, 0.7, out.Confidence, 1e-12)
	assert.Contains(t, out.PerModel, "unknown")
}

func TestCombine_AllZeroWeights(t *testing.T) {
	c := newCombiner(t, map[string]float64{"a": 1})

	outputs := map[string]core.ModelOutput{
		"x": output(0.7, map[core.Horizon]core.Direction{core.Horizon1D: core.DirectionUp}, nil),
		"y": output(0.7, map[core.Horizon]core.Direction{core.Horizon1D: core.DirectionUp}, nil),
	}
	_, err := c.Combine(outputs)
	assert.True(t, errors.Is(err, core.ErrNoEnsemble))
}

func TestRecomputeWeights(t *testing.T) {
	c := newCombiner(t, map[string]float64{"a": 0.4, "b": 0.4, "c": 0.2})

	w, err := c.RecomputeWeights(context.Background(), map[string]core.ModelPerformance{
		"a":                    {ModelName: "a", Accuracy: 0.6, SampleCount: 20},
		"b":                    {ModelName: "b", Accuracy: 0.2, SampleCount: 20},
		"c":                    {ModelName: "c", Accuracy: 0.9, SampleCount: 2}, // below min samples
		core.EnsembleModelName: {Accuracy: 0.7, SampleCount: 40},
	})
	require.NoError(t, err)

	// a=0.75, b=0.25, c keeps 0.2; total 1.2
	assert.Equal(t, int64(2), w.Version)
	assert.Equal(t, SourcePerformance, w.Source)
	assert.InDelta(t, 0.75/1.2, w.Weights["a"], 1e-12)
	assert.InDelta(t, 0.25/1.2, w.Weights["b"], 1e-12)
	assert.InDelta(t, 0.2/1.2, w.Weights["c"], 1e-12)
	assert.NotContains(t, w.Weights, core.EnsembleModelName)
	assert.Equal(t, w, c.Weights())
}

func TestRecomputeWeights_NoUsableData(t *testing.T) {
	c := newCombiner(t, map[string]float64{"a": 1})
	before := c.Weights()

	w, err := c.RecomputeWeights(context.Background(), map[string]core.ModelPerformance{
		"a": {Accuracy: 0, SampleCount: 50},
		"b": {Accuracy: 0.8, SampleCount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, before, w)
}

func TestRecomputeWeights_AlwaysNormalized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		initial := map[string]float64{}
		for _, name := range []string{"a", "b", "c", "d"} {
			if rng.Intn(3) > 0 {
				initial[name] = rng.Float64()
			}
		}
		initial["base"] = 0.01 + rng.Float64()
		c := newCombiner(t, initial)

		perf := map[string]core.ModelPerformance{}
		for _, name := range []string{"a", "b", "c", "d", "e"} {
			if rng.Intn(2) == 0 {
				perf[name] = core.ModelPerformance{Accuracy: rng.Float64(), SampleCount: rng.Intn(12)}
			}
		}

		w, err := c.RecomputeWeights(context.Background(), perf)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sumWeights(w.Weights), 1e-9)
		for name, v := range w.Weights {
			assert.True(t, v >= 0 && v <= 1, "weight %s=%v", name, v)
		}
	}
}

func TestSetWeights(t *testing.T) {
	c := newCombiner(t, map[string]float64{"a": 1})

	w, err := c.SetWeights(context.Background(), map[string]float64{"a": 1, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, SourceAdmin, w.Source)
	assert.InDelta(t, 0.75, w.Weights["b"], 1e-12)

	_, err = c.SetWeights(context.Background(), map[string]float64{"a": math.NaN()})
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
	_, err = c.SetWeights(context.Background(), map[string]float64{"a": 0})
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
	assert.Equal(t, int64(2), c.Weights().Version)
}

func TestWeightConflict(t *testing.T) {
	store := NewMemoryWeightStore()
	ctx := context.Background()

	first, err := NewCombiner(ctx, store, map[string]float64{"a": 0.5, "b": 0.5})
	require.NoError(t, err)
	second, err := NewCombiner(ctx, store, map[string]float64{"ignored": 1})
	require.NoError(t, err)
	assert.Equal(t, first.Weights().Weights, second.Weights().Weights)

	_, err = first.SetWeights(ctx, map[string]float64{"a": 1})
	require.NoError(t, err)

	// second still holds version 1; the commit reloads and lands on top.
	w, err := second.SetWeights(ctx, map[string]float64{"b": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), w.Version)
	assert.Equal(t, map[string]float64{"b": 1}, w.Weights)

	require.NoError(t, first.Reload(ctx))
	assert.Equal(t, w, first.Weights())
}

func TestRecomputeWeights_ReloadsAfterForeignCommit(t *testing.T) {
	store := NewMemoryWeightStore()
	ctx := context.Background()

	a, err := NewCombiner(ctx, store, map[string]float64{"trend": 0.5, "reversion": 0.5})
	require.NoError(t, err)
	b, err := NewCombiner(ctx, store, nil)
	require.NoError(t, err)

	_, err = b.SetWeights(ctx, map[string]float64{"trend": 0.2, "reversion": 0.2, "llm": 0.6})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Weights().Version)

	w, err := a.RecomputeWeights(ctx, map[string]core.ModelPerformance{
		"trend":     {Accuracy: 0.6, SampleCount: 20},
		"reversion": {Accuracy: 0.2, SampleCount: 20},
	})
	require.NoError(t, err)

	// Built from b's table: trend=0.75, reversion=0.25, llm keeps 0.6.
	assert.Equal(t, int64(3), w.Version)
	assert.Equal(t, SourcePerformance, w.Source)
	assert.InDelta(t, 0.75/1.6, w.Weights["trend"], 1e-12)
	assert.InDelta(t, 0.25/1.6, w.Weights["reversion"], 1e-12)
	assert.InDelta(t, 0.6/1.6, w.Weights["llm"], 1e-12)
	assert.Equal(t, w, a.Weights())

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, w, stored)
}

func TestRecomputeWeights_MissingModelsShrinkProportionally(t *testing.T) {
	c := newCombiner(t, map[string]float64{"a": 0.2, "b": 0.2, "c": 0.6})

	w, err := c.RecomputeWeights(context.Background(), map[string]core.ModelPerformance{
		"c": {Accuracy: 0.4, SampleCount: 30},
	})
	require.NoError(t, err)

	// c becomes 1.0 raw; a and b keep 0.2 each and keep their ratio.
	assert.InDelta(t, 0.2/1.4, w.Weights["a"], 1e-12)
	assert.InDelta(t, 0.2/1.4, w.Weights["b"], 1e-12)
	assert.InDelta(t, 1/1.4, w.Weights["c"], 1e-12)
	assert.Less(t, w.Weights["a"], 0.2)
}

// racingStore lets another writer commit ahead of each of the next n swaps.
type racingStore struct {
	WeightStore
	n int
}

func (s *racingStore) CompareAndSwap(ctx context.Context, expected int64, next core.EnsembleWeights) error {
	if s.n > 0 {
		s.n--
		cur, err := s.WeightStore.Load(ctx)
		if err != nil {
			return err
		}
		cur.Version++
		if err := s.WeightStore.CompareAndSwap(ctx, cur.Version-1, cur); err != nil {
			return err
		}
	}
	return s.WeightStore.CompareAndSwap(ctx, expected, next)
}

func TestWeightConflict_RetriesOnce(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{WeightStore: NewMemoryWeightStore()}
	c, err := NewCombiner(ctx, store, map[string]float64{"a": 1})
	require.NoError(t, err)

	store.n = 1
	w, err := c.SetWeights(ctx, map[string]float64{"a": 1, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), w.Version)

	store.n = 2
	_, err = c.SetWeights(ctx, map[string]float64{"b": 1})
	assert.True(t, errors.Is(err, core.ErrWeightConflict))
	assert.Equal(t, int64(4), c.Weights().Version)

	require.NoError(t, c.Reload(ctx))
	assert.Equal(t, int64(5), c.Weights().Version)
}

func TestCombiner_ConcurrentReadsDuringUpdates(t *testing.T) {
	c := newCombiner(t, map[string]float64{"a": 0.5, "b": 0.5})
	outputs := map[string]core.ModelOutput{
		"a": output(0.7, map[core.Horizon]core.Direction{core.Horizon1D: core.DirectionUp}, nil),
		"b": output(0.6, map[core.Horizon]core.Direction{core.Horizon1D: core.DirectionDown}, nil),
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				out, err := c.Combine(outputs)
				if assert.NoError(t, err) {
					assert.InDelta(t, 1.0, sumWeights(out.Weights), 1e-9)
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		_, err := c.RecomputeWeights(context.Background(), map[string]core.ModelPerformance{
			"a": {Accuracy: float64(i%5+1) / 10, SampleCount: 10},
			"b": {Accuracy: 0.5, SampleCount: 10},
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int64(21), c.Weights().Version)
}
