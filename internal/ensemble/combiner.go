// Package ensemble merges sub-model forecasts by weighted vote and keeps the
// weight table in step with measured accuracy.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newthinker/augur/internal/core"
	"go.uber.org/zap"
)

// Weight table sources.
const (
	SourceConfig      = "config"
	SourcePerformance = "performance"
	SourceAdmin       = "admin"
)

// Combiner owns the weight table. Reads are lock-free; updates are
// serialized and committed through the store's version check.
type Combiner struct {
	store      WeightStore
	minSamples int
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[core.EnsembleWeights]
}

// Option configures a Combiner.
type Option func(*Combiner)

// WithMinSamples sets how many evaluated predictions a model needs before
// its accuracy counts.
func WithMinSamples(n int) Option {
	return func(c *Combiner) { c.minSamples = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Combiner) { c.logger = l }
}

// WithClock overrides the wall clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Combiner) { c.now = now }
}

// NewCombiner loads the committed table, seeding the store from initial
// when it is empty.
func NewCombiner(ctx context.Context, store WeightStore, initial map[string]float64, opts ...Option) (*Combiner, error) {
	c := &Combiner{
		store:      store,
		minSamples: 5,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	w, err := store.Load(ctx)
	if errors.Is(err, core.ErrNoData) {
		seed, nerr := normalize(initial)
		if nerr != nil {
			if len(initial) > 0 {
				return nil, nerr
			}
			seed = map[string]float64{}
		}
		w = core.EnsembleWeights{Version: 1, Weights: seed, UpdatedAt: c.now(), Source: SourceConfig}
		err = store.CompareAndSwap(ctx, 0, w)
		if errors.Is(err, core.ErrWeightConflict) {
			w, err = store.Load(ctx)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("loading ensemble weights: %w", err)
	}

	c.current.Store(&w)
	return c, nil
}

// Weights returns the latest committed snapshot.
func (c *Combiner) Weights() core.EnsembleWeights {
	return c.current.Load().Clone()
}

// Reload replaces the in-memory snapshot with the stored one.
func (c *Combiner) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.load(ctx)
	return err
}

// load must be called with c.mu held.
func (c *Combiner) load(ctx context.Context) (*core.EnsembleWeights, error) {
	w, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	c.current.Store(&w)
	return &w, nil
}

// Combine merges per-model outputs. A single output is returned unchanged.
// With several outputs each horizon is decided by a weighted vote over the
// models that called it up or down; models missing from the table carry
// weight 0. The result is always up or down: an up share of at least half
// wins, so a tie goes up.
func (c *Combiner) Combine(outputs map[string]core.ModelOutput) (*core.EnsembleOutput, error) {
	if len(outputs) == 0 {
		return nil, core.WrapError(core.ErrNoEnsemble, fmt.Errorf("no sub-model output"))
	}

	perModel := make(map[string]map[core.Horizon]core.Direction, len(outputs))
	names := make([]string, 0, len(outputs))
	for name, out := range outputs {
		names = append(names, name)
		dirs := make(map[core.Horizon]core.Direction, len(out.Directions))
		for h, d := range out.Directions {
			dirs[h] = d
		}
		perModel[name] = dirs
	}
	sort.Strings(names)

	if len(outputs) == 1 {
		name := names[0]
		return &core.EnsembleOutput{
			ModelOutput:  outputs[name].Clone(),
			Method:       core.MethodSingleModel,
			ModelVersion: "single/" + name,
			Models:       names,
			Weights:      map[string]float64{name: 1},
			PerModel:     perModel,
		}, nil
	}

	snapshot := c.current.Load()
	weights := snapshot.Weights

	var totalWeight, weightedConfidence float64
	for _, name := range names {
		w := weights[name]
		if w <= 0 {
			continue
		}
		totalWeight += w
		weightedConfidence += w * outputs[name].Confidence
	}
	if totalWeight == 0 {
		return nil, core.WrapError(core.ErrNoEnsemble, fmt.Errorf("all contributing models have zero weight"))
	}

	combined := core.ModelOutput{
		Directions:  make(map[core.Horizon]core.Direction),
		Magnitudes:  make(map[core.Horizon]float64),
		Confidences: make(map[core.Horizon]float64),
		Confidence:  weightedConfidence / totalWeight,
	}

	for _, h := range core.Horizons() {
		var denom, up, magnitude, confidence float64
		for _, name := range names {
			out := outputs[name]
			w := weights[name]
			d := out.Directions[h]
			if w <= 0 || (d != core.DirectionUp && d != core.DirectionDown) {
				continue
			}
			denom += w
			if d == core.DirectionUp {
				up += w
			}
			magnitude += w * out.Magnitudes[h]
			confidence += w * horizonConfidence(out, h)
		}
		if denom == 0 {
			continue
		}

		if up/denom >= 0.5 {
			combined.Directions[h] = core.DirectionUp
		} else {
			combined.Directions[h] = core.DirectionDown
		}
		combined.Magnitudes[h] = magnitude / denom
		combined.Confidences[h] = confidence / denom
	}

	return &core.EnsembleOutput{
		ModelOutput:  combined,
		Method:       core.MethodWeightedVote,
		ModelVersion: fmt.Sprintf("ensemble/v%d", snapshot.Version),
		Models:       names,
		Weights:      snapshot.Clone().Weights,
		PerModel:     perModel,
	}, nil
}

// horizonConfidence uses the per-horizon value unless it is missing or
// exactly zero, in which case the model's average applies.
func horizonConfidence(out core.ModelOutput, h core.Horizon) float64 {
	if c, ok := out.Confidences[h]; ok && c > 0 {
		return c
	}
	return out.Confidence
}

// RecomputeWeights derives a new table from model performance. Models with
// at least minSamples samples get accuracy/sum(accuracy); the rest keep their
// previous weight; the table is then renormalized. Models with no data keep
// their previous raw weight, so they shrink proportionally when the table is
// renormalized. When no model has usable data the current table is returned
// unchanged. If another writer committed first, the stored table is reloaded
// and the recompute is applied to it once more.
func (c *Combiner) RecomputeWeights(ctx context.Context, perf map[string]core.ModelPerformance) (core.EnsembleWeights, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sumAcc float64
	withData := make(map[string]float64)
	for name, p := range perf {
		if name == core.EnsembleModelName || p.SampleCount < c.minSamples {
			continue
		}
		acc := p.Accuracy
		if math.IsNaN(acc) || acc < 0 {
			acc = 0
		}
		withData[name] = acc
		sumAcc += acc
	}
	if sumAcc == 0 {
		cur := c.current.Load()
		c.logger.Info("no usable model performance, keeping ensemble weights",
			zap.Int("models_reported", len(perf)),
			zap.Int64("version", cur.Version),
		)
		return cur.Clone(), nil
	}

	return c.update(ctx, SourcePerformance, func(cur *core.EnsembleWeights) (map[string]float64, error) {
		raw := make(map[string]float64, len(cur.Weights)+len(withData))
		for name, w := range cur.Weights {
			raw[name] = w
		}
		for name, acc := range withData {
			raw[name] = acc / sumAcc
		}
		return normalize(raw)
	})
}

// SetWeights replaces the table with an operator-supplied one, normalized.
func (c *Combiner) SetWeights(ctx context.Context, weights map[string]float64) (core.EnsembleWeights, error) {
	next, err := normalize(weights)
	if err != nil {
		return core.EnsembleWeights{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.update(ctx, SourceAdmin, func(*core.EnsembleWeights) (map[string]float64, error) {
		return next, nil
	})
}

// update commits the table built from the current snapshot. On a version
// conflict the snapshot is reloaded from the store and build runs once more.
// It must be called with c.mu held.
func (c *Combiner) update(ctx context.Context, source string, build func(cur *core.EnsembleWeights) (map[string]float64, error)) (core.EnsembleWeights, error) {
	cur := c.current.Load()
	for attempt := 0; ; attempt++ {
		next, err := build(cur)
		if err != nil {
			return cur.Clone(), err
		}
		w, err := c.commit(ctx, cur, next, source)
		if err == nil || attempt > 0 || !errors.Is(err, core.ErrWeightConflict) {
			return w, err
		}

		c.logger.Warn("ensemble weights changed concurrently, reloading",
			zap.Int64("expected_version", cur.Version),
			zap.String("source", source),
		)
		if cur, err = c.load(ctx); err != nil {
			return w, err
		}
	}
}

// commit must be called with c.mu held.
func (c *Combiner) commit(ctx context.Context, cur *core.EnsembleWeights, weights map[string]float64, source string) (core.EnsembleWeights, error) {
	next := core.EnsembleWeights{
		Version:   cur.Version + 1,
		Weights:   weights,
		UpdatedAt: c.now(),
		Source:    source,
	}
	if err := c.store.CompareAndSwap(ctx, cur.Version, next); err != nil {
		return cur.Clone(), err
	}
	c.current.Store(&next)

	c.logger.Info("ensemble weights committed",
		zap.Int64("version", next.Version),
		zap.String("source", source),
		zap.Any("weights", next.Weights),
	)
	return next.Clone(), nil
}

// normalize scales weights to sum to 1. Negative or non-finite weights are
// rejected, as is a table with no positive weight.
func normalize(weights map[string]float64) (map[string]float64, error) {
	var sum float64
	for name, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return nil, core.WrapError(core.ErrInvalidInput, fmt.Errorf("weight for %q must be a non-negative number, got %v", name, w))
		}
		sum += w
	}
	if sum == 0 {
		return nil, core.WrapError(core.ErrInvalidInput, fmt.Errorf("weights must contain a positive value"))
	}

	out := make(map[string]float64, len(weights))
	for name, w := range weights {
		out[name] = w / sum
	}
	return out, nil
}
