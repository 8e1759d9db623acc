// internal/evaluator/evaluator.go
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/newthinker/augur/internal/config"
	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/ledger"
	"github.com/newthinker/augur/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// PriceSource returns the last traded price at or before a time.
type PriceSource interface {
	PriceAt(ctx context.Context, symbol string, t time.Time) (float64, time.Time, error)
}

// WeightUpdater receives fresh performance records.
type WeightUpdater interface {
	RecomputeWeights(ctx context.Context, perf map[string]core.ModelPerformance) (core.EnsembleWeights, error)
}

// Evaluator turns aged predictions into outcomes and feeds realized
// accuracy back into the ensemble weights.
type Evaluator struct {
	store   ledger.Store
	prices  PriceSource
	weights WeightUpdater

	holding   time.Duration
	horizon   core.Horizon
	flatBand  float64
	interval  time.Duration
	recompute time.Duration
	window    time.Duration

	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer
	now     func() time.Time

	mu            sync.Mutex
	lastRecompute time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(e *Evaluator) { e.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Evaluator) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an evaluator. weights may be nil, in which case performance
// records are stored but not applied.
func New(store ledger.Store, prices PriceSource, weights WeightUpdater, cfg config.EvaluatorConfig, opts ...Option) (*Evaluator, error) {
	if store == nil || prices == nil {
		return nil, core.WrapError(core.ErrConfigMissing, fmt.Errorf("evaluator needs a ledger and a price source"))
	}
	def := config.Defaults().Evaluator
	if cfg.HoldingWindow <= 0 {
		cfg.HoldingWindow = def.HoldingWindow
	}
	if cfg.Horizon == "" {
		cfg.Horizon = def.Horizon
	}
	horizon, err := core.ParseHorizon(cfg.Horizon)
	if err != nil {
		return nil, core.WrapError(core.ErrConfigInvalid, err)
	}
	if cfg.FlatBandPct < 0 {
		cfg.FlatBandPct = def.FlatBandPct
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = def.RecomputeInterval
	}
	if cfg.PerformanceWindow <= 0 {
		cfg.PerformanceWindow = def.PerformanceWindow
	}

	e := &Evaluator{
		store:     store,
		prices:    prices,
		weights:   weights,
		holding:   cfg.HoldingWindow,
		horizon:   horizon,
		flatBand:  cfg.FlatBandPct,
		interval:  cfg.Interval,
		recompute: cfg.RecomputeInterval,
		window:    cfg.PerformanceWindow,
		logger:    zap.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("evaluator"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RealizedDirection classifies a percent return against the flat band.
func RealizedDirection(returnPct, flatBandPct float64) core.Direction {
	switch {
	case returnPct > flatBandPct:
		return core.DirectionUp
	case returnPct < -flatBandPct:
		return core.DirectionDown
	default:
		return core.DirectionFlat
	}
}

// EvaluatePending writes an outcome for every prediction past its holding
// window. A prediction whose prices cannot be fetched is skipped and picked
// up again by a later pass.
func (e *Evaluator) EvaluatePending(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "evaluator.evaluate-pending")
	defer span.End()

	pending, err := e.store.FindPendingEvaluation(ctx, e.holding)
	if err != nil {
		return 0, fmt.Errorf("finding pending predictions: %w", err)
	}
	span.SetAttributes(attribute.Int("pending", len(pending)))

	evaluated := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return evaluated, err
		}

		o, reason, err := e.outcomeFor(ctx, p)
		if err != nil {
			e.logger.Warn("skipping prediction",
				zap.String("prediction_id", p.ID),
				zap.String("symbol", p.Symbol),
				zap.String("reason", reason),
				zap.Error(err),
			)
			e.metrics.RecordEvaluationSkip(reason)
			continue
		}

		created, err := e.store.AppendOutcome(ctx, *o)
		if err != nil {
			e.logger.Error("failed to store outcome",
				zap.String("prediction_id", p.ID),
				zap.String("symbol", p.Symbol),
				zap.Error(err),
			)
			e.metrics.RecordEvaluationSkip("storage")
			continue
		}
		if created {
			evaluated++
			e.metrics.RecordOutcome(string(o.RealizedDirection))
		}
	}

	span.SetAttributes(attribute.Int("evaluated", evaluated))
	e.logger.Info("evaluation pass complete",
		zap.Int("pending", len(pending)),
		zap.Int("evaluated", evaluated),
	)
	return evaluated, nil
}

func (e *Evaluator) outcomeFor(ctx context.Context, p core.Prediction) (*core.Outcome, string, error) {
	entry, _, err := e.prices.PriceAt(ctx, p.Symbol, p.CreatedAt)
	if err != nil {
		return nil, "price_unavailable", err
	}
	exit, _, err := e.prices.PriceAt(ctx, p.Symbol, p.CreatedAt.Add(e.holding))
	if err != nil {
		return nil, "price_unavailable", err
	}
	if entry <= 0 || exit <= 0 {
		return nil, "invalid_price", core.WrapError(core.ErrInvalidInput,
			fmt.Errorf("non-positive price entry=%f exit=%f", entry, exit))
	}

	ret := (exit - entry) / entry * 100
	realized := RealizedDirection(ret, e.flatBand)
	return &core.Outcome{
		PredictionID:      p.ID,
		Horizon:           e.horizon,
		EntryPrice:        entry,
		ExitPrice:         exit,
		RealizedReturnPct: ret,
		RealizedDirection: realized,
		Correct:           realized != core.DirectionFlat && p.Directions[e.horizon] == realized,
		EvaluatedAt:       e.now(),
	}, "", nil
}

// RecomputePerformance aggregates accuracy over the rolling window, stores
// a new period record per model and pushes new weights to the ensemble.
func (e *Evaluator) RecomputePerformance(ctx context.Context) ([]core.ModelPerformance, error) {
	ctx, span := e.tracer.Start(ctx, "evaluator.recompute-performance")
	defer span.End()

	end := e.now()
	start := end.Add(-e.window)

	evaluated, err := e.store.ListEvaluated(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("listing evaluated predictions: %w", err)
	}

	acc := newAccumulator()
	for _, ev := range evaluated {
		acc.add(ev, e.horizon)
	}
	records := acc.records(start, end)

	if err := e.store.AppendPerformance(ctx, records); err != nil {
		return nil, fmt.Errorf("storing performance: %w", err)
	}

	e.mu.Lock()
	e.lastRecompute = end
	e.mu.Unlock()

	span.SetAttributes(attribute.Int("evaluated", len(evaluated)), attribute.Int("models", len(records)))
	e.logger.Info("performance recomputed",
		zap.Int("evaluated", len(evaluated)),
		zap.Int("models", len(records)),
	)

	if e.weights == nil || len(records) == 0 {
		return records, nil
	}

	perf := make(map[string]core.ModelPerformance, len(records))
	for _, r := range records {
		perf[r.ModelName] = r
	}
	w, err := e.weights.RecomputeWeights(ctx, perf)
	if err != nil {
		if errors.Is(err, core.ErrWeightConflict) {
			e.logger.Warn("ensemble weights still conflicting after reload, retrying at next recompute", zap.Error(err))
			return records, nil
		}
		return records, fmt.Errorf("recomputing weights: %w", err)
	}
	e.metrics.SetEnsembleWeights(w.Weights, w.Version)
	e.logger.Info("ensemble weights updated",
		zap.Int64("version", w.Version),
		zap.Any("weights", w.Weights),
	)
	return records, nil
}

// Run evaluates on every interval tick and recomputes performance once the
// recompute interval has elapsed. It returns when ctx is done.
func (e *Evaluator) Run(ctx context.Context) error {
	e.tick(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Evaluator) tick(ctx context.Context) {
	if _, err := e.EvaluatePending(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("evaluation pass failed", zap.Error(err))
	}

	e.mu.Lock()
	due := e.lastRecompute.IsZero() || e.now().Sub(e.lastRecompute) >= e.recompute
	e.mu.Unlock()
	if !due || ctx.Err() != nil {
		return
	}
	if _, err := e.RecomputePerformance(ctx); err != nil {
		e.logger.Error("performance recompute failed", zap.Error(err))
	}
}
