// internal/app/pipeline.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	augurctx "github.com/newthinker/augur/internal/context"
	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/features"
	"github.com/newthinker/augur/internal/ledger"
	"github.com/newthinker/augur/internal/metrics"
	"github.com/newthinker/augur/internal/notifier"
	"github.com/newthinker/augur/internal/scoring"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stages at which scoring a symbol can fail.
const (
	StageMarket   = "market"
	StageFeatures = "features"
	StageModels   = "submodels"
	StageScoring  = "scoring"
	StageLedger   = "ledger"
	StageCanceled = "canceled"
)

// StageError reports the pipeline stage a symbol failed at.
type StageError struct {
	Symbol string
	Stage  string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s stage: %v", e.Symbol, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ModelRunner runs every registered sub-model for a symbol.
type ModelRunner interface {
	PredictAll(ctx context.Context, symbol string, fs core.FeatureSet) (map[string]core.ModelOutput, error)
}

// Combiner merges sub-model outputs into one forecast.
type Combiner interface {
	Combine(outputs map[string]core.ModelOutput) (*core.EnsembleOutput, error)
}

// Reloader is implemented by combiners whose weight table can change in a
// shared store. RunScoring reloads it before each pass.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Deps are the collaborators of a Pipeline. Sentiment and Notifiers are
// optional.
type Deps struct {
	Market    augurctx.MarketContextProvider
	Bars      augurctx.SeriesSource
	Features  *features.Extractor
	Sentiment augurctx.SentimentProvider
	Models    ModelRunner
	Combiner  Combiner
	Engine    *scoring.Engine
	Ledger    ledger.Store
	Notifiers *notifier.Registry
}

// Pipeline turns a symbol into a stored prediction.
type Pipeline struct {
	Deps

	historyDays int
	concurrency int

	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithConcurrency sets how many symbols RunScoring scores at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithHistoryDays sets the calendar days of bars fetched per symbol.
func WithHistoryDays(days int) Option {
	return func(p *Pipeline) {
		if days > 0 {
			p.historyDays = days
		}
	}
}

// NewPipeline validates the dependencies and creates a pipeline.
func NewPipeline(d Deps, opts ...Option) (*Pipeline, error) {
	switch {
	case d.Market == nil:
		return nil, core.WrapError(core.ErrConfigMissing, errors.New("pipeline: market context provider is required"))
	case d.Bars == nil:
		return nil, core.WrapError(core.ErrConfigMissing, errors.New("pipeline: bar source is required"))
	case d.Models == nil || d.Combiner == nil:
		return nil, core.WrapError(core.ErrConfigMissing, errors.New("pipeline: sub-models and combiner are required"))
	case d.Engine == nil:
		return nil, core.WrapError(core.ErrConfigMissing, errors.New("pipeline: scoring engine is required"))
	case d.Ledger == nil:
		return nil, core.WrapError(core.ErrConfigMissing, errors.New("pipeline: ledger is required"))
	}
	if d.Features == nil {
		d.Features = features.NewExtractor(features.DefaultParams())
	}

	p := &Pipeline{
		Deps:        d,
		historyDays: 120,
		concurrency: 4,
		logger:      zap.NewNop(),
		tracer:      noop.NewTracerProvider().Tracer("pipeline"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ScoreSymbol runs the full pipeline for one symbol: market context, bars,
// features, sentiment, sub-models, combination, scoring, ledger append and
// notification.
func (p *Pipeline) ScoreSymbol(ctx context.Context, symbol string) (*core.Prediction, error) {
	return p.scoreSymbol(ctx, symbol, p.Market.Current(ctx))
}

func (p *Pipeline) scoreSymbol(ctx context.Context, symbol string, mc augurctx.MarketContext) (*core.Prediction, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.score-symbol",
		trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	pred, err := p.run(ctx, symbol, mc)
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			span.SetAttributes(attribute.String("stage", se.Stage))
			p.metrics.RecordScoringFailure(se.Stage)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("action", string(pred.Action)),
		attribute.Float64("confidence", pred.Confidence),
		attribute.String("ensemble_method", pred.EnsembleMethod),
	)
	return pred, nil
}

func (p *Pipeline) run(ctx context.Context, symbol string, mc augurctx.MarketContext) (*core.Prediction, error) {
	fail := func(stage string, err error) error {
		return &StageError{Symbol: symbol, Stage: stage, Err: err}
	}

	bars, err := p.Bars.Series(ctx, symbol, p.historyDays)
	if err != nil {
		p.logger.Warn("failed to fetch bars", zap.String("symbol", symbol), zap.Error(err))
		return nil, fail(StageMarket, err)
	}

	fs := p.Features.Extract(bars)
	if fs.Technical == nil && fs.Volume == nil && fs.Risk == nil {
		err := core.WrapError(core.ErrInsufficientData, fmt.Errorf("%d bars, need %d", len(bars), p.Features.MinBars()))
		p.logger.Warn("no features extracted", zap.String("symbol", symbol), zap.Error(err))
		return nil, fail(StageFeatures, err)
	}

	fs.Sentiment = p.sentiment(ctx, symbol)

	outputs, err := p.Models.PredictAll(ctx, symbol, fs)
	if err != nil {
		return nil, fail(StageModels, err)
	}

	ens, err := p.Combiner.Combine(outputs)
	if err != nil {
		p.logger.Warn("no ensemble available, using rule heuristic",
			zap.String("symbol", symbol),
			zap.Int("models", len(outputs)),
			zap.Error(err),
		)
		ens = p.Engine.Fallback(fs.Technical)
	}

	res, err := p.Engine.Score(scoring.Input{
		Symbol:    symbol,
		Technical: fs.Technical,
		Sentiment: fs.Sentiment,
		Volume:    fs.Volume,
		Risk:      fs.Risk,
		Ensemble:  ens,
		Market:    mc,
	})
	if err != nil {
		return nil, fail(StageScoring, err)
	}

	pred := p.buildPrediction(symbol, fs, mc, res)
	id, err := p.Ledger.Append(ctx, pred)
	if err != nil {
		p.logger.Error("failed to store prediction", zap.String("symbol", symbol), zap.Error(err))
		return nil, fail(StageLedger, err)
	}
	pred.ID = id

	p.metrics.RecordPrediction(string(pred.Action), pred.EnsembleMethod)
	p.logger.Info("prediction stored",
		zap.String("symbol", symbol),
		zap.String("id", id),
		zap.String("action", string(pred.Action)),
		zap.Float64("confidence", pred.Confidence),
		zap.String("method", pred.EnsembleMethod),
		zap.String("regime", pred.Regime),
	)

	p.notify(ctx, pred)
	return &pred, nil
}

// sentiment degrades to nil when the provider has nothing or is down.
func (p *Pipeline) sentiment(ctx context.Context, symbol string) *core.Sentiment {
	if p.Sentiment == nil {
		return nil
	}
	s, err := p.Sentiment.GetSentiment(ctx, symbol)
	if err != nil {
		if !errors.Is(err, core.ErrNoData) {
			p.logger.Warn("sentiment unavailable", zap.String("symbol", symbol), zap.Error(err))
		}
		return nil
	}
	return s
}

func (p *Pipeline) buildPrediction(symbol string, fs core.FeatureSet, mc augurctx.MarketContext, res *scoring.Result) core.Prediction {
	snapshot := fs.Snapshot()
	snapshot["market.trend_pct"] = mc.TrendPct
	snapshot["market.volatility"] = mc.Volatility
	snapshot["market.multiplier"] = res.Breakdown.Multiplier

	ens := res.Ensemble
	pred := core.Prediction{
		Symbol:          symbol,
		CreatedAt:       p.now(),
		Action:          res.Action,
		Confidence:      res.Confidence,
		Directions:      ens.Directions,
		Magnitudes:      ens.Magnitudes,
		FeatureSnapshot: snapshot,
		ModelVersion:    ens.ModelVersion,
		EnsembleMethod:  ens.Method,
		EnsembleWeights: ens.Weights,
		ModelDirections: ens.PerModel,
		Regime:          string(res.Regime),
		Breakdown:       res.Breakdown,
	}
	return pred.Clone()
}

func (p *Pipeline) notify(ctx context.Context, pred core.Prediction) {
	if p.Notifiers == nil || !pred.Action.IsActionable() {
		return
	}
	errs := p.Notifiers.NotifyAll(ctx, pred)
	for _, n := range p.Notifiers.GetAll() {
		if err, failed := errs[n.Name()]; failed {
			p.metrics.RecordNotification(n.Name(), "failed")
			p.logger.Warn("notification failed",
				zap.String("notifier", n.Name()),
				zap.String("symbol", pred.Symbol),
				zap.Error(err),
			)
			continue
		}
		p.metrics.RecordNotification(n.Name(), "sent")
	}
}

// SymbolResult is the outcome of scoring one symbol in a batch.
type SymbolResult struct {
	Symbol       string      `json:"symbol"`
	PredictionID string      `json:"prediction_id,omitempty"`
	Action       core.Action `json:"action,omitempty"`
	Confidence   float64     `json:"confidence,omitempty"`
	Method       string      `json:"ensemble_method,omitempty"`
	Stage        string      `json:"failed_stage,omitempty"`
	Message      string      `json:"error,omitempty"`
	Err          error       `json:"-"`
}

// OK reports whether a prediction was stored.
func (r SymbolResult) OK() bool { return r.Err == nil }

// Summary reports every symbol of a scoring pass.
type Summary struct {
	Started   time.Time              `json:"started"`
	Finished  time.Time              `json:"finished"`
	Market    augurctx.MarketContext `json:"market"`
	Results   []SymbolResult         `json:"results"`
	Succeeded int                    `json:"succeeded"`
	Failed    int                    `json:"failed"`
	Skipped   int                    `json:"skipped"`
}

// Failures returns the results that did not produce a prediction.
func (s Summary) Failures() []SymbolResult {
	var out []SymbolResult
	for _, r := range s.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// RunScoring scores all symbols with bounded parallelism. One symbol's
// failure never stops the others. Once ctx is done no new symbols are
// started and the remaining ones are reported as canceled.
func (p *Pipeline) RunScoring(ctx context.Context, symbols []string) Summary {
	start := p.now()
	if r, ok := p.Combiner.(Reloader); ok {
		if err := r.Reload(ctx); err != nil {
			p.logger.Warn("reloading ensemble weights failed, using cached table", zap.Error(err))
		}
	}
	mc := p.Market.Current(ctx)
	summary := Summary{
		Started: start,
		Market:  mc,
		Results: make([]SymbolResult, len(symbols)),
	}

	p.logger.Info("scoring pass started",
		zap.Int("symbols", len(symbols)),
		zap.String("regime", string(mc.Regime)),
		zap.Float64("trend_pct", mc.TrendPct),
	)

	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for i, symbol := range symbols {
		if ctx.Err() != nil {
			summary.Results[i] = canceled(symbol, ctx.Err())
			continue
		}
		g.Go(func() error {
			summary.Results[i] = p.scoreOne(ctx, symbol, mc)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range summary.Results {
		switch {
		case r.OK():
			summary.Succeeded++
		case r.Stage == StageCanceled:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}
	summary.Finished = p.now()
	p.metrics.RecordScoringBatch(summary.Finished.Sub(start).Seconds())

	p.logger.Info("scoring pass complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Finished.Sub(start)),
	)
	return summary
}

func (p *Pipeline) scoreOne(ctx context.Context, symbol string, mc augurctx.MarketContext) SymbolResult {
	if err := ctx.Err(); err != nil {
		return canceled(symbol, err)
	}
	pred, err := p.scoreSymbol(ctx, symbol, mc)
	if err != nil {
		r := SymbolResult{Symbol: symbol, Message: err.Error(), Err: err}
		var se *StageError
		if errors.As(err, &se) {
			r.Stage = se.Stage
		}
		return r
	}
	return SymbolResult{
		Symbol:       symbol,
		PredictionID: pred.ID,
		Action:       pred.Action,
		Confidence:   pred.Confidence,
		Method:       pred.EnsembleMethod,
	}
}

func canceled(symbol string, err error) SymbolResult {
	return SymbolResult{Symbol: symbol, Stage: StageCanceled, Message: err.Error(), Err: err}
}
