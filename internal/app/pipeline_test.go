package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/newthinker/augur/internal/config"
	augurctx "github.com/newthinker/augur/internal/context"
	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/ensemble"
	"github.com/newthinker/augur/internal/ledger"
	"github.com/newthinker/augur/internal/notifier"
	"github.com/newthinker/augur/internal/scoring"
	"github.com/newthinker/augur/internal/submodel"
	"github.com/newthinker/augur/internal/submodel/reversion"
	"github.com/newthinker/augur/internal/submodel/trend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

type fakeMarket struct{ mc augurctx.MarketContext }

func (f fakeMarket) Current(context.Context) augurctx.MarketContext { return f.mc }

// fakeBars serves a rising series for every symbol except those in fail.
type fakeBars struct {
	fail   map[string]error
	short  map[string]bool
	delay  time.Duration
	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeBars) Series(ctx context.Context, symbol string, lookbackDays int) ([]core.OHLCV, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.fail[symbol]; err != nil {
		return nil, err
	}
	if f.short[symbol] {
		return risingBars(symbol, 1), nil
	}
	return risingBars(symbol, 80), nil
}

func risingBars(symbol string, n int) []core.OHLCV {
	bars := make([]core.OHLCV, n)
	for i := range bars {
		c := 100 + float64(i)*0.5
		if i%3 == 0 {
			c -= 0.8
		}
		bars[i] = core.OHLCV{
			Symbol:   symbol,
			Interval: "1d",
			Open:     c - 0.3,
			High:     c + 0.6,
			Low:      c - 0.7,
			Close:    c,
			Volume:   int64(1_000_000 + i*10_000),
			Time:     now.AddDate(0, 0, i-n),
		}
	}
	return bars
}

type fakeModels struct {
	outputs map[string]core.ModelOutput
	err     error
}

func (f fakeModels) PredictAll(ctx context.Context, symbol string, fs core.FeatureSet) (map[string]core.ModelOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.outputs, nil
}

func upOutput(conf float64) core.ModelOutput {
	out := core.ModelOutput{
		Directions: map[core.Horizon]core.Direction{},
		Magnitudes: map[core.Horizon]float64{},
		Confidence: conf,
	}
	for _, h := range core.Horizons() {
		out.Directions[h] = core.DirectionUp
		out.Magnitudes[h] = 1.2
	}
	return out
}

type fakeSentiment struct {
	s   *core.Sentiment
	err error
}

func (f fakeSentiment) GetSentiment(context.Context, string) (*core.Sentiment, error) {
	return f.s, f.err
}

type failingLedger struct {
	ledger.Store
	failFor string
}

func (f failingLedger) Append(ctx context.Context, p core.Prediction) (string, error) {
	if p.Symbol == f.failFor {
		return "", core.WrapError(core.ErrStorageUnavailable, errors.New("disk full"))
	}
	return f.Store.Append(ctx, p)
}

type recordingNotifier struct {
	mu       sync.Mutex
	received []core.Prediction
	err      error
}

func (r *recordingNotifier) Name() string { return "recorder" }
func (r *recordingNotifier) Init(cfg notifier.Config) error { return nil }
func (r *recordingNotifier) Send(ctx context.Context, p core.Prediction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, p)
	return r.err
}
func (r *recordingNotifier) SendBatch(ctx context.Context, ps []core.Prediction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, ps...)
	return r.err
}

type harness struct {
	deps  Deps
	bars  *fakeBars
	store *ledger.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	combiner, err := ensemble.NewCombiner(context.Background(), ensemble.NewMemoryWeightStore(),
		map[string]float64{"trend": 0.6, "reversion": 0.4})
	require.NoError(t, err)

	analyzer := augurctx.NewMarketAnalyzer(config.DefaultRegime())
	h := &harness{
		bars:  &fakeBars{fail: map[string]error{}, short: map[string]bool{}},
		store: ledger.NewMemoryStore(ledger.WithClock(func() time.Time { return now })),
	}
	h.deps = Deps{
		Market: fakeMarket{mc: analyzer.Default()},
		Bars:   h.bars,
		Models: fakeModels{outputs: map[string]core.ModelOutput{
			"trend":     upOutput(0.8),
			"reversion": upOutput(0.6),
		}},
		Combiner: combiner,
		Engine:   scoring.NewEngine(config.DefaultScoring(), analyzer),
		Ledger:   h.store,
	}
	return h
}

func (h *harness) pipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	p, err := NewPipeline(h.deps, opts...)
	require.NoError(t, err)
	return p
}

func TestNewPipeline_RequiresCollaborators(t *testing.T) {
	h := newHarness(t)

	missing := []func(d *Deps){
		func(d *Deps) { d.Market = nil },
		func(d *Deps) { d.Bars = nil },
		func(d *Deps) { d.Models = nil },
		func(d *Deps) { d.Combiner = nil },
		func(d *Deps) { d.Engine = nil },
		func(d *Deps) { d.Ledger = nil },
	}
	for _, drop := range missing {
		d := h.deps
		drop(&d)
		_, err := NewPipeline(d)
		assert.ErrorIs(t, err, core.ErrConfigMissing)
	}

	p, err := NewPipeline(h.deps)
	require.NoError(t, err)
	assert.NotNil(t, p.Features)
}

func TestScoreSymbol_StoresPrediction(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)

	pred, err := p.ScoreSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotEmpty(t, pred.ID)

	assert.Equal(t, "AAPL", pred.Symbol)
	assert.Equal(t, core.MethodWeightedVote, pred.EnsembleMethod)
	assert.Equal(t, core.DirectionUp, pred.Directions[core.Horizon1D])
	assert.Equal(t, core.DirectionUp, pred.ModelDirections["trend"][core.Horizon1D])
	assert.InDelta(t, 0.6, pred.EnsembleWeights["trend"], 1e-9)
	assert.Equal(t, string(augurctx.RegimeNeutral), pred.Regime)
	assert.True(t, pred.CreatedAt.Equal(now))
	assert.GreaterOrEqual(t, pred.Confidence, 0.15)
	assert.LessOrEqual(t, pred.Confidence, 0.95)
	assert.Equal(t, pred.Confidence, pred.Breakdown.Final)
	assert.Contains(t, pred.FeatureSnapshot, "technical.score")
	assert.Contains(t, pred.FeatureSnapshot, "market.trend_pct")

	stored, err := h.store.Get(context.Background(), pred.ID)
	require.NoError(t, err)
	assert.Equal(t, pred.Action, stored.Action)
	assert.Equal(t, pred.Confidence, stored.Confidence)
}

func TestScoreSymbol_FallsBackWithoutModels(t *testing.T) {
	h := newHarness(t)
	h.deps.Models = fakeModels{outputs: map[string]core.ModelOutput{}}
	p := h.pipeline(t)

	pred, err := p.ScoreSymbol(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, core.MethodRuleHeuristic, pred.EnsembleMethod)
	assert.Equal(t, scoring.FallbackModelVersion, pred.ModelVersion)
	assert.Empty(t, pred.EnsembleWeights)
	assert.Len(t, pred.Directions, len(core.Horizons()))
}

func TestScoreSymbol_RealAdapters(t *testing.T) {
	h := newHarness(t)
	models := submodel.NewRegistry()
	models.Register(trend.New())
	models.Register(reversion.New())
	h.deps.Models = models
	p := h.pipeline(t)

	pred, err := p.ScoreSymbol(context.Background(), "NVDA")
	require.NoError(t, err)
	assert.NotEqual(t, core.MethodRuleHeuristic, pred.EnsembleMethod)
	assert.NotEmpty(t, pred.ModelDirections)
}

func TestScoreSymbol_StageFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		stage  string
		target error
	}{
		{
			name:   "bars unavailable",
			setup:  func(h *harness) { h.bars.fail["X"] = core.WrapError(core.ErrNoData, errors.New("no bars")) },
			stage:  StageMarket,
			target: core.ErrNoData,
		},
		{
			name:   "too few bars",
			setup:  func(h *harness) { h.bars.short["X"] = true },
			stage:  StageFeatures,
			target: core.ErrInsufficientData,
		},
		{
			name:   "sub-models cancelled",
			setup:  func(h *harness) { h.deps.Models = fakeModels{err: context.Canceled} },
			stage:  StageModels,
			target: context.Canceled,
		},
		{
			name:   "ledger append fails",
			setup:  func(h *harness) { h.deps.Ledger = failingLedger{Store: h.store, failFor: "X"} },
			stage:  StageLedger,
			target: core.ErrStorageUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			p := h.pipeline(t)

			pred, err := p.ScoreSymbol(context.Background(), "X")
			assert.Nil(t, pred)
			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.stage, se.Stage)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestScoreSymbol_SentimentDegrades(t *testing.T) {
	h := newHarness(t)
	h.deps.Sentiment = fakeSentiment{err: core.WrapError(core.ErrCollectorFailed, errors.New("timeout"))}
	p := h.pipeline(t)

	pred, err := p.ScoreSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.NotContains(t, pred.FeatureSnapshot, "sentiment.score")

	h.deps.Sentiment = fakeSentiment{s: &core.Sentiment{Score: 0.4, Confidence: 0.7, ArticleCount: 3}}
	p = h.pipeline(t)
	pred, err = p.ScoreSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 0.4, pred.FeatureSnapshot["sentiment.score"])
}

func TestScoreSymbol_NotifiesActionableOnly(t *testing.T) {
	h := newHarness(t)
	rec := &recordingNotifier{err: errors.New("channel down")}
	registry := notifier.NewRegistry()
	require.NoError(t, registry.Register(rec))
	h.deps.Notifiers = registry
	p := h.pipeline(t)

	pred, err := p.ScoreSymbol(context.Background(), "AAPL")
	require.NoError(t, err, "notification failures must not fail the symbol")

	if pred.Action.IsActionable() {
		require.Len(t, rec.received, 1)
		assert.Equal(t, pred.ID, rec.received[0].ID)
	} else {
		assert.Empty(t, rec.received)
	}

	h.deps.Models = fakeModels{outputs: map[string]core.ModelOutput{}}
	h.deps.Sentiment = fakeSentiment{s: &core.Sentiment{Score: -0.9, Confidence: 1}}
	rec.received = nil
	p = h.pipeline(t)
	pred, err = p.ScoreSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, core.ActionHold, pred.Action)
	assert.Empty(t, rec.received)
}

func TestRunScoring_PartialFailure(t *testing.T) {
	h := newHarness(t)
	h.bars.fail["BAD"] = core.WrapError(core.ErrNoData, errors.New("delisted"))
	p := h.pipeline(t)

	symbols := []string{"AAPL", "BAD", "MSFT", "NVDA", "TSLA"}
	summary := p.RunScoring(context.Background(), symbols)

	require.Len(t, summary.Results, len(symbols))
	for i, r := range summary.Results {
		assert.Equal(t, symbols[i], r.Symbol)
	}
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Skipped)

	failures := summary.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "BAD", failures[0].Symbol)
	assert.Equal(t, StageMarket, failures[0].Stage)

	count, err := h.store.Count(context.Background(), ledger.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestRunScoring_BoundedConcurrency(t *testing.T) {
	h := newHarness(t)
	h.bars.delay = 20 * time.Millisecond
	p := h.pipeline(t, WithConcurrency(2))

	summary := p.RunScoring(context.Background(), []string{"A", "B", "C", "D", "E", "F"})
	assert.Equal(t, 6, summary.Succeeded)
	assert.LessOrEqual(t, h.bars.peak.Load(), int32(2))
	assert.GreaterOrEqual(t, h.bars.peak.Load(), int32(1))
}

func TestRunScoring_Cancelled(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := p.RunScoring(ctx, []string{"AAPL", "MSFT"})
	assert.Equal(t, 2, summary.Skipped)
	assert.Zero(t, summary.Succeeded)
	for _, r := range summary.Results {
		assert.Equal(t, StageCanceled, r.Stage)
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestRunScoring_StoredDirectionsNeverFlat(t *testing.T) {
	mixed := func(dirs ...core.Direction) core.ModelOutput {
		out := core.ModelOutput{Directions: map[core.Horizon]core.Direction{}, Confidence: 0.6}
		for i, h := range core.Horizons() {
			out.Directions[h] = dirs[i]
		}
		return out
	}
	registry := submodel.NewRegistry()
	registry.Register(trend.New())
	registry.Register(reversion.New())

	tests := []struct {
		name   string
		models ModelRunner
	}{
		{"split votes", fakeModels{outputs: map[string]core.ModelOutput{
			"trend":     mixed(core.DirectionUp, core.DirectionDown, core.DirectionFlat),
			"reversion": mixed(core.DirectionDown, core.DirectionUp, core.DirectionDown),
		}}},
		{"rule fallback", fakeModels{outputs: map[string]core.ModelOutput{}}},
		{"real adapters", registry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.deps.Models = tt.models
			p := h.pipeline(t)

			summary := p.RunScoring(context.Background(), []string{"AAPL", "MSFT"})
			require.Equal(t, 2, summary.Succeeded)
			for _, r := range summary.Results {
				stored, err := h.store.Get(context.Background(), r.PredictionID)
				require.NoError(t, err)
				require.NotEmpty(t, stored.Directions)
				for hz, d := range stored.Directions {
					assert.Contains(t, []core.Direction{core.DirectionUp, core.DirectionDown}, d, "horizon %s", hz)
				}
			}
		})
	}
}

func TestRunScoring_ReloadsSharedWeights(t *testing.T) {
	ctx := context.Background()
	weights := ensemble.NewMemoryWeightStore()
	combiner, err := ensemble.NewCombiner(ctx, weights, map[string]float64{"trend": 0.6, "reversion": 0.4})
	require.NoError(t, err)
	admin, err := ensemble.NewCombiner(ctx, weights, nil)
	require.NoError(t, err)

	h := newHarness(t)
	h.deps.Combiner = combiner
	p := h.pipeline(t)

	_, err = admin.SetWeights(ctx, map[string]float64{"trend": 0.1, "reversion": 0.9})
	require.NoError(t, err)

	summary := p.RunScoring(ctx, []string{"AAPL"})
	require.Equal(t, 1, summary.Succeeded)
	stored, err := h.store.Get(ctx, summary.Results[0].PredictionID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, stored.EnsembleWeights["reversion"], 1e-9)
	assert.Equal(t, "ensemble/v2", stored.ModelVersion)
}
