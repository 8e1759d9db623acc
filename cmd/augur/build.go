package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/newthinker/augur/internal/app"
	"github.com/newthinker/augur/internal/collector"
	"github.com/newthinker/augur/internal/collector/yahoo"
	"github.com/newthinker/augur/internal/config"
	augurctx "github.com/newthinker/augur/internal/context"
	"github.com/newthinker/augur/internal/ensemble"
	"github.com/newthinker/augur/internal/evaluator"
	"github.com/newthinker/augur/internal/features"
	"github.com/newthinker/augur/internal/ledger"
	"github.com/newthinker/augur/internal/llm/factory"
	"github.com/newthinker/augur/internal/marketdata"
	"github.com/newthinker/augur/internal/metrics"
	"github.com/newthinker/augur/internal/notifier"
	"github.com/newthinker/augur/internal/notifier/telegram"
	"github.com/newthinker/augur/internal/notifier/webhook"
	"github.com/newthinker/augur/internal/scoring"
	"github.com/newthinker/augur/internal/storage/archive"
	"github.com/newthinker/augur/internal/submodel"
	"github.com/newthinker/augur/internal/submodel/llmforecast"
	"github.com/newthinker/augur/internal/submodel/reversion"
	"github.com/newthinker/augur/internal/submodel/trend"
	"github.com/newthinker/augur/internal/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

var initTracing = tracing.Init

// system is the fully wired service shared by every command.
type system struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Registry
	tracer    *sdktrace.TracerProvider
	ledger    ledger.Store
	combiner  *ensemble.Combiner
	pipeline  *app.Pipeline
	evaluator *evaluator.Evaluator
	app       *app.App
}

// build wires the service. On error everything opened so far is released.
func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *system, err error) {
	s := &system{cfg: cfg, logger: log}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.NewRegistry()
	}

	tp, tracer, err := initTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		return nil, err
	}
	s.tracer = tp
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	collectors, err := buildCollectors(cfg, log)
	if err != nil {
		return nil, err
	}
	market := marketdata.NewService(collectors,
		marketdata.WithMaxRetryElapsed(cfg.Market.MaxRetryElapsed),
		marketdata.WithLogger(log),
	)

	analyzer := augurctx.NewMarketAnalyzer(cfg.Regime)
	marketCtx := augurctx.NewMarketContextService(analyzer, market, cfg.Market.IndexSymbol, log)

	var sentiment augurctx.SentimentProvider = augurctx.NewStaticSentimentProvider(
		augurctx.NewsFromConfig(cfg.Sentiment.News), cfg.Sentiment.LookbackDays)
	if cfg.Sentiment.CacheTTL > 0 {
		sentiment = augurctx.NewCachedSentimentProvider(sentiment, cfg.Sentiment.CacheTTL)
	}

	params := features.DefaultParams()
	params.Exponential = cfg.Market.MovingAverage == "ema"

	models, err := buildModels(cfg, log)
	if err != nil {
		return nil, err
	}

	weightStore, err := buildWeightStore(cfg)
	if err != nil {
		return nil, err
	}
	s.combiner, err = ensemble.NewCombiner(ctx, weightStore, cfg.Ensemble.InitialWeights,
		ensemble.WithMinSamples(cfg.Ensemble.MinSamples),
		ensemble.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	w := s.combiner.Weights()
	s.metrics.SetEnsembleWeights(w.Weights, w.Version)

	store, err := ledger.Open(ctx, cfg.Ledger, ledger.WithTracer(tracer))
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	s.ledger = store

	notifiers, err := buildNotifiers(cfg)
	if err != nil {
		return nil, err
	}

	s.pipeline, err = app.NewPipeline(app.Deps{
		Market:    marketCtx,
		Bars:      market,
		Features:  features.NewExtractor(params),
		Sentiment: sentiment,
		Models:    models,
		Combiner:  s.combiner,
		Engine:    scoring.NewEngine(cfg.Scoring, analyzer),
		Ledger:    s.ledger,
		Notifiers: notifiers,
	},
		app.WithLogger(log),
		app.WithMetrics(s.metrics),
		app.WithTracer(tracer),
		app.WithConcurrency(cfg.Pipeline.Concurrency),
		app.WithHistoryDays(cfg.Market.HistoryDays),
	)
	if err != nil {
		return nil, err
	}

	s.evaluator, err = evaluator.New(s.ledger, market, s.combiner, cfg.Evaluator,
		evaluator.WithLogger(log),
		evaluator.WithMetrics(s.metrics),
		evaluator.WithTracer(tracer),
	)
	if err != nil {
		return nil, err
	}

	s.app = app.New(s.pipeline, s.evaluator, log)
	s.app.SetWatchlist(cfg.Symbols())
	s.app.SetInterval(cfg.Pipeline.Interval)

	log.Info("augur wired",
		zap.String("ledger", cfg.Ledger.Driver),
		zap.Strings("models", models.Names()),
		zap.Int("notifiers", notifiers.Len()),
		zap.Int64("weights_version", w.Version),
	)
	return s, nil
}

// Close releases the ledger, when open, and flushes pending spans.
func (s *system) Close(ctx context.Context) {
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			s.logger.Warn("closing ledger", zap.Error(err))
		}
	}
	if err := s.tracer.Shutdown(ctx); err != nil {
		s.logger.Warn("shutting down tracer", zap.Error(err))
	}
}

func buildCollectors(cfg *config.Config, log *zap.Logger) (*collector.Registry, error) {
	reg := collector.NewRegistry()
	for _, name := range sortedKeys(cfg.Collectors) {
		cc := cfg.Collectors[name]
		if !cc.Enabled {
			continue
		}

		var c collector.Collector
		switch name {
		case "yahoo":
			c = yahoo.New()
		default:
			log.Warn("unknown collector, skipping", zap.String("collector", name))
			continue
		}

		if err := c.Init(collector.Config{
			Enabled:        cc.Enabled,
			Markets:        cc.Markets,
			APIKey:         cc.APIKey,
			RequestsPerSec: cc.RequestsPerSec,
			Timeout:        cc.Timeout,
		}); err != nil {
			return nil, fmt.Errorf("initializing collector %s: %w", name, err)
		}
		reg.Register(c)
	}
	return reg, nil
}

func buildModels(cfg *config.Config, log *zap.Logger) (*submodel.Registry, error) {
	reg := submodel.NewRegistry(log)
	reg.OnResult(func(model string, err error) {
		if err != nil {
			log.Debug("sub-model unavailable", zap.String("model", model), zap.Error(err))
		}
	})

	for _, name := range sortedKeys(cfg.SubModels) {
		sc := cfg.SubModels[name]
		if !sc.Enabled {
			continue
		}

		var a submodel.Adapter
		switch name {
		case "trend":
			a = trend.New()
		case "reversion":
			a = reversion.New()
		case "llmforecast":
			provider, err := factory.New(cfg.LLM)
			if err != nil {
				return nil, fmt.Errorf("llmforecast: %w", err)
			}
			a = llmforecast.New(provider)
		default:
			log.Warn("unknown sub-model, skipping", zap.String("model", name))
			continue
		}

		if err := a.Init(submodel.Config{Enabled: sc.Enabled, Params: sc.Params}); err != nil {
			return nil, fmt.Errorf("initializing sub-model %s: %w", name, err)
		}
		reg.Register(a)
	}
	return reg, nil
}

func buildWeightStore(cfg *config.Config) (ensemble.WeightStore, error) {
	if cfg.Ensemble.Store != "archive" {
		return ensemble.NewMemoryWeightStore(), nil
	}
	storage, err := archive.New(cfg.Storage.Archive)
	if err != nil {
		return nil, fmt.Errorf("opening weight archive: %w", err)
	}
	return ensemble.NewArchiveWeightStore(storage, cfg.Ensemble.Path), nil
}

func buildNotifiers(cfg *config.Config) (*notifier.Registry, error) {
	reg := notifier.NewRegistry()
	for _, name := range sortedKeys(cfg.Notifiers) {
		nc := cfg.Notifiers[name]
		if !nc.Enabled {
			continue
		}

		var n notifier.Notifier
		switch name {
		case "telegram":
			n = telegram.New(nc.BotToken, nc.ChatID)
		case "webhook":
			n = webhook.New(nc.URL, nc.Headers)
		default:
			return nil, fmt.Errorf("unknown notifier %q", name)
		}

		if err := n.Init(notifier.Config{Type: name, Params: map[string]any{}}); err != nil {
			return nil, err
		}
		if err := reg.Register(n); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
