// internal/context/market.go
package context

import (
	"context"
	"math"
	"time"

	"github.com/newthinker/augur/internal/config"
	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/indicator"
	"go.uber.org/zap"
)

// MarketAnalyzer classifies the market regime from an index series.
// It holds no mutable state.
type MarketAnalyzer struct {
	cfg config.RegimeConfig
}

// NewMarketAnalyzer creates an analyzer. Missing table entries and
// non-positive settings fall back to the defaults.
func NewMarketAnalyzer(cfg config.RegimeConfig) *MarketAnalyzer {
	def := config.DefaultRegime()
	if cfg.LookbackSessions <= 0 {
		cfg.LookbackSessions = def.LookbackSessions
	}
	if cfg.WeakThreshold <= 0 || cfg.StrongThreshold <= cfg.WeakThreshold {
		cfg.WeakThreshold = def.WeakThreshold
		cfg.StrongThreshold = def.StrongThreshold
	}
	if cfg.StressFloor <= 0 {
		cfg.StressFloor = def.StressFloor
	}
	if cfg.StressMaxDampening <= 0 || cfg.StressMaxDampening >= 1 {
		cfg.StressMaxDampening = def.StressMaxDampening
	}
	table := make(map[string]config.RegimeParams, len(def.Table))
	for name, p := range def.Table {
		table[name] = p
	}
	for name, p := range cfg.Table {
		table[name] = p
	}
	cfg.Table = table
	return &MarketAnalyzer{cfg: cfg}
}

// GetContext computes the regime from the last lookback sessions of the
// series. Fewer than two usable observations yield the neutral default.
func (a *MarketAnalyzer) GetContext(series []core.OHLCV) MarketContext {
	window := series
	if len(window) > a.cfg.LookbackSessions+1 {
		window = window[len(window)-a.cfg.LookbackSessions-1:]
	}
	if len(window) < 2 {
		return a.Default()
	}

	first, last := window[0].Close, window[len(window)-1].Close
	if first <= 0 || last <= 0 || math.IsNaN(first) || math.IsNaN(last) {
		return a.Default()
	}

	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	closes := make([]float64, len(window))
	for i, bar := range window {
		highs[i], lows[i], closes[i] = bar.High, bar.Low, bar.Close
	}

	trend := (last - first) / first * 100
	regime := a.Classify(trend)
	params := a.Params(regime)

	return MarketContext{
		Regime:        regime,
		TrendPct:      trend,
		Volatility:    indicator.MeanRange(highs, lows, closes),
		Multiplier:    params.Multiplier,
		BuyThreshold:  params.BuyThreshold,
		SellThreshold: params.SellThreshold,
		Observations:  len(window),
		UpdatedAt:     window[len(window)-1].Time,
	}
}

// Default is the context used when index data is missing.
func (a *MarketAnalyzer) Default() MarketContext {
	params := a.Params(RegimeNeutral)
	return MarketContext{
		Regime:        RegimeNeutral,
		Multiplier:    1.0,
		BuyThreshold:  params.BuyThreshold,
		SellThreshold: params.SellThreshold,
	}
}

// Classify maps a trend percentage onto a regime. Values exactly on a
// threshold fall into the milder bucket.
func (a *MarketAnalyzer) Classify(trendPct float64) MarketRegime {
	switch {
	case trendPct < -a.cfg.StrongThreshold:
		return RegimeBearish
	case trendPct < -a.cfg.WeakThreshold:
		return RegimeWeakBearish
	case trendPct <= a.cfg.WeakThreshold:
		return RegimeNeutral
	case trendPct <= a.cfg.StrongThreshold:
		return RegimeWeakBullish
	default:
		return RegimeBullish
	}
}

// Params returns the adjustment pair for a regime.
func (a *MarketAnalyzer) Params(r MarketRegime) config.RegimeParams {
	if p, ok := a.cfg.Table[string(r)]; ok {
		return p
	}
	return a.cfg.Table[string(RegimeNeutral)]
}

// ApplyStressFilter dampens confidence proportionally to a decline beyond the
// dead zone and never returns less than the configured floor.
func (a *MarketAnalyzer) ApplyStressFilter(confidence, trendPct float64) float64 {
	if math.IsNaN(trendPct) || trendPct >= -a.cfg.StressDeadZone {
		return confidence
	}
	excess := -trendPct - a.cfg.StressDeadZone
	dampening := math.Min(excess*a.cfg.StressSlope, a.cfg.StressMaxDampening)
	return math.Max(confidence*(1-dampening), a.cfg.StressFloor)
}

// MarketContextService fetches the configured index and analyzes it.
type MarketContextService struct {
	analyzer    *MarketAnalyzer
	source      SeriesSource
	indexSymbol string
	historyDays int
	logger      *zap.Logger
	now         func() time.Time
}

// NewMarketContextService creates a new market context service.
func NewMarketContextService(analyzer *MarketAnalyzer, source SeriesSource, indexSymbol string, logger *zap.Logger) *MarketContextService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketContextService{
		analyzer:    analyzer,
		source:      source,
		indexSymbol: indexSymbol,
		// calendar days that comfortably cover the session lookback
		historyDays: analyzer.cfg.LookbackSessions*2 + 7,
		logger:      logger,
		now:         time.Now,
	}
}

// Current returns the market context. It never fails: missing index data
// yields the neutral default.
func (s *MarketContextService) Current(ctx context.Context) MarketContext {
	if s.source == nil || s.indexSymbol == "" {
		return s.withTime(s.analyzer.Default())
	}

	series, err := s.source.Series(ctx, s.indexSymbol, s.historyDays)
	if err != nil {
		s.logger.Warn("index data unavailable, using neutral market context",
			zap.String("index", s.indexSymbol),
			zap.Error(err),
		)
		return s.withTime(s.analyzer.Default())
	}

	mc := s.analyzer.GetContext(series)
	if mc.Observations == 0 {
		return s.withTime(mc)
	}
	return mc
}

func (s *MarketContextService) withTime(mc MarketContext) MarketContext {
	mc.UpdatedAt = s.now()
	return mc
}
