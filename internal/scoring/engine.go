// internal/scoring/engine.go
package scoring

import (
	"fmt"
	"math"

	"github.com/newthinker/augur/internal/config"
	augurctx "github.com/newthinker/augur/internal/context"
	"github.com/newthinker/augur/internal/core"
)

// FallbackModelVersion tags predictions built without any sub-model output.
const FallbackModelVersion = "rule-heuristic/v1"

// Input is everything the engine needs to score one symbol.
// Nil feature views take neutral defaults; a nil Ensemble takes the
// rule-based fallback.
type Input struct {
	Symbol    string
	Technical *core.Technical
	Sentiment *core.Sentiment
	Volume    *core.Volume
	Risk      *core.Risk
	Ensemble  *core.EnsembleOutput
	Market    augurctx.MarketContext
}

// Result is the outcome of one scoring call.
type Result struct {
	Symbol     string                  `json:"symbol"`
	Action     core.Action             `json:"action"`
	Confidence float64                 `json:"confidence"`
	Breakdown  core.ComponentBreakdown `json:"breakdown"`
	Ensemble   core.EnsembleOutput     `json:"ensemble"`
	Regime     augurctx.MarketRegime   `json:"regime"`
}

// Engine is the multi-factor confidence scorer. It is stateless and safe
// for concurrent use.
type Engine struct {
	cfg    config.ScoringConfig
	market *augurctx.MarketAnalyzer
}

// NewEngine creates an engine. Invalid bounds fall back to the defaults.
func NewEngine(cfg config.ScoringConfig, market *augurctx.MarketAnalyzer) *Engine {
	def := config.DefaultScoring()
	if cfg.Floor <= 0 || cfg.Ceiling >= 1 || cfg.Floor >= cfg.Ceiling {
		cfg.Floor, cfg.Ceiling = def.Floor, def.Ceiling
	}
	if market == nil {
		market = augurctx.NewMarketAnalyzer(config.DefaultRegime())
	}
	return &Engine{cfg: cfg, market: market}
}

// Score computes the bounded confidence and resolves the action.
func (e *Engine) Score(in Input) (*Result, error) {
	if in.Symbol == "" {
		return nil, core.WrapError(core.ErrInvalidInput, fmt.Errorf("symbol is required"))
	}

	tech := normalizeTechnical(in.Technical)
	sent := normalizeSentiment(in.Sentiment)
	vol := normalizeVolume(in.Volume)
	risk := normalizeRisk(in.Risk, tech)

	ens := in.Ensemble
	if ens == nil {
		ens = e.Fallback(in.Technical)
	}

	regime := in.Market.Regime
	if regime == "" {
		regime = augurctx.RegimeNeutral
	}
	params := e.market.Params(regime)
	multiplier := in.Market.Multiplier
	if multiplier <= 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		multiplier = params.Multiplier
	}
	buyThreshold, sellThreshold := in.Market.BuyThreshold, in.Market.SellThreshold
	if buyThreshold <= 0 {
		buyThreshold = params.BuyThreshold
	}
	if sellThreshold <= 0 {
		sellThreshold = params.SellThreshold
	}

	b := core.ComponentBreakdown{
		Technical: technicalComponent(tech),
		Sentiment: sentimentComponent(sent, regime.IsBearish(), e.cfg.Sentiment),
		Volume:    volumeComponent(vol),
		Risk:      riskComponent(risk),
		Ensemble:  ensembleComponent(ens, tech.Score),
	}
	b.Preliminary = clamp(b.Technical+b.Sentiment+b.Volume+b.Risk+b.Ensemble, 0, 1)
	b.Multiplier = multiplier
	b.Adjusted = e.market.ApplyStressFilter(b.Preliminary*multiplier, finite(in.Market.TrendPct, 0))
	b.Final = clamp(b.Adjusted, e.cfg.Floor, e.cfg.Ceiling)

	return &Result{
		Symbol:     in.Symbol,
		Action:     e.resolveAction(b.Final, tech.Score, sent.Score, regime, buyThreshold, sellThreshold),
		Confidence: b.Final,
		Breakdown:  b,
		Ensemble:   *ens,
		Regime:     regime,
	}, nil
}

// Fallback builds the rule-based forecast used when no sub-model produced
// output. Direction follows the technical score, with neutral counting as
// up; confidence grows with its distance from neutral and magnitude is half
// the momentum.
func (e *Engine) Fallback(technical *core.Technical) *core.EnsembleOutput {
	tech := normalizeTechnical(technical)

	dir := core.DirectionUp
	if tech.Score < 50 {
		dir = core.DirectionDown
	}
	conf := 0.4 + math.Min(math.Abs(tech.Score-50)/50, 1)*0.2
	mag := tech.Momentum * 0.5

	out := core.EnsembleOutput{
		ModelOutput: core.ModelOutput{
			Directions:  make(map[core.Horizon]core.Direction, 3),
			Magnitudes:  make(map[core.Horizon]float64, 3),
			Confidences: make(map[core.Horizon]float64, 3),
			Confidence:  conf,
		},
		Method:       core.MethodRuleHeuristic,
		ModelVersion: FallbackModelVersion,
		Weights:      map[string]float64{},
	}
	for _, h := range core.Horizons() {
		out.Directions[h] = dir
		out.Magnitudes[h] = mag
		out.Confidences[h] = conf
	}
	return &out
}

// resolveAction applies the action rules in priority order; the first
// match wins.
func (e *Engine) resolveAction(conf, techScore, sentiment float64, regime augurctx.MarketRegime, buyThreshold, sellThreshold float64) core.Action {
	c := e.cfg

	if sentiment <= c.SafetySentiment || conf < c.MinConfidence {
		return core.ActionHold
	}

	if conf > buyThreshold+c.StrongMargin && techScore > c.StrongBuyTechnical &&
		!regime.IsBearish() && sentiment >= 0 {
		return core.ActionStrongBuy
	}
	if conf > buyThreshold && techScore > c.BuyTechnical {
		if regime.IsBearish() {
			if techScore > c.BearishBuyTechnical && sentiment > c.BearishBuySentiment {
				return core.ActionBuy
			}
		} else if sentiment > c.BuySentimentTolerance {
			return core.ActionBuy
		}
	}

	if conf > sellThreshold+c.StrongMargin && techScore < c.StrongSellTechnical &&
		!regime.IsBullish() && sentiment <= 0 {
		return core.ActionStrongSell
	}
	if conf > sellThreshold && techScore < c.SellTechnical {
		if regime.IsBullish() {
			if techScore < c.BullishSellTechnical && sentiment < c.BullishSellSentiment {
				return core.ActionSell
			}
		} else if sentiment < c.SellSentimentTolerance {
			return core.ActionSell
		}
	}

	return core.ActionHold
}
