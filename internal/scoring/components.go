// internal/scoring/components.go
package scoring

import (
	"math"

	"github.com/newthinker/augur/internal/config"
	"github.com/newthinker/augur/internal/core"
)

// Component ranges.
const (
	technicalMin, technicalMax = 0.05, 0.35
	sentimentMin, sentimentMax = 0.0, 0.25
	volumeMin, volumeMax       = 0.0, 0.15
	riskMin, riskMax           = -0.10, 0.10
	ensembleMin, ensembleMax   = 0.0, 0.20
)

// Neutral defaults for missing or non-finite inputs.
const (
	defaultScore      = 50.0
	defaultRSI        = 50.0
	defaultVolatility = 0.02
	defaultTrend      = 1.0
	defaultQuality    = 0.5
)

func technicalComponent(t core.Technical) float64 {
	score := technicalMin
	score += math.Min(math.Abs(t.Score-50)/50, 1) * 0.15

	switch {
	case t.RSI >= 40 && t.RSI <= 70:
		score += 0.08
	case t.RSI < 30:
		score += 0.06
	case t.RSI > 70:
		score += 0.02
	}

	score += math.Min(math.Abs(t.Momentum)/5, 1) * 0.07
	return clamp(score, technicalMin, technicalMax)
}

// sentimentComponent rewards confident coverage and adjusts for the sign of
// the sentiment. Bearish regimes need a higher positive score to earn a
// smaller bonus and penalize negative sentiment sooner and harder.
func sentimentComponent(s core.Sentiment, bearish bool, bars config.SentimentBars) float64 {
	score := s.Confidence * 0.20

	if bearish {
		switch {
		case s.Score > bars.BearishPositiveBar:
			score += s.Score * bars.BearishPositiveMultiplier
		case s.Score < bars.BearishNegativeBar:
			score += s.Score * bars.BearishNegativeMultiplier
		}
	} else if math.Abs(s.Score) > bars.NormalBar {
		score += s.Score * bars.NormalMultiplier
	}
	return clamp(score, sentimentMin, sentimentMax)
}

func volumeComponent(v core.Volume) float64 {
	var score float64
	switch {
	case v.TrendFactor > 1.5:
		score = 0.06
	case v.TrendFactor > 1.1:
		score = 0.04
	case v.TrendFactor < 0.8:
		score = 0.01
	default:
		score = 0.025
	}
	if v.PriceCorrelation > 0 {
		score += math.Min(v.PriceCorrelation*0.05, 0.04)
	}
	score += v.Quality * 0.05
	return clamp(score, volumeMin, volumeMax)
}

func riskComponent(r core.Risk) float64 {
	var score float64
	switch {
	case r.Volatility < 0.02:
		score += 0.04
	case r.Volatility < 0.04:
		score += 0.02
	case r.Volatility > 0.06:
		score -= 0.04
	}

	switch {
	case r.Price > r.ShortMA && r.ShortMA > r.LongMA:
		score += 0.06
	case r.Price < r.ShortMA && r.ShortMA < r.LongMA:
		score -= 0.06
	}
	return clamp(score, riskMin, riskMax)
}

// ensembleComponent scores the combined forecast on the daily horizon.
func ensembleComponent(e *core.EnsembleOutput, techScore float64) float64 {
	score := finite(e.Confidence, 0) * 0.14

	techDir := core.DirectionUp
	if techScore < 50 {
		techDir = core.DirectionDown
	}
	if e.Directions[core.Horizon1D] == techDir {
		score += 0.03
	}

	score += math.Min(math.Abs(finite(e.Magnitudes[core.Horizon1D], 0))/2, 1) * 0.03
	return clamp(score, ensembleMin, ensembleMax)
}

func normalizeTechnical(t *core.Technical) core.Technical {
	if t == nil {
		return core.Technical{Score: defaultScore, RSI: defaultRSI, Volatility: defaultVolatility}
	}
	out := core.Technical{
		Score:      clamp(finite(t.Score, defaultScore), 0, 100),
		RSI:        clamp(finite(t.RSI, defaultRSI), 0, 100),
		Momentum:   finite(t.Momentum, 0),
		Volatility: finite(t.Volatility, defaultVolatility),
		Price:      finite(t.Price, 0),
	}
	out.ShortMA = finite(t.ShortMA, out.Price)
	out.LongMA = finite(t.LongMA, out.Price)
	return out
}

func normalizeSentiment(s *core.Sentiment) core.Sentiment {
	if s == nil {
		return core.Sentiment{}
	}
	return core.Sentiment{
		Score:        clamp(finite(s.Score, 0), -1, 1),
		Confidence:   clamp(finite(s.Confidence, 0), 0, 1),
		ArticleCount: s.ArticleCount,
	}
}

func normalizeVolume(v *core.Volume) core.Volume {
	if v == nil {
		return core.Volume{TrendFactor: defaultTrend, Quality: defaultQuality}
	}
	return core.Volume{
		TrendFactor:      finite(v.TrendFactor, defaultTrend),
		PriceCorrelation: clamp(finite(v.PriceCorrelation, 0), -1, 1),
		Quality:          clamp(finite(v.Quality, defaultQuality), 0, 1),
	}
}

// normalizeRisk fills the risk view, borrowing price data from the
// technical view when the risk view is missing.
func normalizeRisk(r *core.Risk, tech core.Technical) core.Risk {
	if r == nil {
		return core.Risk{Volatility: tech.Volatility, Price: tech.Price, ShortMA: tech.ShortMA, LongMA: tech.LongMA}
	}
	out := core.Risk{
		Volatility: finite(r.Volatility, defaultVolatility),
		Price:      finite(r.Price, 0),
	}
	out.ShortMA = finite(r.ShortMA, out.Price)
	out.LongMA = finite(r.LongMA, out.Price)
	return out
}

func finite(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
