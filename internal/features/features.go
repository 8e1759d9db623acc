// Package features turns daily bars into the technical, volume and risk
// views consumed by sub-models and the confidence engine.
package features

import (
	"fmt"
	"math"

	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/indicator"
)

// Params controls indicator windows.
type Params struct {
	ShortPeriod    int
	LongPeriod     int
	RSIPeriod      int
	MomentumPeriod int
	RangeWindow    int
	VolumeShort    int
	VolumeLong     int
	// Exponential switches the short and long averages from SMA to EMA.
	Exponential bool
}

// DefaultParams returns the standard windows.
func DefaultParams() Params {
	return Params{
		ShortPeriod:    20,
		LongPeriod:     50,
		RSIPeriod:      14,
		MomentumPeriod: 10,
		RangeWindow:    20,
		VolumeShort:    5,
		VolumeLong:     20,
	}
}

// Extractor computes feature views from bars.
type Extractor struct {
	params Params
}

// NewExtractor creates an extractor with the given windows.
func NewExtractor(p Params) *Extractor {
	def := DefaultParams()
	if p.ShortPeriod <= 0 {
		p.ShortPeriod = def.ShortPeriod
	}
	if p.LongPeriod <= p.ShortPeriod {
		p.LongPeriod = max(def.LongPeriod, p.ShortPeriod+1)
	}
	if p.RSIPeriod <= 0 {
		p.RSIPeriod = def.RSIPeriod
	}
	if p.MomentumPeriod <= 0 {
		p.MomentumPeriod = def.MomentumPeriod
	}
	if p.RangeWindow <= 0 {
		p.RangeWindow = def.RangeWindow
	}
	if p.VolumeShort <= 0 {
		p.VolumeShort = def.VolumeShort
	}
	if p.VolumeLong <= p.VolumeShort {
		p.VolumeLong = max(def.VolumeLong, p.VolumeShort+1)
	}
	return &Extractor{params: p}
}

// MinBars is the number of bars Technical needs.
func (e *Extractor) MinBars() int {
	return max(e.params.RSIPeriod, e.params.MomentumPeriod) + 1
}

// Extract builds every view it can. Views without enough data stay nil.
func (e *Extractor) Extract(bars []core.OHLCV) core.FeatureSet {
	var fs core.FeatureSet
	if t, err := e.Technical(bars); err == nil {
		fs.Technical = t
	}
	if v, err := e.Volume(bars); err == nil {
		fs.Volume = v
	}
	if r, err := e.Risk(bars); err == nil {
		fs.Risk = r
	}
	return fs
}

// Technical computes indicator values and a 0..100 technical score.
func (e *Extractor) Technical(bars []core.OHLCV) (*core.Technical, error) {
	if len(bars) < e.MinBars() {
		return nil, core.WrapError(core.ErrInsufficientData,
			fmt.Errorf("need %d bars, have %d", e.MinBars(), len(bars)))
	}

	closes := closesOf(bars)
	price := closes[len(closes)-1]
	rsi, _ := indicator.RSI(closes, e.params.RSIPeriod)
	momentum, _ := indicator.Momentum(closes, e.params.MomentumPeriod)
	shortMA, longMA := e.movingAverages(closes)

	t := &core.Technical{
		RSI:        rsi,
		Momentum:   momentum,
		Volatility: e.rangeVolatility(bars),
		Price:      price,
		ShortMA:    shortMA,
		LongMA:     longMA,
	}
	t.Score = technicalScore(t)
	return t, nil
}

// technicalScore starts neutral at 50 and adds bounded contributions from
// trend structure, momentum and RSI.
func technicalScore(t *core.Technical) float64 {
	score := 50.0

	if t.ShortMA > 0 && t.LongMA > 0 {
		if t.ShortMA > t.LongMA {
			score += 15
		} else if t.ShortMA < t.LongMA {
			score -= 15
		}
	}
	if t.ShortMA > 0 {
		if t.Price > t.ShortMA {
			score += 10
		} else if t.Price < t.ShortMA {
			score -= 10
		}
	}

	score += clamp(t.Momentum*2, -15, 15)

	switch {
	case t.RSI > 70:
		score -= 10
	case t.RSI < 30:
		score += 10
	default:
		score += (t.RSI - 50) * 0.5
	}

	return clamp(score, 0, 100)
}

// Volume compares recent volume against its baseline and its co-movement
// with price.
func (e *Extractor) Volume(bars []core.OHLCV) (*core.Volume, error) {
	n := e.params.VolumeLong
	if len(bars) < n+1 {
		return nil, core.WrapError(core.ErrInsufficientData,
			fmt.Errorf("need %d bars for volume, have %d", n+1, len(bars)))
	}

	window := bars[len(bars)-n-1:]
	volumes := make([]float64, len(window))
	var traded int
	for i, b := range window {
		volumes[i] = float64(b.Volume)
		if b.Volume > 0 {
			traded++
		}
	}
	if traded == 0 {
		return nil, core.WrapError(core.ErrNoData, fmt.Errorf("no traded volume"))
	}

	baseline := indicator.Mean(volumes[1:])
	recent := indicator.Mean(volumes[len(volumes)-e.params.VolumeShort:])
	trend := 1.0
	if baseline > 0 {
		trend = recent / baseline
	}

	priceChanges := indicator.PercentChanges(closesOf(window))
	volumeChanges := indicator.PercentChanges(volumes)

	return &core.Volume{
		TrendFactor:      trend,
		PriceCorrelation: indicator.Correlation(priceChanges, volumeChanges),
		Quality:          float64(traded) / float64(len(window)),
	}, nil
}

// Risk gathers volatility and moving-average structure.
func (e *Extractor) Risk(bars []core.OHLCV) (*core.Risk, error) {
	if len(bars) < 2 {
		return nil, core.WrapError(core.ErrInsufficientData, fmt.Errorf("need 2 bars for risk, have %d", len(bars)))
	}
	closes := closesOf(bars)
	shortMA, longMA := e.movingAverages(closes)
	return &core.Risk{
		Volatility: e.rangeVolatility(bars),
		Price:      closes[len(closes)-1],
		ShortMA:    shortMA,
		LongMA:     longMA,
	}, nil
}

// movingAverages returns the latest short and long average, 0 when unavailable.
func (e *Extractor) movingAverages(closes []float64) (float64, float64) {
	average := indicator.SMA
	if e.params.Exponential {
		average = indicator.EMA
	}
	shortMA, _ := indicator.Last(average(closes, e.params.ShortPeriod))
	longMA, _ := indicator.Last(average(closes, e.params.LongPeriod))
	return shortMA, longMA
}

func (e *Extractor) rangeVolatility(bars []core.OHLCV) float64 {
	window := bars
	if len(window) > e.params.RangeWindow {
		window = window[len(window)-e.params.RangeWindow:]
	}
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	closes := make([]float64, len(window))
	for i, b := range window {
		highs[i], lows[i], closes[i] = b.High, b.Low, b.Close
	}
	return indicator.MeanRange(highs, lows, closes)
}

func closesOf(bars []core.OHLCV) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return (lo + hi) / 2
	}
	return math.Max(lo, math.Min(hi, v))
}
