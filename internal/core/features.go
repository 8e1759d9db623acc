package core

// Technical is the technical-indicator view of a symbol.
// Score is 0..100 with 50 as neutral.
type Technical struct {
	Score      float64 `json:"score"`
	RSI        float64 `json:"rsi"`
	Momentum   float64 `json:"momentum"`   // percent change over the momentum window
	Volatility float64 `json:"volatility"` // mean daily range as a fraction of close
	Price      float64 `json:"price"`
	ShortMA    float64 `json:"short_ma"`
	LongMA     float64 `json:"long_ma"`
}

// Sentiment is the news/social view of a symbol.
type Sentiment struct {
	Score        float64 `json:"score"`      // -1..1
	Confidence   float64 `json:"confidence"` // 0..1
	ArticleCount int     `json:"article_count"`
}

// Volume summarizes traded volume behavior.
type Volume struct {
	TrendFactor      float64 `json:"trend_factor"`      // recent average over baseline average
	PriceCorrelation float64 `json:"price_correlation"` // -1..1
	Quality          float64 `json:"quality"`           // 0..1
}

// Risk holds inputs for the risk adjustment.
type Risk struct {
	Volatility float64 `json:"volatility"`
	Price      float64 `json:"price"`
	ShortMA    float64 `json:"short_ma"`
	LongMA     float64 `json:"long_ma"`
}

// FeatureSet is everything known about a symbol at scoring time.
// Nil members are unavailable.
type FeatureSet struct {
	Technical *Technical
	Sentiment *Sentiment
	Volume    *Volume
	Risk      *Risk
}

// Snapshot flattens the available features for audit storage.
func (f FeatureSet) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	if t := f.Technical; t != nil {
		out["technical.score"] = t.Score
		out["technical.rsi"] = t.RSI
		out["technical.momentum"] = t.Momentum
		out["technical.volatility"] = t.Volatility
		out["technical.price"] = t.Price
		out["technical.short_ma"] = t.ShortMA
		out["technical.long_ma"] = t.LongMA
	}
	if s := f.Sentiment; s != nil {
		out["sentiment.score"] = s.Score
		out["sentiment.confidence"] = s.Confidence
		out["sentiment.article_count"] = float64(s.ArticleCount)
	}
	if v := f.Volume; v != nil {
		out["volume.trend_factor"] = v.TrendFactor
		out["volume.price_correlation"] = v.PriceCorrelation
		out["volume.quality"] = v.Quality
	}
	if r := f.Risk; r != nil {
		out["risk.volatility"] = r.Volatility
	}
	return out
}
