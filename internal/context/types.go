// internal/context/types.go
package context

import (
	"context"
	"time"

	"github.com/newthinker/augur/internal/core"
)

// MarketRegime represents the overall market condition.
type MarketRegime string

const (
	RegimeBearish     MarketRegime = "bearish"
	RegimeWeakBearish MarketRegime = "weak_bearish"
	RegimeNeutral     MarketRegime = "neutral"
	RegimeWeakBullish MarketRegime = "weak_bullish"
	RegimeBullish     MarketRegime = "bullish"
)

// Regimes lists all regimes from most bearish to most bullish.
func Regimes() []MarketRegime {
	return []MarketRegime{RegimeBearish, RegimeWeakBearish, RegimeNeutral, RegimeWeakBullish, RegimeBullish}
}

// IsBearish reports whether the regime is a bearish variant.
func (r MarketRegime) IsBearish() bool {
	return r == RegimeBearish || r == RegimeWeakBearish
}

// IsBullish reports whether the regime is a bullish variant.
func (r MarketRegime) IsBullish() bool {
	return r == RegimeBullish || r == RegimeWeakBullish
}

// MarketContext represents the current market conditions and the
// adjustments they imply for scoring.
type MarketContext struct {
	Regime        MarketRegime `json:"regime"`
	TrendPct      float64      `json:"trend_pct"`
	Volatility    float64      `json:"volatility"`
	Multiplier    float64      `json:"confidence_multiplier"`
	BuyThreshold  float64      `json:"buy_threshold"`
	SellThreshold float64      `json:"sell_threshold"`
	Observations  int          `json:"observations"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NewsItem represents a news article or announcement.
type NewsItem struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	Symbols     []string  `json:"symbols,omitempty"`
	Sentiment   float64   `json:"sentiment"` // -1 to 1
	PublishedAt time.Time `json:"published_at"`
}

// MarketContextProvider provides the current market context.
type MarketContextProvider interface {
	Current(ctx context.Context) MarketContext
}

// SentimentProvider provides aggregated sentiment for a symbol.
// core.ErrNoData signals that nothing is known about the symbol.
type SentimentProvider interface {
	GetSentiment(ctx context.Context, symbol string) (*core.Sentiment, error)
}

// SeriesSource supplies ordered bars for an index or symbol.
type SeriesSource interface {
	Series(ctx context.Context, symbol string, lookbackDays int) ([]core.OHLCV, error)
}
