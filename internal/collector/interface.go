package collector

import (
	"context"
	"time"

	"github.com/newthinker/augur/internal/core"
)

// Config holds collector configuration
type Config struct {
	Enabled        bool
	Markets        []string
	APIKey         string
	RequestsPerSec float64
	Timeout        time.Duration
}

// Collector defines the interface for market data collectors
type Collector interface {
	// Metadata
	Name() string
	SupportedMarkets() []core.Market

	// Lifecycle
	Init(cfg Config) error

	// Data fetching. Bars are returned oldest first.
	FetchQuote(ctx context.Context, symbol string) (*core.Quote, error)
	FetchHistory(ctx context.Context, symbol string, start, end time.Time, interval string) ([]core.OHLCV, error)
}
