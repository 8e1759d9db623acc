package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/newthinker/augur/internal/collector"
	"github.com/newthinker/augur/internal/core"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://query1.finance.yahoo.com/v8/finance/chart"
)

// validSymbol matches stock symbols like AAPL, MSFT, 600519.SH, 0700.HK, ^GSPC
var validSymbol = regexp.MustCompile(`^\^?[A-Za-z0-9\-]{1,10}(\.[A-Za-z]{1,4})?$`)

// validateSymbol checks if a symbol has valid format
func validateSymbol(symbol string) error {
	if symbol == "" {
		return core.WrapError(core.ErrInvalidInput, fmt.Errorf("symbol cannot be empty"))
	}
	if len(symbol) > 20 {
		return core.WrapError(core.ErrInvalidInput, fmt.Errorf("symbol too long: %s", symbol))
	}
	if !validSymbol.MatchString(symbol) {
		return core.WrapError(core.ErrInvalidInput, fmt.Errorf("invalid symbol format: %s", symbol))
	}
	return nil
}

// Option configures a Yahoo collector.
type Option func(*Yahoo)

// WithBaseURL points the collector at a different chart endpoint.
func WithBaseURL(url string) Option {
	return func(y *Yahoo) { y.baseURL = strings.TrimSuffix(url, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(y *Yahoo) { y.client = c }
}

// Yahoo implements the Yahoo Finance collector
type Yahoo struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
	config  collector.Config
}

// New creates a new Yahoo collector
func New(opts ...Option) *Yahoo {
	y := &Yahoo{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
		baseURL: defaultBaseURL,
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

func (y *Yahoo) Name() string {
	return "yahoo"
}

func (y *Yahoo) SupportedMarkets() []core.Market {
	return []core.Market{core.MarketUS, core.MarketHK, core.MarketEU, core.MarketCNA}
}

// Init applies the request rate and timeout from configuration.
func (y *Yahoo) Init(cfg collector.Config) error {
	y.config = cfg
	if cfg.RequestsPerSec > 0 {
		y.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}
	if cfg.Timeout > 0 {
		y.client.Timeout = cfg.Timeout
	}
	return nil
}

// toYahooSymbol converts internal symbol format to Yahoo format
func (y *Yahoo) toYahooSymbol(symbol string) string {
	// Shanghai stocks: 600519.SH -> 600519.SS
	if strings.HasSuffix(symbol, ".SH") {
		return strings.TrimSuffix(symbol, ".SH") + ".SS"
	}
	return symbol
}

// FetchQuote fetches the latest quote
func (y *Yahoo) FetchQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	if err := validateSymbol(symbol); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/%s?interval=1d&range=1d", y.baseURL, y.toYahooSymbol(symbol))

	r, err := y.fetchChart(ctx, symbol, url)
	if err != nil {
		return nil, err
	}
	meta := r.Meta

	return &core.Quote{
		Symbol: symbol,
		Market: collector.DetectMarket(symbol),
		Price:  meta.RegularMarketPrice,
		Volume: int64(meta.RegularMarketVolume),
		Time:   time.Unix(int64(meta.RegularMarketTime), 0).UTC(),
		Source: y.Name(),
	}, nil
}

// FetchHistory fetches historical OHLCV data in [start, end]
func (y *Yahoo) FetchHistory(ctx context.Context, symbol string, start, end time.Time, interval string) ([]core.OHLCV, error) {
	if err := validateSymbol(symbol); err != nil {
		return nil, err
	}
	if !end.After(start) {
		return nil, core.WrapError(core.ErrInvalidInput, fmt.Errorf("end %s not after start %s", end, start))
	}

	url := fmt.Sprintf("%s/%s?interval=%s&period1=%d&period2=%d",
		y.baseURL, y.toYahooSymbol(symbol), y.toYahooInterval(interval), start.Unix(), end.Unix())

	r, err := y.fetchChart(ctx, symbol, url)
	if err != nil {
		return nil, err
	}
	if len(r.Indicators.Quote) == 0 {
		return nil, core.WrapError(core.ErrNoData, fmt.Errorf("no bars for symbol: %s", symbol))
	}
	quotes := r.Indicators.Quote[0]

	data := make([]core.OHLCV, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		open, high, low, closePrice, ok := quotes.at(i)
		if !ok {
			continue // Skip missing data
		}
		var volume int64
		if i < len(quotes.Volume) && quotes.Volume[i] != nil {
			volume = int64(*quotes.Volume[i])
		}
		data = append(data, core.OHLCV{
			Symbol:   symbol,
			Interval: interval,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
			Time:     time.Unix(int64(ts), 0).UTC(),
		})
	}

	return data, nil
}

func (y *Yahoo) fetchChart(ctx context.Context, symbol, url string) (*chartResult, error) {
	if err := y.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "augur/1.0")

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, core.WrapError(core.ErrCollectorFailed, fmt.Errorf("fetching %s: %w", symbol, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, core.WrapError(core.ErrSymbolNotFound, fmt.Errorf("symbol %s", symbol))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, core.WrapError(core.ErrCollectorFailed, fmt.Errorf("unexpected status: %d", resp.StatusCode))
	}

	var result chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, core.WrapError(core.ErrCollectorFailed, fmt.Errorf("decoding response: %w", err))
	}

	if result.Chart.Error != nil {
		return nil, core.WrapError(core.ErrSymbolNotFound, fmt.Errorf("yahoo error: %s", result.Chart.Error.Description))
	}

	if len(result.Chart.Result) == 0 {
		return nil, core.WrapError(core.ErrNoData, fmt.Errorf("no data for symbol: %s", symbol))
	}

	return &result.Chart.Result[0], nil
}

func (y *Yahoo) toYahooInterval(interval string) string {
	switch interval {
	case "1m", "5m", "15m", "1h", "1d", "1wk":
		return interval
	case "4h":
		// not offered by the chart API; callers aggregate hourly bars
		return "1h"
	default:
		return "1d"
	}
}

// Yahoo API response types
type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta       chartMeta  `json:"meta"`
	Timestamp  []int64    `json:"timestamp"`
	Indicators indicators `json:"indicators"`
}

type chartMeta struct {
	Symbol              string  `json:"symbol"`
	RegularMarketPrice  float64 `json:"regularMarketPrice"`
	RegularMarketVolume int64   `json:"regularMarketVolume"`
	RegularMarketTime   int64   `json:"regularMarketTime"`
}

type indicators struct {
	Quote []quoteIndicator `json:"quote"`
}

type quoteIndicator struct {
	Open   []*float64 `json:"open"`
	High   []*float64 `json:"high"`
	Low    []*float64 `json:"low"`
	Close  []*float64 `json:"close"`
	Volume []*int64   `json:"volume"`
}

func (q quoteIndicator) at(i int) (open, high, low, closePrice float64, ok bool) {
	if i >= len(q.Open) || i >= len(q.High) || i >= len(q.Low) || i >= len(q.Close) {
		return 0, 0, 0, 0, false
	}
	if q.Open[i] == nil || q.High[i] == nil || q.Low[i] == nil || q.Close[i] == nil {
		return 0, 0, 0, 0, false
	}
	return *q.Open[i], *q.High[i], *q.Low[i], *q.Close[i], true
}
