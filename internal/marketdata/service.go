// Package marketdata fetches bars and point-in-time prices through the
// registered collectors, retrying transient failures.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/newthinker/augur/internal/collector"
	"github.com/newthinker/augur/internal/core"
	"go.uber.org/zap"
)

// priceLookback bounds how far before t PriceAt searches for a bar.
const priceLookback = 72 * time.Hour

// Service resolves symbols to collectors and fetches their data.
type Service struct {
	registry   *collector.Registry
	logger     *zap.Logger
	maxElapsed time.Duration
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMaxRetryElapsed bounds the total time spent retrying one call.
func WithMaxRetryElapsed(d time.Duration) Option {
	return func(s *Service) { s.maxElapsed = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a market data service over the registry.
func NewService(registry *collector.Registry, opts ...Option) *Service {
	s := &Service{
		registry:   registry,
		logger:     zap.NewNop(),
		maxElapsed: 30 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newBackOff == nil {
		s.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = s.maxElapsed
			return b
		}
	}
	return s
}

func (s *Service) collectorFor(symbol string) (collector.Collector, error) {
	market := collector.DetectMarket(symbol)
	c, ok := s.registry.ForMarket(market)
	if !ok {
		return nil, core.WrapError(core.ErrCollectorFailed, fmt.Errorf("no collector for market %s", market))
	}
	return c, nil
}

// History fetches bars in [start, end] for the symbol.
func (s *Service) History(ctx context.Context, symbol string, start, end time.Time, interval string) ([]core.OHLCV, error) {
	c, err := s.collectorFor(symbol)
	if err != nil {
		return nil, err
	}

	var bars []core.OHLCV
	op := func() error {
		var err error
		bars, err = c.FetchHistory(ctx, symbol, start, end, interval)
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("retrying history fetch",
			zap.String("symbol", symbol),
			zap.String("collector", c.Name()),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return bars, nil
}

// Series returns daily bars covering the last lookbackDays calendar days.
func (s *Service) Series(ctx context.Context, symbol string, lookbackDays int) ([]core.OHLCV, error) {
	if lookbackDays <= 0 {
		return nil, core.WrapError(core.ErrInvalidInput, fmt.Errorf("lookback days must be positive, got %d", lookbackDays))
	}
	end := s.now()
	start := end.AddDate(0, 0, -lookbackDays)
	bars, err := s.History(ctx, symbol, start, end, "1d")
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, core.WrapError(core.ErrNoData, fmt.Errorf("no daily bars for %s", symbol))
	}
	return bars, nil
}

// PriceAt returns the close of the last hourly bar at or before t, and that
// bar's time.
func (s *Service) PriceAt(ctx context.Context, symbol string, t time.Time) (float64, time.Time, error) {
	bars, err := s.History(ctx, symbol, t.Add(-priceLookback), t.Add(time.Hour), "1h")
	if err != nil {
		return 0, time.Time{}, err
	}

	var (
		price float64
		at    time.Time
		found bool
	)
	for _, bar := range bars {
		if bar.Time.After(t) {
			continue
		}
		if !found || bar.Time.After(at) {
			price, at, found = bar.Close, bar.Time, true
		}
	}
	if !found || price <= 0 {
		return 0, time.Time{}, core.WrapError(core.ErrNoData, fmt.Errorf("no price for %s at %s", symbol, t.Format(time.RFC3339)))
	}
	return price, at, nil
}

func permanent(err error) bool {
	return errors.Is(err, core.ErrInvalidInput) ||
		errors.Is(err, core.ErrSymbolNotFound) ||
		errors.Is(err, core.ErrNoData)
}
