// internal/context/sentiment.go
package context

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/newthinker/augur/internal/config"
	"github.com/newthinker/augur/internal/core"
)

// StaticSentimentProvider aggregates sentiment over a fixed set of news items.
type StaticSentimentProvider struct {
	news         []NewsItem
	lookbackDays int
	now          func() time.Time
}

// NewStaticSentimentProvider creates a provider over the given news items.
func NewStaticSentimentProvider(news []NewsItem, lookbackDays int) *StaticSentimentProvider {
	if lookbackDays <= 0 {
		lookbackDays = 3
	}
	return &StaticSentimentProvider{news: news, lookbackDays: lookbackDays, now: time.Now}
}

// NewsFromConfig converts configured news items. Items with unparsable
// timestamps are rejected by config validation and skipped here.
func NewsFromConfig(items []config.NewsItemConfig) []NewsItem {
	out := make([]NewsItem, 0, len(items))
	for _, item := range items {
		published, err := time.Parse(time.RFC3339, item.PublishedAt)
		if err != nil {
			continue
		}
		out = append(out, NewsItem{
			Title:       item.Title,
			Source:      item.Source,
			Symbols:     item.Symbols,
			Sentiment:   item.Sentiment,
			PublishedAt: published,
		})
	}
	return out
}

// GetNews returns news items for the given symbol within the last days.
// Items with no symbols are market-wide and match every symbol.
func (p *StaticSentimentProvider) GetNews(symbol string, days int) []NewsItem {
	cutoff := p.now().AddDate(0, 0, -days)
	var result []NewsItem

	for _, item := range p.news {
		if item.PublishedAt.Before(cutoff) {
			continue
		}
		if len(item.Symbols) == 0 {
			result = append(result, item)
			continue
		}
		for _, s := range item.Symbols {
			if strings.EqualFold(s, symbol) {
				result = append(result, item)
				break
			}
		}
	}

	return result
}

// GetSentiment averages item sentiment. Confidence grows with the number of
// articles as n/(n+2).
func (p *StaticSentimentProvider) GetSentiment(ctx context.Context, symbol string) (*core.Sentiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := p.GetNews(symbol, p.lookbackDays)
	if len(items) == 0 {
		return nil, core.ErrNoData
	}

	var sum float64
	for _, item := range items {
		sum += math.Max(-1, math.Min(1, item.Sentiment))
	}
	n := float64(len(items))

	return &core.Sentiment{
		Score:        sum / n,
		Confidence:   n / (n + 2),
		ArticleCount: len(items),
	}, nil
}

type cachedSentiment struct {
	value *core.Sentiment
	err   error
	at    time.Time
}

// CachedSentimentProvider wraps a sentiment provider with caching.
type CachedSentimentProvider struct {
	provider SentimentProvider
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSentiment
}

// NewCachedSentimentProvider creates a cached sentiment provider.
func NewCachedSentimentProvider(provider SentimentProvider, ttl time.Duration) *CachedSentimentProvider {
	return &CachedSentimentProvider{
		provider: provider,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cachedSentiment),
	}
}

// GetSentiment returns cached sentiment or fetches from the underlying
// provider. ErrNoData results are cached too; other errors are not.
func (p *CachedSentimentProvider) GetSentiment(ctx context.Context, symbol string) (*core.Sentiment, error) {
	key := strings.ToUpper(symbol)

	p.mu.Lock()
	entry, ok := p.cache[key]
	p.mu.Unlock()
	if ok && p.now().Sub(entry.at) < p.ttl {
		if entry.err != nil {
			return nil, entry.err
		}
		out := *entry.value
		return &out, nil
	}

	value, err := p.provider.GetSentiment(ctx, symbol)
	if err != nil && !isNoData(err) {
		return nil, err
	}

	p.mu.Lock()
	p.cache[key] = cachedSentiment{value: value, err: err, at: p.now()}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	out := *value
	return &out, nil
}

func isNoData(err error) bool {
	return errors.Is(err, core.ErrNoData)
}
