// internal/context/sentiment_test.go
package context

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newthinker/augur/internal/config"
	"github.com/newthinker/augur/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSentimentProvider_GetSentiment(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	news := []NewsItem{
		{Title: "Apple beats estimates", Symbols: []string{"AAPL"}, Sentiment: 0.6, PublishedAt: now.Add(-2 * time.Hour)},
		{Title: "Markets calm", Sentiment: 0.2, PublishedAt: now.Add(-24 * time.Hour)},
		{Title: "Old news", Symbols: []string{"AAPL"}, Sentiment: -1, PublishedAt: now.AddDate(0, 0, -10)},
		{Title: "Microsoft news", Symbols: []string{"MSFT"}, Sentiment: -0.5, PublishedAt: now.Add(-time.Hour)},
	}

	p := NewStaticSentimentProvider(news, 3)
	p.now = func() time.Time { return now }

	s, err := p.GetSentiment(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, 2, s.ArticleCount)
	assert.InDelta(t, 0.4, s.Score, 1e-9)
	assert.InDelta(t, 0.5, s.Confidence, 1e-9)
}

func TestStaticSentimentProvider_NoNews(t *testing.T) {
	p := NewStaticSentimentProvider(nil, 3)

	_, err := p.GetSentiment(context.Background(), "AAPL")
	assert.True(t, errors.Is(err, core.ErrNoData))
}

func TestStaticSentimentProvider_ClampsScores(t *testing.T) {
	now := time.Now()
	p := NewStaticSentimentProvider([]NewsItem{
		{Symbols: []string{"X"}, Sentiment: 5, PublishedAt: now},
		{Symbols: []string{"X"}, Sentiment: 3, PublishedAt: now},
	}, 3)

	s, err := p.GetSentiment(context.Background(), "X")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.Score, 1e-9)
}

func TestNewsFromConfig(t *testing.T) {
	items := NewsFromConfig([]config.NewsItemConfig{
		{Title: "ok", Symbols: []string{"AAPL"}, Sentiment: 0.3, PublishedAt: "2024-03-10T09:00:00Z"},
		{Title: "bad", PublishedAt: "yesterday"},
	})

	require.Len(t, items, 1)
	assert.Equal(t, "ok", items[0].Title)
	assert.Equal(t, 2024, items[0].PublishedAt.Year())
}

type countingProvider struct {
	calls int
	value *core.Sentiment
	err   error
}

func (c *countingProvider) GetSentiment(ctx context.Context, symbol string) (*core.Sentiment, error) {
	c.calls++
	return c.value, c.err
}

func TestCachedSentimentProvider(t *testing.T) {
	inner := &countingProvider{value: &core.Sentiment{Score: 0.3, Confidence: 0.5, ArticleCount: 2}}
	p := NewCachedSentimentProvider(inner, time.Minute)
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	ctx := context.Background()
	first, err := p.GetSentiment(ctx, "AAPL")
	require.NoError(t, err)
	first.Score = 99

	second, err := p.GetSentiment(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)
	assert.InDelta(t, 0.3, second.Score, 1e-9)

	now = now.Add(2 * time.Minute)
	_, err = p.GetSentiment(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedSentimentProvider_CachesNoData(t *testing.T) {
	inner := &countingProvider{err: core.ErrNoData}
	p := NewCachedSentimentProvider(inner, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := p.GetSentiment(context.Background(), "AAPL")
		assert.True(t, errors.Is(err, core.ErrNoData))
	}
	assert.Equal(t, 1, inner.calls)
}

func TestCachedSentimentProvider_DoesNotCacheFailures(t *testing.T) {
	inner := &countingProvider{err: errors.New("boom")}
	p := NewCachedSentimentProvider(inner, time.Minute)

	_, _ = p.GetSentiment(context.Background(), "AAPL")
	_, _ = p.GetSentiment(context.Background(), "AAPL")
	assert.Equal(t, 2, inner.calls)
}
