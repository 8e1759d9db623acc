package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/newthinker/augur/internal/config"
	"github.com/newthinker/augur/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func samplePrediction(symbol string, created time.Time) core.Prediction {
	return core.Prediction{
		Symbol:     symbol,
		CreatedAt:  created,
		Action:     core.ActionBuy,
		Confidence: 0.72,
		Directions: map[core.Horizon]core.Direction{
			core.Horizon1H: core.DirectionUp,
			core.Horizon4H: core.DirectionFlat,
			core.Horizon1D: core.DirectionUp,
		},
		Magnitudes:      map[core.Horizon]float64{core.Horizon1H: 0.1, core.Horizon4H: 0, core.Horizon1D: 1.4},
		FeatureSnapshot: map[string]float64{"technical.score": 78, "sentiment.score": 0.2},
		ModelVersion:    "ensemble/v2",
		EnsembleMethod:  core.MethodWeightedVote,
		EnsembleWeights: map[string]float64{"trend": 0.6, "reversion": 0.4},
		ModelDirections: map[string]map[core.Horizon]core.Direction{
			"trend":     {core.Horizon1D: core.DirectionUp},
			"reversion": {core.Horizon1D: core.DirectionDown},
		},
		Regime:    "neutral",
		Breakdown: core.ComponentBreakdown{Technical: 0.3, Preliminary: 0.72, Multiplier: 1, Adjusted: 0.72, Final: 0.72},
	}
}

func sampleOutcome(predictionID string, dir core.Direction) core.Outcome {
	return core.Outcome{
		PredictionID:      predictionID,
		Horizon:           core.Horizon1D,
		EntryPrice:        100,
		ExitPrice:         101.5,
		RealizedReturnPct: 1.5,
		RealizedDirection: dir,
		Correct:           dir == core.DirectionUp,
		EvaluatedAt:       t0.Add(25 * time.Hour),
	}
}

type storeFactory func(t *testing.T, clock *testClock) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, clock *testClock) Store {
			return NewMemoryStore(WithClock(clock.Now))
		},
		"sqlite": func(t *testing.T, clock *testClock) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), WithClock(clock.Now))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store, clock *testClock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := &testClock{now: t0}
			fn(t, factory(t, clock), clock)
		})
	}
}

func TestStore_AppendAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		p := samplePrediction("AAPL", t0)

		id, err := s.Append(ctx, p)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		p.ID = id
		assert.Equal(t, p, *got)
	})
}

func TestStore_AppendDefaults(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		p := samplePrediction("AAPL", time.Time{})

		id, err := s.Append(ctx, p)
		require.NoError(t, err)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.CreatedAt.Equal(t0))

		_, err = s.Append(ctx, core.Prediction{Symbol: "AAPL", Action: "maybe"})
		assert.True(t, errors.Is(err, core.ErrInvalidInput))
		_, err = s.Append(ctx, core.Prediction{Action: core.ActionHold})
		assert.True(t, errors.Is(err, core.ErrInvalidInput))
	})
}

func TestStore_Immutability(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		p := samplePrediction("AAPL", t0)
		p.ID = "fixed-id"

		_, err := s.Append(ctx, p)
		require.NoError(t, err)

		// Mutating the caller's copy does not reach the ledger.
		p.Directions[core.Horizon1D] = core.DirectionDown
		p.EnsembleWeights["trend"] = 0

		overwrite := samplePrediction("MSFT", t0)
		overwrite.ID = "fixed-id"
		overwrite.Action = core.ActionSell
		_, err = s.Append(ctx, overwrite)
		assert.True(t, errors.Is(err, core.ErrDuplicatePrediction))

		got, err := s.Get(ctx, "fixed-id")
		require.NoError(t, err)
		assert.Equal(t, "AAPL", got.Symbol)
		assert.Equal(t, core.ActionBuy, got.Action)
		assert.Equal(t, core.DirectionUp, got.Directions[core.Horizon1D])
		assert.Equal(t, 0.6, got.EnsembleWeights["trend"])

		// Nor does mutating a read copy.
		got.Directions[core.Horizon1D] = core.DirectionDown
		again, err := s.Get(ctx, "fixed-id")
		require.NoError(t, err)
		assert.Equal(t, core.DirectionUp, again.Directions[core.Horizon1D])
	})
}

func TestStore_GetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		_, err := s.Get(context.Background(), "nope")
		assert.True(t, errors.Is(err, core.ErrPredictionNotFound))

		_, err = s.GetOutcome(context.Background(), "nope")
		assert.True(t, errors.Is(err, core.ErrOutcomeNotFound))
	})
}

func TestStore_ListAndCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		for i, sym := range []string{"AAPL", "MSFT", "AAPL", "GOOG"} {
			p := samplePrediction(sym, t0.Add(time.Duration(i)*time.Hour))
			if sym == "GOOG" {
				p.Action = core.ActionHold
			}
			_, err := s.Append(ctx, p)
			require.NoError(t, err)
		}

		all, err := s.List(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "GOOG", all[0].Symbol, "newest first")

		aapl, err := s.List(ctx, ListFilter{Symbol: "AAPL"})
		require.NoError(t, err)
		assert.Len(t, aapl, 2)

		holds, err := s.Count(ctx, ListFilter{Action: core.ActionHold})
		require.NoError(t, err)
		assert.Equal(t, 1, holds)

		window, err := s.Count(ctx, ListFilter{From: t0.Add(time.Hour), To: t0.Add(2 * time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, 2, window)

		page, err := s.List(ctx, ListFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "AAPL", page[0].Symbol)
		assert.Equal(t, "MSFT", page[1].Symbol)

		empty, err := s.List(ctx, ListFilter{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_FindPendingEvaluationWindow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		id, err := s.Append(ctx, samplePrediction("AAPL", t0))
		require.NoError(t, err)

		clock.Set(t0.Add(23 * time.Hour))
		pending, err := s.FindPendingEvaluation(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Empty(t, pending)

		clock.Set(t0.Add(25 * time.Hour))
		pending, err = s.FindPendingEvaluation(ctx, 24*time.Hour)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, id, pending[0].ID)
	})
}

func TestStore_FindPendingOrderAndExclusion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		newer, err := s.Append(ctx, samplePrediction("MSFT", t0.Add(2*time.Hour)))
		require.NoError(t, err)
		older, err := s.Append(ctx, samplePrediction("AAPL", t0))
		require.NoError(t, err)
		done, err := s.Append(ctx, samplePrediction("GOOG", t0.Add(time.Hour)))
		require.NoError(t, err)

		created, err := s.AppendOutcome(ctx, sampleOutcome(done, core.DirectionUp))
		require.NoError(t, err)
		require.True(t, created)

		clock.Set(t0.Add(48 * time.Hour))
		pending, err := s.FindPendingEvaluation(ctx, 24*time.Hour)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, older, pending[0].ID)
		assert.Equal(t, newer, pending[1].ID)
	})
}

func TestStore_OutcomeIdempotence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		id, err := s.Append(ctx, samplePrediction("AAPL", t0))
		require.NoError(t, err)

		created, err := s.AppendOutcome(ctx, sampleOutcome(id, core.DirectionUp))
		require.NoError(t, err)
		assert.True(t, created)

		second := sampleOutcome(id, core.DirectionDown)
		second.ExitPrice = 90
		created, err = s.AppendOutcome(ctx, second)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := s.GetOutcome(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 101.5, got.ExitPrice)
		assert.Equal(t, core.DirectionUp, got.RealizedDirection)
		assert.Equal(t, core.Horizon1D, got.Horizon)
		assert.True(t, got.Correct)
		assert.NotEmpty(t, got.ID)
		assert.True(t, got.EvaluatedAt.Equal(t0.Add(25*time.Hour)))

		_, err = s.AppendOutcome(ctx, sampleOutcome("missing", core.DirectionUp))
		assert.True(t, errors.Is(err, core.ErrPredictionNotFound))

		_, err = s.AppendOutcome(ctx, sampleOutcome(id, "sideways"))
		assert.True(t, errors.Is(err, core.ErrInvalidInput))
	})
}

func TestStore_ListEvaluated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		var ids []string
		for i := 0; i < 3; i++ {
			id, err := s.Append(ctx, samplePrediction("AAPL", t0.Add(time.Duration(i)*24*time.Hour)))
			require.NoError(t, err)
			ids = append(ids, id)
		}
		for _, id := range ids[:2] {
			_, err := s.AppendOutcome(ctx, sampleOutcome(id, core.DirectionUp))
			require.NoError(t, err)
		}

		got, err := s.ListEvaluated(ctx, t0, t0.Add(72*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[0], got[0].Prediction.ID)
		assert.Equal(t, ids[0], got[0].Outcome.PredictionID)
		assert.Contains(t, got[1].Prediction.ModelDirections, "reversion")

		// The window end is exclusive.
		got, err = s.ListEvaluated(ctx, t0, t0.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestStore_Performance(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()

		latest, err := s.LatestPerformance(ctx)
		require.NoError(t, err)
		assert.Empty(t, latest)

		first := []core.ModelPerformance{
			{ModelName: "trend", PeriodStart: t0, PeriodEnd: t0.Add(24 * time.Hour), Accuracy: 0.5, SampleCount: 10},
			{ModelName: "reversion", PeriodStart: t0, PeriodEnd: t0.Add(24 * time.Hour), Accuracy: 0.4, SampleCount: 10},
		}
		require.NoError(t, s.AppendPerformance(ctx, first))
		second := []core.ModelPerformance{
			{ModelName: "trend", PeriodStart: t0.Add(24 * time.Hour), PeriodEnd: t0.Add(48 * time.Hour), Accuracy: 0.7, SampleCount: 12},
		}
		require.NoError(t, s.AppendPerformance(ctx, second))

		latest, err = s.LatestPerformance(ctx)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, 0.7, latest["trend"].Accuracy)
		assert.Equal(t, 12, latest["trend"].SampleCount)
		assert.Equal(t, 0.4, latest["reversion"].Accuracy)
		assert.True(t, latest["trend"].PeriodEnd.Equal(t0.Add(48*time.Hour)))
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.LedgerConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, config.LedgerConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "nested", "l.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.LedgerConfig{Driver: "postgres"})
	assert.True(t, errors.Is(err, core.ErrConfigMissing))

	_, err = Open(ctx, config.LedgerConfig{Driver: "mongo"})
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
}
