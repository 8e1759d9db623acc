// internal/ledger/memory.go
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/newthinker/augur/internal/core"
)

func newID() string {
	return uuid.NewString()
}

// MemoryStore is an in-memory ledger. It keeps everything for the life of
// the process.
type MemoryStore struct {
	predictions []core.Prediction
	byID        map[string]int
	outcomes    map[string]core.Outcome // by prediction id
	performance []core.ModelPerformance
	now         func() time.Time
	mu          sync.RWMutex
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		byID:     make(map[string]int),
		outcomes: make(map[string]core.Outcome),
		now:      o.now,
	}
}

// Append adds a prediction to the ledger.
func (m *MemoryStore) Append(ctx context.Context, p core.Prediction) (string, error) {
	p, err := prepare(p, m.now)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[p.ID]; ok {
		return "", core.WrapError(core.ErrDuplicatePrediction, fmt.Errorf("id %s", p.ID))
	}
	m.byID[p.ID] = len(m.predictions)
	m.predictions = append(m.predictions, p)
	return p.ID, nil
}

// Get retrieves a prediction by id.
func (m *MemoryStore) Get(ctx context.Context, id string) (*core.Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byID[id]
	if !ok {
		return nil, core.WrapError(core.ErrPredictionNotFound, fmt.Errorf("id %s", id))
	}
	p := m.predictions[i].Clone()
	return &p, nil
}

// List returns predictions matching the filter, newest first.
func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]core.Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.Prediction
	for i := len(m.predictions) - 1; i >= 0; i-- {
		if filter.matches(m.predictions[i]) {
			result = append(result, m.predictions[i])
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	// Apply offset and limit
	if filter.Offset >= len(result) {
		return []core.Prediction{}, nil
	}
	if filter.Offset > 0 {
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	out := make([]core.Prediction, len(result))
	for i := range result {
		out[i] = result[i].Clone()
	}
	return out, nil
}

// Count returns the count of matching predictions.
func (m *MemoryStore) Count(ctx context.Context, filter ListFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, p := range m.predictions {
		if filter.matches(p) {
			count++
		}
	}
	return count, nil
}

// FindPendingEvaluation returns unevaluated predictions older than the
// given age, oldest first.
func (m *MemoryStore) FindPendingEvaluation(ctx context.Context, olderThan time.Duration) ([]core.Prediction, error) {
	cutoff := m.now().Add(-olderThan)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.Prediction
	for _, p := range m.predictions {
		if _, done := m.outcomes[p.ID]; done {
			continue
		}
		if p.CreatedAt.After(cutoff) {
			continue
		}
		result = append(result, p.Clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// AppendOutcome records an outcome once per prediction.
func (m *MemoryStore) AppendOutcome(ctx context.Context, o core.Outcome) (bool, error) {
	o, err := prepareOutcome(o, m.now)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[o.PredictionID]; !ok {
		return false, core.WrapError(core.ErrPredictionNotFound, fmt.Errorf("id %s", o.PredictionID))
	}
	if _, ok := m.outcomes[o.PredictionID]; ok {
		return false, nil
	}
	m.outcomes[o.PredictionID] = o
	return true, nil
}

// GetOutcome retrieves the outcome of a prediction.
func (m *MemoryStore) GetOutcome(ctx context.Context, predictionID string) (*core.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.outcomes[predictionID]
	if !ok {
		return nil, core.WrapError(core.ErrOutcomeNotFound, fmt.Errorf("prediction %s", predictionID))
	}
	return &o, nil
}

// ListEvaluated returns evaluated predictions created in [from, to).
func (m *MemoryStore) ListEvaluated(ctx context.Context, from, to time.Time) ([]core.Evaluated, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []core.Evaluated
	for _, p := range m.predictions {
		if p.CreatedAt.Before(from) || !p.CreatedAt.Before(to) {
			continue
		}
		o, ok := m.outcomes[p.ID]
		if !ok {
			continue
		}
		result = append(result, core.Evaluated{Prediction: p.Clone(), Outcome: o})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Prediction.CreatedAt.Before(result[j].Prediction.CreatedAt)
	})
	return result, nil
}

// AppendPerformance stores new period records.
func (m *MemoryStore) AppendPerformance(ctx context.Context, records []core.ModelPerformance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		r.PeriodStart = r.PeriodStart.UTC()
		r.PeriodEnd = r.PeriodEnd.UTC()
		m.performance = append(m.performance, r)
	}
	return nil
}

// LatestPerformance returns the newest record per model.
func (m *MemoryStore) LatestPerformance(ctx context.Context) (map[string]core.ModelPerformance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return latestByModel(m.performance), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// latestByModel keeps the record with the latest period end per model;
// later records win ties.
func latestByModel(records []core.ModelPerformance) map[string]core.ModelPerformance {
	out := make(map[string]core.ModelPerformance)
	for _, r := range records {
		if cur, ok := out[r.ModelName]; ok && r.PeriodEnd.Before(cur.PeriodEnd) {
			continue
		}
		out[r.ModelName] = r
	}
	return out
}
