// internal/ledger/interface.go
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/newthinker/augur/internal/config"
	"github.com/newthinker/augur/internal/core"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Store is the append-only prediction ledger. Predictions and outcomes are
// never updated or deleted; performance records are appended per period.
type Store interface {
	// Append persists a prediction and returns its id. An empty id is
	// generated; an existing id fails with core.ErrDuplicatePrediction.
	Append(ctx context.Context, p core.Prediction) (string, error)

	// Get retrieves a prediction by id.
	Get(ctx context.Context, id string) (*core.Prediction, error)

	// List returns predictions matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]core.Prediction, error)

	// Count returns the number of predictions matching the filter.
	Count(ctx context.Context, filter ListFilter) (int, error)

	// FindPendingEvaluation returns predictions without an outcome created
	// at least olderThan ago, oldest first.
	FindPendingEvaluation(ctx context.Context, olderThan time.Duration) ([]core.Prediction, error)

	// AppendOutcome records the outcome of a prediction. It reports false
	// without error when the prediction already has one.
	AppendOutcome(ctx context.Context, o core.Outcome) (bool, error)

	// GetOutcome retrieves the outcome of a prediction.
	GetOutcome(ctx context.Context, predictionID string) (*core.Outcome, error)

	// ListEvaluated returns predictions created in [from, to) that have an
	// outcome, oldest first.
	ListEvaluated(ctx context.Context, from, to time.Time) ([]core.Evaluated, error)

	// AppendPerformance stores a new set of period records.
	AppendPerformance(ctx context.Context, records []core.ModelPerformance) error

	// LatestPerformance returns the most recent record per model.
	LatestPerformance(ctx context.Context) (map[string]core.ModelPerformance, error)

	Close() error
}

// ListFilter defines criteria for listing predictions.
type ListFilter struct {
	Symbol string
	Action core.Action
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

func (f ListFilter) matches(p core.Prediction) bool {
	if f.Symbol != "" && p.Symbol != f.Symbol {
		return false
	}
	if f.Action != "" && p.Action != f.Action {
		return false
	}
	if !f.From.IsZero() && p.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && p.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Option configures a store.
type Option func(*options)

type options struct {
	now    func() time.Time
	tracer trace.Tracer
}

// WithClock overrides the time source used for ids, defaults and the
// pending-evaluation cutoff.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTracer sets the tracer used by database-backed stores.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:    time.Now,
		tracer: noop.NewTracerProvider().Tracer("ledger"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open creates the store selected by the configured driver.
func Open(ctx context.Context, cfg config.LedgerConfig, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(opts...), nil
	case "sqlite":
		return NewSQLiteStore(cfg.DSN, opts...)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, opts...)
	default:
		return nil, core.WrapError(core.ErrConfigInvalid, fmt.Errorf("unknown ledger driver %q", cfg.Driver))
	}
}

// prepare fills generated fields and validates a prediction before it is
// written.
func prepare(p core.Prediction, now func() time.Time) (core.Prediction, error) {
	if p.Symbol == "" {
		return p, core.WrapError(core.ErrInvalidInput, fmt.Errorf("prediction symbol is required"))
	}
	if _, err := core.ParseAction(string(p.Action)); err != nil {
		return p, core.WrapError(core.ErrInvalidInput, err)
	}
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p.Clone(), nil
}

func prepareOutcome(o core.Outcome, now func() time.Time) (core.Outcome, error) {
	if o.PredictionID == "" {
		return o, core.WrapError(core.ErrInvalidInput, fmt.Errorf("outcome prediction id is required"))
	}
	if _, err := core.ParseDirection(string(o.RealizedDirection)); err != nil {
		return o, core.WrapError(core.ErrInvalidInput, err)
	}
	if o.ID == "" {
		o.ID = newID()
	}
	if o.EvaluatedAt.IsZero() {
		o.EvaluatedAt = now()
	}
	o.EvaluatedAt = o.EvaluatedAt.UTC()
	return o, nil
}
