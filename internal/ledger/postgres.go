// internal/ledger/postgres.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/newthinker/augur/internal/core"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS predictions (
    id              TEXT PRIMARY KEY,
    symbol          TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    action          TEXT NOT NULL,
    confidence      DOUBLE PRECISION NOT NULL,
    model_version   TEXT NOT NULL,
    ensemble_method TEXT NOT NULL,
    regime          TEXT NOT NULL,
    payload         JSONB NOT NULL,
    seq             BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions (created_at);
CREATE INDEX IF NOT EXISTS idx_predictions_symbol ON predictions (symbol, created_at);

CREATE TABLE IF NOT EXISTS outcomes (
    id                  TEXT PRIMARY KEY,
    prediction_id       TEXT NOT NULL UNIQUE REFERENCES predictions (id),
    horizon             TEXT NOT NULL,
    entry_price         DOUBLE PRECISION NOT NULL,
    exit_price          DOUBLE PRECISION NOT NULL,
    realized_return_pct DOUBLE PRECISION NOT NULL,
    realized_direction  TEXT NOT NULL,
    correct             BOOLEAN NOT NULL,
    evaluated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS model_performance (
    seq          BIGSERIAL PRIMARY KEY,
    model_name   TEXT NOT NULL,
    period_start TIMESTAMPTZ NOT NULL,
    period_end   TIMESTAMPTZ NOT NULL,
    accuracy     DOUBLE PRECISION NOT NULL,
    sample_count INTEGER NOT NULL
);
`

const pgPredictionColumns = `p.id, p.symbol, p.created_at, p.action, p.confidence, p.model_version, p.ensemble_method, p.regime, p.payload::text`

const pgOutcomeColumns = `o.id, o.prediction_id, o.horizon, o.entry_price, o.exit_price, o.realized_return_pct, o.realized_direction, o.correct, o.evaluated_at`

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a ledger backed by PostgreSQL.
type PostgresStore struct {
	pool   pool
	close  func()
	tracer trace.Tracer
	now    func() time.Time
}

// NewPostgresStore connects to dsn and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, core.WrapError(core.ErrConfigMissing, fmt.Errorf("postgres dsn is required"))
	}
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("connect to postgres: %w", err))
	}
	if _, err := p.Exec(ctx, postgresSchema); err != nil {
		p.Close()
		return nil, core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("applying schema: %w", err))
	}
	s := newPostgresStore(p, opts...)
	s.close = p.Close
	return s, nil
}

func newPostgresStore(p pool, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{pool: p, close: func() {}, tracer: o.tracer, now: o.now}
}

func (s *PostgresStore) start(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "ledger."+name)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Append inserts a prediction. Existing ids are never overwritten.
func (s *PostgresStore) Append(ctx context.Context, p core.Prediction) (string, error) {
	ctx, span := s.start(ctx, "append")
	defer span.End()

	p, err := prepare(p, s.now)
	if err != nil {
		return "", fail(span, err)
	}
	pl, err := encodePayload(p)
	if err != nil {
		return "", fail(span, core.WrapError(core.ErrInvalidInput, err))
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO predictions (
    id, symbol, created_at, action, confidence,
    model_version, ensemble_method, regime, payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Symbol, p.CreatedAt, string(p.Action), p.Confidence,
		p.ModelVersion, p.EnsembleMethod, p.Regime, pl,
	)
	if err != nil {
		return "", fail(span, core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("inserting prediction: %w", err)))
	}
	if tag.RowsAffected() == 0 {
		return "", fail(span, core.WrapError(core.ErrDuplicatePrediction, fmt.Errorf("id %s", p.ID)))
	}
	return p.ID, nil
}

// Get retrieves a prediction by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*core.Prediction, error) {
	ctx, span := s.start(ctx, "get")
	defer span.End()

	raw, err := scanPGPrediction(s.pool.QueryRow(ctx, `SELECT `+pgPredictionColumns+` FROM predictions p WHERE p.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.WrapError(core.ErrPredictionNotFound, fmt.Errorf("id %s", id))
	}
	if err != nil {
		return nil, fail(span, core.WrapError(core.ErrStorageUnavailable, err))
	}
	p, err := raw.decode()
	if err != nil {
		return nil, fail(span, err)
	}
	return p, nil
}

// pgWhere builds the WHERE clause for a filter with positional
// placeholders starting at $1.
func pgWhere(filter ListFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Symbol != "" {
		add("p.symbol = $%d", filter.Symbol)
	}
	if filter.Action != "" {
		add("p.action = $%d", string(filter.Action))
	}
	if !filter.From.IsZero() {
		add("p.created_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("p.created_at <= $%d", filter.To.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func pgListQuery(filter ListFilter) (string, []any) {
	where, args := pgWhere(filter)
	query := `SELECT ` + pgPredictionColumns + ` FROM predictions p` + where + ` ORDER BY p.created_at DESC, p.seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// List returns predictions matching the filter, newest first.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]core.Prediction, error) {
	ctx, span := s.start(ctx, "list")
	defer span.End()

	query, args := pgListQuery(filter)
	out, err := s.queryPredictions(ctx, query, args...)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// Count returns the number of matching predictions.
func (s *PostgresStore) Count(ctx context.Context, filter ListFilter) (int, error) {
	ctx, span := s.start(ctx, "count")
	defer span.End()

	where, args := pgWhere(filter)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM predictions p`+where, args...).Scan(&n); err != nil {
		return 0, fail(span, core.WrapError(core.ErrStorageUnavailable, err))
	}
	return n, nil
}

// FindPendingEvaluation returns unevaluated predictions older than the
// given age, oldest first.
func (s *PostgresStore) FindPendingEvaluation(ctx context.Context, olderThan time.Duration) ([]core.Prediction, error) {
	ctx, span := s.start(ctx, "find-pending-evaluation")
	defer span.End()

	cutoff := s.now().Add(-olderThan).UTC()
	out, err := s.queryPredictions(ctx, `
SELECT `+pgPredictionColumns+`
FROM predictions p
LEFT JOIN outcomes o ON o.prediction_id = p.id
WHERE o.id IS NULL
  AND p.created_at <= $1
ORDER BY p.created_at ASC, p.seq ASC`, cutoff)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

func (s *PostgresStore) queryPredictions(ctx context.Context, query string, args ...any) ([]core.Prediction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError(core.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	out := []core.Prediction{}
	for rows.Next() {
		raw, err := scanPGPrediction(rows)
		if err != nil {
			return nil, core.WrapError(core.ErrStorageUnavailable, err)
		}
		p, err := raw.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.ErrStorageUnavailable, err)
	}
	return out, nil
}

// AppendOutcome inserts an outcome unless the prediction already has one.
func (s *PostgresStore) AppendOutcome(ctx context.Context, o core.Outcome) (bool, error) {
	ctx, span := s.start(ctx, "append-outcome")
	defer span.End()

	o, err := prepareOutcome(o, s.now)
	if err != nil {
		return false, fail(span, err)
	}

	var exists int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM predictions WHERE id = $1`, o.PredictionID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fail(span, core.WrapError(core.ErrPredictionNotFound, fmt.Errorf("id %s", o.PredictionID)))
	}
	if err != nil {
		return false, fail(span, core.WrapError(core.ErrStorageUnavailable, err))
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO outcomes (
    id, prediction_id, horizon, entry_price, exit_price,
    realized_return_pct, realized_direction, correct, evaluated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT DO NOTHING`,
		o.ID, o.PredictionID, string(o.Horizon), o.EntryPrice, o.ExitPrice,
		o.RealizedReturnPct, string(o.RealizedDirection), o.Correct, o.EvaluatedAt,
	)
	if err != nil {
		return false, fail(span, core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("inserting outcome: %w", err)))
	}
	return tag.RowsAffected() == 1, nil
}

// GetOutcome retrieves the outcome of a prediction.
func (s *PostgresStore) GetOutcome(ctx context.Context, predictionID string) (*core.Outcome, error) {
	ctx, span := s.start(ctx, "get-outcome")
	defer span.End()

	o, err := scanPGOutcome(s.pool.QueryRow(ctx, `SELECT `+pgOutcomeColumns+` FROM outcomes o WHERE o.prediction_id = $1`, predictionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.WrapError(core.ErrOutcomeNotFound, fmt.Errorf("prediction %s", predictionID))
	}
	if err != nil {
		return nil, fail(span, err)
	}
	return o, nil
}

// ListEvaluated returns evaluated predictions created in [from, to).
func (s *PostgresStore) ListEvaluated(ctx context.Context, from, to time.Time) ([]core.Evaluated, error) {
	ctx, span := s.start(ctx, "list-evaluated")
	defer span.End()

	rows, err := s.pool.Query(ctx, `
SELECT `+pgPredictionColumns+`, `+pgOutcomeColumns+`
FROM predictions p
JOIN outcomes o ON o.prediction_id = p.id
WHERE p.created_at >= $1
  AND p.created_at < $2
ORDER BY p.created_at ASC, p.seq ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fail(span, core.WrapError(core.ErrStorageUnavailable, err))
	}
	defer rows.Close()

	out := []core.Evaluated{}
	for rows.Next() {
		var raw row
		var o core.Outcome
		var horizon, direction string
		var evaluated time.Time
		if err := rows.Scan(
			&raw.p.ID, &raw.p.Symbol, &raw.p.CreatedAt, &raw.action, &raw.p.Confidence,
			&raw.p.ModelVersion, &raw.p.EnsembleMethod, &raw.p.Regime, &raw.payload,
			&o.ID, &o.PredictionID, &horizon, &o.EntryPrice, &o.ExitPrice,
			&o.RealizedReturnPct, &direction, &o.Correct, &evaluated,
		); err != nil {
			return nil, fail(span, core.WrapError(core.ErrStorageUnavailable, err))
		}
		p, err := raw.decode()
		if err != nil {
			return nil, fail(span, err)
		}
		if err := fillOutcome(&o, horizon, direction, evaluated); err != nil {
			return nil, fail(span, err)
		}
		out = append(out, core.Evaluated{Prediction: *p, Outcome: o})
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, core.WrapError(core.ErrStorageUnavailable, err))
	}
	return out, nil
}

// AppendPerformance stores new period records.
func (s *PostgresStore) AppendPerformance(ctx context.Context, records []core.ModelPerformance) error {
	ctx, span := s.start(ctx, "append-performance")
	defer span.End()

	if len(records) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO model_performance (model_name, period_start, period_end, accuracy, sample_count) VALUES `)
	args := make([]any, 0, len(records)*5)
	for i, r := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, r.ModelName, r.PeriodStart.UTC(), r.PeriodEnd.UTC(), r.Accuracy, r.SampleCount)
	}
	if _, err := s.pool.Exec(ctx, b.String(), args...); err != nil {
		return fail(span, core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("inserting performance: %w", err)))
	}
	return nil
}

// LatestPerformance returns the newest record per model.
func (s *PostgresStore) LatestPerformance(ctx context.Context) (map[string]core.ModelPerformance, error) {
	ctx, span := s.start(ctx, "latest-performance")
	defer span.End()

	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT ON (model_name) model_name, period_start, period_end, accuracy, sample_count
FROM model_performance
ORDER BY model_name, period_end DESC, seq DESC`)
	if err != nil {
		return nil, fail(span, core.WrapError(core.ErrStorageUnavailable, err))
	}
	defer rows.Close()

	out := make(map[string]core.ModelPerformance)
	for rows.Next() {
		var r core.ModelPerformance
		if err := rows.Scan(&r.ModelName, &r.PeriodStart, &r.PeriodEnd, &r.Accuracy, &r.SampleCount); err != nil {
			return nil, fail(span, core.WrapError(core.ErrStorageUnavailable, err))
		}
		r.PeriodStart = r.PeriodStart.UTC()
		r.PeriodEnd = r.PeriodEnd.UTC()
		out[r.ModelName] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, core.WrapError(core.ErrStorageUnavailable, err))
	}
	return out, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.close()
	return nil
}

func scanPGPrediction(s scanner) (row, error) {
	var raw row
	err := s.Scan(
		&raw.p.ID, &raw.p.Symbol, &raw.p.CreatedAt, &raw.action, &raw.p.Confidence,
		&raw.p.ModelVersion, &raw.p.EnsembleMethod, &raw.p.Regime, &raw.payload,
	)
	return raw, err
}

func scanPGOutcome(s scanner) (*core.Outcome, error) {
	var o core.Outcome
	var horizon, direction string
	var evaluated time.Time
	if err := s.Scan(
		&o.ID, &o.PredictionID, &horizon, &o.EntryPrice, &o.ExitPrice,
		&o.RealizedReturnPct, &direction, &o.Correct, &evaluated,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, core.WrapError(core.ErrStorageUnavailable, err)
	}
	if err := fillOutcome(&o, horizon, direction, evaluated); err != nil {
		return nil, err
	}
	return &o, nil
}
