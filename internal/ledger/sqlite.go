// internal/ledger/sqlite.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/newthinker/augur/internal/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS predictions (
	id              TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	action          TEXT NOT NULL,
	confidence      REAL NOT NULL,
	model_version   TEXT NOT NULL,
	ensemble_method TEXT NOT NULL,
	regime          TEXT NOT NULL,
	payload         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_predictions_created ON predictions (created_at);
CREATE INDEX IF NOT EXISTS idx_predictions_symbol ON predictions (symbol, created_at);

CREATE TABLE IF NOT EXISTS outcomes (
	id                  TEXT PRIMARY KEY,
	prediction_id       TEXT NOT NULL UNIQUE REFERENCES predictions (id),
	horizon             TEXT NOT NULL,
	entry_price         REAL NOT NULL,
	exit_price          REAL NOT NULL,
	realized_return_pct REAL NOT NULL,
	realized_direction  TEXT NOT NULL,
	correct             INTEGER NOT NULL,
	evaluated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS model_performance (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	model_name   TEXT NOT NULL,
	period_start INTEGER NOT NULL,
	period_end   INTEGER NOT NULL,
	accuracy     REAL NOT NULL,
	sample_count INTEGER NOT NULL
);
`

const sqlitePredictionColumns = `p.id, p.symbol, p.created_at, p.action, p.confidence, p.model_version, p.ensemble_method, p.regime, p.payload`

const sqliteOutcomeColumns = `o.id, o.prediction_id, o.horizon, o.entry_price, o.exit_price, o.realized_return_pct, o.realized_direction, o.correct, o.evaluated_at`

// SQLiteStore is a ledger backed by a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, core.WrapError(core.ErrConfigMissing, fmt.Errorf("sqlite path is required"))
	}
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("creating ledger directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, core.WrapError(core.ErrStorageUnavailable, err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("applying schema: %w", err))
	}

	o := buildOptions(opts)
	return &SQLiteStore{db: db, now: o.now}, nil
}

// Append inserts a prediction. Existing ids are never overwritten.
func (s *SQLiteStore) Append(ctx context.Context, p core.Prediction) (string, error) {
	p, err := prepare(p, s.now)
	if err != nil {
		return "", err
	}
	pl, err := encodePayload(p)
	if err != nil {
		return "", core.WrapError(core.ErrInvalidInput, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions
		(id, symbol, created_at, action, confidence, model_version, ensemble_method, regime, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Symbol, p.CreatedAt.UnixNano(), string(p.Action), p.Confidence,
		p.ModelVersion, p.EnsembleMethod, p.Regime, pl,
	)
	if err != nil {
		return "", core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("inserting prediction: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", core.WrapError(core.ErrDuplicatePrediction, fmt.Errorf("id %s", p.ID))
	}
	return p.ID, nil
}

// Get retrieves a prediction by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*core.Prediction, error) {
	r := s.db.QueryRowContext(ctx, `SELECT `+sqlitePredictionColumns+` FROM predictions p WHERE p.id = ?`, id)
	raw, err := scanSQLitePrediction(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.WrapError(core.ErrPredictionNotFound, fmt.Errorf("id %s", id))
	}
	if err != nil {
		return nil, core.WrapError(core.ErrStorageUnavailable, err)
	}
	return raw.decode()
}

func sqliteWhere(filter ListFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.Symbol != "" {
		conds = append(conds, "p.symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.Action != "" {
		conds = append(conds, "p.action = ?")
		args = append(args, string(filter.Action))
	}
	if !filter.From.IsZero() {
		conds = append(conds, "p.created_at >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		conds = append(conds, "p.created_at <= ?")
		args = append(args, filter.To.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns predictions matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]core.Prediction, error) {
	where, args := sqliteWhere(filter)
	query := `SELECT ` + sqlitePredictionColumns + ` FROM predictions p` + where + ` ORDER BY p.created_at DESC, p.rowid DESC`
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}
	return s.queryPredictions(ctx, query, args...)
}

// Count returns the number of matching predictions.
func (s *SQLiteStore) Count(ctx context.Context, filter ListFilter) (int, error) {
	where, args := sqliteWhere(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM predictions p`+where, args...).Scan(&n); err != nil {
		return 0, core.WrapError(core.ErrStorageUnavailable, err)
	}
	return n, nil
}

// FindPendingEvaluation returns unevaluated predictions older than the
// given age, oldest first.
func (s *SQLiteStore) FindPendingEvaluation(ctx context.Context, olderThan time.Duration) ([]core.Prediction, error) {
	cutoff := s.now().Add(-olderThan)
	return s.queryPredictions(ctx, `
		SELECT `+sqlitePredictionColumns+`
		FROM predictions p
		LEFT JOIN outcomes o ON o.prediction_id = p.id
		WHERE o.id IS NULL AND p.created_at <= ?
		ORDER BY p.created_at ASC, p.rowid ASC`, cutoff.UnixNano())
}

func (s *SQLiteStore) queryPredictions(ctx context.Context, query string, args ...any) ([]core.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError(core.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	out := []core.Prediction{}
	for rows.Next() {
		raw, err := scanSQLitePrediction(rows)
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
func (s *SQLiteStore) AppendOutcome(ctx context.Context, o core.Outcome) (bool, error) {
	o, err := prepareOutcome(o, s.now)
	if err != nil {
		return false, err
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM predictions WHERE id = ?`, o.PredictionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, core.WrapError(core.ErrPredictionNotFound, fmt.Errorf("id %s", o.PredictionID))
	}
	if err != nil {
		return false, core.WrapError(core.ErrStorageUnavailable, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes
		(id, prediction_id, horizon, entry_price, exit_price, realized_return_pct, realized_direction, correct, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		o.ID, o.PredictionID, string(o.Horizon), o.EntryPrice, o.ExitPrice,
		o.RealizedReturnPct, string(o.RealizedDirection), o.Correct, o.EvaluatedAt.UnixNano(),
	)
	if err != nil {
		return false, core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("inserting outcome: %w", err))
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetOutcome retrieves the outcome of a prediction.
func (s *SQLiteStore) GetOutcome(ctx context.Context, predictionID string) (*core.Outcome, error) {
	r := s.db.QueryRowContext(ctx, `SELECT `+sqliteOutcomeColumns+` FROM outcomes o WHERE o.prediction_id = ?`, predictionID)
	o, err := scanSQLiteOutcome(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.WrapError(core.ErrOutcomeNotFound, fmt.Errorf("prediction %s", predictionID))
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListEvaluated returns evaluated predictions created in [from, to).
func (s *SQLiteStore) ListEvaluated(ctx context.Context, from, to time.Time) ([]core.Evaluated, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqlitePredictionColumns+`, `+sqliteOutcomeColumns+`
		FROM predictions p
		JOIN outcomes o ON o.prediction_id = p.id
		WHERE p.created_at >= ? AND p.created_at < ?
		ORDER BY p.created_at ASC, p.rowid ASC`, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, core.WrapError(core.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	out := []core.Evaluated{}
	for rows.Next() {
		var raw row
		var created, evaluated int64
		var o core.Outcome
		var horizon, direction string
		if err := rows.Scan(
			&raw.p.ID, &raw.p.Symbol, &created, &raw.action, &raw.p.Confidence,
			&raw.p.ModelVersion, &raw.p.EnsembleMethod, &raw.p.Regime, &raw.payload,
			&o.ID, &o.PredictionID, &horizon, &o.EntryPrice, &o.ExitPrice,
			&o.RealizedReturnPct, &direction, &o.Correct, &evaluated,
		); err != nil {
			return nil, core.WrapError(core.ErrStorageUnavailable, err)
		}
		raw.p.CreatedAt = time.Unix(0, created).UTC()
		p, err := raw.decode()
		if err != nil {
			return nil, err
		}
		if err := fillOutcome(&o, horizon, direction, time.Unix(0, evaluated)); err != nil {
			return nil, err
		}
		out = append(out, core.Evaluated{Prediction: *p, Outcome: o})
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.ErrStorageUnavailable, err)
	}
	return out, nil
}

// AppendPerformance stores new period records in one transaction.
func (s *SQLiteStore) AppendPerformance(ctx context.Context, records []core.ModelPerformance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.WrapError(core.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	for _, r := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO model_performance (model_name, period_start, period_end, accuracy, sample_count)
			VALUES (?, ?, ?, ?, ?)`,
			r.ModelName, r.PeriodStart.UnixNano(), r.PeriodEnd.UnixNano(), r.Accuracy, r.SampleCount,
		); err != nil {
			return core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("inserting performance: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return core.WrapError(core.ErrStorageUnavailable, err)
	}
	return nil
}

// LatestPerformance returns the newest record per model.
func (s *SQLiteStore) LatestPerformance(ctx context.Context) (map[string]core.ModelPerformance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_name, period_start, period_end, accuracy, sample_count
		FROM model_performance
		ORDER BY seq ASC`)
	if err != nil {
		return nil, core.WrapError(core.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var records []core.ModelPerformance
	for rows.Next() {
		var r core.ModelPerformance
		var start, end int64
		if err := rows.Scan(&r.ModelName, &start, &end, &r.Accuracy, &r.SampleCount); err != nil {
			return nil, core.WrapError(core.ErrStorageUnavailable, err)
		}
		r.PeriodStart = time.Unix(0, start).UTC()
		r.PeriodEnd = time.Unix(0, end).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.ErrStorageUnavailable, err)
	}
	return latestByModel(records), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLitePrediction(s scanner) (row, error) {
	var raw row
	var created int64
	err := s.Scan(
		&raw.p.ID, &raw.p.Symbol, &created, &raw.action, &raw.p.Confidence,
		&raw.p.ModelVersion, &raw.p.EnsembleMethod, &raw.p.Regime, &raw.payload,
	)
	raw.p.CreatedAt = time.Unix(0, created).UTC()
	return raw, err
}

func scanSQLiteOutcome(s scanner) (*core.Outcome, error) {
	var o core.Outcome
	var horizon, direction string
	var evaluated int64
	if err := s.Scan(
		&o.ID, &o.PredictionID, &horizon, &o.EntryPrice, &o.ExitPrice,
		&o.RealizedReturnPct, &direction, &o.Correct, &evaluated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, core.WrapError(core.ErrStorageUnavailable, err)
	}
	if err := fillOutcome(&o, horizon, direction, time.Unix(0, evaluated)); err != nil {
		return nil, err
	}
	return &o, nil
}

func fillOutcome(o *core.Outcome, horizon, direction string, evaluated time.Time) error {
	d, err := core.ParseDirection(direction)
	if err != nil {
		return fmt.Errorf("outcome %s: %w", o.ID, err)
	}
	o.Horizon = core.Horizon(horizon)
	o.RealizedDirection = d
	o.EvaluatedAt = evaluated.UTC()
	return nil
}
