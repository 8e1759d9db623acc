package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/newthinker/augur/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_UnknownActionIsHardError(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO predictions
		(id, symbol, created_at, action, confidence, model_version, ensemble_method, regime, payload)
		VALUES ('legacy', 'AAPL', ?, 'ACCUMULATE', 0.5, 'v0', 'single_model', 'neutral', '{}')`,
		t0.UnixNano())
	require.NoError(t, err)

	_, err = s.Get(ctx, "legacy")
	assert.True(t, errors.Is(err, core.ErrUnknownAction))

	_, err = s.List(ctx, ListFilter{})
	assert.True(t, errors.Is(err, core.ErrUnknownAction))
}

func TestSQLiteStore_UnknownDirectionIsHardError(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO predictions
		(id, symbol, created_at, action, confidence, model_version, ensemble_method, regime, payload)
		VALUES ('legacy', 'AAPL', ?, 'buy', 0.5, 'v0', 'single_model', 'neutral', '{"directions":{"1d":"sideways"}}')`,
		t0.UnixNano())
	require.NoError(t, err)

	_, err = s.Get(ctx, "legacy")
	assert.True(t, errors.Is(err, core.ErrUnknownDirection))
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	id, err := s.Append(ctx, samplePrediction("AAPL", t0))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Symbol)
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("")
	assert.True(t, errors.Is(err, core.ErrConfigMissing))
}
