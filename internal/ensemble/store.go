package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/newthinker/augur/internal/core"
	"github.com/newthinker/augur/internal/storage/archive"
)

// WeightStore persists the versioned weight table.
type WeightStore interface {
	// Load returns the committed table, or core.ErrNoData when none exists.
	Load(ctx context.Context) (core.EnsembleWeights, error)

	// CompareAndSwap commits next only if the stored version equals expected
	// (0 when nothing is stored). Otherwise it returns core.ErrWeightConflict.
	CompareAndSwap(ctx context.Context, expected int64, next core.EnsembleWeights) error
}

// MemoryWeightStore keeps the table in process memory.
type MemoryWeightStore struct {
	mu      sync.Mutex
	current *core.EnsembleWeights
}

// NewMemoryWeightStore creates an empty in-memory store.
func NewMemoryWeightStore() *MemoryWeightStore {
	return &MemoryWeightStore{}
}

func (s *MemoryWeightStore) Load(ctx context.Context) (core.EnsembleWeights, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return core.EnsembleWeights{}, core.ErrNoData
	}
	return s.current.Clone(), nil
}

func (s *MemoryWeightStore) CompareAndSwap(ctx context.Context, expected int64, next core.EnsembleWeights) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	if s.current != nil {
		version = s.current.Version
	}
	if version != expected {
		return core.WrapError(core.ErrWeightConflict, fmt.Errorf("stored version %d, expected %d", version, expected))
	}
	w := next.Clone()
	s.current = &w
	return nil
}

// ArchiveWeightStore keeps the table as a JSON document in blob storage.
// The version check is serialized within this process only.
type ArchiveWeightStore struct {
	storage archive.Storage
	path    string
	mu      sync.Mutex
}

// NewArchiveWeightStore creates a store writing to path within storage.
func NewArchiveWeightStore(storage archive.Storage, path string) *ArchiveWeightStore {
	if path == "" {
		path = "ensemble/weights.json"
	}
	return &ArchiveWeightStore{storage: storage, path: path}
}

func (s *ArchiveWeightStore) Load(ctx context.Context) (core.EnsembleWeights, error) {
	data, err := s.storage.Read(ctx, s.path)
	if errors.Is(err, archive.ErrNotFound) {
		return core.EnsembleWeights{}, core.ErrNoData
	}
	if err != nil {
		return core.EnsembleWeights{}, core.WrapError(core.ErrStorageUnavailable, err)
	}

	var w core.EnsembleWeights
	if err := json.Unmarshal(data, &w); err != nil {
		return core.EnsembleWeights{}, core.WrapError(core.ErrStorageUnavailable, fmt.Errorf("decoding %s: %w", s.path, err))
	}
	if w.Weights == nil {
		w.Weights = map[string]float64{}
	}
	return w, nil
}

func (s *ArchiveWeightStore) CompareAndSwap(ctx context.Context, expected int64, next core.EnsembleWeights) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	current, err := s.Load(ctx)
	switch {
	case err == nil:
		version = current.Version
	case !errors.Is(err, core.ErrNoData):
		return err
	}
	if version != expected {
		return core.WrapError(core.ErrWeightConflict, fmt.Errorf("stored version %d, expected %d", version, expected))
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding weights: %w", err)
	}
	if err := s.storage.Write(ctx, s.path, data); err != nil {
		return core.WrapError(core.ErrStorageUnavailable, err)
	}
	return nil
}
