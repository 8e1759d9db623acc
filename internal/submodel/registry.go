package submodel

import (
	"context"
	"sort"
	"sync"

	"github.com/newthinker/augur/internal/core"
	"go.uber.org/zap"
)

// Registry manages sub-model adapters and runs them.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *zap.Logger
	observer func(model string, err error)
}

// NewRegistry creates a new sub-model registry
func NewRegistry(logger ...*zap.Logger) *Registry {
	var l *zap.Logger
	if len(logger) > 0 && logger[0] != nil {
		l = logger[0]
	} else {
		l = zap.NewNop()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   l,
	}
}

// Register adds an adapter to the registry
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get retrieves an adapter by name
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns registered adapter names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnResult registers a callback invoked after every adapter call.
func (r *Registry) OnResult(fn func(model string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// PredictAll runs every adapter for the symbol. Failing adapters are logged
// and skipped; the error is non-nil only when ctx is done.
func (r *Registry) PredictAll(ctx context.Context, symbol string, fs core.FeatureSet) (map[string]core.ModelOutput, error) {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	observer := r.observer
	r.mu.RUnlock()
	sort.Slice(adapters, func(i, j int) bool { return adapters[i].Name() < adapters[j].Name() })

	outputs := make(map[string]core.ModelOutput, len(adapters))

	for _, a := range adapters {
		select {
		case <-ctx.Done():
			return outputs, ctx.Err()
		default:
		}

		out, err := a.Predict(ctx, symbol, fs)
		if err == nil {
			err = Normalize(out)
		}
		if observer != nil {
			observer(a.Name(), err)
		}
		if err != nil {
			r.logger.Warn("sub-model unavailable",
				zap.String("model", a.Name()),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			continue
		}

		outputs[a.Name()] = out.Clone()
	}

	return outputs, nil
}
