package notifier

import (
	"context"

	"github.com/newthinker/augur/internal/core"
)

// Config holds notifier configuration
type Config struct {
	Type   string         `mapstructure:"type"`
	Params map[string]any `mapstructure:"params"`
}

// Notifier publishes predictions to an external channel
type Notifier interface {
	// Name returns the unique identifier for this notifier
	Name() string

	// Init initializes the notifier with configuration
	Init(cfg Config) error

	// Send publishes a single prediction
	Send(ctx context.Context, p core.Prediction) error

	// SendBatch publishes several predictions in one message
	SendBatch(ctx context.Context, ps []core.Prediction) error
}

// Headline returns the horizon used when a notifier shows a single
// direction and magnitude for a prediction.
func Headline(p core.Prediction) (core.Horizon, core.Direction, float64) {
	h := core.Horizon1D
	if _, ok := p.Directions[h]; !ok {
		for _, candidate := range core.Horizons() {
			if _, ok := p.Directions[candidate]; ok {
				h = candidate
				break
			}
		}
	}
	return h, p.Directions[h], p.Magnitudes[h]
}
