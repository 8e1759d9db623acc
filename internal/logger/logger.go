package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a new zap logger. A non-empty level overrides the preset level
// and a non-empty encoding ("json" or "console") overrides the preset encoder.
func New(development bool, level, encoding string) (*zap.Logger, error) {
	var cfg zap.Config

	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	if level != "" && !development {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	switch encoding {
	case "":
	case "json", "console":
		cfg.Encoding = encoding
	default:
		return nil, fmt.Errorf("unknown log encoding %q", encoding)
	}

	return cfg.Build()
}

// Must creates a logger or panics
func Must(development bool, level, encoding string) *zap.Logger {
	log, err := New(development, level, encoding)
	if err != nil {
		panic(err)
	}
	return log
}
