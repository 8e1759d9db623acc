package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/newthinker/augur/internal/core"
)

func TestLoad_FromFile(t *testing.T) {
	content := []byte(`
server:
  host: "127.0.0.1"
  port: 9090

watchlist:
  - symbol: AAPL
    name: Apple
  - symbol: MSFT

ledger:
  driver: sqlite
  dsn: "/tmp/augur/ledger.db"

evaluator:
  holding_window: 48h

regime:
  table:
    bearish:
      multiplier: 0.8
      buy_threshold: 0.75
      sell_threshold: 0.5
`)

	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Ledger.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Ledger.Driver)
	}
	if cfg.Evaluator.HoldingWindow != 48*time.Hour {
		t.Errorf("expected 48h holding window, got %s", cfg.Evaluator.HoldingWindow)
	}
	if got := cfg.Symbols(); len(got) != 2 || got[0] != "AAPL" {
		t.Errorf("unexpected symbols: %v", got)
	}
	if cfg.Regime.Table["bearish"].BuyThreshold != 0.75 {
		t.Errorf("expected overridden bearish threshold, got %f", cfg.Regime.Table["bearish"].BuyThreshold)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Scoring.Floor != 0.15 {
		t.Errorf("expected default floor 0.15, got %f", cfg.Scoring.Floor)
	}
	if cfg.Regime.LookbackSessions != 5 {
		t.Errorf("expected default lookback 5, got %d", cfg.Regime.LookbackSessions)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("AUGUR_TEST_DSN", "postgres://localhost/augur")
	content := []byte(`
ledger:
  driver: postgres
  dsn: "${AUGUR_TEST_DSN}"
`)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Ledger.DSN != "postgres://localhost/augur" {
		t.Errorf("expected expanded dsn, got %q", cfg.Ledger.DSN)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Regime.Table["bearish"].BuyThreshold != 0.70 {
		t.Errorf("expected bearish buy threshold 0.70, got %f", cfg.Regime.Table["bearish"].BuyThreshold)
	}
	if cfg.Regime.Table["bearish"].Multiplier >= 1 {
		t.Errorf("expected bearish multiplier below 1, got %f", cfg.Regime.Table["bearish"].Multiplier)
	}
	if cfg.Evaluator.HoldingWindow != 24*time.Hour {
		t.Errorf("expected 24h holding window, got %s", cfg.Evaluator.HoldingWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr *core.Error
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "invalid port - zero",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: core.ErrConfigInvalid,
		},
		{
			name:    "invalid port - too high",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: core.ErrConfigInvalid,
		},
		{
			name:    "floor above ceiling",
			mutate:  func(c *Config) { c.Scoring.Floor = 0.96 },
			wantErr: core.ErrConfigInvalid,
		},
		{
			name:    "ceiling of one",
			mutate:  func(c *Config) { c.Scoring.Ceiling = 1 },
			wantErr: core.ErrConfigInvalid,
		},
		{
			name:    "inverted regime thresholds",
			mutate:  func(c *Config) { c.Regime.StrongThreshold = 0.2 },
			wantErr: core.ErrConfigInvalid,
		},
		{
			name:    "negative ensemble weight",
			mutate:  func(c *Config) { c.Ensemble.InitialWeights["trend"] = -1 },
			wantErr: core.ErrConfigInvalid,
		},
		{
			name:    "sqlite without dsn",
			mutate:  func(c *Config) { c.Ledger.Driver = "sqlite" },
			wantErr: core.ErrConfigMissing,
		},
		{
			name:    "unknown ledger driver",
			mutate:  func(c *Config) { c.Ledger.Driver = "mongo" },
			wantErr: core.ErrConfigInvalid,
		},
		{
			name: "s3 archive without bucket",
			mutate: func(c *Config) {
				c.Ensemble.Store = "archive"
				c.Storage.Archive.Type = "s3"
			},
			wantErr: core.ErrConfigMissing,
		},
		{
			name:    "unknown horizon",
			mutate:  func(c *Config) { c.Evaluator.Horizon = "1w" },
			wantErr: core.ErrConfigInvalid,
		},
		{
			name:    "unknown moving average",
			mutate:  func(c *Config) { c.Market.MovingAverage = "wma" },
			wantErr: core.ErrConfigInvalid,
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Pipeline.Concurrency = 0 },
			wantErr: core.ErrConfigInvalid,
		},
		{
			name: "bad news timestamp",
			mutate: func(c *Config) {
				c.Sentiment.News = []NewsItemConfig{{Title: "x", PublishedAt: "yesterday"}}
			},
			wantErr: core.ErrConfigInvalid,
		},
		{
			name:    "claude without key",
			mutate:  func(c *Config) { c.LLM.Provider = "claude" },
			wantErr: core.ErrConfigMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
