package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/newthinker/augur/internal/core"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig               `mapstructure:"server"`
	Watchlist  []WatchlistItem            `mapstructure:"watchlist"`
	Market     MarketConfig               `mapstructure:"market"`
	Regime     RegimeConfig               `mapstructure:"regime"`
	Scoring    ScoringConfig              `mapstructure:"scoring"`
	Ensemble   EnsembleConfig             `mapstructure:"ensemble"`
	Ledger     LedgerConfig               `mapstructure:"ledger"`
	Evaluator  EvaluatorConfig            `mapstructure:"evaluator"`
	Pipeline   PipelineConfig             `mapstructure:"pipeline"`
	Collectors map[string]CollectorConfig `mapstructure:"collectors"`
	Sentiment  SentimentConfig            `mapstructure:"sentiment"`
	SubModels  map[string]SubModelConfig  `mapstructure:"submodels"`
	LLM        LLMConfig                  `mapstructure:"llm"`
	Notifiers  map[string]NotifierConfig  `mapstructure:"notifiers"`
	Storage    StorageConfig              `mapstructure:"storage"`
	Metrics    MetricsConfig              `mapstructure:"metrics"`
	Tracing    TracingConfig              `mapstructure:"tracing"`
	Log        LogConfig                  `mapstructure:"log"`
}

type ServerConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

type WatchlistItem struct {
	Symbol string `mapstructure:"symbol"`
	Name   string `mapstructure:"name"`
}

// MarketConfig controls market-data access.
type MarketConfig struct {
	IndexSymbol     string        `mapstructure:"index_symbol"`
	HistoryDays     int           `mapstructure:"history_days"`
	MaxRetryElapsed time.Duration `mapstructure:"max_retry_elapsed"`
	MovingAverage   string        `mapstructure:"moving_average"` // "sma" or "ema"
}

// RegimeParams is the adjustment attached to one market regime.
type RegimeParams struct {
	Multiplier    float64 `mapstructure:"multiplier"`
	BuyThreshold  float64 `mapstructure:"buy_threshold"`
	SellThreshold float64 `mapstructure:"sell_threshold"`
}

// RegimeConfig tunes regime classification and the stress filter.
type RegimeConfig struct {
	LookbackSessions   int                     `mapstructure:"lookback_sessions"`
	WeakThreshold      float64                 `mapstructure:"weak_threshold"`
	StrongThreshold    float64                 `mapstructure:"strong_threshold"`
	StressDeadZone     float64                 `mapstructure:"stress_dead_zone"`
	StressSlope        float64                 `mapstructure:"stress_slope"`
	StressMaxDampening float64                 `mapstructure:"stress_max_dampening"`
	StressFloor        float64                 `mapstructure:"stress_floor"`
	Table              map[string]RegimeParams `mapstructure:"table"`
}

// SentimentBars holds the regime-dependent sentiment adjustment.
type SentimentBars struct {
	NormalBar                 float64 `mapstructure:"normal_bar"`
	NormalMultiplier          float64 `mapstructure:"normal_multiplier"`
	BearishPositiveBar        float64 `mapstructure:"bearish_positive_bar"`
	BearishPositiveMultiplier float64 `mapstructure:"bearish_positive_multiplier"`
	BearishNegativeBar        float64 `mapstructure:"bearish_negative_bar"`
	BearishNegativeMultiplier float64 `mapstructure:"bearish_negative_multiplier"`
}

// ScoringConfig holds confidence bounds and action thresholds.
type ScoringConfig struct {
	Floor           float64       `mapstructure:"floor"`
	Ceiling         float64       `mapstructure:"ceiling"`
	MinConfidence   float64       `mapstructure:"min_confidence"`
	SafetySentiment float64       `mapstructure:"safety_sentiment"`
	StrongMargin    float64       `mapstructure:"strong_margin"`
	Sentiment       SentimentBars `mapstructure:"sentiment"`

	StrongBuyTechnical     float64 `mapstructure:"strong_buy_technical"`
	BuyTechnical           float64 `mapstructure:"buy_technical"`
	BearishBuyTechnical    float64 `mapstructure:"bearish_buy_technical"`
	BearishBuySentiment    float64 `mapstructure:"bearish_buy_sentiment"`
	BuySentimentTolerance  float64 `mapstructure:"buy_sentiment_tolerance"`
	StrongSellTechnical    float64 `mapstructure:"strong_sell_technical"`
	SellTechnical          float64 `mapstructure:"sell_technical"`
	BullishSellTechnical   float64 `mapstructure:"bullish_sell_technical"`
	BullishSellSentiment   float64 `mapstructure:"bullish_sell_sentiment"`
	SellSentimentTolerance float64 `mapstructure:"sell_sentiment_tolerance"`
}

// EnsembleConfig holds the initial weight table and its persistence.
type EnsembleConfig struct {
	InitialWeights map[string]float64 `mapstructure:"initial_weights"`
	MinSamples     int                `mapstructure:"min_samples"`
	Store          string             `mapstructure:"store"` // "memory" or "archive"
	Path           string             `mapstructure:"path"`
}

// LedgerConfig selects the prediction ledger backend.
type LedgerConfig struct {
	Driver string `mapstructure:"driver"` // "memory", "sqlite", "postgres"
	DSN    string `mapstructure:"dsn"`
}

// EvaluatorConfig controls the outcome evaluation pass.
type EvaluatorConfig struct {
	HoldingWindow     time.Duration `mapstructure:"holding_window"`
	Horizon           string        `mapstructure:"horizon"`
	FlatBandPct       float64       `mapstructure:"flat_band_pct"`
	Interval          time.Duration `mapstructure:"interval"`
	RecomputeInterval time.Duration `mapstructure:"recompute_interval"`
	PerformanceWindow time.Duration `mapstructure:"performance_window"`
}

// PipelineConfig controls the scoring pass.
type PipelineConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Interval    time.Duration `mapstructure:"interval"`
}

type CollectorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Markets        []string      `mapstructure:"markets"`
	APIKey         string        `mapstructure:"api_key"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// NewsItemConfig is a statically configured news item.
type NewsItemConfig struct {
	Title       string   `mapstructure:"title"`
	Source      string   `mapstructure:"source"`
	Symbols     []string `mapstructure:"symbols"`
	Sentiment   float64  `mapstructure:"sentiment"`
	PublishedAt string   `mapstructure:"published_at"` // RFC3339
}

type SentimentConfig struct {
	LookbackDays int              `mapstructure:"lookback_days"`
	CacheTTL     time.Duration    `mapstructure:"cache_ttl"`
	News         []NewsItemConfig `mapstructure:"news"`
}

type SubModelConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Params  map[string]any `mapstructure:"params"`
}

type LLMConfig struct {
	Provider string       `mapstructure:"provider"`
	Claude   ClaudeConfig `mapstructure:"claude"`
	OpenAI   OpenAIConfig `mapstructure:"openai"`
	Ollama   OllamaConfig `mapstructure:"ollama"`
}

type ClaudeConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type OllamaConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

type NotifierConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	BotToken string            `mapstructure:"bot_token"`
	ChatID   string            `mapstructure:"chat_id"`
	URL      string            `mapstructure:"url"`
	Headers  map[string]string `mapstructure:"headers"`
}

type StorageConfig struct {
	Archive ArchiveConfig `mapstructure:"archive"`
}

type ArchiveConfig struct {
	Type string   `mapstructure:"type"` // "localfs" or "s3"
	Path string   `mapstructure:"path"` // For localfs
	S3   S3Config `mapstructure:"s3"`   // For S3
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogConfig holds logger overrides.
type LogConfig struct {
	Level    string `mapstructure:"level"`    // debug, info, warn, error
	Encoding string `mapstructure:"encoding"` // json or console
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Load reads configuration from file on top of Defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Support environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	// Expand environment variables in string values
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envKey := strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}")
			v.Set(key, os.Getenv(envKey))
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// DefaultRegimeTable returns the adjustment for each regime. Bullish regimes
// lower the buy threshold and raise the multiplier; bearish ones invert that.
func DefaultRegimeTable() map[string]RegimeParams {
	return map[string]RegimeParams{
		"bullish":      {Multiplier: 1.10, BuyThreshold: 0.55, SellThreshold: 0.70},
		"weak_bullish": {Multiplier: 1.05, BuyThreshold: 0.58, SellThreshold: 0.65},
		"neutral":      {Multiplier: 1.00, BuyThreshold: 0.60, SellThreshold: 0.60},
		"weak_bearish": {Multiplier: 0.92, BuyThreshold: 0.65, SellThreshold: 0.58},
		"bearish":      {Multiplier: 0.85, BuyThreshold: 0.70, SellThreshold: 0.55},
	}
}

// DefaultScoring returns the default confidence bounds and thresholds.
func DefaultScoring() ScoringConfig {
	return ScoringConfig{
		Floor:           0.15,
		Ceiling:         0.95,
		MinConfidence:   0.25,
		SafetySentiment: -0.5,
		StrongMargin:    0.10,
		Sentiment: SentimentBars{
			NormalBar:                 0.10,
			NormalMultiplier:          0.10,
			BearishPositiveBar:        0.15,
			BearishPositiveMultiplier: 0.05,
			BearishNegativeBar:        -0.05,
			BearishNegativeMultiplier: 0.20,
		},
		StrongBuyTechnical:     80,
		BuyTechnical:           60,
		BearishBuyTechnical:    75,
		BearishBuySentiment:    0.15,
		BuySentimentTolerance:  -0.10,
		StrongSellTechnical:    20,
		SellTechnical:          40,
		BullishSellTechnical:   25,
		BullishSellSentiment:   -0.15,
		SellSentimentTolerance: 0.10,
	}
}

// DefaultRegime returns the default regime classification settings.
func DefaultRegime() RegimeConfig {
	return RegimeConfig{
		LookbackSessions:   5,
		WeakThreshold:      0.5,
		StrongThreshold:    1.5,
		StressDeadZone:     0.5,
		StressSlope:        0.05,
		StressMaxDampening: 0.40,
		StressFloor:        0.15,
		Table:              DefaultRegimeTable(),
	}
}

// Defaults returns a config with sensible defaults
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Market: MarketConfig{
			IndexSymbol:     "SPY",
			HistoryDays:     120,
			MaxRetryElapsed: 30 * time.Second,
			MovingAverage:   "sma",
		},
		Regime:  DefaultRegime(),
		Scoring: DefaultScoring(),
		Ensemble: EnsembleConfig{
			InitialWeights: map[string]float64{
				"trend":     0.5,
				"reversion": 0.5,
			},
			MinSamples: 5,
			Store:      "memory",
			Path:       "ensemble/weights.json",
		},
		Ledger: LedgerConfig{
			Driver: "memory",
		},
		Evaluator: EvaluatorConfig{
			HoldingWindow:     24 * time.Hour,
			Horizon:           "1d",
			FlatBandPct:       0.1,
			Interval:          time.Hour,
			RecomputeInterval: 24 * time.Hour,
			PerformanceWindow: 30 * 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			Concurrency: 4,
			Interval:    24 * time.Hour,
		},
		Collectors: map[string]CollectorConfig{
			"yahoo": {Enabled: true, RequestsPerSec: 2, Timeout: 10 * time.Second},
		},
		Sentiment: SentimentConfig{
			LookbackDays: 3,
			CacheTTL:     15 * time.Minute,
		},
		SubModels: map[string]SubModelConfig{
			"trend":     {Enabled: true},
			"reversion": {Enabled: true},
		},
		Storage: StorageConfig{
			Archive: ArchiveConfig{
				Type: "localfs",
				Path: "data/archive",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "augur",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Symbols returns the watchlist symbols in configured order.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Watchlist))
	for _, item := range c.Watchlist {
		if item.Symbol != "" {
			out = append(out, item.Symbol)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("port must be between 1 and 65535, got %d", c.Server.Port))
	}

	if err := c.validateScoring(); err != nil {
		return err
	}
	if err := c.validateRegime(); err != nil {
		return err
	}

	for name, w := range c.Ensemble.InitialWeights {
		if w < 0 {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("ensemble weight for %s cannot be negative, got %f", name, w))
		}
	}
	switch c.Ensemble.Store {
	case "", "memory":
	case "archive":
		if c.Ensemble.Path == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("ensemble path required when store is archive"))
		}
		if err := c.validateArchive(); err != nil {
			return err
		}
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown ensemble store %q", c.Ensemble.Store))
	}

	switch c.Ledger.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.Ledger.DSN == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("ledger dsn required when driver is %s", c.Ledger.Driver))
		}
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver))
	}

	if c.Evaluator.HoldingWindow <= 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("holding_window must be positive, got %s", c.Evaluator.HoldingWindow))
	}
	if _, err := core.ParseHorizon(c.Evaluator.Horizon); err != nil {
		return core.WrapError(core.ErrConfigInvalid, err)
	}
	if c.Evaluator.FlatBandPct < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("flat_band_pct cannot be negative, got %f", c.Evaluator.FlatBandPct))
	}

	switch c.Market.MovingAverage {
	case "", "sma", "ema":
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown moving_average %q", c.Market.MovingAverage))
	}

	if c.Pipeline.Concurrency < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("pipeline concurrency must be at least 1, got %d", c.Pipeline.Concurrency))
	}

	for _, item := range c.Sentiment.News {
		if _, err := time.Parse(time.RFC3339, item.PublishedAt); err != nil {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("news item %q: published_at must be RFC3339: %w", item.Title, err))
		}
	}

	// LLM validation - if provider set, check config exists
	if c.LLM.Provider != "" {
		switch c.LLM.Provider {
		case "claude":
			if c.LLM.Claude.APIKey == "" {
				return core.WrapError(core.ErrConfigMissing,
					fmt.Errorf("claude api_key required when provider is claude"))
			}
		case "openai":
			if c.LLM.OpenAI.APIKey == "" {
				return core.WrapError(core.ErrConfigMissing,
					fmt.Errorf("openai api_key required when provider is openai"))
			}
		case "ollama":
			if c.LLM.Ollama.Endpoint == "" {
				return core.WrapError(core.ErrConfigMissing,
					fmt.Errorf("ollama endpoint required when provider is ollama"))
			}
		}
	}

	return nil
}

func (c *Config) validateScoring() error {
	s := c.Scoring
	if s.Floor <= 0 || s.Ceiling >= 1 || s.Floor >= s.Ceiling {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("scoring bounds must satisfy 0 < floor < ceiling < 1, got [%f, %f]", s.Floor, s.Ceiling))
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("min_confidence must be between 0 and 1, got %f", s.MinConfidence))
	}
	return nil
}

func (c *Config) validateRegime() error {
	r := c.Regime
	if r.LookbackSessions < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("lookback_sessions must be at least 1, got %d", r.LookbackSessions))
	}
	if r.WeakThreshold <= 0 || r.StrongThreshold <= r.WeakThreshold {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("regime thresholds must satisfy 0 < weak < strong, got %f/%f", r.WeakThreshold, r.StrongThreshold))
	}
	if r.StressFloor <= 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("stress_floor must be positive, got %f", r.StressFloor))
	}
	for name, p := range r.Table {
		if p.Multiplier <= 0 {
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("regime %s multiplier must be positive, got %f", name, p.Multiplier))
		}
	}
	return nil
}

func (c *Config) validateArchive() error {
	switch c.Storage.Archive.Type {
	case "localfs":
		if c.Storage.Archive.Path == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("archive path required for localfs"))
		}
	case "s3":
		if c.Storage.Archive.S3.Bucket == "" {
			return core.WrapError(core.ErrConfigMissing,
				fmt.Errorf("s3 bucket required for s3 archive"))
		}
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("unknown archive type %q", c.Storage.Archive.Type))
	}
	return nil
}
