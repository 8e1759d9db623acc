package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/newthinker/augur/internal/config"
	"github.com/newthinker/augur/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
	debug   bool

	loadEnvFunc = godotenv.Load
)

var rootCmd = &cobra.Command{
	Use:   "augur",
	Short: "AUGUR - ensemble prediction and confidence scoring",
	Long: `AUGUR scores a watchlist of instruments with several forecasting models,
combines them into one confidence-scored recommendation per symbol, records
every prediction, and grades them against realized prices.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug mode")
}

// setup loads the environment and configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	if envFile != "" {
		if err := loadEnvFunc(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	cfg := config.Defaults()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	log, err := logger.New(debug, cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	if cfgFile == "" {
		log.Warn("no config file specified, using defaults")
	}
	return cfg, log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
