package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guildstats/internal/config"
)

var (
	// Global flags.
	configPath string
	envFile    string
	verbose    bool

	// Set by PersistentPreRunE.
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "guildstats",
	Short: "Cached, rate-limit friendly community server stats",
	Long: `guildstats serves member and presence counts for community servers.

Counts come from the public widget endpoint, topped up by the bot endpoint
when the widget omits the member total. Results are cached, refreshed by at
most one caller at a time, and degrade to last-known-good or demo data when
upstream is unavailable.

Examples:
  # Run the HTTP service
  guildstats serve --config ./guildstats.yaml

  # Fetch one server once and print the snapshot
  guildstats fetch main --refresh

  # Drop a cached snapshot
  guildstats purge main`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		c, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		l, err := newLogger(level)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", getenvDefault("GUILDSTATS_CONFIG", "./guildstats.yaml"), "path to guildstats.yaml")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with secrets; ignored when missing")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	zc.Encoding = "console"
	zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	return zc.Build()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
