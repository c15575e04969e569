package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dshills/convosearch/internal/config"
	"github.com/dshills/convosearch/internal/engine"
	"github.com/dshills/convosearch/internal/logging"
	"github.com/dshills/convosearch/internal/storage"
)

var (
	cfgFile  string
	dataDir  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "convosearch",
	Short: "Hybrid search over AI-assistant conversation logs",
	Long: `convosearch watches the transcript directories of AI coding assistants,
keeps an incremental index of every conversation, and answers keyword,
semantic and hybrid queries from the CLI or over MCP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of convosearch",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("convosearch %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Build Mode: %s\n", storage.BuildMode)
		fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default ~/.convosearch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "index directory, overrides data_dir")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error), overrides log.level")
	rootCmd.AddCommand(versionCmd)
}

// configPath resolves --config, falling back to the per-user default
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, ".convosearch", "config.yaml"), nil
}

// loadConfig reads the config file and environment, then applies the
// persistent flag overrides
func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
		if err := cfg.Expand(); err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

// openEngine loads the configuration and opens the engine on it
func openEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, zerolog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg)
	eng, err := engine.Open(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, logger, errors.Wrapf(err, "opening index in %s", cfg.DataDir)
	}
	return eng, logger, nil
}

// printJSON writes v to stdout as indented JSON
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
