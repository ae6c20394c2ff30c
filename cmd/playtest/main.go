// Command playtest runs automated playtest sessions: a narrator stand-in
// drives an interactive story while simulated player agents with distinct
// archetypes respond, and the harness records transcripts, tangents, private
// moments, costs, and checkpoints for later analysis.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/storyloom/playtest/internal/config"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "playtest",
	Short:         "Automated playtesting harness for interactive fiction sessions",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "playtest: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the config file, resolves the scenario
// text, and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
		}
		return nil, err
	}

	if cfg.Session.Scenario == "" && cfg.Session.ScenarioFile != "" {
		raw, err := os.ReadFile(cfg.Session.ScenarioFile)
		if err != nil {
			return nil, fmt.Errorf("read scenario file: %w", err)
		}
		cfg.Session.Scenario = strings.TrimSpace(string(raw))
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	return cfg, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
