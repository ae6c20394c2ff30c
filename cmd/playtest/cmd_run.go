package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/storyloom/playtest/internal/config"
	"github.com/storyloom/playtest/internal/observe"
	"github.com/storyloom/playtest/internal/session"
)

var runOut string

func init() {
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "write the full JSON result to this file")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one playtest session from the configured scenario",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("telemetry shutdown", "err", err)
			}
		}()
		met := observe.DefaultMetrics()

		h, err := newHarness(ctx, cfg, config.DefaultRegistry(), met)
		if err != nil {
			return err
		}
		defer h.Close()

		if cfg.Server.MetricsAddr != "" {
			startMetricsListener(ctx, cfg.Server.MetricsAddr, met, h.store)
		}

		runCfg := sessionConfig(cfg)
		deps, err := h.deps(runCfg.Seed)
		if err != nil {
			return err
		}
		runner, err := session.NewRunner(runCfg, deps)
		if err != nil {
			return err
		}

		slog.Info("session starting",
			"narrator_model", runCfg.NarratorModel,
			"max_turns", runCfg.MaxTurns,
			"seed", runCfg.Seed,
		)
		res := runner.Run(ctx)
		return printResult(res, runOut)
	},
}
