package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/storyloom/playtest/internal/config"
	"github.com/storyloom/playtest/internal/observe"
	"github.com/storyloom/playtest/internal/session"
)

var sweepFlags struct {
	models   []string
	parallel int
}

func init() {
	f := sweepCmd.Flags()
	f.StringSliceVar(&sweepFlags.models, "models", nil, "narrator models to compare (comma separated)")
	f.IntVar(&sweepFlags.parallel, "parallel", 2, "number of sessions to run concurrently (0 for unlimited)")
	_ = sweepCmd.MarkFlagRequired("models")
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the same scenario once per narrator model and compare outcomes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(sweepFlags.models) < 2 {
			return fmt.Errorf("sweep needs at least two models, got %d", len(sweepFlags.models))
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
		reg := config.DefaultRegistry()

		// Same seed for every arm so the roster draw and the scenario are
		// identical; only the narrator model varies.
		base := sessionConfig(cfg)

		// Each arm gets its own harness so ledgers and checkpoint lineages
		// stay independent.
		arms := make([]session.SweepArm, 0, len(sweepFlags.models))
		for _, model := range sweepFlags.models {
			armCfg := *cfg
			armCfg.Narrator.Model = model
			h, err := newHarness(ctx, &armCfg, reg, met)
			if err != nil {
				return fmt.Errorf("wire arm %q: %w", model, err)
			}
			defer h.Close()

			arms = append(arms, session.SweepArm{
				Model: model,
				New: func(ctx context.Context) (*session.Runner, error) {
					deps, err := h.deps(base.Seed)
					if err != nil {
						return nil, err
					}
					runCfg := base
					runCfg.SessionID = ""
					runCfg.NarratorModel = model
					return session.NewRunner(runCfg, deps)
				},
			})
		}

		results := session.Sweep(ctx, arms, sweepFlags.parallel)
		printSweepTable(results)
		return nil
	},
}

func printSweepTable(results []session.SweepResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tOUTCOME\tTURNS\tPULSES\tSPEND\tFUN")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "%s\terror: %v\t-\t-\t-\t-\n", r.Model, r.Err)
			continue
		}
		res := r.Result
		fun := "-"
		if res.Interview != nil {
			fun = fmt.Sprintf("%.1f", res.Interview.AverageFun)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t$%.4f\t%s\n",
			r.Model, res.Outcome, res.Turns, res.PulseCount, res.TotalSpentUSD, fun)
	}
	w.Flush()
}
