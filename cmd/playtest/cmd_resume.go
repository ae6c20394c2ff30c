package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/storyloom/playtest/internal/agent"
	"github.com/storyloom/playtest/internal/checkpoint"
	"github.com/storyloom/playtest/internal/classifier"
	"github.com/storyloom/playtest/internal/config"
	"github.com/storyloom/playtest/internal/ledger"
	"github.com/storyloom/playtest/internal/observe"
	"github.com/storyloom/playtest/internal/session"
)

var resumeFlags struct {
	session        string
	turn           int
	reason         string
	maxTurns       int
	budget         float64
	narratorModel  string
	temperature    float64
	classifierMode string
	out            string
}

func init() {
	f := resumeCmd.Flags()
	f.StringVar(&resumeFlags.session, "session", "", "resume from the latest checkpoint of this session (instead of a checkpoint ID)")
	f.IntVar(&resumeFlags.turn, "turn", 0, "with --session, resume from this turn's checkpoint instead of the latest")
	f.StringVar(&resumeFlags.reason, "reason", "", "branch reason recorded on the new session's lineage")
	f.IntVar(&resumeFlags.maxTurns, "max-turns", 0, "override the turn budget")
	f.Float64Var(&resumeFlags.budget, "budget", 0, "override the spend budget in USD")
	f.StringVar(&resumeFlags.narratorModel, "narrator-model", "", "swap the narrator's primary model")
	f.Float64Var(&resumeFlags.temperature, "temperature", 0, "override the narrator temperature")
	f.StringVar(&resumeFlags.classifierMode, "classifier-mode", "", "switch the classifier mode (strict or permissive)")
	f.StringVarP(&resumeFlags.out, "out", "o", "", "write the full JSON result to this file")
	rootCmd.AddCommand(resumeCmd)
}

var resumeCmd = &cobra.Command{
	Use:   "resume [checkpoint-id]",
	Short: "Branch a new session from a saved checkpoint",
	Long: `Resume loads a checkpoint, applies any setting overrides, and runs the
continuation as a new session with lineage pointing back at the source.
The source session and its checkpoints are never modified.

Pass a checkpoint ID, or --session to continue from a session's latest
checkpoint; add --turn to branch from an earlier turn instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && resumeFlags.session == "" {
			return fmt.Errorf("either a checkpoint ID or --session is required")
		}

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

		var cp *checkpoint.Checkpoint
		switch {
		case len(args) == 1:
			cp, err = h.store.Load(ctx, args[0])
		case resumeFlags.turn > 0:
			cp, err = h.store.LoadAt(ctx, resumeFlags.session, resumeFlags.turn)
		default:
			cp, err = h.store.Latest(ctx, resumeFlags.session)
		}
		if err != nil {
			return err
		}

		next := checkpoint.Resume(cp, checkpoint.Overrides{
			Reason:         resumeFlags.reason,
			MaxTurns:       resumeFlags.maxTurns,
			MaxBudgetUSD:   resumeFlags.budget,
			NarratorModel:  resumeFlags.narratorModel,
			Temperature:    resumeFlags.temperature,
			ClassifierMode: resumeFlags.classifierMode,
		})

		fmt.Printf("resuming session %s from checkpoint %s (turn %d) as session %s\n",
			cp.SessionID, cp.ID, cp.Turn, next.SessionID)
		for _, ch := range config.DiffSettings(cp.Settings, next.Settings) {
			fmt.Printf("  override %s\n", ch)
		}

		// The live collaborators are rebuilt under the (possibly overridden)
		// checkpoint settings, not the config file's session section.
		cfg.Session.Scenario = next.Settings.Scenario
		cfg.Session.Language = next.Settings.Language
		cfg.Narrator.Model = next.Settings.NarratorModel
		cfg.Narrator.Fallbacks = next.Settings.NarratorFallbacks
		cfg.Narrator.Temperature = next.Settings.Temperature
		if next.Settings.ClassifierMode != "" {
			cfg.Classifier.Mode = classifier.Mode(next.Settings.ClassifierMode)
		}

		roster, err := restoreRoster(h, next)
		if err != nil {
			return err
		}
		deps, err := h.depsWith(roster)
		if err != nil {
			return err
		}
		runner, err := session.ResumeRunner(next, deps)
		if err != nil {
			return err
		}

		res := runner.Run(ctx)
		return printResult(res, resumeFlags.out)
	},
}

// restoreRoster rebuilds the player roster from checkpointed agent states,
// wiring each player to the model chain recorded in its state.
func restoreRoster(h *harness, cp *checkpoint.Checkpoint) (*agent.Roster, error) {
	players := make([]*agent.Player, 0, len(cp.Agents))
	for _, st := range cp.Agents {
		model := st.Model
		if model == "" {
			model = h.cfg.Players.Model
		}
		c, err := h.caller(model, st.FallbackModels, ledger.LanePlayers)
		if err != nil {
			return nil, fmt.Errorf("wire player %q: %w", st.Name, err)
		}
		p, err := agent.Restore(st, c)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return agent.NewRoster(players, cp.Spokesperson)
}
