package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/storyloom/playtest/internal/config"
	"github.com/storyloom/playtest/internal/observe"
)

var checkpointsSession string

func init() {
	checkpointsListCmd.Flags().StringVar(&checkpointsSession, "session", "", "session to list checkpoints for")
	_ = checkpointsListCmd.MarkFlagRequired("session")
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsShowCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect saved session checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a session's checkpoints in turn order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		h, err := newHarness(cmd.Context(), cfg, config.DefaultRegistry(), observe.DefaultMetrics())
		if err != nil {
			return err
		}
		defer h.Close()

		metas, err := h.store.List(cmd.Context(), checkpointsSession)
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Println("no checkpoints found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTURN\tCREATED")
		for _, m := range metas {
			fmt.Fprintf(w, "%s\t%d\t%s\n", m.ID, m.Turn, m.CreatedAt.Local().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show <checkpoint-id>",
	Short: "Show a checkpoint's settings and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		h, err := newHarness(cmd.Context(), cfg, config.DefaultRegistry(), observe.DefaultMetrics())
		if err != nil {
			return err
		}
		defer h.Close()

		cp, err := h.store.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("checkpoint %s\n", cp.ID)
		fmt.Printf("  session:      %s\n", cp.SessionID)
		if cp.ParentSession != "" {
			fmt.Printf("  branched from: session %s, checkpoint %s\n", cp.ParentSession, cp.ParentCheckpoint)
			if cp.BranchReason != "" {
				fmt.Printf("  reason:       %s\n", cp.BranchReason)
			}
		}
		fmt.Printf("  turn:         %d of %d\n", cp.Turn, cp.Settings.MaxTurns)
		fmt.Printf("  created:      %s\n", cp.CreatedAt.Local().Format(time.RFC3339))
		fmt.Printf("  narrator:     %s (temperature %.2f)\n", cp.Settings.NarratorModel, cp.Settings.Temperature)
		fmt.Printf("  pulses:       %d\n", cp.PulseCount)
		fmt.Printf("  spend so far: $%.4f\n", cp.SpentUSD)
		fmt.Printf("  players:      ")
		for i, a := range cp.Agents {
			if i > 0 {
				fmt.Print(", ")
			}
			fmt.Printf("%s (%s)", a.Name, a.Archetype)
			if a.Name == cp.Spokesperson {
				fmt.Print(" [spokesperson]")
			}
		}
		fmt.Println()
		return nil
	},
}
