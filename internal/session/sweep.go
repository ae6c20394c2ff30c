package session

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// SweepArm is one candidate configuration in a narrator-model sweep.
type SweepArm struct {
	// Model labels the arm in reports; by convention the narrator model.
	Model string

	// New builds a fresh, fully wired runner for this arm. Every arm must
	// receive its own cost ledger and checkpoint store so results stay
	// comparable and attributable.
	New func(ctx context.Context) (*Runner, error)
}

// SweepResult pairs an arm with its session outcome. Err is non-nil only
// when the arm's runner could not be built; session-level failures surface
// as [OutcomeFailed] inside Result.
type SweepResult struct {
	Model  string  `json:"model"`
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
}

// Sweep runs every arm as an independent session, at most parallel at a
// time (0 or negative means all at once). Results come back in arm order.
// A failing arm never stops its siblings.
func Sweep(ctx context.Context, arms []SweepArm, parallel int) []SweepResult {
	results := make([]SweepResult, len(arms))

	g, ctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}

	for i, arm := range arms {
		g.Go(func() error {
			slog.Info("sweep arm starting", "model", arm.Model)

			r, err := arm.New(ctx)
			if err != nil {
				slog.Error("sweep arm wiring failed", "model", arm.Model, "err", err)
				results[i] = SweepResult{Model: arm.Model, Err: err}
				return nil
			}

			res := r.Run(ctx)
			results[i] = SweepResult{Model: arm.Model, Result: res}
			slog.Info("sweep arm finished",
				"model", arm.Model,
				"outcome", res.Outcome,
				"turns", res.Turns,
				"spent_usd", res.TotalSpentUSD,
			)
			return nil
		})
	}

	// Arm goroutines never return errors; Wait is for completion only.
	_ = g.Wait()
	return results
}
