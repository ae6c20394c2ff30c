package session

import (
	"context"
	"errors"
	"testing"
)

func TestSweep_RunsEveryArmIndependently(t *testing.T) {
	arm := func(model string) SweepArm {
		return SweepArm{
			Model: model,
			New: func(ctx context.Context) (*Runner, error) {
				s := newStack()
				s.scriptBaseline()
				return NewRunner(Config{
					Scenario:      "A storm traps the party in a lighthouse.",
					NarratorModel: model,
					MaxTurns:      2,
					SkipInterview: true,
				}, s.deps(t))
			},
		}
	}

	results := Sweep(context.Background(), []SweepArm{arm("model-a"), arm("model-b"), arm("model-c")}, 2)

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, want := range []string{"model-a", "model-b", "model-c"} {
		got := results[i]
		if got.Model != want {
			t.Errorf("results[%d].Model = %q, want %q (order must follow arms)", i, got.Model, want)
		}
		if got.Err != nil {
			t.Errorf("results[%d].Err = %v", i, got.Err)
			continue
		}
		if got.Result == nil {
			t.Errorf("results[%d].Result is nil", i)
			continue
		}
		if got.Result.Outcome != OutcomeTimeout {
			t.Errorf("results[%d].Outcome = %q, want timeout at MaxTurns", i, got.Result.Outcome)
		}
		if got.Result.Turns != 2 {
			t.Errorf("results[%d].Turns = %d, want 2", i, got.Result.Turns)
		}
	}

	// Independent sessions must not share IDs.
	if results[0].Result.SessionID == results[1].Result.SessionID {
		t.Error("sweep arms share a session ID")
	}
}

func TestSweep_WiringFailureDoesNotStopSiblings(t *testing.T) {
	wantErr := errors.New("no such model")
	arms := []SweepArm{
		{Model: "broken", New: func(ctx context.Context) (*Runner, error) {
			return nil, wantErr
		}},
		{Model: "fine", New: func(ctx context.Context) (*Runner, error) {
			s := newStack()
			s.scriptBaseline()
			return NewRunner(Config{
				Scenario:      "A storm traps the party in a lighthouse.",
				MaxTurns:      1,
				SkipInterview: true,
			}, s.deps(t))
		}},
	}

	results := Sweep(context.Background(), arms, 0)

	if !errors.Is(results[0].Err, wantErr) {
		t.Errorf("results[0].Err = %v, want wiring error", results[0].Err)
	}
	if results[1].Err != nil || results[1].Result == nil {
		t.Fatalf("results[1] = %+v, want a completed session", results[1])
	}
	if results[1].Result.Turns != 1 {
		t.Errorf("results[1].Turns = %d, want 1", results[1].Result.Turns)
	}
}
