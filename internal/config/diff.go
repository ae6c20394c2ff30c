package config

import (
	"fmt"
	"strings"

	"github.com/storyloom/playtest/internal/checkpoint"
)

// SettingsChange describes one field that differs between a checkpoint's
// recorded settings and the settings a branched session will run with.
type SettingsChange struct {
	Field string
	Old   string
	New   string
}

// String renders the change for human-readable resume output.
func (c SettingsChange) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Field, c.Old, c.New)
}

// DiffSettings compares the settings stored in a checkpoint against the
// settings of the session branched from it and returns the changes in a
// stable field order. An empty result means a pure continuation.
func DiffSettings(old, new checkpoint.Settings) []SettingsChange {
	var changes []SettingsChange
	add := func(field, oldVal, newVal string) {
		if oldVal != newVal {
			changes = append(changes, SettingsChange{Field: field, Old: oldVal, New: newVal})
		}
	}

	add("narrator_model", old.NarratorModel, new.NarratorModel)
	add("narrator_fallbacks", strings.Join(old.NarratorFallbacks, ","), strings.Join(new.NarratorFallbacks, ","))
	add("temperature", fmt.Sprintf("%.2f", old.Temperature), fmt.Sprintf("%.2f", new.Temperature))
	add("language", old.Language, new.Language)
	add("max_turns", fmt.Sprintf("%d", old.MaxTurns), fmt.Sprintf("%d", new.MaxTurns))
	add("max_budget_usd", fmt.Sprintf("%.4f", old.MaxBudgetUSD), fmt.Sprintf("%.4f", new.MaxBudgetUSD))
	add("classifier_mode", old.ClassifierMode, new.ClassifierMode)
	add("seed", fmt.Sprintf("%d", old.Seed), fmt.Sprintf("%d", new.Seed))

	return changes
}
