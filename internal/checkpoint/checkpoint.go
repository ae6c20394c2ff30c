// Package checkpoint persists session state between turns so that any
// session can be replayed, resumed, or branched after the fact.
//
// A [Checkpoint] is a complete, self-contained snapshot: restoring one and
// continuing with the same settings and seeds reproduces the session from
// that turn without replaying earlier model calls. [Store] abstracts the
// backing medium; in-memory, filesystem, and PostgreSQL implementations are
// provided.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/playtest/internal/agent"
	"github.com/storyloom/playtest/internal/tracker"
	"github.com/storyloom/playtest/pkg/types"
)

// ErrNotFound is returned when no checkpoint matches the requested ID or
// session.
var ErrNotFound = errors.New("checkpoint not found")

// Settings captures the session configuration a checkpoint was taken under.
// Resuming may override some of these; the rest carry forward unchanged.
type Settings struct {
	// Scenario is the opening premise handed to the narrator.
	Scenario string `json:"scenario"`

	// NarratorModel is the primary narrator model name.
	NarratorModel string `json:"narratorModel"`

	// NarratorFallbacks are tried in order when the primary fails.
	NarratorFallbacks []string `json:"narratorFallbacks,omitempty"`

	// Temperature is the narrator's sampling temperature.
	Temperature float64 `json:"temperature,omitempty"`

	// Language is the output language; empty means the scenario's own.
	Language string `json:"language,omitempty"`

	// MaxTurns bounds the session length.
	MaxTurns int `json:"maxTurns"`

	// MaxBudgetUSD bounds total spend; zero means unbounded.
	MaxBudgetUSD float64 `json:"maxBudgetUsd,omitempty"`

	// ClassifierMode is "strict" or "permissive".
	ClassifierMode string `json:"classifierMode"`

	// Seed drives all non-model randomness (archetype assignment, name
	// picks) so that a resumed session stays deterministic.
	Seed int64 `json:"seed"`
}

// Meta is the identifying slice of a checkpoint, cheap to list.
type Meta struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Turn      int       `json:"turn"`
	CreatedAt time.Time `json:"createdAt"`
}

// Checkpoint is one complete session snapshot, taken after a turn fully
// resolved. Checkpoints are immutable once saved.
type Checkpoint struct {
	// ID uniquely identifies this snapshot.
	ID string `json:"id"`

	// SessionID identifies the session the snapshot belongs to.
	SessionID string `json:"sessionId"`

	// ParentSession is the session this one was resumed from, empty for a
	// fresh session. Lineage is a chain, not a tree node list: walking
	// ParentSession links recovers the full ancestry.
	ParentSession string `json:"parentSession,omitempty"`

	// ParentCheckpoint is the exact checkpoint the resume branched from.
	ParentCheckpoint string `json:"parentCheckpoint,omitempty"`

	// BranchReason is the human-readable reason given at resume time.
	// Populated only on branched lineages.
	BranchReason string `json:"branchReason,omitempty"`

	// Turn is the last fully resolved turn.
	Turn int `json:"turn"`

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"createdAt"`

	// Settings is the configuration in force at snapshot time.
	Settings Settings `json:"settings"`

	// Transcript is the full public transcript up to and including Turn.
	Transcript types.Transcript `json:"transcript"`

	// Agents are the serialised player states in roster order.
	Agents []agent.State `json:"agents"`

	// Spokesperson is the designated spokesperson's display name.
	Spokesperson string `json:"spokesperson"`

	// PulseCount is how many pulse checkpoints the narrator has delivered.
	PulseCount int `json:"pulseCount"`

	// Tangents is the tangent log, pending moments included.
	Tangents []tracker.TangentMoment `json:"tangents,omitempty"`

	// Privates is the private-moment log, unresolved moments included.
	Privates []tracker.PrivateMoment `json:"privates,omitempty"`

	// SpentUSD is the estimated total spend so far, for budget enforcement
	// across a resume.
	SpentUSD float64 `json:"spentUsd"`
}

// Meta returns the checkpoint's identifying slice.
func (c *Checkpoint) Meta() Meta {
	return Meta{ID: c.ID, SessionID: c.SessionID, Turn: c.Turn, CreatedAt: c.CreatedAt}
}

// Validate reports structural problems that would make a checkpoint
// unrestorable.
func (c *Checkpoint) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if c.SessionID == "" {
		errs = append(errs, errors.New("missing session id"))
	}
	if c.Turn < 0 {
		errs = append(errs, fmt.Errorf("negative turn %d", c.Turn))
	}
	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("no agent states"))
	}
	found := false
	for _, a := range c.Agents {
		if a.Name == c.Spokesperson {
			found = true
			break
		}
	}
	if !found {
		errs = append(errs, fmt.Errorf("spokesperson %q not among agents", c.Spokesperson))
	}
	if len(errs) > 0 {
		return fmt.Errorf("checkpoint: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// Store persists checkpoints. Implementations must be safe for concurrent
// use.
type Store interface {
	// Save persists cp. Saving the same ID twice is an error.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns the checkpoint with the given ID, or [ErrNotFound].
	Load(ctx context.Context, id string) (*Checkpoint, error)

	// Latest returns the highest-turn checkpoint of a session, or
	// [ErrNotFound] when the session has none.
	Latest(ctx context.Context, sessionID string) (*Checkpoint, error)

	// LoadAt returns the session's checkpoint for the given turn, or
	// [ErrNotFound] when no checkpoint was written at that turn.
	LoadAt(ctx context.Context, sessionID string, turn int) (*Checkpoint, error)

	// List returns the session's checkpoint metadata in turn order.
	List(ctx context.Context, sessionID string) ([]Meta, error)

	// Close releases any resources held by the store.
	Close() error
}

// Overrides adjusts settings when resuming. Zero-valued fields keep the
// checkpoint's original setting.
type Overrides struct {
	// Reason is the human-readable branch reason recorded on the lineage.
	Reason string

	// MaxTurns replaces the turn budget when positive.
	MaxTurns int

	// MaxBudgetUSD replaces the spend budget when positive.
	MaxBudgetUSD float64

	// NarratorModel swaps the narrator's primary model when non-empty.
	// Fallbacks are kept as-is.
	NarratorModel string

	// Temperature replaces the narrator temperature when positive.
	Temperature float64

	// ClassifierMode switches classification policy when non-empty.
	ClassifierMode string
}

// Resume derives a fresh session from a saved checkpoint. The result is a
// new value with a new session identity and lineage pointing back at the
// source; the source checkpoint is never mutated. The returned checkpoint is
// what the new session starts from — it is not saved here.
func Resume(cp *Checkpoint, ov Overrides) *Checkpoint {
	next := *cp
	next.ID = uuid.NewString()
	next.SessionID = uuid.NewString()
	next.ParentSession = cp.SessionID
	next.ParentCheckpoint = cp.ID
	next.BranchReason = ov.Reason
	next.CreatedAt = time.Now().UTC()

	next.Transcript = cp.Transcript.Clone()
	next.Agents = append([]agent.State(nil), cp.Agents...)
	next.Tangents = append([]tracker.TangentMoment(nil), cp.Tangents...)
	next.Privates = append([]tracker.PrivateMoment(nil), cp.Privates...)

	if ov.MaxTurns > 0 {
		next.Settings.MaxTurns = ov.MaxTurns
	}
	if ov.MaxBudgetUSD > 0 {
		next.Settings.MaxBudgetUSD = ov.MaxBudgetUSD
	}
	if ov.NarratorModel != "" {
		next.Settings.NarratorModel = ov.NarratorModel
	}
	if ov.Temperature > 0 {
		next.Settings.Temperature = ov.Temperature
	}
	if ov.ClassifierMode != "" {
		next.Settings.ClassifierMode = ov.ClassifierMode
	}
	return &next
}
