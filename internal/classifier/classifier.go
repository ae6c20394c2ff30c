// Package classifier maps one narrator turn into a structured category
// describing who must respond and how the turn affects story progress.
//
// Classification is semantic: the narrator text is sent to the Generation
// Service with a constrained JSON output contract. The failure policy is
// explicit and uniform per build (see [Mode]): strict mode — the default and
// the documented production policy — propagates a typed [*Error] so the
// session runner can retry or hard-stop the turn; permissive mode degrades to
// the deterministic heuristic in heuristic.go. The two paths are never mixed
// within one session.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/storyloom/playtest/internal/generate"
	"github.com/storyloom/playtest/pkg/provider/llm"
)

// ResponseType is the closed set of narrator-turn categories. Every switch
// over it must enumerate all five values.
type ResponseType string

const (
	// ResponseGroup means every player reacts and the spokesperson
	// synthesizes one reply.
	ResponseGroup ResponseType = "group"

	// ResponseDiscussion means the group must jointly decide something
	// before a single reply is sent back.
	ResponseDiscussion ResponseType = "discussion"

	// ResponseDirected means only the named target players reply, verbatim,
	// in the order listed.
	ResponseDirected ResponseType = "directed"

	// ResponsePrivate means a single named target replies outside the public
	// channel, opening a private-moment entry.
	ResponsePrivate ResponseType = "private"

	// ResponseNone means no player call occurs (pure narration or an ending
	// beat).
	ResponseNone ResponseType = "none"
)

// IsValid reports whether r is a recognised response type.
func (r ResponseType) IsValid() bool {
	switch r {
	case ResponseGroup, ResponseDiscussion, ResponseDirected, ResponsePrivate, ResponseNone:
		return true
	}
	return false
}

// Classification is the classifier's verdict on one narrator message.
// It is produced once per turn and never revised. IsPulse and IsEnding are
// orthogonal to ResponseType: a turn can simultaneously advance the story
// and direct a question at one player.
type Classification struct {
	// ResponseType selects the routing branch for this turn.
	ResponseType ResponseType `json:"responseType"`

	// IsPulse is true when the story materially advanced this turn.
	IsPulse bool `json:"isPulse"`

	// IsEnding is true when the session is concluding.
	IsEnding bool `json:"isEnding"`

	// TargetPlayers is the ordered set of player names that must respond.
	// Required when ResponseType is directed or private, empty otherwise.
	TargetPlayers []string `json:"targetPlayers,omitempty"`

	// Confidence is the classifier's self-reported confidence (0.0–1.0).
	Confidence float64 `json:"confidence"`

	// Rationale is a free-text justification, kept for diagnosis.
	Rationale string `json:"rationale,omitempty"`
}

// Context carries the session state the classifier needs: the running pulse
// count and the currently known player names (used to validate TargetPlayers).
type Context struct {
	PulseCount   int
	KnownPlayers []string
}

// Mode selects the classification failure policy for a whole session.
type Mode string

const (
	// ModeStrict propagates Generation Service failures as a typed [*Error].
	// This is the default and the documented production policy.
	ModeStrict Mode = "strict"

	// ModePermissive degrades to the deterministic heuristic on failure.
	ModePermissive Mode = "permissive"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeStrict || m == ModePermissive
}

// Error is a typed classification failure. The session runner treats it as a
// turn-level failure, forcing a retry or hard stop.
type Error struct {
	// Turn text that could not be classified, truncated for log hygiene.
	Excerpt string

	// Cause is the underlying Generation Service error.
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("classifier: classify %q: %v", e.Excerpt, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

const classifyTemperature = 0.1

const systemPrompt = `You are a turn classifier for an automated playtest of a multiplayer interactive-fiction session.

Given one narrator message, decide how the simulated players must respond.

responseType must be exactly one of:
- "group": the narration addresses the whole party and every player should react.
- "discussion": the narration asks the party to jointly decide or establish something (e.g. introduce their characters) before replying.
- "directed": the narration addresses one or more players by name and each should answer individually.
- "private": the narration discloses something to exactly one player alone (e.g. "[to Mira only]").
- "none": pure scene narration or a concluding beat that needs no player response.

Independently of responseType:
- isPulse: true if the message materially advances the story situation (new location, event, revelation), false if it merely reacts to the players.
- isEnding: true if the session is concluding.

targetPlayers lists the addressed player names, in the order addressed, and must be non-empty exactly when responseType is "directed" or "private". Only use names from the known player list.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "responseType": "<group|discussion|directed|private|none>",
  "isPulse": <bool>,
  "isEnding": <bool>,
  "targetPlayers": ["<name>"],
  "confidence": <0.0-1.0>,
  "rationale": "<one sentence>"
}`

// Classifier classifies narrator turns. It is safe for concurrent use.
type Classifier struct {
	caller *generate.Caller
	mode   Mode
}

// Option configures a [Classifier].
type Option func(*Classifier)

// WithMode sets the failure policy. Default: [ModeStrict].
func WithMode(m Mode) Option {
	return func(c *Classifier) {
		c.mode = m
	}
}

// New creates a Classifier backed by the given generate-with-fallback caller.
func New(caller *generate.Caller, opts ...Option) *Classifier {
	c := &Classifier{
		caller: caller,
		mode:   ModeStrict,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Mode returns the active failure policy.
func (c *Classifier) Mode() Mode { return c.mode }

// Classify maps narratorText to a [Classification] under cctx.
//
// In strict mode a Generation Service failure returns a [*Error]. In
// permissive mode it degrades to [Heuristic] and logs the downgrade.
func (c *Classifier) Classify(ctx context.Context, narratorText string, cctx Context) (Classification, error) {
	user := fmt.Sprintf("Known players: %s\nPulses so far: %d\n\nNarrator message:\n%s",
		strings.Join(cctx.KnownPlayers, ", "), cctx.PulseCount, narratorText)

	var raw struct {
		ResponseType  string   `json:"responseType"`
		IsPulse       bool     `json:"isPulse"`
		IsEnding      bool     `json:"isEnding"`
		TargetPlayers []string `json:"targetPlayers"`
		Confidence    float64  `json:"confidence"`
		Rationale     string   `json:"rationale"`
	}

	_, err := c.caller.JSON(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: user}},
		Temperature:  classifyTemperature,
	}, &raw)
	if err != nil {
		if c.mode == ModePermissive {
			slog.Warn("classification degraded to heuristic", "error", err)
			return Heuristic(narratorText, cctx), nil
		}
		return Classification{}, &Error{Excerpt: excerpt(narratorText), Cause: err}
	}

	cls := Classification{
		ResponseType:  ResponseType(raw.ResponseType),
		IsPulse:       raw.IsPulse,
		IsEnding:      raw.IsEnding,
		TargetPlayers: raw.TargetPlayers,
		Confidence:    raw.Confidence,
		Rationale:     raw.Rationale,
	}
	return c.validate(cls, cctx, narratorText)
}

// validate normalises a model-produced classification against the session
// context, repairing recoverable inconsistencies and rejecting the rest.
func (c *Classifier) validate(cls Classification, cctx Context, narratorText string) (Classification, error) {
	if !cls.ResponseType.IsValid() {
		err := fmt.Errorf("unknown responseType %q", cls.ResponseType)
		if c.mode == ModePermissive {
			slog.Warn("invalid classification degraded to heuristic", "error", err)
			return Heuristic(narratorText, cctx), nil
		}
		return Classification{}, &Error{Excerpt: excerpt(narratorText), Cause: err}
	}

	// Drop target names the session does not know.
	if len(cls.TargetPlayers) > 0 {
		kept := cls.TargetPlayers[:0:0]
		for _, name := range cls.TargetPlayers {
			if slices.Contains(cctx.KnownPlayers, name) {
				kept = append(kept, name)
			} else {
				slog.Warn("classifier named unknown player, dropping", "player", name)
			}
		}
		cls.TargetPlayers = kept
	}

	switch cls.ResponseType {
	case ResponseDirected:
		if len(cls.TargetPlayers) == 0 {
			// A directed turn with no resolvable target behaves as a group turn.
			slog.Warn("directed classification without valid targets, widening to group")
			cls.ResponseType = ResponseGroup
		}
	case ResponsePrivate:
		if len(cls.TargetPlayers) == 0 {
			err := fmt.Errorf("private classification without a valid target")
			if c.mode == ModePermissive {
				return Heuristic(narratorText, cctx), nil
			}
			return Classification{}, &Error{Excerpt: excerpt(narratorText), Cause: err}
		}
		// A private disclosure has exactly one audience.
		cls.TargetPlayers = cls.TargetPlayers[:1]
	case ResponseGroup, ResponseDiscussion, ResponseNone:
		cls.TargetPlayers = nil
	}

	return cls, nil
}

// excerpt truncates text for error messages.
func excerpt(text string) string {
	const max = 60
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}
