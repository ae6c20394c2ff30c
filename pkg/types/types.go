// Package types defines the shared types used across all playtest packages.
//
// These types form the lingua franca between the Generation Service providers,
// the classifier, the response router, and the session runner. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Role identifies who authored a transcript message.
type Role string

const (
	// RoleNarrator marks a message generated by the simulated narrator.
	RoleNarrator Role = "narrator"

	// RolePlayer marks a message generated by an individual player agent.
	RolePlayer Role = "player"

	// RoleSpokesperson marks a synthesized message that the narrator actually
	// "hears" when a turn resolves as a group response or a discussion.
	RoleSpokesperson Role = "spokesperson"
)

// IsValid reports whether r is a recognised transcript role.
func (r Role) IsValid() bool {
	switch r {
	case RoleNarrator, RolePlayer, RoleSpokesperson:
		return true
	}
	return false
}

// Message is one utterance in the session transcript.
//
// Messages are immutable once appended: the transcript is an ordered,
// append-only sequence that is never reordered and never mutated in place.
// The session runner owns the transcript for the duration of a session and
// persists it verbatim into checkpoints.
type Message struct {
	// Role identifies the author kind.
	Role Role `json:"role"`

	// Author is the player display name when Role is player or spokesperson.
	// Empty for narrator messages.
	Author string `json:"author,omitempty"`

	// Content is the utterance text.
	Content string `json:"content"`

	// Turn is the turn number this message belongs to. Turn 0 is reserved for
	// pre-session chatter such as the character-creation discussion.
	Turn int `json:"turn"`

	// Timestamp is when the message was appended to the transcript.
	Timestamp time.Time `json:"timestamp"`

	// Tag is the optional classification tag attached to narrator messages
	// (e.g. "group", "private"). Empty for player messages.
	Tag string `json:"tag,omitempty"`

	// Reasoning is an optional reasoning trace captured from the generating
	// model. Preserved for post-session diagnosis, never shown to other agents.
	Reasoning string `json:"reasoning,omitempty"`
}

// Transcript is an ordered, append-only message sequence.
type Transcript []Message

// Clone returns a deep-enough copy of the transcript. Message values contain
// no reference types, so a slice copy suffices.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// ForTurn returns the messages belonging to the given turn, in order.
func (t Transcript) ForTurn(turn int) []Message {
	var out []Message
	for _, m := range t {
		if m.Turn == turn {
			out = append(out, m)
		}
	}
	return out
}

// LastNarrator returns the most recent narrator message and true, or the zero
// Message and false when the transcript holds none.
func (t Transcript) LastNarrator() (Message, bool) {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == RoleNarrator {
			return t[i], true
		}
	}
	return Message{}, false
}
