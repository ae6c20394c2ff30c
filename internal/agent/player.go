// Package agent implements the simulated player participants of a playtest
// session: their archetype personas, the roster with its designated
// spokesperson, and the prompt composition for each kind of reply a player
// can produce.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/storyloom/playtest/internal/generate"
	"github.com/storyloom/playtest/pkg/provider/llm"
	"github.com/storyloom/playtest/pkg/types"
)

// replyTemperature keeps player replies varied without losing coherence.
const replyTemperature = 0.9

// historyWindow bounds how many trailing transcript messages are included in
// a player prompt. Older context is carried implicitly by the narration.
const historyWindow = 30

// CharacterIdentity is the in-fiction identity a player establishes during
// the character-creation discussion.
type CharacterIdentity struct {
	// Name is the character's in-fiction name.
	Name string `json:"name"`

	// Role is the character's function in the party (e.g. "navigator").
	Role string `json:"role"`

	// Backstory is a short free-text history.
	Backstory string `json:"backstory"`

	// Inventory lists notable items the character carries.
	Inventory []string `json:"inventory,omitempty"`

	// Relationships maps other players' display names to a one-line relation
	// ("rivals since the academy").
	Relationships map[string]string `json:"relationships,omitempty"`
}

// State is the serialisable snapshot of a player, persisted in checkpoints.
type State struct {
	Archetype      string             `json:"archetype"`
	Name           string             `json:"name"`
	Model          string             `json:"model"`
	FallbackModels []string           `json:"fallbackModels,omitempty"`
	Persona        string             `json:"persona"`
	Identity       *CharacterIdentity `json:"identity,omitempty"`
}

// Player is one simulated participant. All methods are safe for concurrent
// use; the identity is written once (during character creation or checkpoint
// restore) and read on every prompt afterwards.
type Player struct {
	archetype string
	name      string
	model     string
	fallbacks []string
	persona   string
	caller    *generate.Caller

	mu       sync.RWMutex
	identity *CharacterIdentity
}

// NewPlayer creates a player from an archetype, a display name, and the
// generate-with-fallback caller bound to its model list.
func NewPlayer(archetype Archetype, name string, caller *generate.Caller) (*Player, error) {
	if name == "" {
		return nil, errors.New("agent: player name must not be empty")
	}
	if caller == nil {
		return nil, errors.New("agent: caller must not be nil")
	}

	models := caller.Models()
	p := &Player{
		archetype: archetype.ID,
		name:      name,
		model:     models[0],
		persona:   archetype.Persona,
		caller:    caller,
	}
	if len(models) > 1 {
		p.fallbacks = models[1:]
	}
	return p, nil
}

// Restore creates a player from a checkpointed State. The caller must be
// built from the same model list recorded in the state (or the overridden
// list when resuming with overrides).
func Restore(st State, caller *generate.Caller) (*Player, error) {
	if st.Name == "" {
		return nil, errors.New("agent: state name must not be empty")
	}
	if caller == nil {
		return nil, errors.New("agent: caller must not be nil")
	}
	models := caller.Models()
	p := &Player{
		archetype: st.Archetype,
		name:      st.Name,
		model:     models[0],
		persona:   st.Persona,
		caller:    caller,
		identity:  st.Identity,
	}
	if len(models) > 1 {
		p.fallbacks = models[1:]
	}
	return p, nil
}

// Name returns the player's display name.
func (p *Player) Name() string { return p.name }

// ArchetypeID returns the player's archetype identifier.
func (p *Player) ArchetypeID() string { return p.archetype }

// Model returns the player's primary model identifier.
func (p *Player) Model() string { return p.model }

// Identity returns the established in-fiction identity, or nil before
// character creation.
func (p *Player) Identity() *CharacterIdentity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identity
}

// SetIdentity durably assigns the in-fiction identity settled during the
// discussion phase. It is applied for the remainder of the session.
func (p *Player) SetIdentity(id CharacterIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = &id
}

// Snapshot returns the serialisable state of the player.
func (p *Player) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := State{
		Archetype:      p.archetype,
		Name:           p.name,
		Model:          p.model,
		FallbackModels: append([]string(nil), p.fallbacks...),
		Persona:        p.persona,
	}
	if p.identity != nil {
		id := *p.identity
		st.Identity = &id
	}
	return st
}

// React produces the player's public reaction to the narrator's latest turn.
func (p *Player) React(ctx context.Context, transcript types.Transcript, narratorText string) (*generate.Result, error) {
	req := llm.CompletionRequest{
		SystemPrompt: p.systemPrompt("React in character to the narrator's latest message. One to three sentences."),
		Messages:     p.history(transcript, narratorText),
		Temperature:  replyTemperature,
	}
	res, err := p.caller.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: react: %w", p.name, err)
	}
	return res, nil
}

// ReplyPrivate produces the player's reply to a disclosure only they saw.
// The reply stays out of the synthesized public channel.
func (p *Player) ReplyPrivate(ctx context.Context, transcript types.Transcript, privateText string) (*generate.Result, error) {
	instruction := "The narrator has shared something with you alone; the other players did not see it. Reply in character, privately, to the narrator. One to three sentences."
	req := llm.CompletionRequest{
		SystemPrompt: p.systemPrompt(instruction),
		Messages:     p.history(transcript, "[Privately, to you only] "+privateText),
		Temperature:  replyTemperature,
	}
	res, err := p.caller.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: private reply: %w", p.name, err)
	}
	return res, nil
}

// Synthesize is the spokesperson operation: merge all players' reactions
// (including this player's own) into the single message the narrator hears.
func (p *Player) Synthesize(ctx context.Context, narratorText string, reactions []Reaction) (*generate.Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "The narrator said:\n%s\n\nThe party reacted:\n", narratorText)
	for _, r := range reactions {
		fmt.Fprintf(&b, "- %s: %s\n", r.Player, r.Text)
	}
	b.WriteString("\nSpeak for the whole party: weave these reactions into one coherent reply to the narrator. Keep every player's intent; do not invent actions nobody proposed.")

	req := llm.CompletionRequest{
		SystemPrompt: p.systemPrompt("You are the party's spokesperson. The narrator only hears what you say."),
		Messages:     []llm.Message{{Role: "user", Content: b.String()}},
		Temperature:  replyTemperature,
	}
	res, err := p.caller.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: synthesize: %w", p.name, err)
	}
	return res, nil
}

// Reaction pairs a player name with its generated reply text.
type Reaction struct {
	Player string
	Text   string
}

// Complete exposes the player's caller for structured calls issued on the
// player's behalf (discussion proposals, interviews).
func (p *Player) Complete(ctx context.Context, req llm.CompletionRequest) (*generate.Result, error) {
	return p.caller.Complete(ctx, req)
}

// JSON exposes the player's caller for structured JSON calls.
func (p *Player) JSON(ctx context.Context, req llm.CompletionRequest, out any) (*generate.Result, error) {
	return p.caller.JSON(ctx, req, out)
}

// SystemPrompt composes the player's full system instruction around an
// operation-specific directive. Exported for the discussion and interview
// code that issues calls through [Player.Complete].
func (p *Player) SystemPrompt(directive string) string {
	return p.systemPrompt(directive)
}

func (p *Player) systemPrompt(directive string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a player in a multiplayer interactive-fiction session run by a narrator.\n\n", p.name)
	b.WriteString(p.persona)
	b.WriteString("\n")

	p.mu.RLock()
	if id := p.identity; id != nil {
		fmt.Fprintf(&b, "\nYour character: %s, %s. %s\n", id.Name, id.Role, id.Backstory)
		if len(id.Inventory) > 0 {
			fmt.Fprintf(&b, "You carry: %s.\n", strings.Join(id.Inventory, ", "))
		}
		for other, rel := range id.Relationships {
			fmt.Fprintf(&b, "Relationship with %s: %s.\n", other, rel)
		}
	}
	p.mu.RUnlock()

	b.WriteString("\n")
	b.WriteString(directive)
	return b.String()
}

// history renders the trailing public transcript plus the new narrator text
// into model messages from this player's point of view: own messages are
// "assistant", everyone else's are "user" with the author name attached.
func (p *Player) history(transcript types.Transcript, narratorText string) []llm.Message {
	start := 0
	if len(transcript) > historyWindow {
		start = len(transcript) - historyWindow
	}

	var msgs []llm.Message
	for _, m := range transcript[start:] {
		switch {
		case m.Role == types.RoleNarrator:
			msgs = append(msgs, llm.Message{Role: "user", Content: m.Content, Name: "narrator"})
		case m.Author == p.name:
			msgs = append(msgs, llm.Message{Role: "assistant", Content: m.Content})
		default:
			msgs = append(msgs, llm.Message{Role: "user", Content: m.Content, Name: m.Author})
		}
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: narratorText, Name: "narrator"})
	return msgs
}
