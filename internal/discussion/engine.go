// Package discussion implements the bounded multi-round consensus protocol
// used when a turn requires the simulated group to jointly decide something
// before a single reply is sent back — most prominently the character
// creation round at session start.
//
// The protocol always terminates with full settlement: the round loop exits
// as soon as every agent is settled, and when the round budget runs out any
// remaining unsettled agents are force-assigned a default choice.
package discussion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/storyloom/playtest/internal/agent"
	"github.com/storyloom/playtest/pkg/provider/llm"
)

// DefaultMaxRounds bounds the round loop when no override is configured.
const DefaultMaxRounds = 5

// proposalTemperature keeps character proposals creative.
const proposalTemperature = 0.9

// State is an agent's position in the consensus protocol.
type State string

const (
	// StateSettled: the agent has committed to a structured choice.
	StateSettled State = "settled"

	// StateDiscussing: the agent is still iterating on its choice.
	StateDiscussing State = "discussing"

	// StateNeedsInput: the agent wants to see other choices before deciding.
	StateNeedsInput State = "needs-input"
)

// IsValid reports whether s is a recognised state.
func (s State) IsValid() bool {
	switch s {
	case StateSettled, StateDiscussing, StateNeedsInput:
		return true
	}
	return false
}

// Entry is one contribution to the discussion transcript.
type Entry struct {
	// Round is 1-based.
	Round int `json:"round"`

	// Player is the contributing player's display name.
	Player string `json:"player"`

	// Text is the proposal or comment.
	Text string `json:"text"`

	// State is the decision tag the player attached.
	State State `json:"state"`
}

// Result is the outcome of a completed discussion.
type Result struct {
	// Entries is the full discussion transcript, in speaking order.
	Entries []Entry

	// Choices maps player display names to their settled identities.
	// Every roster member has an entry — settlement is total.
	Choices map[string]agent.CharacterIdentity

	// Summary is the spokesperson's single synthesized message introducing
	// the outcome to the narrator.
	Summary string

	// Rounds is how many rounds actually ran.
	Rounds int

	// Forced lists players whose choice was force-assigned when the round
	// budget ran out.
	Forced []string
}

// Engine runs discussions. Safe for concurrent use.
type Engine struct {
	maxRounds int
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMaxRounds overrides the round budget. Values below one fall back to
// [DefaultMaxRounds].
func WithMaxRounds(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxRounds = n
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{maxRounds: DefaultMaxRounds}
	for _, o := range opts {
		o(e)
	}
	return e
}

// proposal is the JSON contract each agent answers with.
type proposal struct {
	Comment   string `json:"comment"`
	State     string `json:"state"`
	Character *struct {
		Name          string            `json:"name"`
		Role          string            `json:"role"`
		Backstory     string            `json:"backstory"`
		Inventory     []string          `json:"inventory"`
		Relationships map[string]string `json:"relationships"`
	} `json:"character"`
}

// Run drives the protocol over the roster for the given topic and applies
// the settled identities to the players. Generation failures propagate; the
// round budget, not errors, handles consensus that fails to converge.
func (e *Engine) Run(ctx context.Context, roster *agent.Roster, topic string) (*Result, error) {
	res := &Result{
		Choices: make(map[string]agent.CharacterIdentity, roster.Len()),
	}
	states := make(map[string]State, roster.Len())
	for _, name := range roster.Names() {
		states[name] = StateDiscussing
	}

	for round := 1; round <= e.maxRounds; round++ {
		res.Rounds = round

		for _, p := range roster.Players() {
			if states[p.Name()] == StateSettled {
				// Settled agents keep their commitment; the protocol does
				// not re-prompt them.
				continue
			}

			prop, err := e.ask(ctx, p, topic, round, roster.Names(), res)
			if err != nil {
				return nil, fmt.Errorf("discussion: round %d, player %s: %w", round, p.Name(), err)
			}

			entryState := State(prop.State)
			if !entryState.IsValid() {
				entryState = StateDiscussing
			}

			res.Entries = append(res.Entries, Entry{
				Round:  round,
				Player: p.Name(),
				Text:   prop.Comment,
				State:  entryState,
			})

			if entryState == StateSettled {
				id, ok := identityFrom(prop, p)
				if !ok {
					// A settlement without a usable character is treated as
					// still discussing; the agent gets another round.
					slog.Warn("settled proposal missing character, keeping agent in discussion",
						"player", p.Name(), "round", round)
					states[p.Name()] = StateDiscussing
					continue
				}
				states[p.Name()] = StateSettled
				res.Choices[p.Name()] = id
			} else {
				states[p.Name()] = entryState
			}
		}

		if allSettled(states) {
			break
		}
	}

	// Force-settle the stragglers so the protocol always terminates with
	// full settlement.
	for _, p := range roster.Players() {
		if states[p.Name()] == StateSettled {
			continue
		}
		id := defaultIdentity(p)
		res.Choices[p.Name()] = id
		res.Forced = append(res.Forced, p.Name())
		slog.Warn("round budget exhausted, force-assigning default character",
			"player", p.Name())
	}

	summary, err := e.synthesize(ctx, roster, topic, res)
	if err != nil {
		return nil, fmt.Errorf("discussion: synthesize: %w", err)
	}
	res.Summary = summary

	// Durably apply the settled identities for the rest of the session.
	for _, p := range roster.Players() {
		p.SetIdentity(res.Choices[p.Name()])
	}

	return res, nil
}

// ask prompts one unsettled agent with the discussion so far and the settled
// choices, expecting one proposal/comment plus a decision tag.
func (e *Engine) ask(ctx context.Context, p *agent.Player, topic string, round int, order []string, res *Result) (*proposal, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "The group is deciding: %s\nRound %d of %d.\n", topic, round, e.maxRounds)

	// Settled choices are listed in roster order so repeated runs against the
	// same script produce byte-identical prompts.
	if len(res.Choices) > 0 {
		b.WriteString("\nAlready settled:\n")
		for _, name := range order {
			id, ok := res.Choices[name]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "- %s plays %s (%s): %s\n", name, id.Name, id.Role, id.Backstory)
		}
	}
	if len(res.Entries) > 0 {
		b.WriteString("\nDiscussion so far:\n")
		for _, entry := range res.Entries {
			fmt.Fprintf(&b, "[round %d] %s (%s): %s\n", entry.Round, entry.Player, entry.State, entry.Text)
		}
	}

	b.WriteString(`
Make exactly one contribution. Respond with ONLY a JSON object:
{
  "comment": "<what you say to the group>",
  "state": "<settled|discussing|needs-input>",
  "character": {"name": "...", "role": "...", "backstory": "...", "inventory": ["..."], "relationships": {"<player>": "<relation>"}}
}
Include "character" only when your state is "settled". Relate your character to choices that are already settled where it makes sense.`)

	var prop proposal
	if _, err := p.JSON(ctx, llm.CompletionRequest{
		SystemPrompt: p.SystemPrompt("You are creating a character with the group before the story starts."),
		Messages:     []llm.Message{{Role: "user", Content: b.String()}},
		Temperature:  proposalTemperature,
	}, &prop); err != nil {
		return nil, err
	}
	return &prop, nil
}

// synthesize produces the single outgoing message the narrator receives,
// spoken by the spokesperson (e.g. introducing the whole cast).
func (e *Engine) synthesize(ctx context.Context, roster *agent.Roster, topic string, res *Result) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "The group has finished deciding: %s\n\nFinal choices:\n", topic)
	for _, name := range roster.Names() {
		id := res.Choices[name]
		fmt.Fprintf(&b, "- %s plays %s, %s. %s\n", name, id.Name, id.Role, id.Backstory)
	}
	b.WriteString("\nAnnounce the outcome to the narrator in one message, speaking for the whole party.")

	sp := roster.Spokesperson()
	out, err := sp.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: sp.SystemPrompt("You are the party's spokesperson. The narrator only hears what you say."),
		Messages:     []llm.Message{{Role: "user", Content: b.String()}},
		Temperature:  proposalTemperature,
	})
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

// identityFrom converts a settled proposal's character block.
func identityFrom(prop *proposal, p *agent.Player) (agent.CharacterIdentity, bool) {
	c := prop.Character
	if c == nil || c.Name == "" {
		return agent.CharacterIdentity{}, false
	}
	return agent.CharacterIdentity{
		Name:          c.Name,
		Role:          c.Role,
		Backstory:     c.Backstory,
		Inventory:     c.Inventory,
		Relationships: c.Relationships,
	}, true
}

// defaultIdentity is the force-assigned fallback choice.
func defaultIdentity(p *agent.Player) agent.CharacterIdentity {
	return agent.CharacterIdentity{
		Name:      p.Name(),
		Role:      "adventurer",
		Backstory: fmt.Sprintf("%s joined the party at the last moment and is still figuring out what they want.", p.Name()),
	}
}

// allSettled reports whether every tracked agent is settled.
func allSettled(states map[string]State) bool {
	for _, s := range states {
		if s != StateSettled {
			return false
		}
	}
	return true
}
