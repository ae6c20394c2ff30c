package session

import (
	"context"
	"fmt"

	"github.com/storyloom/playtest/internal/generate"
	"github.com/storyloom/playtest/pkg/provider/llm"
	"github.com/storyloom/playtest/pkg/types"
)

// defaultNarratorTemperature keeps narration varied without losing
// coherence.
const defaultNarratorTemperature = 0.8

// narratorSystemPrompt shapes the simulated game master. The phrasing cues
// ("checkpoint recap", "[To <name> only]") are what the classifier and
// trackers key on downstream.
const narratorSystemPrompt = `You are the narrator of a multiplayer interactive-fiction session. You run the story for a party of players who answer in character.

Scenario:
%s

Run the session the way a good game master would:
- Narrate vividly but briefly, two to five sentences per turn.
- Advance the story materially every few turns; when you do, open with a short recap of where things stand (a "checkpoint" beat).
- Sometimes address a question to one or two players by name.
- Occasionally share a secret with a single player by starting your message with "[To <player name> only]". Pay such secrets off in later narration.
- If the players drift off the story, handle it in character: acknowledge, play along briefly, or steer them back.
- When the story reaches a natural conclusion, narrate the ending and close with "THE END."

Never speak for the players. Never break character as the narrator.`

// Narrator drives the simulated game master through the generation layer.
type Narrator struct {
	caller      *generate.Caller
	scenario    string
	temperature float64
	language    string
	maxTokens   int
}

// NarratorOption configures a [Narrator].
type NarratorOption func(*Narrator)

// WithTemperature overrides the narrator's sampling temperature.
func WithTemperature(t float64) NarratorOption {
	return func(n *Narrator) {
		if t > 0 {
			n.temperature = t
		}
	}
}

// WithLanguage makes the narrator write in the given language.
func WithLanguage(lang string) NarratorOption {
	return func(n *Narrator) { n.language = lang }
}

// WithMaxTokens caps narration length per turn.
func WithMaxTokens(n int) NarratorOption {
	return func(nr *Narrator) {
		if n > 0 {
			nr.maxTokens = n
		}
	}
}

// NewNarrator creates a Narrator for one scenario.
func NewNarrator(caller *generate.Caller, scenario string, opts ...NarratorOption) *Narrator {
	n := &Narrator{
		caller:      caller,
		scenario:    scenario,
		temperature: defaultNarratorTemperature,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *Narrator) systemPrompt() string {
	prompt := fmt.Sprintf(narratorSystemPrompt, n.scenario)
	if n.language != "" {
		prompt += "\nNarrate in " + n.language + "."
	}
	return prompt
}

// Open produces the session's opening narration. partyIntro is the
// spokesperson's character-creation summary introducing the cast.
func (n *Narrator) Open(ctx context.Context, partyIntro string) (*generate.Result, error) {
	req := llm.CompletionRequest{
		SystemPrompt: n.systemPrompt(),
		Messages: []llm.Message{{
			Role:    "user",
			Content: "The party introduces itself:\n" + partyIntro + "\n\nOpen the session.",
		}},
		Temperature: n.temperature,
		MaxTokens:   n.maxTokens,
	}
	res, err := n.caller.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("narrator: open: %w", err)
	}
	return res, nil
}

// Respond produces the next narration given the narrator's view of the
// session so far (public messages plus private exchanges the narrator was
// party to).
func (n *Narrator) Respond(ctx context.Context, view types.Transcript) (*generate.Result, error) {
	req := llm.CompletionRequest{
		SystemPrompt: n.systemPrompt(),
		Messages:     narratorHistory(view),
		Temperature:  n.temperature,
		MaxTokens:    n.maxTokens,
	}
	res, err := n.caller.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("narrator: respond: %w", err)
	}
	return res, nil
}

// narratorHistory renders the narrator's view as a chat history: own
// messages as assistant turns, everything from the players as user turns
// attributed by name.
func narratorHistory(view types.Transcript) []llm.Message {
	out := make([]llm.Message, 0, len(view))
	for _, m := range view {
		if m.Role == types.RoleNarrator {
			out = append(out, llm.Message{Role: "assistant", Content: m.Content})
			continue
		}
		content := m.Content
		if m.Tag == "private" {
			content = fmt.Sprintf("(privately) %s", content)
		}
		out = append(out, llm.Message{Role: "user", Name: m.Author, Content: content})
	}
	return out
}
