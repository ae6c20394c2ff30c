package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/storyloom/playtest/internal/agent"
	"github.com/storyloom/playtest/pkg/provider/llm"
	"github.com/storyloom/playtest/pkg/types"
)

// PlayerFeedback is one player's structured answers to the post-session
// interview.
type PlayerFeedback struct {
	Player         string   `json:"player"`
	Archetype      string   `json:"archetype"`
	FunScore       int      `json:"funScore"` // 1..10
	FavoriteMoment string   `json:"favoriteMoment"`
	Confusion      string   `json:"confusion,omitempty"`
	Pacing         string   `json:"pacing"` // too-slow | good | too-fast
	PainPoints     []string `json:"painPoints,omitempty"`
}

// InterviewReport aggregates the whole roster's feedback. It is an
// enrichment of the session result, never load-bearing: a session completes
// identically whether or not the interview succeeds.
type InterviewReport struct {
	PerPlayer []PlayerFeedback `json:"perPlayer"`

	// AverageFun is the mean fun score over players who answered.
	AverageFun float64 `json:"averageFun"`

	// PacingConsensus is the majority pacing answer, or "split" when no
	// answer reaches a majority.
	PacingConsensus string `json:"pacingConsensus"`

	// SharedPainPoints are pain points raised by at least two players,
	// matched case-insensitively, in first-mention order.
	SharedPainPoints []string `json:"sharedPainPoints,omitempty"`
}

const interviewPrompt = `The session is over. Step out of character: you are now the playtester behind %s, giving honest feedback about the story you just played.

Transcript:
%s

Answer with ONLY a JSON object:
{
  "funScore": <integer 1-10>,
  "favoriteMoment": "<one sentence>",
  "confusion": "<anything that confused you, or empty>",
  "pacing": "<too-slow|good|too-fast>",
  "painPoints": ["<short phrase>", ...]
}`

// Interview runs the one-shot post-session interview over every player and
// aggregates the answers. A player whose interview call fails is skipped
// with a warning; the report covers whoever answered.
func Interview(ctx context.Context, roster *agent.Roster, transcript types.Transcript) *InterviewReport {
	rendered := renderTranscript(transcript)

	report := &InterviewReport{}
	for _, p := range roster.Players() {
		var answer struct {
			FunScore       int      `json:"funScore"`
			FavoriteMoment string   `json:"favoriteMoment"`
			Confusion      string   `json:"confusion"`
			Pacing         string   `json:"pacing"`
			PainPoints     []string `json:"painPoints"`
		}
		_, err := p.JSON(ctx, llm.CompletionRequest{
			SystemPrompt: p.SystemPrompt("The session has ended; you are being interviewed about the experience."),
			Messages: []llm.Message{{
				Role:    "user",
				Content: fmt.Sprintf(interviewPrompt, p.Name(), rendered),
			}},
			Temperature: 0.3,
		}, &answer)
		if err != nil {
			slog.Warn("interview failed for player, skipping", "player", p.Name(), "error", err)
			continue
		}

		fb := PlayerFeedback{
			Player:         p.Name(),
			Archetype:      p.ArchetypeID(),
			FunScore:       clampScore(answer.FunScore),
			FavoriteMoment: answer.FavoriteMoment,
			Confusion:      answer.Confusion,
			Pacing:         normalizePacing(answer.Pacing),
			PainPoints:     answer.PainPoints,
		}
		report.PerPlayer = append(report.PerPlayer, fb)
	}

	aggregate(report)
	return report
}

// aggregate fills the derived fields from PerPlayer.
func aggregate(r *InterviewReport) {
	if len(r.PerPlayer) == 0 {
		r.PacingConsensus = "unknown"
		return
	}

	sum := 0
	pacing := map[string]int{}
	for _, fb := range r.PerPlayer {
		sum += fb.FunScore
		pacing[fb.Pacing]++
	}
	r.AverageFun = float64(sum) / float64(len(r.PerPlayer))

	r.PacingConsensus = "split"
	for answer, n := range pacing {
		if n*2 > len(r.PerPlayer) {
			r.PacingConsensus = answer
			break
		}
	}

	r.SharedPainPoints = sharedPainPoints(r.PerPlayer)
}

// sharedPainPoints returns pain points raised by at least two distinct
// players, in order of first mention.
func sharedPainPoints(feedback []PlayerFeedback) []string {
	type tally struct {
		first   int
		display string
		players map[string]bool
	}
	counts := map[string]*tally{}
	order := 0

	for _, fb := range feedback {
		for _, point := range fb.PainPoints {
			key := strings.ToLower(strings.TrimSpace(point))
			if key == "" {
				continue
			}
			t, ok := counts[key]
			if !ok {
				t = &tally{first: order, display: strings.TrimSpace(point), players: map[string]bool{}}
				counts[key] = t
				order++
			}
			t.players[fb.Player] = true
		}
	}

	var shared []*tally
	for _, t := range counts {
		if len(t.players) >= 2 {
			shared = append(shared, t)
		}
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i].first < shared[j].first })

	out := make([]string, len(shared))
	for i, t := range shared {
		out[i] = t.display
	}
	return out
}

func clampScore(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

func normalizePacing(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "too-slow", "too slow":
		return "too-slow"
	case "too-fast", "too fast":
		return "too-fast"
	case "good", "fine", "ok", "okay":
		return "good"
	}
	return "good"
}

// renderTranscript flattens the public transcript for the interview prompt.
func renderTranscript(t types.Transcript) string {
	var b strings.Builder
	for _, m := range t {
		who := string(m.Role)
		if m.Author != "" {
			who = m.Author
		}
		fmt.Fprintf(&b, "[turn %d] %s: %s\n", m.Turn, who, m.Content)
	}
	return b.String()
}
