package classifier

import (
	"fmt"
	"regexp"
	"strings"
)

// privateMarker matches explicit single-audience salutations such as
// "[to Mira only]" or "(to Mira only)".
var privateMarker = regexp.MustCompile(`(?i)[\[(]\s*to\s+([\p{L}\-' ]+?)\s+only\s*[\])]`)

// recapPhrases mark narration that restates rather than advances the story.
var recapPhrases = []string{
	"previously",
	"to recap",
	"our story so far",
	"when we last left",
	"as you will recall",
}

// endingPhrases mark a concluding beat.
var endingPhrases = []string{
	"the end",
	"epilogue",
	"your adventure ends",
	"your story ends",
	"and so the tale closes",
	"thanks for playing",
}

// discussionPhrases ask the party to jointly establish or decide something.
var discussionPhrases = []string{
	"introduce yourselves",
	"introduce your characters",
	"decide together",
	"decide among yourselves",
	"discuss amongst",
	"as a group, choose",
}

// pulseMinLength is the minimum rune count for the length-based pulse
// fallback: substantial fresh narration tends to carry story movement.
const pulseMinLength = 280

// Heuristic is the deterministic fallback classifier used in permissive mode
// when the semantic path is unavailable. It keys on salutation markers, direct
// address by known player name, recap phrases, and a length threshold — the
// same signals a human skimming the transcript would use.
func Heuristic(narratorText string, cctx Context) Classification {
	lower := strings.ToLower(narratorText)

	cls := Classification{
		ResponseType: ResponseGroup,
		Confidence:   0.3,
		Rationale:    "heuristic fallback",
	}

	for _, p := range endingPhrases {
		if strings.Contains(lower, p) {
			cls.IsEnding = true
			cls.ResponseType = ResponseNone
			break
		}
	}

	recap := false
	for _, p := range recapPhrases {
		if strings.Contains(lower, p) {
			recap = true
			break
		}
	}
	cls.IsPulse = !recap && !cls.IsEnding && len([]rune(narratorText)) >= pulseMinLength

	if m := privateMarker.FindStringSubmatch(narratorText); m != nil {
		name := matchKnownPlayer(strings.TrimSpace(m[1]), cctx.KnownPlayers)
		if name != "" {
			cls.ResponseType = ResponsePrivate
			cls.TargetPlayers = []string{name}
			cls.Rationale = "heuristic: private salutation marker"
			return cls
		}
	}

	if !cls.IsEnding {
		for _, p := range discussionPhrases {
			if strings.Contains(lower, p) {
				cls.ResponseType = ResponseDiscussion
				cls.Rationale = "heuristic: group-decision phrasing"
				return cls
			}
		}
	}

	if targets := directedTargets(narratorText, cctx.KnownPlayers); len(targets) > 0 {
		cls.ResponseType = ResponseDirected
		cls.TargetPlayers = targets
		cls.Rationale = "heuristic: direct address by name"
		return cls
	}

	return cls
}

// directedTargets finds known player names used as a direct address — the
// name followed by a comma ("Mira, what do you do?") or a possessive question
// mark within the same sentence. Targets are returned in order of appearance.
func directedTargets(text string, known []string) []string {
	if !strings.Contains(text, "?") {
		return nil
	}

	type hit struct {
		pos  int
		name string
	}
	var hits []hit
	for _, name := range known {
		for _, pattern := range []string{name + ",", name + " —", name + ":"} {
			if pos := strings.Index(text, pattern); pos >= 0 {
				hits = append(hits, hit{pos: pos, name: name})
				break
			}
		}
	}
	if len(hits) == 0 {
		return nil
	}

	// Order by appearance in the text.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.name
	}
	return out
}

// matchKnownPlayer resolves a salutation capture to a known player name,
// tolerating case differences.
func matchKnownPlayer(captured string, known []string) string {
	for _, name := range known {
		if strings.EqualFold(name, captured) {
			return name
		}
	}
	return ""
}

// String implements fmt.Stringer for log readability.
func (c Classification) String() string {
	return fmt.Sprintf("%s pulse=%t ending=%t targets=%v conf=%.2f",
		c.ResponseType, c.IsPulse, c.IsEnding, c.TargetPlayers, c.Confidence)
}
