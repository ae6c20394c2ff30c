// Package tracker holds the two cross-turn narrative bookkeepers: the
// tangent log (player digressions and whether the story returns to its main
// thread) and the private-moment log (single-player disclosures and their
// later payoffs).
package tracker

import (
	"strings"
	"sync"

	"github.com/storyloom/playtest/pkg/types"
)

// Handling classifies how the narrator dealt with a digression, read from
// the narrator's phrasing.
type Handling string

const (
	// HandlingAcknowledged: the narrator noted the digression briefly.
	HandlingAcknowledged Handling = "acknowledged"

	// HandlingRedirected: the narrator steered the group back to the story.
	HandlingRedirected Handling = "redirected"

	// HandlingIgnored: the narrator did not reference the digression at all.
	HandlingIgnored Handling = "ignored"

	// HandlingEngaged: the narrator played along, extending the digression.
	HandlingEngaged Handling = "engaged"
)

// TangentMoment records one player-initiated digression.
//
// A moment is created Pending the turn the digression is detected and stays
// pending until the next pulse turn resolves it or the session ends. A moment
// is resolved at most once and never re-opened.
type TangentMoment struct {
	// Turn is the turn number the digression occurred on.
	Turn int `json:"turn"`

	// TriggerMessages are the player messages that started the digression.
	TriggerMessages []types.Message `json:"triggerMessages"`

	// NarratorResponse is the narration that followed the digression.
	NarratorResponse string `json:"narratorResponse"`

	// Handling is how the narrator dealt with it.
	Handling Handling `json:"handling"`

	// Pending is true until the moment is resolved by a pulse or finalized
	// at session end.
	Pending bool `json:"pending"`

	// ReturnedToStory is true when a later pulse turn brought the story back.
	ReturnedToStory bool `json:"returnedToStory"`

	// TurnsUntilReturn is currentTurn − Turn at resolution. Zero when the
	// session ended with the moment unresolved.
	TurnsUntilReturn int `json:"turnsUntilReturn,omitempty"`
}

// redirectPhrases signal the narrator pulling the group back on track.
var redirectPhrases = []string{
	"back to",
	"returning to",
	"let's return",
	"as i was saying",
	"meanwhile",
	"in any case",
	"anyway",
}

// engagePhrases signal the narrator extending the digression.
var engagePhrases = []string{
	"tell me more",
	"go on",
	"oh?",
	"how so",
	"what do you mean",
}

// ackPhrases signal a bare acknowledgment before moving on.
var ackPhrases = []string{
	"noted",
	"fair enough",
	"indeed",
	"ha!",
	"heh",
	"amusing",
}

// digressionPhrases mark player chatter drifting away from the story:
// out-of-fiction asides, table talk, meta questions about the game itself.
var digressionPhrases = []string{
	"by the way",
	"off topic",
	"off-topic",
	"unrelated, but",
	"random question",
	"real quick",
	"speaking of which",
	"this reminds me of",
	"wait, do we",
	"quick rules question",
	"out of character",
	"anyone else hungry",
}

// DetectDigression scans a turn's player messages for off-story chatter.
// It returns the triggering messages and true when the turn reads as a
// digression. Detection is deliberately lexical: it keys on the explicit
// aside markers players use when they drift, not on topic modelling.
func DetectDigression(messages []types.Message) ([]types.Message, bool) {
	var trigger []types.Message
	for _, m := range messages {
		lower := strings.ToLower(m.Content)
		for _, p := range digressionPhrases {
			if strings.Contains(lower, p) {
				trigger = append(trigger, m)
				break
			}
		}
	}
	return trigger, len(trigger) > 0
}

// ClassifyHandling reads the narrator's phrasing and classifies the response
// to a digression. Redirect language wins over engagement, engagement over
// bare acknowledgment; narration referencing none of them is "ignored".
func ClassifyHandling(narratorResponse string) Handling {
	lower := strings.ToLower(narratorResponse)

	for _, p := range redirectPhrases {
		if strings.Contains(lower, p) {
			return HandlingRedirected
		}
	}
	for _, p := range engagePhrases {
		if strings.Contains(lower, p) {
			return HandlingEngaged
		}
	}
	for _, p := range ackPhrases {
		if strings.Contains(lower, p) {
			return HandlingAcknowledged
		}
	}
	return HandlingIgnored
}

// TangentLog is the per-session digression bookkeeper. Safe for concurrent
// use, though the session runner drives it from a single goroutine.
type TangentLog struct {
	mu      sync.Mutex
	moments []*TangentMoment
}

// NewTangentLog creates an empty log.
func NewTangentLog() *TangentLog {
	return &TangentLog{}
}

// RestoreTangentLog rebuilds a log from checkpointed moments.
func RestoreTangentLog(moments []TangentMoment) *TangentLog {
	l := &TangentLog{}
	for i := range moments {
		m := moments[i]
		l.moments = append(l.moments, &m)
	}
	return l
}

// Open records a new pending digression detected on the given turn, with the
// handling classified from the narrator's response.
func (l *TangentLog) Open(turn int, trigger []types.Message, narratorResponse string) *TangentMoment {
	m := &TangentMoment{
		Turn:             turn,
		TriggerMessages:  append([]types.Message(nil), trigger...),
		NarratorResponse: narratorResponse,
		Handling:         ClassifyHandling(narratorResponse),
		Pending:          true,
	}

	l.mu.Lock()
	l.moments = append(l.moments, m)
	l.mu.Unlock()
	return m
}

// ResolvePending resolves every currently pending moment against a pulse on
// currentTurn: each gets ReturnedToStory = true and TurnsUntilReturn =
// currentTurn − moment.Turn. Returns the moments resolved by this call.
// Calling it again with no pending moments is a no-op.
func (l *TangentLog) ResolvePending(currentTurn int) []*TangentMoment {
	l.mu.Lock()
	defer l.mu.Unlock()

	var resolved []*TangentMoment
	for _, m := range l.moments {
		if !m.Pending {
			continue
		}
		m.Pending = false
		m.ReturnedToStory = true
		m.TurnsUntilReturn = currentTurn - m.Turn
		resolved = append(resolved, m)
	}
	return resolved
}

// FinalizeUnresolved marks all still-pending moments as unresolved at
// session end (ReturnedToStory stays false). Returns the finalized moments.
func (l *TangentLog) FinalizeUnresolved() []*TangentMoment {
	l.mu.Lock()
	defer l.mu.Unlock()

	var finalized []*TangentMoment
	for _, m := range l.moments {
		if !m.Pending {
			continue
		}
		m.Pending = false
		finalized = append(finalized, m)
	}
	return finalized
}

// PendingCount returns the number of unresolved moments.
func (l *TangentLog) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, m := range l.moments {
		if m.Pending {
			n++
		}
	}
	return n
}

// Moments returns value copies of all recorded moments, in creation order.
func (l *TangentLog) Moments() []TangentMoment {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]TangentMoment, len(l.moments))
	for i, m := range l.moments {
		out[i] = *m
	}
	return out
}
