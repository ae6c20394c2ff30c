package tracker

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// PrivateMoment records one individually-targeted disclosure and whether
// later narration pays it off.
type PrivateMoment struct {
	// Turn is the turn the disclosure happened on.
	Turn int `json:"turn"`

	// Target is the display name of the single player who saw it.
	Target string `json:"target"`

	// Content is the narrator text that constituted the disclosure.
	Content string `json:"content"`

	// Reply is the target's private response.
	Reply string `json:"reply"`

	// PayoffDetected is true once later narration references or resolves the
	// disclosure. It latches: once set it is never unset.
	PayoffDetected bool `json:"payoffDetected"`

	// PayoffTurn is the turn the payoff was detected on. Always ≥ Turn.
	PayoffTurn int `json:"payoffTurn,omitempty"`
}

// PayoffJudge decides whether narration references or resolves an earlier
// private disclosure. The production judge delegates to the Generation
// Service; tests supply a fixed function. A judge error makes CheckPayoff
// fall back to the deterministic lexical check rather than failing the turn.
type PayoffJudge func(ctx context.Context, disclosure, narration string) (bool, error)

// PrivateLog is the per-session disclosure bookkeeper. Safe for concurrent
// use.
type PrivateLog struct {
	judge PayoffJudge

	mu      sync.Mutex
	moments []*PrivateMoment
}

// NewPrivateLog creates an empty log. judge may be nil, in which case only
// the lexical fallback runs.
func NewPrivateLog(judge PayoffJudge) *PrivateLog {
	return &PrivateLog{judge: judge}
}

// RestorePrivateLog rebuilds a log from checkpointed moments.
func RestorePrivateLog(moments []PrivateMoment, judge PayoffJudge) *PrivateLog {
	l := &PrivateLog{judge: judge}
	for i := range moments {
		m := moments[i]
		l.moments = append(l.moments, &m)
	}
	return l
}

// Add opens a new unresolved moment.
func (l *PrivateLog) Add(m PrivateMoment) *PrivateMoment {
	stored := m
	l.mu.Lock()
	l.moments = append(l.moments, &stored)
	l.mu.Unlock()
	return &stored
}

// CheckPayoff scans ALL unresolved moments against the turn's narration —
// not just the most recent, because payoff can arrive many turns after the
// disclosure and payoffs are not necessarily in creation order. Returns the
// moments resolved by this call.
func (l *PrivateLog) CheckPayoff(ctx context.Context, turn int, narrativeText string) []*PrivateMoment {
	l.mu.Lock()
	unresolved := make([]*PrivateMoment, 0, len(l.moments))
	for _, m := range l.moments {
		if !m.PayoffDetected && m.Turn < turn {
			unresolved = append(unresolved, m)
		}
	}
	l.mu.Unlock()

	var resolved []*PrivateMoment
	for _, m := range unresolved {
		if !l.isPayoff(ctx, m.Content, narrativeText) {
			continue
		}
		l.mu.Lock()
		if !m.PayoffDetected { // latch exactly once
			m.PayoffDetected = true
			m.PayoffTurn = turn
			resolved = append(resolved, m)
		}
		l.mu.Unlock()
	}
	return resolved
}

// isPayoff runs the semantic judge when available, degrading to the lexical
// check on error or absence.
func (l *PrivateLog) isPayoff(ctx context.Context, disclosure, narration string) bool {
	if l.judge != nil {
		hit, err := l.judge(ctx, disclosure, narration)
		if err == nil {
			return hit
		}
		slog.Warn("payoff judge unavailable, falling back to lexical overlap", "error", err)
	}
	return LexicalPayoff(disclosure, narration)
}

// UnresolvedCount returns the number of moments still awaiting payoff.
func (l *PrivateLog) UnresolvedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, m := range l.moments {
		if !m.PayoffDetected {
			n++
		}
	}
	return n
}

// Moments returns value copies of all recorded moments, in creation order.
func (l *PrivateLog) Moments() []PrivateMoment {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]PrivateMoment, len(l.moments))
	for i, m := range l.moments {
		out[i] = *m
	}
	return out
}

// Lexical fallback thresholds.
const (
	// lexicalMinToken is the minimum rune count for a token to be
	// significant.
	lexicalMinToken = 4

	// lexicalMinHits is the minimum distinct significant-token overlap for a
	// payoff match.
	lexicalMinHits = 2

	// jaroWinklerThreshold accepts near-matches (inflections, misspelled
	// names) between significant tokens.
	jaroWinklerThreshold = 0.93
)

// stopwords excluded from overlap counting.
var stopwords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true, "have": true,
	"your": true, "you": true, "will": true, "into": true, "only": true,
	"what": true, "when": true, "then": true, "them": true, "they": true,
	"there": true, "were": true, "been": true, "their": true, "about": true,
	"would": true, "could": true, "should": true, "while": true, "where": true,
	"which": true, "before": true, "after": true, "narrator": true,
}

// LexicalPayoff is the deterministic payoff fallback: it reports a match
// when the narration shares enough significant tokens with the disclosure,
// accepting fuzzy token matches so inflected forms and name variants count.
func LexicalPayoff(disclosure, narration string) bool {
	dTokens := significantTokens(disclosure)
	nTokens := significantTokens(narration)
	if len(dTokens) == 0 || len(nTokens) == 0 {
		return false
	}

	hits := 0
	for dt := range dTokens {
		for nt := range nTokens {
			if dt == nt || matchr.JaroWinkler(dt, nt, true) >= jaroWinklerThreshold {
				hits++
				break
			}
		}
	}
	if hits >= lexicalMinHits {
		return true
	}
	// Short disclosures get a proportional rule: half their tokens matching
	// is enough even when that is a single token.
	return len(dTokens) > 0 && hits*2 >= len(dTokens) && hits > 0
}

// significantTokens lowercases, strips punctuation, and drops short tokens
// and stopwords.
func significantTokens(text string) map[string]bool {
	out := make(map[string]bool)
	for _, raw := range strings.Fields(strings.ToLower(text)) {
		tok := strings.Trim(raw, ".,;:!?\"'()[]—–-…*")
		if len([]rune(tok)) < lexicalMinToken || stopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}
