// Package ledger accumulates token usage per role lane and model, and
// converts accumulated tokens to a currency breakdown at report time.
//
// The ledger has three independent accumulators — narrator, players, and
// classification/auxiliary — mutated only by recording calls. It is never
// read mid-accumulation for control-flow decisions; Breakdown is a report
// operation that leaves the accumulators untouched.
package ledger

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/storyloom/playtest/pkg/provider/llm"
)

// Lane identifies which accumulator a recording targets.
type Lane string

const (
	// LaneNarrator accumulates narrator generation usage.
	LaneNarrator Lane = "narrator"

	// LanePlayers accumulates all player-agent usage, spokesperson included.
	LanePlayers Lane = "players"

	// LaneAuxiliary accumulates classification, payoff judgment, and other
	// harness-internal usage.
	LaneAuxiliary Lane = "auxiliary"
)

// Totals holds input/output/total token counts for one accumulator.
type Totals struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

func (t *Totals) add(u llm.Usage) {
	t.Input += u.PromptTokens
	t.Output += u.CompletionTokens
	if u.TotalTokens > 0 {
		t.Total += u.TotalTokens
	} else {
		t.Total += u.PromptTokens + u.CompletionTokens
	}
}

// ModelCost is the per-model entry of a [Breakdown].
type ModelCost struct {
	Model  string  `json:"model"`
	Tokens Totals  `json:"tokens"`
	USD    float64 `json:"usd"`
}

// Breakdown is the report produced at session end.
type Breakdown struct {
	Narrator  Totals      `json:"narrator"`
	Players   Totals      `json:"players"`
	Auxiliary Totals      `json:"auxiliary"`
	PerModel  []ModelCost `json:"perModel"`
	TotalUSD  float64     `json:"totalUSD"`
}

// Ledger is a per-session cost accumulator. Safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	narrator  Totals
	players   Totals
	auxiliary Totals
	perModel  map[string]Totals
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{perModel: make(map[string]Totals)}
}

// Record adds usage for model under the given lane. Zero usage is recorded
// as-is; callers that want an estimate should compute one with
// [EstimateUsage] before recording.
func (l *Ledger) Record(lane Lane, model string, usage llm.Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch lane {
	case LaneNarrator:
		l.narrator.add(usage)
	case LanePlayers:
		l.players.add(usage)
	case LaneAuxiliary:
		l.auxiliary.add(usage)
	}

	t := l.perModel[model]
	t.add(usage)
	l.perModel[model] = t
}

// RecordNarrator adds narrator-lane usage.
func (l *Ledger) RecordNarrator(model string, usage llm.Usage) {
	l.Record(LaneNarrator, model, usage)
}

// RecordPlayer adds players-lane usage.
func (l *Ledger) RecordPlayer(model string, usage llm.Usage) {
	l.Record(LanePlayers, model, usage)
}

// RecordAux adds auxiliary-lane usage.
func (l *Ledger) RecordAux(model string, usage llm.Usage) {
	l.Record(LaneAuxiliary, model, usage)
}

// Breakdown computes the cost report from the current accumulators.
func (l *Ledger) Breakdown() Breakdown {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := Breakdown{
		Narrator:  l.narrator,
		Players:   l.players,
		Auxiliary: l.auxiliary,
	}
	for model, tokens := range l.perModel {
		price := priceFor(model)
		usd := float64(tokens.Input)*price.inputPerMTok/1e6 +
			float64(tokens.Output)*price.outputPerMTok/1e6
		b.PerModel = append(b.PerModel, ModelCost{Model: model, Tokens: tokens, USD: usd})
		b.TotalUSD += usd
	}
	sort.Slice(b.PerModel, func(i, j int) bool {
		return b.PerModel[i].Model < b.PerModel[j].Model
	})
	return b
}

// CostOf prices one call's usage against the static price table, without
// touching any accumulator. Unknown models get the default price.
func CostOf(model string, usage llm.Usage) float64 {
	p := priceFor(model)
	return float64(usage.PromptTokens)*p.inputPerMTok/1e6 +
		float64(usage.CompletionTokens)*p.outputPerMTok/1e6
}

// price is USD per million tokens.
type price struct {
	inputPerMTok  float64
	outputPerMTok float64
}

// priceTable maps model-name prefixes to prices. Longest prefix wins.
// Unknown models fall back to defaultPrice so reports stay monotone rather
// than silently under-counting.
var priceTable = map[string]price{
	"gpt-4o-mini":        {0.15, 0.60},
	"gpt-4o":             {2.50, 10.00},
	"gpt-4-turbo":        {10.00, 30.00},
	"gpt-4":              {30.00, 60.00},
	"gpt-3.5-turbo":      {0.50, 1.50},
	"o1-mini":            {1.10, 4.40},
	"o1":                 {15.00, 60.00},
	"o3-mini":            {1.10, 4.40},
	"claude-3-5-sonnet":  {3.00, 15.00},
	"claude-3-5-haiku":   {0.80, 4.00},
	"claude-3-opus":      {15.00, 75.00},
	"claude-3-haiku":     {0.25, 1.25},
	"gemini-1.5-pro":     {1.25, 5.00},
	"gemini-1.5-flash":   {0.075, 0.30},
	"gemini-2.0-flash":   {0.10, 0.40},
	"deepseek-chat":      {0.27, 1.10},
	"mistral-large":      {2.00, 6.00},
}

var defaultPrice = price{3.00, 15.00}

func priceFor(model string) price {
	lower := strings.ToLower(model)
	best := ""
	for prefix := range priceTable {
		if strings.HasPrefix(lower, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultPrice
	}
	return priceTable[best]
}

// EstimateUsage produces a local token estimate for providers that omit
// usage accounting, using tiktoken with a cl100k_base fallback for non-GPT
// models. The estimate intentionally errs high (per-message overhead) so the
// cost report does not undercount.
func EstimateUsage(model, prompt, completion string) llm.Usage {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// No encoder available at all: fall back to the ~4 chars/token rule.
			in := (len(prompt) + 3) / 4
			out := (len(completion) + 3) / 4
			return llm.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
		}
	}

	in := len(enc.Encode(prompt, nil, nil)) + 4
	out := len(enc.Encode(completion, nil, nil))
	return llm.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}
