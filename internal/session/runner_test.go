package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/storyloom/playtest/internal/agent"
	"github.com/storyloom/playtest/internal/checkpoint"
	"github.com/storyloom/playtest/internal/classifier"
	"github.com/storyloom/playtest/internal/discussion"
	"github.com/storyloom/playtest/internal/generate"
	"github.com/storyloom/playtest/internal/ledger"
	"github.com/storyloom/playtest/internal/observe"
	"github.com/storyloom/playtest/internal/router"
	"github.com/storyloom/playtest/internal/tracker"
	"github.com/storyloom/playtest/pkg/provider/llm"
	"github.com/storyloom/playtest/pkg/provider/llm/mock"
	"github.com/storyloom/playtest/pkg/types"
)

// stack bundles one session's scripted providers and shared state.
type stack struct {
	narrator *mock.Provider
	cls      *mock.Provider
	mira     *mock.Provider // spokesperson
	tobben   *mock.Provider
	costs    *ledger.Ledger
	store    checkpoint.Store
}

func newStack() *stack {
	return &stack{
		narrator: &mock.Provider{},
		cls:      &mock.Provider{},
		mira:     &mock.Provider{},
		tobben:   &mock.Provider{},
		costs:    ledger.New(),
		store:    checkpoint.NewMemoryStore(),
	}
}

func caller(t *testing.T, p *mock.Provider, model string, lane ledger.Lane, costs *ledger.Ledger) *generate.Caller {
	t.Helper()
	c, err := generate.NewCaller(
		[]generate.ModelRef{{Name: model, Provider: p}},
		generate.Config{Retries: 1, RetryDelay: time.Millisecond},
		generate.WithUsageFunc(func(model string, usage llm.Usage) {
			costs.Record(lane, model, usage)
		}),
	)
	if err != nil {
		t.Fatalf("NewCaller: %v", err)
	}
	return c
}

// deps wires a two-player roster (Mira spokesperson, Tobben) over the
// stack's providers.
func (s *stack) deps(t *testing.T) Deps {
	t.Helper()

	explorer, err := agent.ArchetypeByID("eager-explorer")
	if err != nil {
		t.Fatalf("ArchetypeByID: %v", err)
	}
	observer, err := agent.ArchetypeByID("quiet-observer")
	if err != nil {
		t.Fatalf("ArchetypeByID: %v", err)
	}
	mira, err := agent.NewPlayer(explorer, "Mira", caller(t, s.mira, "gpt-4o-mini", ledger.LanePlayers, s.costs))
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	tobben, err := agent.NewPlayer(observer, "Tobben", caller(t, s.tobben, "gpt-4o-mini", ledger.LanePlayers, s.costs))
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	roster, err := agent.NewRoster([]*agent.Player{mira, tobben}, "Mira")
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}

	engine := discussion.NewEngine(discussion.WithMaxRounds(1))
	return Deps{
		Narrator:   NewNarrator(caller(t, s.narrator, "gpt-4o", ledger.LaneNarrator, s.costs), "A storm traps the party in a lighthouse."),
		Roster:     roster,
		Classifier: classifier.New(caller(t, s.cls, "gpt-4o-mini", ledger.LaneAuxiliary, s.costs)),
		Router:     router.New(roster, engine),
		Costs:      s.costs,
		Store:      s.store,
	}
}

func clsJSON(rt string, pulse, ending bool, targets ...string) *llm.CompletionResponse {
	body := fmt.Sprintf(`{"responseType": %q, "isPulse": %t, "isEnding": %t, "confidence": 0.9`, rt, pulse, ending)
	if len(targets) > 0 {
		body += `, "targetPlayers": ["` + strings.Join(targets, `", "`) + `"]`
	}
	return &llm.CompletionResponse{Content: body + "}"}
}

func settledProposal(character string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: fmt.Sprintf(
		`{"comment": "settling", "state": "settled", "character": {"name": %q, "role": "scout", "backstory": "from the coast"}}`,
		character)}
}

// scriptBaseline scripts turn 0 plus steady-state group turns: the
// discussion proposals, the spokesperson syntheses, and plain reactions
// that repeat for as long as the session runs.
func (s *stack) scriptBaseline() {
	s.mira.Responses = []*llm.CompletionResponse{
		settledProposal("Ashka"),
		{Content: "We are Ashka and Brum, ready for the storm."},
		{Content: "I hold the railing and push for the lamp room."},
	}
	s.tobben.Responses = []*llm.CompletionResponse{
		settledProposal("Brum"),
		{Content: "I keep watch on the stairs below."},
	}
	s.narrator.Responses = []*llm.CompletionResponse{
		{Content: "Rain hammers the lighthouse as the keeper waves you inside."},
	}
	s.cls.Responses = []*llm.CompletionResponse{
		clsJSON("group", false, false),
	}
}

func TestRunner_TimeoutAtMaxTurns(t *testing.T) {
	s := newStack()
	s.scriptBaseline()

	r, err := NewRunner(Config{
		Scenario:      "A storm traps the party in a lighthouse.",
		MaxTurns:      10,
		SkipInterview: true,
	}, s.deps(t))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res := r.Run(context.Background())

	if res.Outcome != OutcomeTimeout {
		t.Fatalf("Outcome = %q (%s), want timeout", res.Outcome, res.Reason)
	}
	if res.Turns != 10 {
		t.Errorf("Turns = %d, want 10", res.Turns)
	}
	if len(res.Checkpoints) != 10 {
		t.Errorf("len(Checkpoints) = %d, want one per turn", len(res.Checkpoints))
	}
	// Turn 0 chatter plus, per turn, one narrator message and one
	// spokesperson synthesis.
	if got, want := len(res.Transcript), 1+2*10; got != want {
		t.Errorf("len(Transcript) = %d, want %d", got, want)
	}
	if res.Transcript[0].Turn != 0 {
		t.Errorf("first message turn = %d, want 0", res.Transcript[0].Turn)
	}

	metas, err := s.store.List(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 10 {
		t.Errorf("store holds %d checkpoints, want 10", len(metas))
	}
}

func TestRunner_CompletedOnEnding(t *testing.T) {
	s := newStack()
	s.scriptBaseline()
	s.narrator.Responses = []*llm.CompletionResponse{
		{Content: "Rain hammers the lighthouse as the keeper waves you inside."},
		{Content: "The keeper hands over the lamp oil at last."},
		{Content: "The storm breaks at dawn and the ships are safe. THE END."},
	}
	s.cls.Responses = []*llm.CompletionResponse{
		clsJSON("group", false, false),
		clsJSON("group", true, false),
		clsJSON("none", true, true),
	}

	r, err := NewRunner(Config{Scenario: "x", MaxTurns: 10, SkipInterview: true}, s.deps(t))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res := r.Run(context.Background())

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Outcome = %q (%s), want completed", res.Outcome, res.Reason)
	}
	if res.Turns != 3 {
		t.Errorf("Turns = %d, want 3", res.Turns)
	}
	if res.PulseCount != 2 {
		t.Errorf("PulseCount = %d, want 2", res.PulseCount)
	}
}

func TestRunner_TangentOpenedAndResolvedByPulse(t *testing.T) {
	s := newStack()
	s.scriptBaseline()

	// Tobben digresses on turn 5. Call order on his provider: discussion
	// proposal, then one reaction per turn.
	s.tobben.Responses = []*llm.CompletionResponse{
		settledProposal("Brum"),
		{Content: "I keep watch on the stairs below."},
		{Content: "I keep watch on the stairs below."},
		{Content: "I keep watch on the stairs below."},
		{Content: "I keep watch on the stairs below."},
		{Content: "By the way, did lighthouses ever have basements?"},
		{Content: "I keep watch on the stairs below."},
	}
	// The narrator's turn-6 reply to the digression uses redirect language.
	s.narrator.Responses = []*llm.CompletionResponse{
		{Content: "Rain hammers the lighthouse."},
		{Content: "The keeper frowns at the hatch."},
		{Content: "The keeper frowns at the hatch."},
		{Content: "The keeper frowns at the hatch."},
		{Content: "The keeper frowns at the hatch."},
		{Content: "Heh. Anyway, back to the lamp room: the oil is running low."},
		{Content: "The keeper frowns at the hatch."},
		{Content: "The keeper finally unlocks the lamp room."},
	}
	s.cls.Responses = []*llm.CompletionResponse{
		clsJSON("group", false, false), // turns 1-7
		clsJSON("group", false, false),
		clsJSON("group", false, false),
		clsJSON("group", false, false),
		clsJSON("group", false, false),
		clsJSON("group", false, false),
		clsJSON("group", false, false),
		clsJSON("group", true, false), // turn 8: pulse
	}

	r, err := NewRunner(Config{Scenario: "x", MaxTurns: 8, SkipInterview: true}, s.deps(t))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res := r.Run(context.Background())

	if res.Outcome != OutcomeTimeout {
		t.Fatalf("Outcome = %q (%s), want timeout", res.Outcome, res.Reason)
	}
	if len(res.Tangents) != 1 {
		t.Fatalf("len(Tangents) = %d, want 1", len(res.Tangents))
	}
	m := res.Tangents[0]
	if m.Turn != 5 {
		t.Errorf("tangent Turn = %d, want 5", m.Turn)
	}
	if m.Handling != tracker.HandlingRedirected {
		t.Errorf("Handling = %q, want redirected", m.Handling)
	}
	if !m.ReturnedToStory {
		t.Error("tangent never resolved despite the turn-8 pulse")
	}
	if m.TurnsUntilReturn != 3 {
		t.Errorf("TurnsUntilReturn = %d, want 3", m.TurnsUntilReturn)
	}
	if len(m.TriggerMessages) != 1 || m.TriggerMessages[0].Author != "Tobben" {
		t.Errorf("TriggerMessages = %+v", m.TriggerMessages)
	}
}

func TestRunner_PrivateMomentLifecycle(t *testing.T) {
	s := newStack()
	s.scriptBaseline()
	s.mira.Responses = []*llm.CompletionResponse{
		settledProposal("Ashka"),
		{Content: "We are Ashka and Brum."},
		{Content: "I hold the railing and push for the lamp room."}, // turn 1 react
		{Content: "We push on together."},                           // turn 1 synth
		{Content: "I tuck the locket away and say nothing."},        // turn 2 private reply
	}
	s.narrator.Responses = []*llm.CompletionResponse{
		{Content: "Rain hammers the lighthouse."},
		{Content: "[To Mira only] The silver locket hums when strangers approach."},
		{Content: "The locket at Ashka's throat hums as hooded strangers crowd the door. THE END."},
	}
	s.cls.Responses = []*llm.CompletionResponse{
		clsJSON("group", false, false),
		clsJSON("private", false, false, "Mira"),
		clsJSON("none", true, true),
	}

	r, err := NewRunner(Config{Scenario: "x", MaxTurns: 10, SkipInterview: true}, s.deps(t))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res := r.Run(context.Background())

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("Outcome = %q (%s), want completed", res.Outcome, res.Reason)
	}

	// The disclosure and the hidden reply stay off the public transcript.
	for _, m := range res.Transcript {
		if m.Turn == 2 {
			t.Errorf("turn-2 message leaked into the public transcript: %+v", m)
		}
	}
	if len(res.Private) != 2 {
		t.Fatalf("len(Private) = %d, want disclosure + reply", len(res.Private))
	}
	if res.Private[1].Author != "Mira" || res.Private[1].Tag != "private" {
		t.Errorf("private reply = %+v", res.Private[1])
	}

	if len(res.Privates) != 1 {
		t.Fatalf("len(Privates) = %d, want 1", len(res.Privates))
	}
	pm := res.Privates[0]
	if pm.Target != "Mira" || pm.Turn != 2 {
		t.Errorf("moment = %+v", pm)
	}
	if !pm.PayoffDetected {
		t.Error("payoff not detected despite the turn-3 callback")
	}
	if pm.PayoffTurn != 3 {
		t.Errorf("PayoffTurn = %d, want 3", pm.PayoffTurn)
	}
}

func TestRunner_FailedOnNarratorExhaustion(t *testing.T) {
	s := newStack()
	s.scriptBaseline()
	s.narrator.Responses = nil
	s.narrator.CompleteErr = errors.New("provider down")

	r, err := NewRunner(Config{Scenario: "x", MaxTurns: 5, SkipInterview: true}, s.deps(t))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res := r.Run(context.Background())

	if res.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %q, want failed", res.Outcome)
	}
	if res.Reason == "" {
		t.Error("failed outcome carries no reason")
	}
	if res.Turns != 0 {
		t.Errorf("Turns = %d, want 0", res.Turns)
	}
	// Turn-0 chatter survives for diagnosis.
	if len(res.Transcript) != 1 {
		t.Errorf("len(Transcript) = %d, want the character-creation message", len(res.Transcript))
	}
}

func TestRunner_BudgetIsAdvisoryOnly(t *testing.T) {
	s := newStack()
	s.scriptBaseline()
	// Every narrator call burns a million tokens each way, blowing past the
	// ceiling on turn 1. The run must still play out its full turn budget:
	// the ledger is a passive accumulator, never a mid-loop stop signal.
	s.narrator.Responses = []*llm.CompletionResponse{{
		Content: "Rain hammers the lighthouse.",
		Usage:   llm.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000},
	}}

	r, err := NewRunner(Config{
		Scenario:      "x",
		MaxTurns:      5,
		MaxBudgetUSD:  0.01,
		SkipInterview: true,
	}, s.deps(t))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res := r.Run(context.Background())

	if res.Outcome != OutcomeTimeout {
		t.Fatalf("Outcome = %q (%s), want timeout", res.Outcome, res.Reason)
	}
	if res.Turns != 5 {
		t.Errorf("Turns = %d, want the full 5 despite the blown ceiling", res.Turns)
	}
	if !strings.Contains(res.Reason, "turn budget") {
		t.Errorf("Reason = %q, want the turn budget, not spend", res.Reason)
	}
	if res.TotalSpentUSD <= r.cfg.MaxBudgetUSD {
		t.Errorf("TotalSpentUSD = %v, want well past the %v ceiling", res.TotalSpentUSD, r.cfg.MaxBudgetUSD)
	}
}

// metricByName finds a collected metric across all scopes.
func metricByName(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestRunner_RecordsTurnMetrics(t *testing.T) {
	s := newStack()
	s.scriptBaseline()
	// Every turn is a pulse so the pulse counter moves too.
	s.cls.Responses = []*llm.CompletionResponse{clsJSON("group", true, false)}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	d := s.deps(t)
	d.Metrics = met
	r, err := NewRunner(Config{Scenario: "x", MaxTurns: 3, SkipInterview: true}, d)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res := r.Run(context.Background())
	if res.Outcome != OutcomeTimeout {
		t.Fatalf("Outcome = %q (%s), want timeout", res.Outcome, res.Reason)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	sumOf := func(name string) int64 {
		t.Helper()
		m := metricByName(rm, name)
		if m == nil {
			t.Fatalf("metric %q not recorded", name)
		}
		sum, ok := m.Data.(metricdata.Sum[int64])
		if !ok {
			t.Fatalf("metric %q is not an int64 sum", name)
		}
		var total int64
		for _, dp := range sum.DataPoints {
			total += dp.Value
		}
		return total
	}
	histCount := func(name string) uint64 {
		t.Helper()
		m := metricByName(rm, name)
		if m == nil {
			t.Fatalf("metric %q not recorded", name)
		}
		hist, ok := m.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Fatalf("metric %q is not a histogram", name)
		}
		var n uint64
		for _, dp := range hist.DataPoints {
			n += dp.Count
		}
		return n
	}

	if got := sumOf("playtest.turns"); got != 3 {
		t.Errorf("turns = %d, want 3", got)
	}
	if got := sumOf("playtest.pulses"); got != 3 {
		t.Errorf("pulses = %d, want 3", got)
	}
	for _, name := range []string{
		"playtest.turn.duration",
		"playtest.narrator.duration",
		"playtest.classifier.duration",
		"playtest.player.duration",
	} {
		if got := histCount(name); got != 3 {
			t.Errorf("%s samples = %d, want 3", name, got)
		}
	}
	// The gauges return to zero once the run ends.
	if got := sumOf("playtest.active_sessions"); got != 0 {
		t.Errorf("active_sessions = %d, want 0", got)
	}
	if got := sumOf("playtest.active_players"); got != 0 {
		t.Errorf("active_players = %d, want 0", got)
	}
}

// strip reduces a transcript to its deterministic fields for comparison.
func strip(t types.Transcript) []types.Message {
	out := make([]types.Message, len(t))
	for i, m := range t {
		m.Timestamp = time.Time{}
		out[i] = m
	}
	return out
}

func TestRunner_ResumeDeterminism(t *testing.T) {
	// Phase one: a short session that times out at turn 2.
	s := newStack()
	s.scriptBaseline()
	r, err := NewRunner(Config{Scenario: "A storm traps the party in a lighthouse.", MaxTurns: 2, SkipInterview: true}, s.deps(t))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	first := r.Run(context.Background())
	if first.Outcome != OutcomeTimeout {
		t.Fatalf("Outcome = %q (%s), want timeout", first.Outcome, first.Reason)
	}

	cp, err := s.store.Latest(context.Background(), first.SessionID)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}

	// Resume the same checkpoint twice with identical overrides against
	// identically scripted providers.
	resume := func() *Result {
		branched := checkpoint.Resume(cp, checkpoint.Overrides{MaxTurns: 4, Reason: "extend the run"})
		rs := newStack()
		rs.scriptBaseline()

		d := rs.deps(t)
		// Rebuild the roster from the checkpointed agent states.
		var players []*agent.Player
		for i, st := range branched.Agents {
			prov := rs.mira
			if i == 1 {
				prov = rs.tobben
			}
			p, err := agent.Restore(st, caller(t, prov, st.Model, ledger.LanePlayers, rs.costs))
			if err != nil {
				t.Fatalf("Restore: %v", err)
			}
			players = append(players, p)
		}
		roster, err := agent.NewRoster(players, branched.Spokesperson)
		if err != nil {
			t.Fatalf("NewRoster: %v", err)
		}
		d.Roster = roster
		d.Router = router.New(roster, discussion.NewEngine())

		runner, err := ResumeRunner(branched, d)
		if err != nil {
			t.Fatalf("ResumeRunner: %v", err)
		}
		return runner.Run(context.Background())
	}

	a := resume()
	b := resume()

	if a.Outcome != OutcomeTimeout || b.Outcome != OutcomeTimeout {
		t.Fatalf("outcomes = %q, %q", a.Outcome, b.Outcome)
	}
	if a.Turns != 4 || b.Turns != 4 {
		t.Fatalf("turns = %d, %d, want 4", a.Turns, b.Turns)
	}

	sa, sb := strip(a.Transcript), strip(b.Transcript)
	if len(sa) != len(sb) {
		t.Fatalf("transcript lengths differ: %d vs %d", len(sa), len(sb))
	}
	for i := range sa {
		if sa[i] != sb[i] {
			t.Errorf("transcripts diverge at %d:\n%+v\n%+v", i, sa[i], sb[i])
		}
	}
	// The resumed transcripts extend the checkpointed one.
	for i, m := range strip(cp.Transcript) {
		if sa[i] != m {
			t.Errorf("resumed transcript rewrote history at %d", i)
		}
	}
	if a.ParentSession != first.SessionID {
		t.Errorf("ParentSession = %q, want %q", a.ParentSession, first.SessionID)
	}
}

func TestRunner_CancellationStopsBetweenTurns(t *testing.T) {
	s := newStack()
	s.scriptBaseline()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := NewRunner(Config{Scenario: "x", MaxTurns: 5, SkipInterview: true}, s.deps(t))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res := r.Run(ctx)

	if res.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %q (%s), want failed", res.Outcome, res.Reason)
	}
	if !strings.Contains(res.Reason, "cancelled") {
		t.Errorf("Reason = %q, want a cancellation explanation", res.Reason)
	}
}

func TestRunner_EndingNeedsClassifierVerdict(t *testing.T) {
	s := newStack()
	s.scriptBaseline()
	// The narration reads like a close, but the classifier never says
	// ending. Termination is the classifier's call alone, so the session
	// runs out its turn budget instead of completing.
	s.narrator.Responses = []*llm.CompletionResponse{
		{Content: "The storm breaks at dawn and the ships are safe. THE END."},
	}

	r, err := NewRunner(Config{Scenario: "x", MaxTurns: 3, SkipInterview: true}, s.deps(t))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res := r.Run(context.Background())

	if res.Outcome != OutcomeTimeout {
		t.Fatalf("Outcome = %q (%s), want timeout", res.Outcome, res.Reason)
	}
	if res.Turns != 3 {
		t.Errorf("Turns = %d, want 3", res.Turns)
	}
}

func TestRunner_FinalTurnDigressionStillRecorded(t *testing.T) {
	s := newStack()
	s.scriptBaseline()
	// Tobben digresses on the last turn; no narration follows, so the
	// moment is recorded with no response and finalized unresolved.
	s.tobben.Responses = []*llm.CompletionResponse{
		settledProposal("Brum"),
		{Content: "By the way, did lighthouses ever have basements?"},
	}

	r, err := NewRunner(Config{Scenario: "x", MaxTurns: 1, SkipInterview: true}, s.deps(t))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res := r.Run(context.Background())

	if res.Outcome != OutcomeTimeout {
		t.Fatalf("Outcome = %q (%s), want timeout", res.Outcome, res.Reason)
	}
	if len(res.Tangents) != 1 {
		t.Fatalf("len(Tangents) = %d, want 1", len(res.Tangents))
	}
	m := res.Tangents[0]
	if m.Turn != 1 {
		t.Errorf("tangent Turn = %d, want 1", m.Turn)
	}
	if m.NarratorResponse != "" {
		t.Errorf("NarratorResponse = %q, want empty", m.NarratorResponse)
	}
	if m.Handling != tracker.HandlingIgnored {
		t.Errorf("Handling = %q, want ignored", m.Handling)
	}
	if m.Pending || m.ReturnedToStory {
		t.Errorf("moment = %+v, want finalized unresolved", m)
	}
}
