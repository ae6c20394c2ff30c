// Package session contains the top-level control loop driving one simulated
// playtest from character creation to termination.
//
// A session is a single logical thread of control: turns are strictly
// sequential because turn n+1 depends on the fully resolved transcript of
// turn n. The only concurrency lives inside a group dispatch, behind the
// router. Every fully resolved turn ends with a checkpoint write — the sole
// durability boundary; a crash mid-turn loses at most one turn of work.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/storyloom/playtest/internal/agent"
	"github.com/storyloom/playtest/internal/checkpoint"
	"github.com/storyloom/playtest/internal/classifier"
	"github.com/storyloom/playtest/internal/generate"
	"github.com/storyloom/playtest/internal/ledger"
	"github.com/storyloom/playtest/internal/observe"
	"github.com/storyloom/playtest/internal/router"
	"github.com/storyloom/playtest/internal/tracker"
	"github.com/storyloom/playtest/pkg/types"
)

// Outcome is how a session ended. Every session ends in exactly one of
// these.
type Outcome string

const (
	// OutcomeCompleted: the narrator concluded the story.
	OutcomeCompleted Outcome = "completed"

	// OutcomeTimeout: the turn budget ran out with no ending in sight.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeFailed: an unrecoverable turn-level failure or a cancellation
	// stopped the run.
	OutcomeFailed Outcome = "failed"
)

// DefaultMaxTurns bounds sessions whose configuration does not say.
const DefaultMaxTurns = 20

// Config is the per-session configuration.
type Config struct {
	// SessionID identifies the session; assigned when empty.
	SessionID string

	// Scenario is the opening premise handed to the narrator.
	Scenario string

	// MaxTurns bounds the session length. Defaults to [DefaultMaxTurns].
	MaxTurns int

	// MaxBudgetUSD is the advisory spend ceiling. It is recorded into
	// checkpoints and compared against the final ledger breakdown after the
	// run; it never cuts a session short, so the ledger stays a passive
	// accumulator during the loop. Zero means no ceiling.
	MaxBudgetUSD float64

	// NarratorModel, NarratorFallbacks, Temperature and Language are
	// recorded into checkpoints so a resume can rebuild the narrator. The
	// runner itself never dials models directly.
	NarratorModel     string
	NarratorFallbacks []string
	Temperature       float64
	Language          string

	// Seed drives non-model randomness; recorded for resume determinism.
	Seed int64

	// SkipInterview disables the post-session interview on completion.
	SkipInterview bool
}

// Deps are the collaborators a Runner drives. Narrator, Roster, Classifier
// and Router are required; the rest default to fresh in-process instances.
type Deps struct {
	Narrator   *Narrator
	Roster     *agent.Roster
	Classifier *classifier.Classifier
	Router     *router.Router

	// Costs receives usage from the wiring layer's UsageFunc hooks; the
	// runner only reads it once, for the final breakdown.
	Costs *ledger.Ledger

	// Store receives one checkpoint per resolved turn.
	Store checkpoint.Store

	// Tangents and Privates carry tracker state; fresh logs when nil.
	Tangents *tracker.TangentLog
	Privates *tracker.PrivateLog

	// PayoffJudge backs the private log's semantic payoff path when the
	// runner has to build the log itself.
	PayoffJudge tracker.PayoffJudge

	// Metrics receives the per-turn and per-stage instruments. Defaults to
	// the process-wide instance.
	Metrics *observe.Metrics
}

// Result is the session's terminal report — the sole contract downstream
// tooling (report generators, comparison CLIs) may depend on.
type Result struct {
	SessionID     string                   `json:"sessionId"`
	ParentSession string                   `json:"parentSession,omitempty"`
	Outcome       Outcome                  `json:"outcome"`
	Reason        string                   `json:"reason"`
	Turns         int                      `json:"turns"`
	PulseCount    int                      `json:"pulseCount"`
	Transcript    types.Transcript         `json:"transcript"`
	Private       types.Transcript         `json:"privateTranscript,omitempty"`
	Tangents      []tracker.TangentMoment  `json:"tangents,omitempty"`
	Privates      []tracker.PrivateMoment  `json:"privateMoments,omitempty"`
	Costs         ledger.Breakdown         `json:"costs"`
	TotalSpentUSD float64                  `json:"totalSpentUsd"`
	Interview     *InterviewReport         `json:"interview,omitempty"`
	Checkpoints   []checkpoint.Meta        `json:"checkpoints,omitempty"`
}

// pendingTangent is a digression detected on one turn, waiting for the next
// narrator message to classify the handling.
type pendingTangent struct {
	turn    int
	trigger []types.Message
}

// Runner drives one session. A Runner is single-use: Run may be called
// once.
type Runner struct {
	cfg Config
	d   Deps

	parentSession    string
	parentCheckpoint string
	branchReason     string
	startTurn        int
	spentBefore      float64

	transcript types.Transcript // public channel
	private    types.Transcript // private disclosures and replies
	view       types.Transcript // the narrator's merged view
	pulseCount int
	pending    *pendingTangent
	saved      []checkpoint.Meta
}

// NewRunner prepares a fresh session.
func NewRunner(cfg Config, d Deps) (*Runner, error) {
	if err := checkDeps(d); err != nil {
		return nil, err
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	fillDeps(&d)
	return &Runner{cfg: cfg, d: d, startTurn: 1}, nil
}

// ResumeRunner prepares a session continuing from a checkpoint produced by
// [checkpoint.Resume]. The wiring layer rebuilds the live collaborators
// (narrator, roster, classifier, router) from the checkpoint's settings and
// agent states; the runner restores everything serialisable.
func ResumeRunner(cp *checkpoint.Checkpoint, d Deps) (*Runner, error) {
	if err := checkDeps(d); err != nil {
		return nil, err
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	fillDeps(&d)

	cfg := Config{
		SessionID:         cp.SessionID,
		Scenario:          cp.Settings.Scenario,
		MaxTurns:          cp.Settings.MaxTurns,
		MaxBudgetUSD:      cp.Settings.MaxBudgetUSD,
		NarratorModel:     cp.Settings.NarratorModel,
		NarratorFallbacks: cp.Settings.NarratorFallbacks,
		Temperature:       cp.Settings.Temperature,
		Language:          cp.Settings.Language,
		Seed:              cp.Settings.Seed,
	}

	if d.Tangents == nil || len(cp.Tangents) > 0 {
		d.Tangents = tracker.RestoreTangentLog(cp.Tangents)
	}
	if d.Privates == nil || len(cp.Privates) > 0 {
		d.Privates = tracker.RestorePrivateLog(cp.Privates, d.PayoffJudge)
	}

	r := &Runner{
		cfg:              cfg,
		d:                d,
		parentSession:    cp.ParentSession,
		parentCheckpoint: cp.ParentCheckpoint,
		branchReason:     cp.BranchReason,
		startTurn:        cp.Turn + 1,
		spentBefore:      cp.SpentUSD,
		transcript:       cp.Transcript.Clone(),
		pulseCount:       cp.PulseCount,
	}
	r.view = rebuildView(cp)
	return r, nil
}

func checkDeps(d Deps) error {
	var errs []error
	if d.Narrator == nil {
		errs = append(errs, errors.New("narrator is required"))
	}
	if d.Roster == nil {
		errs = append(errs, errors.New("roster is required"))
	}
	if d.Classifier == nil {
		errs = append(errs, errors.New("classifier is required"))
	}
	if d.Router == nil {
		errs = append(errs, errors.New("router is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("session: %w", errors.Join(errs...))
	}
	return nil
}

func fillDeps(d *Deps) {
	if d.Costs == nil {
		d.Costs = ledger.New()
	}
	if d.Store == nil {
		d.Store = checkpoint.NewMemoryStore()
	}
	if d.Tangents == nil {
		d.Tangents = tracker.NewTangentLog()
	}
	if d.Privates == nil {
		d.Privates = tracker.NewPrivateLog(d.PayoffJudge)
	}
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
}

// rebuildView reconstructs the narrator's merged view from a checkpoint:
// the public transcript plus the recorded private exchanges, in turn order.
func rebuildView(cp *checkpoint.Checkpoint) types.Transcript {
	view := cp.Transcript.Clone()
	for _, m := range cp.Privates {
		view = append(view, types.Message{
			Role: types.RoleNarrator, Content: m.Content, Turn: m.Turn, Tag: "private",
		})
		if m.Reply != "" {
			view = append(view, types.Message{
				Role: types.RolePlayer, Author: m.Target, Content: m.Reply, Turn: m.Turn, Tag: "private",
			})
		}
	}
	// Stable sort by turn keeps intra-turn order intact.
	for i := 1; i < len(view); i++ {
		for j := i; j > 0 && view[j-1].Turn > view[j].Turn; j-- {
			view[j-1], view[j] = view[j], view[j-1]
		}
	}
	return view
}

// Run drives the session to termination and returns its terminal result.
// Run itself never fails: unrecoverable errors terminate the session with
// [OutcomeFailed] and the error text as the reason.
func (r *Runner) Run(ctx context.Context) *Result {
	ctx, span := observe.StartSpan(ctx, "session.run",
		trace.WithAttributes(observe.Attr("session_id", r.cfg.SessionID)))
	defer span.End()

	log := slog.With("session", r.cfg.SessionID)
	log.Info("session starting",
		"scenario", excerptFor(r.cfg.Scenario), "maxTurns", r.cfg.MaxTurns, "startTurn", r.startTurn)

	players := int64(len(r.d.Roster.Names()))
	r.d.Metrics.ActiveSessions.Add(ctx, 1)
	r.d.Metrics.ActivePlayers.Add(ctx, players)
	defer func() {
		r.d.Metrics.ActiveSessions.Add(ctx, -1)
		r.d.Metrics.ActivePlayers.Add(ctx, -players)
	}()

	outcome, reason, turns := r.loop(ctx, log)
	span.SetAttributes(observe.Attr("outcome", string(outcome)))

	// A digression detected on the final turn never got a narrator reaction;
	// record it with an empty response so it still shows up in the report.
	if r.pending != nil {
		r.d.Tangents.Open(r.pending.turn, r.pending.trigger, "")
		r.pending = nil
	}
	// Anything still pending at session end is finalized unresolved.
	r.d.Tangents.FinalizeUnresolved()

	res := &Result{
		SessionID:     r.cfg.SessionID,
		ParentSession: r.parentSession,
		Outcome:       outcome,
		Reason:        reason,
		Turns:         turns,
		PulseCount:    r.pulseCount,
		Transcript:    r.transcript,
		Private:       r.private,
		Tangents:      r.d.Tangents.Moments(),
		Privates:      r.d.Privates.Moments(),
		Costs:         r.d.Costs.Breakdown(),
		Checkpoints:   r.saved,
	}
	res.TotalSpentUSD = r.spentBefore + res.Costs.TotalUSD
	if r.cfg.MaxBudgetUSD > 0 && res.TotalSpentUSD > r.cfg.MaxBudgetUSD {
		log.Warn("session exceeded its spend ceiling",
			"spentUsd", res.TotalSpentUSD, "maxBudgetUsd", r.cfg.MaxBudgetUSD)
	}

	if outcome == OutcomeCompleted && !r.cfg.SkipInterview {
		res.Interview = Interview(ctx, r.d.Roster, r.transcript)
	}

	log.Info("session finished",
		"outcome", outcome, "reason", reason, "turns", turns,
		"pulses", r.pulseCount, "spentUsd", res.TotalSpentUSD)
	return res
}

// loop runs character creation (fresh sessions only) and then the turn
// loop. It returns the outcome, its reason, and the last fully resolved
// turn.
func (r *Runner) loop(ctx context.Context, log *slog.Logger) (Outcome, string, int) {
	turns := r.startTurn - 1

	fresh := r.startTurn == 1
	var partyIntro string
	if fresh {
		intro, err := r.characterCreation(ctx)
		if err != nil {
			return OutcomeFailed, fmt.Sprintf("character creation: %v", err), turns
		}
		partyIntro = intro
	}

	for turn := r.startTurn; turn <= r.cfg.MaxTurns; turn++ {
		// Cancellation is only honored between turns; the last checkpoint
		// is the resumable boundary.
		if err := ctx.Err(); err != nil {
			return OutcomeFailed, fmt.Sprintf("cancelled before turn %d: %v", turn, err), turns
		}

		tctx, tspan := observe.StartSpan(ctx, "session.turn",
			trace.WithAttributes(observe.Attr("session_id", r.cfg.SessionID)))
		turnStart := time.Now()

		var (
			nres *generate.Result
			err  error
		)
		nStart := time.Now()
		if fresh && turn == r.startTurn {
			nres, err = r.d.Narrator.Open(tctx, partyIntro)
		} else {
			nres, err = r.d.Narrator.Respond(tctx, r.view)
		}
		r.d.Metrics.NarratorDuration.Record(tctx, time.Since(nStart).Seconds())
		if err != nil {
			tspan.End()
			return OutcomeFailed, fmt.Sprintf("turn %d: %v", turn, err), turns
		}

		cStart := time.Now()
		cls, err := r.d.Classifier.Classify(tctx, nres.Content, classifier.Context{
			PulseCount:   r.pulseCount,
			KnownPlayers: r.d.Roster.Names(),
		})
		r.d.Metrics.ClassifierDuration.Record(tctx, time.Since(cStart).Seconds())
		if err != nil {
			tspan.End()
			return OutcomeFailed, fmt.Sprintf("turn %d: %v", turn, err), turns
		}
		log.Debug("turn classified",
			"turn", turn, "responseType", cls.ResponseType,
			"isPulse", cls.IsPulse, "isEnding", cls.IsEnding, "targets", cls.TargetPlayers)

		r.appendNarrator(nres, turn, &cls)

		// A digression detected last turn is classified against this
		// narration, which is the narrator's reaction to it.
		if r.pending != nil {
			m := r.d.Tangents.Open(r.pending.turn, r.pending.trigger, nres.Content)
			log.Debug("tangent opened", "turn", r.pending.turn, "handling", m.Handling)
			r.pending = nil
		}
		if cls.IsPulse {
			r.pulseCount++
			r.d.Metrics.Pulses.Add(tctx, 1)
			if resolved := r.d.Tangents.ResolvePending(turn); len(resolved) > 0 {
				log.Debug("pulse resolved tangents", "turn", turn, "count", len(resolved))
			}
		}
		if paid := r.d.Privates.CheckPayoff(tctx, turn, nres.Content); len(paid) > 0 {
			log.Debug("private moments paid off", "turn", turn, "count", len(paid))
		}

		pStart := time.Now()
		out, err := r.d.Router.Dispatch(tctx, r.transcript, nres.Content, turn, &cls)
		r.d.Metrics.PlayerDuration.Record(tctx, time.Since(pStart).Seconds())
		if err != nil {
			tspan.End()
			return OutcomeFailed, fmt.Sprintf("turn %d: %v", turn, err), turns
		}
		r.appendOutcome(out, turn, nres.Content)

		if err := r.saveCheckpoint(tctx, turn); err != nil {
			tspan.End()
			return OutcomeFailed, fmt.Sprintf("turn %d: %v", turn, err), turns
		}
		turns = turn

		r.d.Metrics.RecordTurn(tctx, string(cls.ResponseType), time.Since(turnStart).Seconds())
		tspan.End()

		if cls.IsEnding {
			return OutcomeCompleted, "narrator concluded the story", turns
		}
	}
	return OutcomeTimeout, "turn budget exhausted", turns
}

// characterCreation runs the pre-session discussion (turn 0) and returns
// the spokesperson's party introduction.
func (r *Runner) characterCreation(ctx context.Context) (string, error) {
	topic := "Before the story begins, create your characters for this scenario: " + r.cfg.Scenario
	out, err := r.d.Router.Dispatch(ctx, nil, topic, 0,
		&classifier.Classification{ResponseType: classifier.ResponseDiscussion})
	if err != nil {
		return "", err
	}
	for _, m := range out.Replies {
		r.transcript = append(r.transcript, m)
		r.view = append(r.view, m)
	}
	if len(out.Replies) == 0 {
		return "", errors.New("discussion produced no introduction")
	}
	return out.Replies[0].Content, nil
}

// appendNarrator records the narrator message on the right channels. A
// private disclosure stays out of the public transcript.
func (r *Runner) appendNarrator(nres *generate.Result, turn int, cls *classifier.Classification) {
	msg := types.Message{
		Role:      types.RoleNarrator,
		Content:   nres.Content,
		Turn:      turn,
		Timestamp: time.Now().UTC(),
		Tag:       string(cls.ResponseType),
		Reasoning: nres.Reasoning,
	}
	if cls.ResponseType == classifier.ResponsePrivate {
		r.private = append(r.private, msg)
	} else {
		r.transcript = append(r.transcript, msg)
	}
	r.view = append(r.view, msg)
}

// appendOutcome folds a dispatch outcome into the transcripts and trackers.
func (r *Runner) appendOutcome(out *router.Outcome, turn int, narratorText string) {
	r.transcript = append(r.transcript, out.Replies...)
	r.view = append(r.view, out.Replies...)

	if out.PrivateReply != nil {
		r.private = append(r.private, *out.PrivateReply)
		r.view = append(r.view, *out.PrivateReply)
		r.d.Privates.Add(tracker.PrivateMoment{
			Turn:    turn,
			Target:  out.PrivateReply.Author,
			Content: narratorText,
			Reply:   out.PrivateReply.Content,
		})
	}

	if trigger, ok := tracker.DetectDigression(playerOutput(out, turn)); ok {
		r.pending = &pendingTangent{turn: turn, trigger: trigger}
	}
}

// playerOutput is the turn's player-side text the tangent detector scans:
// individual reactions for a group turn, the verbatim replies otherwise.
func playerOutput(out *router.Outcome, turn int) []types.Message {
	if len(out.Reactions) > 0 {
		msgs := make([]types.Message, len(out.Reactions))
		for i, re := range out.Reactions {
			msgs[i] = types.Message{Role: types.RolePlayer, Author: re.Player, Content: re.Text, Turn: turn}
		}
		return msgs
	}
	return out.Replies
}

// saveCheckpoint snapshots the fully resolved turn.
func (r *Runner) saveCheckpoint(ctx context.Context, turn int) error {
	cp := &checkpoint.Checkpoint{
		ID:               uuid.NewString(),
		SessionID:        r.cfg.SessionID,
		ParentSession:    r.parentSession,
		ParentCheckpoint: r.parentCheckpoint,
		BranchReason:     r.branchReason,
		Turn:             turn,
		CreatedAt:        time.Now().UTC(),
		Settings: checkpoint.Settings{
			Scenario:          r.cfg.Scenario,
			NarratorModel:     r.cfg.NarratorModel,
			NarratorFallbacks: r.cfg.NarratorFallbacks,
			Temperature:       r.cfg.Temperature,
			Language:          r.cfg.Language,
			MaxTurns:          r.cfg.MaxTurns,
			MaxBudgetUSD:      r.cfg.MaxBudgetUSD,
			ClassifierMode:    string(r.d.Classifier.Mode()),
			Seed:              r.cfg.Seed,
		},
		Transcript:   r.transcript,
		Agents:       r.d.Roster.Snapshot(),
		Spokesperson: r.d.Roster.Spokesperson().Name(),
		PulseCount:   r.pulseCount,
		Tangents:     r.d.Tangents.Moments(),
		Privates:     r.d.Privates.Moments(),
		SpentUSD:     r.spentBefore + r.d.Costs.Breakdown().TotalUSD,
	}
	if err := r.d.Store.Save(ctx, cp); err != nil {
		return err
	}
	r.saved = append(r.saved, cp.Meta())
	return nil
}

func excerptFor(s string) string {
	const max = 60
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
