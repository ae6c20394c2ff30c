package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storyloom/playtest/internal/agent"
	"github.com/storyloom/playtest/internal/checkpoint"
	"github.com/storyloom/playtest/internal/classifier"
	"github.com/storyloom/playtest/internal/config"
	"github.com/storyloom/playtest/internal/discussion"
	"github.com/storyloom/playtest/internal/generate"
	"github.com/storyloom/playtest/internal/health"
	"github.com/storyloom/playtest/internal/ledger"
	"github.com/storyloom/playtest/internal/observe"
	"github.com/storyloom/playtest/internal/router"
	"github.com/storyloom/playtest/internal/session"
	"github.com/storyloom/playtest/internal/tracker"
	"github.com/storyloom/playtest/pkg/provider/llm"
)

// harness bundles everything one session needs: providers, cost ledger,
// checkpoint store, and metrics. Each session (each sweep arm included)
// gets its own harness so ledgers and stores stay independent.
type harness struct {
	cfg   *config.Config
	reg   *config.Registry
	costs *ledger.Ledger
	store checkpoint.Store
	met   *observe.Metrics
}

// newHarness builds the per-session infrastructure from cfg.
func newHarness(ctx context.Context, cfg *config.Config, reg *config.Registry, met *observe.Metrics) (*harness, error) {
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &harness{
		cfg:   cfg,
		reg:   reg,
		costs: ledger.New(),
		store: store,
		met:   met,
	}, nil
}

// Close releases the checkpoint store.
func (h *harness) Close() {
	if err := h.store.Close(); err != nil {
		slog.Warn("checkpoint store close", "err", err)
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.Checkpoints.Store {
	case config.StoreFS:
		return checkpoint.NewFSStore(cfg.Checkpoints.Path)
	case config.StorePostgres:
		return checkpoint.NewPGStore(ctx, cfg.Checkpoints.PostgresDSN)
	default:
		return checkpoint.NewMemoryStore(), nil
	}
}

// caller builds a generation caller for the given model chain, with usage
// flowing into the harness's ledger and metrics and every provider attempt
// counted by model, lane, and status.
func (h *harness) caller(model string, fallbacks []string, lane ledger.Lane) (*generate.Caller, error) {
	return config.BuildCaller(h.cfg, h.reg, model, fallbacks,
		generate.WithUsageFunc(func(model string, usage llm.Usage) {
			h.costs.Record(lane, model, usage)
			h.met.RecordUsage(context.Background(), string(lane),
				int64(usage.PromptTokens), int64(usage.CompletionTokens))
			h.met.RecordSpend(context.Background(), string(lane), model,
				ledger.CostOf(model, usage))
		}),
		generate.WithRequestFunc(func(model string, err error) {
			ctx := context.Background()
			if err != nil {
				h.met.RecordProviderRequest(ctx, model, string(lane), "error")
				h.met.RecordProviderError(ctx, model, string(lane))
				return
			}
			h.met.RecordProviderRequest(ctx, model, string(lane), "ok")
		}),
	)
}

// roster assembles the party: the pinned roster from config, or a random
// archetype draw of the configured size using the session seed.
func (h *harness) roster(seed int64) (*agent.Roster, error) {
	players := h.cfg.Players

	var specs []config.PlayerConfig
	if len(players.Roster) > 0 {
		specs = players.Roster
	} else {
		rng := rand.New(rand.NewSource(seed))
		archetypes := agent.RandomArchetypes(players.Size, rng)
		names := agent.RandomNames(players.Size, rng)
		for i, a := range archetypes {
			specs = append(specs, config.PlayerConfig{Name: names[i], Archetype: a.ID})
		}
	}

	built := make([]*agent.Player, 0, len(specs))
	for _, spec := range specs {
		arch, err := agent.ArchetypeByID(spec.Archetype)
		if err != nil {
			return nil, err
		}
		model := spec.Model
		if model == "" {
			model = players.Model
		}
		fallbacks := spec.Fallbacks
		if len(fallbacks) == 0 {
			fallbacks = players.Fallbacks
		}
		c, err := h.caller(model, fallbacks, ledger.LanePlayers)
		if err != nil {
			return nil, fmt.Errorf("wire player %q: %w", spec.Name, err)
		}
		p, err := agent.NewPlayer(arch, spec.Name, c)
		if err != nil {
			return nil, err
		}
		built = append(built, p)
	}

	spokesperson := players.Spokesperson
	if spokesperson == "" {
		spokesperson = built[0].Name()
	}
	return agent.NewRoster(built, spokesperson)
}

// deps wires a full dependency set for a fresh session.
func (h *harness) deps(seed int64) (session.Deps, error) {
	roster, err := h.roster(seed)
	if err != nil {
		return session.Deps{}, err
	}
	return h.depsWith(roster)
}

// depsWith wires the dependency set around an existing roster, used on
// resume where the roster is rebuilt from checkpointed agent state.
func (h *harness) depsWith(roster *agent.Roster) (session.Deps, error) {
	narratorCaller, err := h.caller(h.cfg.Narrator.Model, h.cfg.Narrator.Fallbacks, ledger.LaneNarrator)
	if err != nil {
		return session.Deps{}, fmt.Errorf("wire narrator: %w", err)
	}
	auxCaller, err := h.caller(h.cfg.Classifier.Model, h.cfg.Classifier.Fallbacks, ledger.LaneAuxiliary)
	if err != nil {
		return session.Deps{}, fmt.Errorf("wire classifier: %w", err)
	}

	var narratorOpts []session.NarratorOption
	if h.cfg.Narrator.Temperature > 0 {
		narratorOpts = append(narratorOpts, session.WithTemperature(h.cfg.Narrator.Temperature))
	}
	if h.cfg.Session.Language != "" {
		narratorOpts = append(narratorOpts, session.WithLanguage(h.cfg.Session.Language))
	}
	if h.cfg.Narrator.MaxTokens > 0 {
		narratorOpts = append(narratorOpts, session.WithMaxTokens(h.cfg.Narrator.MaxTokens))
	}

	return session.Deps{
		Narrator:    session.NewNarrator(narratorCaller, h.cfg.Session.Scenario, narratorOpts...),
		Roster:      roster,
		Classifier:  classifier.New(auxCaller, classifier.WithMode(h.cfg.Classifier.Mode)),
		Router:      router.New(roster, discussion.NewEngine()),
		Costs:       h.costs,
		Store:       h.store,
		PayoffJudge: payoffJudge(auxCaller),
		Metrics:     h.met,
	}, nil
}

// sessionConfig translates the file config into the runner's config.
func sessionConfig(cfg *config.Config) session.Config {
	seed := cfg.Session.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return session.Config{
		Scenario:          cfg.Session.Scenario,
		MaxTurns:          cfg.Session.MaxTurns,
		MaxBudgetUSD:      cfg.Session.MaxBudgetUSD,
		NarratorModel:     cfg.Narrator.Model,
		NarratorFallbacks: cfg.Narrator.Fallbacks,
		Temperature:       cfg.Narrator.Temperature,
		Language:          cfg.Session.Language,
		Seed:              seed,
		SkipInterview:     cfg.Session.SkipInterview,
	}
}

// payoffJudge returns a model-backed judge for private-moment payoff
// detection. Judge failures fall back to lexical overlap inside the tracker.
func payoffJudge(c *generate.Caller) tracker.PayoffJudge {
	return func(ctx context.Context, disclosure, narration string) (bool, error) {
		var verdict struct {
			Payoff bool `json:"payoff"`
		}
		prompt := fmt.Sprintf(
			"A narrator privately told a player:\n%q\n\nLater narration reads:\n%q\n\nDoes the later narration reference or resolve the private information? Answer as JSON: {\"payoff\": true|false}",
			disclosure, narration)
		_, err := c.JSON(ctx, llm.CompletionRequest{
			Messages: []llm.Message{{Role: "user", Content: prompt}},
		}, &verdict)
		if err != nil {
			return false, err
		}
		return verdict.Payoff, nil
	}
}

// startMetricsListener serves /metrics, /healthz, and /readyz on addr until
// ctx is cancelled. Returns immediately; errors are logged, not fatal.
func startMetricsListener(ctx context.Context, addr string, met *observe.Metrics, store checkpoint.Store) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	h := health.New(version, health.Checker{
		Name: "checkpoints",
		Check: func(ctx context.Context) error {
			_, err := store.List(ctx, "00000000-0000-0000-0000-000000000000")
			return err
		},
	})
	h.Register(mux)

	srv := &http.Server{Addr: addr, Handler: observe.Middleware(met)(mux)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		slog.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics listener", "err", err)
		}
	}()
}

// printResult writes the human-readable session report to stdout and,
// when outPath is set, the full JSON result to a file.
func printResult(res *session.Result, outPath string) error {
	fmt.Printf("session %s: %s", res.SessionID, res.Outcome)
	if res.Reason != "" {
		fmt.Printf(" (%s)", res.Reason)
	}
	fmt.Println()
	fmt.Printf("  turns: %d  pulses: %d  tangents: %d  private moments: %d\n",
		res.Turns, res.PulseCount, len(res.Tangents), len(res.Privates))
	fmt.Printf("  spend: $%.4f (narrator %d tok, players %d tok, auxiliary %d tok)\n",
		res.TotalSpentUSD,
		res.Costs.Narrator.Total, res.Costs.Players.Total, res.Costs.Auxiliary.Total)
	if res.Interview != nil {
		fmt.Printf("  interview: fun %.1f/10, pacing %s", res.Interview.AverageFun, res.Interview.PacingConsensus)
		if len(res.Interview.SharedPainPoints) > 0 {
			fmt.Printf(", shared pain points: %s", strings.Join(res.Interview.SharedPainPoints, "; "))
		}
		fmt.Println()
	}

	if outPath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := os.WriteFile(outPath, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Printf("  report written to %s\n", outPath)
	return nil
}
