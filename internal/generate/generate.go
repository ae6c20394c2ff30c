// Package generate provides the single generate-with-fallback capability used
// by every component that calls the Generation Service.
//
// A [Caller] wraps an ordered list of models. Calls go to the first model
// whose circuit breaker is closed; transient failures are retried against the
// same model up to the retry budget, then the next model in the list is
// tried. Exhausting the list returns [ErrAllModelsFailed] — a hard failure
// the caller must propagate, never swallow.
//
// Degenerate output (empty, trivially short, or a repeating garbage pattern)
// is detected post-generation and re-asked a bounded number of times; after
// the bound the last output is returned as-is with [Result.Degenerate] set so
// the session runner can decide whether to accept or fail the turn.
//
// All types are safe for concurrent use.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/storyloom/playtest/pkg/provider/llm"
)

// ErrAllModelsFailed is returned when every model in the fallback list fails
// or has an open circuit breaker.
var ErrAllModelsFailed = errors.New("all models failed")

// ErrNoModels is returned by NewCaller when the model list is empty.
var ErrNoModels = errors.New("model list must not be empty")

// ModelRef pairs a configured model identifier with its provider instance.
type ModelRef struct {
	// Name is the model identifier as it appears in config and the cost
	// ledger (e.g. "gpt-4o", "claude-3-5-sonnet-latest").
	Name string

	// Provider is the Generation Service backend bound to this model.
	Provider llm.Provider
}

// Config tunes retry and breaker behaviour for a [Caller].
// Zero-value fields are replaced with defaults.
type Config struct {
	// Retries is the per-model retry budget for transient failures.
	// Default: 2 (three attempts per model in total).
	Retries int

	// RetryDelay is the base backoff between retries; it doubles per attempt.
	// Default: 500ms.
	RetryDelay time.Duration

	// DegenerateRetries bounds how many times degenerate output is re-asked
	// before being returned as-is. Default: 2.
	DegenerateRetries int

	// BreakerMaxFailures is the consecutive-failure count that opens a
	// model's breaker. Default: 3.
	BreakerMaxFailures int

	// BreakerCooldown is how long an open breaker rejects calls before
	// allowing a probe. Default: 30s.
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retries <= 0 {
		c.Retries = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.DegenerateRetries <= 0 {
		c.DegenerateRetries = 2
	}
	return c
}

// Result is a successful generation outcome.
type Result struct {
	// Content is the generated text (or raw JSON for structured calls).
	Content string

	// Reasoning is the model's reasoning trace when the backend exposes one.
	Reasoning string

	// Model is the identifier of the model that actually produced Content —
	// not necessarily the first in the fallback list.
	Model string

	// Usage is the token accounting for the final successful attempt.
	// Retried and fallback attempts report usage through the usage hook only.
	Usage llm.Usage

	// Degenerate is set when the content still failed the degenerate-output
	// check after the re-ask budget was exhausted.
	Degenerate bool
}

// UsageFunc observes token usage per completed model call, including retried
// and degenerate attempts. Wired to the cost ledger by the session runner.
type UsageFunc func(model string, usage llm.Usage)

// RequestFunc observes every individual provider attempt, including retries
// and fallback attempts; err is nil on success. Wired to the request and
// error counters by the command layer.
type RequestFunc func(model string, err error)

// entry pairs a model with its breaker.
type entry struct {
	name     string
	provider llm.Provider
	breaker  *breaker
}

// Caller is the generate-with-fallback capability. Construct one per ordered
// model list (one per agent, one for the narrator, one for classification).
type Caller struct {
	entries   []entry
	cfg       Config
	onUsage   UsageFunc
	onRequest RequestFunc
	sleep     func(context.Context, time.Duration) error
}

// Option configures a [Caller] during construction.
type Option func(*Caller)

// WithUsageFunc registers fn to observe token usage for every completed model
// call made through the caller.
func WithUsageFunc(fn UsageFunc) Option {
	return func(c *Caller) {
		c.onUsage = fn
	}
}

// WithRequestFunc registers fn to observe every provider attempt, failed or
// not.
func WithRequestFunc(fn RequestFunc) Option {
	return func(c *Caller) {
		c.onRequest = fn
	}
}

// NewCaller creates a [Caller] over the given ordered model list. The first
// entry is the preferred model; the rest are fallbacks in order.
func NewCaller(models []ModelRef, cfg Config, opts ...Option) (*Caller, error) {
	if len(models) == 0 {
		return nil, ErrNoModels
	}
	cfg = cfg.withDefaults()

	entries := make([]entry, 0, len(models))
	for _, m := range models {
		if m.Name == "" || m.Provider == nil {
			return nil, fmt.Errorf("generate: model ref %q must have a name and a provider", m.Name)
		}
		entries = append(entries, entry{
			name:     m.Name,
			provider: m.Provider,
			breaker:  newBreaker(cfg.BreakerMaxFailures, cfg.BreakerCooldown),
		})
	}

	c := &Caller{
		entries: entries,
		cfg:     cfg,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Models returns the ordered model identifiers the caller dispatches to.
func (c *Caller) Models() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Complete runs req through the fallback chain and returns the first healthy
// model's response. Degenerate output is re-asked within the configured
// budget before being returned with [Result.Degenerate] set.
func (c *Caller) Complete(ctx context.Context, req llm.CompletionRequest) (*Result, error) {
	res, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	for i := 0; i < c.cfg.DegenerateRetries && IsDegenerate(res.Content); i++ {
		slog.Warn("degenerate model output, re-asking",
			"model", res.Model, "attempt", i+1, "length", len(res.Content))
		retry, retryErr := c.complete(ctx, req)
		if retryErr != nil {
			break
		}
		res = retry
	}
	res.Degenerate = IsDegenerate(res.Content)
	return res, nil
}

// complete is one pass over the fallback chain with per-model retries.
func (c *Caller) complete(ctx context.Context, req llm.CompletionRequest) (*Result, error) {
	var lastErr error

	for i := range c.entries {
		e := &c.entries[i]
		if !e.breaker.allow() {
			slog.Debug("skipping model (circuit open)", "model", e.name)
			continue
		}

		resp, err := c.tryModel(ctx, e, req)
		if err == nil {
			if c.onUsage != nil {
				c.onUsage(e.name, resp.Usage)
			}
			return &Result{
				Content:   resp.Content,
				Reasoning: resp.Reasoning,
				Model:     e.name,
				Usage:     resp.Usage,
			}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("generate: %w", ctx.Err())
		}
		slog.Warn("model failed, trying next in fallback list",
			"model", e.name, "error", err)
	}

	return nil, fmt.Errorf("%w: %v", ErrAllModelsFailed, lastErr)
}

// tryModel issues the request against one model with the retry budget.
func (c *Caller) tryModel(ctx context.Context, e *entry, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	delay := c.cfg.RetryDelay

	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}

		resp, err := e.provider.Complete(ctx, req)
		e.breaker.record(err != nil)
		if c.onRequest != nil {
			c.onRequest(e.name, err)
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// JSON runs req through the fallback chain expecting a single JSON object as
// output and decodes it into out. Markdown code fences around the object are
// tolerated. A parse failure counts as a model failure and falls through to
// the next attempt.
func (c *Caller) JSON(ctx context.Context, req llm.CompletionRequest, out any) (*Result, error) {
	if e := firstHealthy(c.entries); e != nil && e.provider.Capabilities().SupportsJSONMode {
		req.JSONOnly = true
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		res, err := c.complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if err := DecodeJSON(res.Content, out); err != nil {
			lastErr = err
			slog.Warn("unparseable JSON from model, re-asking",
				"model", res.Model, "error", err)
			continue
		}
		return res, nil
	}
	return nil, fmt.Errorf("generate: decode structured output: %w", lastErr)
}

// DecodeJSON extracts the first JSON object from text and unmarshals it into
// out. Models often wrap JSON in ```json fences or prepend prose despite
// instructions; both are stripped.
func DecodeJSON(text string, out any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object found in %d-char response", len(text))
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return fmt.Errorf("unmarshal model output: %w", err)
	}
	return nil
}

// firstHealthy returns the first entry without an open breaker, or nil.
func firstHealthy(entries []entry) *entry {
	for i := range entries {
		if !entries[i].breaker.open() {
			return &entries[i]
		}
	}
	return nil
}

// sleepCtx blocks for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
