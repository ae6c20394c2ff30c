// Package config provides the configuration schema, loader, and provider
// registry for the playtest harness.
package config

import (
	"time"

	"github.com/storyloom/playtest/internal/classifier"
	"github.com/storyloom/playtest/internal/generate"
)

// LogLevel controls log verbosity for the harness.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CheckpointStore selects where session checkpoints are persisted.
type CheckpointStore string

const (
	// StoreMemory keeps checkpoints in process memory only. Sessions cannot
	// be resumed after the process exits.
	StoreMemory CheckpointStore = "memory"

	// StoreFS writes one JSON file per checkpoint under a session directory.
	StoreFS CheckpointStore = "fs"

	// StorePostgres persists checkpoints as JSONB rows in PostgreSQL.
	StorePostgres CheckpointStore = "postgres"
)

// IsValid reports whether s is a recognised checkpoint store.
func (s CheckpointStore) IsValid() bool {
	switch s {
	case StoreMemory, StoreFS, StorePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure for the harness.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig             `yaml:"server"`
	Providers   map[string]ProviderEntry `yaml:"providers"`
	Models      []ModelConfig            `yaml:"models"`
	Narrator    NarratorConfig           `yaml:"narrator"`
	Classifier  ClassifierConfig         `yaml:"classifier"`
	Players     PlayersConfig            `yaml:"players"`
	Session     SessionConfig            `yaml:"session"`
	Generation  GenerationConfig         `yaml:"generation"`
	Checkpoints CheckpointConfig         `yaml:"checkpoints"`
}

// ServerConfig holds logging and metrics settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the Prometheus /metrics endpoint listens
	// on (e.g., ":9100"). Leave empty to disable the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ProviderEntry holds credentials and endpoint overrides for one backend.
// The map key under [Config.Providers] is the backend name (e.g., "openai",
// "anthropic", "ollama").
type ProviderEntry struct {
	// APIKey is the authentication key for the backend's API if any.
	// When empty the backend falls back to its conventional environment
	// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, and so on).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Options holds backend-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// ModelConfig maps a model identifier to the backend serving it, for models
// whose backend cannot be inferred from the name prefix.
type ModelConfig struct {
	// Name is the model identifier as referenced elsewhere in the config
	// (e.g., "my-finetune-v2").
	Name string `yaml:"name"`

	// Backend is the provider backend to route the model through
	// (e.g., "ollama").
	Backend string `yaml:"backend"`
}

// NarratorConfig describes the Narrative Engine stand-in driving the story.
type NarratorConfig struct {
	// Model is the primary model identifier.
	Model string `yaml:"model"`

	// Fallbacks are tried in order when the primary model fails.
	Fallbacks []string `yaml:"fallbacks"`

	// Temperature controls narration randomness in [0.0, 2.0].
	// Zero means the built-in default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps narration length per turn. Zero means the model default.
	MaxTokens int `yaml:"max_tokens"`
}

// ClassifierConfig describes the turn classifier.
type ClassifierConfig struct {
	// Model is the classification model. Small, cheap models are fine here.
	Model string `yaml:"model"`

	// Fallbacks are tried in order when the primary model fails.
	Fallbacks []string `yaml:"fallbacks"`

	// Mode selects the failure policy: "strict" or "permissive".
	Mode classifier.Mode `yaml:"mode"`
}

// PlayersConfig describes the simulated party.
type PlayersConfig struct {
	// Size is the party size when Roster is empty: that many players are
	// drawn with random distinct archetypes using the session seed.
	Size int `yaml:"size"`

	// Spokesperson names the player who synthesizes group replies. When empty
	// the first player is used.
	Spokesperson string `yaml:"spokesperson"`

	// Model is the default model for players without an explicit one.
	Model string `yaml:"model"`

	// Fallbacks are the default fallback models for players.
	Fallbacks []string `yaml:"fallbacks"`

	// Roster pins the party explicitly instead of random archetype draws.
	Roster []PlayerConfig `yaml:"roster"`
}

// PlayerConfig describes a single simulated player.
type PlayerConfig struct {
	// Name is the player's table name, unique within the roster.
	Name string `yaml:"name"`

	// Archetype is a builtin archetype identifier (e.g., "eager-explorer").
	Archetype string `yaml:"archetype"`

	// Model overrides the party default model for this player.
	Model string `yaml:"model"`

	// Fallbacks override the party default fallbacks for this player.
	Fallbacks []string `yaml:"fallbacks"`
}

// SessionConfig holds the per-run story and budget settings.
type SessionConfig struct {
	// Scenario is the inline scenario premise handed to the narrator.
	Scenario string `yaml:"scenario"`

	// ScenarioFile points at a text file holding the scenario premise.
	// Ignored when Scenario is set.
	ScenarioFile string `yaml:"scenario_file"`

	// MaxTurns bounds the session length in narrator turns.
	// Zero means the built-in default.
	MaxTurns int `yaml:"max_turns"`

	// MaxBudgetUSD stops the session once estimated spend reaches this
	// amount. Zero means unlimited.
	MaxBudgetUSD float64 `yaml:"max_budget_usd"`

	// Language is the output language for narration (e.g., "German").
	// Empty means English.
	Language string `yaml:"language"`

	// Seed drives the random archetype draw and any other randomised
	// harness decisions. Zero means derive a seed from the clock.
	Seed int64 `yaml:"seed"`

	// SkipInterview disables the post-session player interview round.
	SkipInterview bool `yaml:"skip_interview"`
}

// GenerationConfig tunes retry and circuit-breaker behaviour for all
// Generation Service calls.
type GenerationConfig struct {
	// Retries is the per-model retry budget for transient failures.
	Retries int `yaml:"retries"`

	// RetryDelay is the base backoff between retries; it doubles per attempt.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// DegenerateRetries bounds how many times degenerate output is re-asked.
	DegenerateRetries int `yaml:"degenerate_retries"`

	// BreakerMaxFailures is the consecutive-failure count that opens a
	// model's circuit breaker. Zero disables the breaker.
	BreakerMaxFailures int `yaml:"breaker_max_failures"`

	// BreakerCooldown is how long an open breaker rejects calls.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// Generate converts g into the generate package's configuration.
func (g GenerationConfig) Generate() generate.Config {
	return generate.Config{
		Retries:            g.Retries,
		RetryDelay:         g.RetryDelay,
		DegenerateRetries:  g.DegenerateRetries,
		BreakerMaxFailures: g.BreakerMaxFailures,
		BreakerCooldown:    g.BreakerCooldown,
	}
}

// CheckpointConfig selects and parameterises the checkpoint store.
type CheckpointConfig struct {
	// Store is one of "memory", "fs", "postgres".
	Store CheckpointStore `yaml:"store"`

	// Path is the root directory for the fs store.
	Path string `yaml:"path"`

	// PostgresDSN is the connection string for the postgres store.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Normalize fills in defaults for optional fields left at their zero value.
// It mutates cfg in place and is idempotent.
func Normalize(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Classifier.Mode == "" {
		cfg.Classifier.Mode = classifier.ModeStrict
	}
	if cfg.Classifier.Model == "" {
		cfg.Classifier.Model = cfg.Narrator.Model
	}
	if cfg.Players.Size <= 0 && len(cfg.Players.Roster) == 0 {
		cfg.Players.Size = 3
	}
	if cfg.Players.Model == "" {
		cfg.Players.Model = cfg.Narrator.Model
	}
	if cfg.Checkpoints.Store == "" {
		cfg.Checkpoints.Store = StoreMemory
	}
	if cfg.Checkpoints.Store == StoreFS && cfg.Checkpoints.Path == "" {
		cfg.Checkpoints.Path = "checkpoints"
	}
}
