package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/storyloom/playtest/internal/agent"
)

// ValidBackendNames lists the LLM backends the default registry knows.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// envOverrides collects the environment variables that may supplement or
// override file-based configuration. Secrets belong here, not in YAML.
type envOverrides struct {
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`
	MistralAPIKey   string `env:"MISTRAL_API_KEY"`
	GroqAPIKey      string `env:"GROQ_API_KEY"`
	DeepSeekAPIKey  string `env:"DEEPSEEK_API_KEY"`
	PostgresDSN     string `env:"PLAYTEST_POSTGRES_DSN"`
	LogLevel        string `env:"PLAYTEST_LOG_LEVEL"`
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied. It is a
// convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. API keys fill empty
// provider entries only; YAML-provided keys win. The Postgres DSN and log
// level env vars override the file unconditionally so deployments can switch
// them without editing config.
func ApplyEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("config: parse environment: %w", err)
	}

	keys := map[string]string{
		"openai":    ov.OpenAIAPIKey,
		"anthropic": ov.AnthropicAPIKey,
		"gemini":    ov.GeminiAPIKey,
		"mistral":   ov.MistralAPIKey,
		"groq":      ov.GroqAPIKey,
		"deepseek":  ov.DeepSeekAPIKey,
	}
	for backend, key := range keys {
		if key == "" {
			continue
		}
		entry := cfg.Providers[backend]
		if entry.APIKey != "" {
			continue
		}
		entry.APIKey = key
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]ProviderEntry)
		}
		cfg.Providers[backend] = entry
	}

	if ov.PostgresDSN != "" {
		cfg.Checkpoints.PostgresDSN = ov.PostgresDSN
	}
	if ov.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(ov.LogLevel)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	for backend := range cfg.Providers {
		validateBackendName(fmt.Sprintf("providers.%s", backend), backend)
	}

	for i, m := range cfg.Models {
		prefix := fmt.Sprintf("models[%d]", i)
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if m.Backend == "" {
			errs = append(errs, fmt.Errorf("%s.backend is required", prefix))
		} else {
			validateBackendName(prefix+".backend", m.Backend)
		}
	}

	// Narrator
	if cfg.Narrator.Model == "" {
		errs = append(errs, errors.New("narrator.model is required"))
	}
	if cfg.Narrator.Temperature < 0 || cfg.Narrator.Temperature > 2 {
		errs = append(errs, fmt.Errorf("narrator.temperature %.2f is out of range [0.0, 2.0]", cfg.Narrator.Temperature))
	}

	// Classifier
	if cfg.Classifier.Mode != "" && !cfg.Classifier.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("classifier.mode %q is invalid; valid values: strict, permissive", cfg.Classifier.Mode))
	}

	// Players
	if len(cfg.Players.Roster) == 0 && cfg.Players.Size <= 0 {
		errs = append(errs, errors.New("players: either players.size or a players.roster is required"))
	}
	namesSeen := make(map[string]int, len(cfg.Players.Roster))
	for i, p := range cfg.Players.Roster {
		prefix := fmt.Sprintf("players.roster[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of players.roster[%d]", prefix, p.Name, prev))
			}
			namesSeen[p.Name] = i
		}
		if p.Archetype == "" {
			errs = append(errs, fmt.Errorf("%s.archetype is required", prefix))
		} else if _, err := agent.ArchetypeByID(p.Archetype); err != nil {
			errs = append(errs, fmt.Errorf("%s.archetype %q is not a builtin archetype", prefix, p.Archetype))
		}
	}
	if sp := cfg.Players.Spokesperson; sp != "" && len(cfg.Players.Roster) > 0 {
		if _, ok := namesSeen[sp]; !ok {
			errs = append(errs, fmt.Errorf("players.spokesperson %q is not in the roster", sp))
		}
	}

	// Session
	if cfg.Session.Scenario == "" && cfg.Session.ScenarioFile == "" {
		errs = append(errs, errors.New("session: either session.scenario or session.scenario_file is required"))
	}
	if cfg.Session.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("session.max_turns %d must not be negative", cfg.Session.MaxTurns))
	}
	if cfg.Session.MaxBudgetUSD < 0 {
		errs = append(errs, fmt.Errorf("session.max_budget_usd %.4f must not be negative", cfg.Session.MaxBudgetUSD))
	}
	if cfg.Session.MaxBudgetUSD == 0 {
		slog.Warn("session.max_budget_usd is not set; sessions stop on turn count only")
	}

	// Checkpoints
	if cfg.Checkpoints.Store != "" && !cfg.Checkpoints.Store.IsValid() {
		errs = append(errs, fmt.Errorf("checkpoints.store %q is invalid; valid values: memory, fs, postgres", cfg.Checkpoints.Store))
	}
	if cfg.Checkpoints.Store == StorePostgres && cfg.Checkpoints.PostgresDSN == "" {
		errs = append(errs, errors.New("checkpoints.postgres_dsn is required when checkpoints.store is postgres"))
	}
	if cfg.Checkpoints.Store == StoreMemory {
		slog.Warn("checkpoints.store is memory; sessions cannot be resumed after the process exits")
	}

	// Every referenced model must resolve to a backend.
	for _, ref := range referencedModels(cfg) {
		if _, err := cfg.BackendFor(ref.model); err != nil {
			errs = append(errs, fmt.Errorf("%s: model %q does not resolve to a backend; add a models entry", ref.source, ref.model))
		}
	}

	return errors.Join(errs...)
}

type modelRef struct {
	source string
	model  string
}

// referencedModels collects every model identifier the config points at,
// paired with the config path that references it.
func referencedModels(cfg *Config) []modelRef {
	var refs []modelRef
	add := func(source, model string) {
		if model != "" {
			refs = append(refs, modelRef{source: source, model: model})
		}
	}
	add("narrator.model", cfg.Narrator.Model)
	for i, m := range cfg.Narrator.Fallbacks {
		add(fmt.Sprintf("narrator.fallbacks[%d]", i), m)
	}
	add("classifier.model", cfg.Classifier.Model)
	for i, m := range cfg.Classifier.Fallbacks {
		add(fmt.Sprintf("classifier.fallbacks[%d]", i), m)
	}
	add("players.model", cfg.Players.Model)
	for i, m := range cfg.Players.Fallbacks {
		add(fmt.Sprintf("players.fallbacks[%d]", i), m)
	}
	for i, p := range cfg.Players.Roster {
		add(fmt.Sprintf("players.roster[%d].model", i), p.Model)
		for j, m := range p.Fallbacks {
			add(fmt.Sprintf("players.roster[%d].fallbacks[%d]", i, j), m)
		}
	}
	return refs
}

// validateBackendName logs a warning if name is not in [ValidBackendNames].
func validateBackendName(source, name string) {
	if name == "" || slices.Contains(ValidBackendNames, name) {
		return
	}
	slog.Warn("unknown backend name — may be a typo or third-party backend",
		"source", source,
		"name", name,
		"known", ValidBackendNames,
	)
}
