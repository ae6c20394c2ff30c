package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/storyloom/playtest/internal/generate"
	"github.com/storyloom/playtest/pkg/provider/llm"
	"github.com/storyloom/playtest/pkg/provider/llm/anyllm"
	"github.com/storyloom/playtest/pkg/provider/llm/openai"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLLM] when no factory
// has been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ErrUnknownBackend is returned by [Config.BackendFor] when a model name
// neither appears in the models list nor matches a known name prefix.
var ErrUnknownBackend = errors.New("config: no backend for model")

// backendPrefixes infers a backend from well-known model name prefixes so the
// common cases need no models entry.
var backendPrefixes = []struct {
	prefix  string
	backend string
}{
	{"gpt-", "openai"},
	{"chatgpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"claude-", "anthropic"},
	{"gemini-", "gemini"},
	{"deepseek-", "deepseek"},
	{"mistral-", "mistral"},
	{"ministral-", "mistral"},
	{"open-mistral-", "mistral"},
	{"open-mixtral-", "mistral"},
}

// BackendFor resolves the backend serving the given model identifier.
// Explicit models entries win over name-prefix inference.
func (c *Config) BackendFor(model string) (string, error) {
	for _, m := range c.Models {
		if m.Name == model {
			return m.Backend, nil
		}
	}
	lower := strings.ToLower(model)
	for _, p := range backendPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.backend, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBackend, model)
}

// Registry maps backend names to LLM provider constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(entry ProviderEntry, model string) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(entry ProviderEntry, model string) (llm.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under the backend name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(entry ProviderEntry, model string) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateLLM instantiates a provider for model using the factory registered
// under backend. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that backend.
func (r *Registry) CreateLLM(backend string, entry ProviderEntry, model string) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, backend)
	}
	return factory(entry, model)
}

// DefaultRegistry returns a [Registry] with every builtin backend registered:
// the native OpenAI SDK under "openai" and any-llm-go backends for the rest.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterLLM("openai", func(entry ProviderEntry, model string) (llm.Provider, error) {
		key := entry.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org, ok := entry.Options["organization"].(string); ok && org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(key, model, opts...)
	})

	for _, name := range []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		backend := name
		r.RegisterLLM(backend, func(entry ProviderEntry, model string) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, model, opts...)
		})
	}

	return r
}

// BuildCaller assembles a [generate.Caller] for the given primary model and
// fallbacks, resolving each model's backend through cfg and instantiating
// providers from the registry.
func BuildCaller(cfg *Config, reg *Registry, model string, fallbacks []string, opts ...generate.Option) (*generate.Caller, error) {
	models := append([]string{model}, fallbacks...)
	refs := make([]generate.ModelRef, 0, len(models))
	for _, m := range models {
		backend, err := cfg.BackendFor(m)
		if err != nil {
			return nil, err
		}
		p, err := reg.CreateLLM(backend, cfg.Providers[backend], m)
		if err != nil {
			return nil, fmt.Errorf("config: create provider for %q: %w", m, err)
		}
		refs = append(refs, generate.ModelRef{Name: m, Provider: p})
	}
	return generate.NewCaller(refs, cfg.Generation.Generate(), opts...)
}
