package config_test

import (
	"context"
	"errors"
	"testing"

	"github.com/storyloom/playtest/internal/config"
	"github.com/storyloom/playtest/pkg/provider/llm"
	"github.com/storyloom/playtest/pkg/provider/llm/mock"
)

func TestBackendFor(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Models: []config.ModelConfig{
			{Name: "my-finetune-v2", Backend: "ollama"},
			{Name: "gpt-4o", Backend: "groq"}, // explicit entry beats prefix inference
		},
	}

	tests := []struct {
		model   string
		want    string
		wantErr bool
	}{
		{model: "gpt-4o", want: "groq"},
		{model: "gpt-4o-mini", want: "openai"},
		{model: "o3-mini", want: "openai"},
		{model: "claude-3-5-sonnet-latest", want: "anthropic"},
		{model: "gemini-1.5-pro", want: "gemini"},
		{model: "deepseek-chat", want: "deepseek"},
		{model: "mistral-large-latest", want: "mistral"},
		{model: "my-finetune-v2", want: "ollama"},
		{model: "totally-unknown", wantErr: true},
	}
	for _, tt := range tests {
		got, err := cfg.BackendFor(tt.model)
		if tt.wantErr {
			if !errors.Is(err, config.ErrUnknownBackend) {
				t.Errorf("BackendFor(%q) error = %v, want ErrUnknownBackend", tt.model, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("BackendFor(%q): %v", tt.model, err)
			continue
		}
		if got != tt.want {
			t.Errorf("BackendFor(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestRegistry_CreateLLM(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	var gotModel string
	reg.RegisterLLM("fake", func(entry config.ProviderEntry, model string) (llm.Provider, error) {
		gotEntry, gotModel = entry, model
		return &mock.Provider{}, nil
	})

	p, err := reg.CreateLLM("fake", config.ProviderEntry{APIKey: "sk-x"}, "fake-model")
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p == nil {
		t.Fatal("CreateLLM returned nil provider")
	}
	if gotEntry.APIKey != "sk-x" || gotModel != "fake-model" {
		t.Errorf("factory received entry=%+v model=%q", gotEntry, gotModel)
	}
}

func TestRegistry_CreateLLM_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateLLM("nope", config.ProviderEntry{}, "some-model")
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestDefaultRegistry_CoversValidBackends(t *testing.T) {
	t.Parallel()
	reg := config.DefaultRegistry()
	// Backends with local defaults need no credentials to construct.
	for _, backend := range []string{"ollama", "llamacpp", "llamafile"} {
		if _, err := reg.CreateLLM(backend, config.ProviderEntry{}, "llama3"); err != nil {
			t.Errorf("CreateLLM(%q): %v", backend, err)
		}
	}
}

func TestBuildCaller(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Providers: map[string]config.ProviderEntry{
			"fake": {APIKey: "sk-x"},
		},
		Models: []config.ModelConfig{
			{Name: "fake-big", Backend: "fake"},
			{Name: "fake-small", Backend: "fake"},
		},
	}

	reg := config.NewRegistry()
	created := []string{}
	reg.RegisterLLM("fake", func(entry config.ProviderEntry, model string) (llm.Provider, error) {
		created = append(created, model)
		return &mock.Provider{Responses: []*llm.CompletionResponse{{Content: "ok"}}}, nil
	})

	caller, err := config.BuildCaller(cfg, reg, "fake-big", []string{"fake-small"})
	if err != nil {
		t.Fatalf("BuildCaller: %v", err)
	}
	if len(created) != 2 || created[0] != "fake-big" || created[1] != "fake-small" {
		t.Errorf("created models = %v, want [fake-big fake-small]", created)
	}

	res, err := caller.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Content != "ok" {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestBuildCaller_UnresolvableModel(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	_, err := config.BuildCaller(cfg, config.NewRegistry(), "mystery-model", nil)
	if !errors.Is(err, config.ErrUnknownBackend) {
		t.Errorf("error = %v, want ErrUnknownBackend", err)
	}
}
