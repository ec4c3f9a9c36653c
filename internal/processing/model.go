package processing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"hearthbot/internal/config"
)

const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

var fallbackModels = map[string]string{
	ProviderOllama:    "llama3.1",
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
}

// NewModel creates a langchaingo model for one configured provider. An empty
// modelName uses the provider's default model.
func NewModel(provider string, pc config.ProviderConfig, modelName string) (llms.Model, string, error) {
	if modelName == "" {
		modelName = pc.DefaultModel
	}
	if modelName == "" {
		modelName = fallbackModels[provider]
	}

	var model llms.Model
	var err error

	switch provider {
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(modelName)}
		if pc.APIBase != "" {
			opts = append(opts, ollama.WithServerURL(pc.APIBase))
		}
		model, err = ollama.New(opts...)
		if err != nil {
			return nil, "", fmt.Errorf("create ollama model: %w", err)
		}

	case ProviderOpenAI:
		if pc.APIKey == "" {
			return nil, "", fmt.Errorf("OpenAI API key required")
		}
		opts := []openai.Option{openai.WithToken(pc.APIKey), openai.WithModel(modelName)}
		if pc.APIBase != "" {
			opts = append(opts, openai.WithBaseURL(pc.APIBase))
		}
		model, err = openai.New(opts...)
		if err != nil {
			return nil, "", fmt.Errorf("create openai model: %w", err)
		}

	case ProviderAnthropic:
		if pc.APIKey == "" {
			return nil, "", fmt.Errorf("Anthropic API key required")
		}
		opts := []anthropic.Option{anthropic.WithToken(pc.APIKey), anthropic.WithModel(modelName)}
		if pc.APIBase != "" {
			opts = append(opts, anthropic.WithBaseURL(pc.APIBase))
		}
		model, err = anthropic.New(opts...)
		if err != nil {
			return nil, "", fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, "", fmt.Errorf("unsupported LLM provider: %s", provider)
	}

	return model, modelName, nil
}

// ModelFactory builds models from the provider configuration and shares one
// client per provider and model name.
type ModelFactory struct {
	providers map[string]config.ProviderConfig
	build     func(provider string, pc config.ProviderConfig, modelName string) (llms.Model, string, error)

	mu    sync.Mutex
	cache map[string]llms.Model
}

func NewModelFactory(providers map[string]config.ProviderConfig) *ModelFactory {
	return &ModelFactory{
		providers: providers,
		build:     NewModel,
		cache:     make(map[string]llms.Model),
	}
}

// DefaultProvider returns the first enabled provider in name order.
func (f *ModelFactory) DefaultProvider() (string, bool) {
	names := make([]string, 0, len(f.providers))
	for name, pc := range f.providers {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return names[0], true
}

// Model returns the model for provider and modelName along with the resolved
// model name. An empty provider uses DefaultProvider.
func (f *ModelFactory) Model(provider, modelName string) (llms.Model, string, error) {
	if provider == "" {
		p, ok := f.DefaultProvider()
		if !ok {
			return nil, "", fmt.Errorf("no LLM provider is enabled")
		}
		provider = p
	}
	pc, ok := f.providers[provider]
	if !ok || !pc.Enabled {
		return nil, "", fmt.Errorf("provider %s is not enabled", provider)
	}
	if modelName == "" {
		modelName = pc.DefaultModel
	}
	if modelName == "" {
		modelName = fallbackModels[provider]
	}

	key := provider + "/" + modelName
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.cache[key]; ok {
		return m, modelName, nil
	}
	m, resolved, err := f.build(provider, pc, modelName)
	if err != nil {
		return nil, "", err
	}
	f.cache[key] = m
	return m, resolved, nil
}
