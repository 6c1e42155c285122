package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Settings selects and configures a provider.
type Settings struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
}

var defaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-sonnet-latest",
	"gemini":    "gemini-1.5-flash",
}

var keyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GOOGLE_API_KEY",
}

// New builds the client s describes. It returns nil, nil when no provider
// is configured, in which case callers fall back to rule-based planning.
func New(ctx context.Context, s Settings) (Client, error) {
	prov := strings.ToLower(strings.TrimSpace(s.Provider))
	if prov == "" || prov == "none" || prov == "rules" {
		return nil, nil
	}
	key := strings.TrimSpace(s.APIKey)
	if key == "" {
		key = strings.TrimSpace(os.Getenv(keyEnv[prov]))
	}
	model := s.Model
	if model == "" {
		model = defaultModels[prov]
	}

	switch prov {
	case "mock":
		return &MockClient{}, nil
	case "openai":
		if key == "" {
			return nil, fmt.Errorf("openai provider needs an API key")
		}
		return &OpenAIClient{APIKey: key, Model: model, BaseURL: s.BaseURL}, nil
	case "anthropic":
		if key == "" {
			return nil, fmt.Errorf("anthropic provider needs an API key")
		}
		return &AnthropicClient{APIKey: key, Model: model, BaseURL: s.BaseURL}, nil
	case "gemini":
		if key == "" {
			return nil, fmt.Errorf("gemini provider needs an API key")
		}
		g, err := NewGeminiClient(ctx, key, model)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", s.Provider)
}

// NewFromEnv reads LLM_PROVIDER and LLM_MODEL. Without LLM_PROVIDER the
// first provider whose API key is set wins.
func NewFromEnv(ctx context.Context) (Client, error) {
	s := Settings{
		Provider: os.Getenv("LLM_PROVIDER"),
		Model:    strings.TrimSpace(os.Getenv("LLM_MODEL")),
	}
	if s.Provider == "" {
		for _, p := range []string{"openai", "anthropic", "gemini"} {
			if strings.TrimSpace(os.Getenv(keyEnv[p])) != "" {
				s.Provider = p
				break
			}
		}
	}
	return New(ctx, s)
}
