package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOpenAIModel    = "gpt-5-mini"
	defaultMaxTokens      = 4096
)

// ProviderConfig selects the model backend used by the iterative loop.
type ProviderConfig struct {
	// Type is one of: "anthropic" | "openai".
	Type string `yaml:"type"`

	// Model is the provider model name. Empty uses a provider default.
	Model string `yaml:"model,omitempty"`

	// BaseURL overrides the provider endpoint (example: "https://api.openai.com/v1").
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	// Defaults to ANTHROPIC_API_KEY or OPENAI_API_KEY.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	MaxTokens int `yaml:"max_tokens,omitempty"`
}

func (p *ProviderConfig) Validate() error {
	if p == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case ProviderAnthropic, ProviderOpenAI:
	case "":
		return errors.New("missing type")
	default:
		return fmt.Errorf("unsupported type: %q", p.Type)
	}
	if raw := strings.TrimSpace(p.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base_url: %q", p.BaseURL)
		}
	}
	if p.MaxTokens < 0 {
		return errors.New("invalid max_tokens: must be >= 0")
	}
	return nil
}

func (p *ProviderConfig) EffectiveType() string {
	if p == nil {
		return ProviderAnthropic
	}
	t := strings.ToLower(strings.TrimSpace(p.Type))
	if t == "" {
		return ProviderAnthropic
	}
	return t
}

func (p *ProviderConfig) EffectiveModel() string {
	if p != nil && strings.TrimSpace(p.Model) != "" {
		return strings.TrimSpace(p.Model)
	}
	if p.EffectiveType() == ProviderOpenAI {
		return defaultOpenAIModel
	}
	return defaultAnthropicModel
}

func (p *ProviderConfig) EffectiveMaxTokens() int {
	if p == nil || p.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return p.MaxTokens
}

func (p *ProviderConfig) EffectiveAPIKeyEnv() string {
	if p != nil && strings.TrimSpace(p.APIKeyEnv) != "" {
		return strings.TrimSpace(p.APIKeyEnv)
	}
	if p.EffectiveType() == ProviderOpenAI {
		return "OPENAI_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}

// APIKey reads the key from the configured environment variable.
func (p *ProviderConfig) APIKey() (string, error) {
	env := p.EffectiveAPIKeyEnv()
	key := strings.TrimSpace(os.Getenv(env))
	if key == "" {
		return "", fmt.Errorf("missing api key: set %s", env)
	}
	return key, nil
}
