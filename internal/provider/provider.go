package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"

	"github.com/floegence/redeven-orchestrator/internal/config"
	"github.com/floegence/redeven-orchestrator/internal/loop"
)

// New builds the model adapter selected by cfg. The API key is read from the
// configured environment variable.
func New(cfg *config.ProviderConfig, logger *slog.Logger) (loop.Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}
	apiKey, err := cfg.APIKey()
	if err != nil {
		return nil, err
	}
	return newAdapter(cfg, apiKey, logger)
}

func newAdapter(cfg *config.ProviderConfig, apiKey string, logger *slog.Logger) (loop.Model, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := ""
	if cfg != nil {
		baseURL = strings.TrimSpace(cfg.BaseURL)
	}
	logger = logger.With("component", "provider", "type", cfg.EffectiveType(), "model", cfg.EffectiveModel())

	switch cfg.EffectiveType() {
	case config.ProviderOpenAI:
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if baseURL != "" {
			opts = append(opts, ooption.WithBaseURL(baseURL))
		}
		return &openAIModel{
			client:    openai.NewClient(opts...),
			model:     cfg.EffectiveModel(),
			maxTokens: int64(cfg.EffectiveMaxTokens()),
			log:       logger,
		}, nil
	case config.ProviderAnthropic:
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if baseURL != "" {
			opts = append(opts, aoption.WithBaseURL(baseURL))
		}
		return &anthropicModel{
			client:    anthropic.NewClient(opts...),
			model:     cfg.EffectiveModel(),
			maxTokens: int64(cfg.EffectiveMaxTokens()),
			log:       logger,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.EffectiveType())
	}
}

// sanitizeToolName maps a tool name onto the character set providers accept.
func sanitizeToolName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			sb.WriteRune(ch)
		case ch == '_' || ch == '-':
			sb.WriteRune(ch)
		default:
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_-")
	if out == "" {
		return "tool"
	}
	return out
}

// schemaMap decodes a tool input schema, defaulting to an empty object schema.
func schemaMap(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out
}

func requiredFields(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, _ := item.(string); strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}

// decodeArgs parses tool-call arguments; invalid JSON yields an empty map.
func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	raw = strings.TrimSpace(raw)
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &args)
	}
	return args
}

func mapAnthropicStopReason(reason anthropic.StopReason) string {
	switch strings.TrimSpace(strings.ToLower(string(reason))) {
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "refusal":
		return "content_filter"
	default:
		return "unknown"
	}
}

func mapOpenAIStatus(status string) string {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "completed":
		return "stop"
	case "incomplete":
		return "length"
	case "failed", "cancelled":
		return "error"
	default:
		return "unknown"
	}
}
