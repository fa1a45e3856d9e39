package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/floegence/redeven-orchestrator/internal/loop"
	"github.com/floegence/redeven-orchestrator/internal/tools"
)

type anthropicModel struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	log       *slog.Logger
}

func (m *anthropicModel) Complete(ctx context.Context, req loop.Request) (loop.Response, error) {
	if m == nil {
		return loop.Response{}, errors.New("nil provider")
	}
	toolParams, aliasToReal := buildAnthropicTools(req.Tools)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: m.maxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
		Tools:     toolParams,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return loop.Response{}, err
	}
	resp := parseAnthropicMessage(msg, aliasToReal)
	m.log.Debug("model turn finished",
		"stop_reason", resp.StopReason,
		"tool_calls", len(resp.ToolCalls),
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
	)
	return resp, nil
}

func parseAnthropicMessage(msg *anthropic.Message, aliasToReal map[string]string) loop.Response {
	var resp loop.Response
	if msg == nil {
		return resp
	}
	var text []string
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if t := strings.TrimSpace(variant.Text); t != "" {
				text = append(text, t)
			}
		case anthropic.ToolUseBlock:
			name := strings.TrimSpace(variant.Name)
			if realName, ok := aliasToReal[name]; ok {
				name = realName
			}
			callID := strings.TrimSpace(variant.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(resp.ToolCalls)+1)
			}
			resp.ToolCalls = append(resp.ToolCalls, tools.Call{ID: callID, Name: name, Args: decodeArgs(string(variant.Input))})
		}
	}
	resp.Text = strings.Join(text, "\n")
	resp.StopReason = mapAnthropicStopReason(msg.StopReason)
	return resp
}

func buildAnthropicTools(defs []tools.Definition) ([]anthropic.ToolUnionParam, map[string]string) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema := schemaMap(def.InputSchema)
		alias := sanitizeToolName(name)
		param := anthropic.ToolParam{
			Name:        alias,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Type: "object", Properties: schema["properties"], Required: requiredFields(schema["required"])},
		}
		aliasToReal[alias] = name
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, aliasToReal
}

// buildAnthropicMessages maps tool turns onto user messages carrying tool_result blocks.
func buildAnthropicMessages(messages []loop.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)
	for _, msg := range messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+len(msg.ToolResults)+1)
		if txt := strings.TrimSpace(msg.Text); txt != "" {
			blocks = append(blocks, anthropic.NewTextBlock(txt))
		}
		for _, call := range msg.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, json.RawMessage(call.ArgsJSON()), sanitizeToolName(call.Name)))
		}
		for _, res := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(res.CallID, res.Output, !res.Success))
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == loop.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}
