package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/openai/openai-go"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/floegence/redeven-orchestrator/internal/loop"
	"github.com/floegence/redeven-orchestrator/internal/tools"
)

type openAIModel struct {
	client    openai.Client
	model     string
	maxTokens int64
	log       *slog.Logger
}

func (m *openAIModel) Complete(ctx context.Context, req loop.Request) (loop.Response, error) {
	if m == nil {
		return loop.Response{}, errors.New("nil provider")
	}
	toolParams, aliasToReal := buildOpenAITools(req.Tools)
	items := buildOpenAIInput(req.Messages)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(m.model),
		MaxOutputTokens: openai.Int(m.maxTokens),
		Input:           oresponses.ResponseNewParamsInputUnion{OfInputItemList: items},
		Tools:           toolParams,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}

	resp, err := m.client.Responses.New(ctx, params)
	if err != nil {
		return loop.Response{}, err
	}
	out := parseOpenAIResponse(resp, aliasToReal)
	m.log.Debug("model turn finished",
		"status", string(resp.Status),
		"tool_calls", len(out.ToolCalls),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return out, nil
}

func parseOpenAIResponse(resp *oresponses.Response, aliasToReal map[string]string) loop.Response {
	var out loop.Response
	if resp == nil {
		return out
	}
	var text []string
	for _, item := range resp.Output {
		switch strings.TrimSpace(item.Type) {
		case "message":
			for _, part := range item.AsMessage().Content {
				if strings.TrimSpace(part.Type) != "output_text" {
					continue
				}
				if t := strings.TrimSpace(part.Text); t != "" {
					text = append(text, t)
				}
			}
		case "function_call":
			name := strings.TrimSpace(item.Name)
			if realName, ok := aliasToReal[name]; ok {
				name = realName
			}
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = fmt.Sprintf("openai_call_%d", len(out.ToolCalls)+1)
			}
			out.ToolCalls = append(out.ToolCalls, tools.Call{ID: callID, Name: name, Args: decodeArgs(item.Arguments)})
		}
	}
	out.Text = strings.Join(text, "\n")
	out.StopReason = mapOpenAIStatus(string(resp.Status))
	if len(out.ToolCalls) > 0 {
		out.StopReason = "tool_calls"
	}
	return out
}

func buildOpenAITools(defs []tools.Definition) ([]oresponses.ToolUnionParam, map[string]string) {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		alias := sanitizeToolName(name)
		out = append(out, oresponses.ToolParamOfFunction(alias, schemaMap(def.InputSchema), false))
		aliasToReal[alias] = name
	}
	return out, aliasToReal
}

func buildOpenAIInput(messages []loop.Message) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	for _, msg := range messages {
		switch msg.Role {
		case loop.RoleTool:
			for _, res := range msg.ToolResults {
				if strings.TrimSpace(res.CallID) == "" {
					continue
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(res.CallID, res.Output))
			}
		case loop.RoleAssistant:
			if txt := strings.TrimSpace(msg.Text); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
			}
			for _, call := range msg.ToolCalls {
				argsRaw := call.ArgsJSON()
				if !json.Valid([]byte(argsRaw)) {
					argsRaw = "{}"
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, call.ID, sanitizeToolName(call.Name)))
			}
		default:
			if txt := strings.TrimSpace(msg.Text); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items
}
