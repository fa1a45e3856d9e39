package provider

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/floegence/redeven-orchestrator/internal/config"
	"github.com/floegence/redeven-orchestrator/internal/loop"
	"github.com/floegence/redeven-orchestrator/internal/tools"
)

func TestSanitizeToolName(t *testing.T) {
	cases := map[string]string{
		"read_file":     "read_file",
		"mcp.fs.read":   "mcp_fs_read",
		"  spaced out ": "spaced_out",
		"___":           "tool",
		"":              "",
	}
	for in, want := range cases {
		if got := sanitizeToolName(in); got != want {
			t.Fatalf("sanitizeToolName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSchemaMapDefaults(t *testing.T) {
	got := schemaMap(nil)
	if got["type"] != "object" {
		t.Fatalf("type = %v, want object", got["type"])
	}
	if _, ok := got["properties"].(map[string]any); !ok {
		t.Fatalf("properties = %#v", got["properties"])
	}

	raw := tools.ObjectSchema(map[string]any{"task": map[string]any{"type": "string"}}, "task")
	got = schemaMap(raw)
	req := requiredFields(got["required"])
	if len(req) != 1 || req[0] != "task" {
		t.Fatalf("required = %v, want [task]", req)
	}
}

func TestDecodeArgs(t *testing.T) {
	if got := decodeArgs(`{"path":"a.txt"}`); got["path"] != "a.txt" {
		t.Fatalf("decodeArgs() = %v", got)
	}
	if got := decodeArgs("not json"); got == nil || len(got) != 0 {
		t.Fatalf("decodeArgs(invalid) = %v, want empty map", got)
	}
}

func TestStopReasonMapping(t *testing.T) {
	if got := mapAnthropicStopReason("tool_use"); got != "tool_calls" {
		t.Fatalf("mapAnthropicStopReason(tool_use) = %q", got)
	}
	if got := mapAnthropicStopReason("end_turn"); got != "stop" {
		t.Fatalf("mapAnthropicStopReason(end_turn) = %q", got)
	}
	if got := mapOpenAIStatus("incomplete"); got != "length" {
		t.Fatalf("mapOpenAIStatus(incomplete) = %q", got)
	}
	if got := mapOpenAIStatus("weird"); got != "unknown" {
		t.Fatalf("mapOpenAIStatus(weird) = %q", got)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("REDEVEN_TEST_KEY", "")
	_, err := New(&config.ProviderConfig{Type: config.ProviderAnthropic, APIKeyEnv: "REDEVEN_TEST_KEY"}, nil)
	if err == nil || !strings.Contains(err.Error(), "REDEVEN_TEST_KEY") {
		t.Fatalf("New() error = %v, want missing key error", err)
	}

	if _, err := New(&config.ProviderConfig{Type: "bogus"}, nil); err == nil {
		t.Fatalf("New(bogus) error = nil")
	}
}

func TestNewBuildsAdapters(t *testing.T) {
	t.Setenv("REDEVEN_TEST_KEY", "sk-test")
	m, err := New(&config.ProviderConfig{Type: config.ProviderOpenAI, APIKeyEnv: "REDEVEN_TEST_KEY"}, nil)
	if err != nil {
		t.Fatalf("New(openai) error = %v", err)
	}
	if om, ok := m.(*openAIModel); !ok || om.model != "gpt-5-mini" || om.maxTokens != 4096 {
		t.Fatalf("New(openai) = %#v", m)
	}

	m, err = New(&config.ProviderConfig{Type: config.ProviderAnthropic, APIKeyEnv: "REDEVEN_TEST_KEY", Model: "claude-x"}, nil)
	if err != nil {
		t.Fatalf("New(anthropic) error = %v", err)
	}
	if am, ok := m.(*anthropicModel); !ok || am.model != "claude-x" {
		t.Fatalf("New(anthropic) = %#v", m)
	}
}

func sampleHistory() []loop.Message {
	return []loop.Message{
		{Role: loop.RoleUser, Text: "list files"},
		{Role: loop.RoleAssistant, Text: "looking", ToolCalls: []tools.Call{
			{ID: "c1", Name: "list_dir", Args: map[string]any{"path": "."}},
			{ID: "c2", Name: "read_file", Args: map[string]any{"path": "a"}},
		}},
		{Role: loop.RoleTool, ToolResults: []tools.Result{tools.Success("c1", "a"), tools.Failure("c2", "x", "y")}},
		{Role: loop.RoleAssistant},
	}
}

func TestBuildAnthropicMessages(t *testing.T) {
	got := buildAnthropicMessages(sampleHistory())
	if len(got) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(got))
	}
	if len(got[1].Content) != 3 || len(got[2].Content) != 2 {
		t.Fatalf("blocks = %d, %d; want 3, 2", len(got[1].Content), len(got[2].Content))
	}
	if empty := buildAnthropicMessages(nil); len(empty) != 1 {
		t.Fatalf("empty history produced %d messages, want 1", len(empty))
	}
}

func TestBuildOpenAIInput(t *testing.T) {
	got := buildOpenAIInput(sampleHistory())
	// user, assistant text, two function calls, two outputs
	if len(got) != 6 {
		t.Fatalf("len(items) = %d, want 6", len(got))
	}
}

func TestBuildToolsKeepsAliases(t *testing.T) {
	defs := []tools.Definition{
		{Name: "mcp.fs.read", Description: "read", InputSchema: json.RawMessage(`{"type":"object","properties":{}}`)},
		{Name: ""},
	}
	at, aliases := buildAnthropicTools(defs)
	if len(at) != 1 || aliases["mcp_fs_read"] != "mcp.fs.read" {
		t.Fatalf("anthropic tools = %d, aliases = %v", len(at), aliases)
	}
	ot, aliases := buildOpenAITools(defs)
	if len(ot) != 1 || aliases["mcp_fs_read"] != "mcp.fs.read" {
		t.Fatalf("openai tools = %d, aliases = %v", len(ot), aliases)
	}
}

func TestParseNilResponses(t *testing.T) {
	if got := parseAnthropicMessage(nil, nil); got.Text != "" || len(got.ToolCalls) != 0 {
		t.Fatalf("parseAnthropicMessage(nil) = %+v", got)
	}
	if got := parseOpenAIResponse(nil, nil); got.Text != "" || len(got.ToolCalls) != 0 {
		t.Fatalf("parseOpenAIResponse(nil) = %+v", got)
	}
}
