package tools

import (
	"context"
	"encoding/json"
	"strings"
)

// ShellToolName is the builtin whose approval depends on its command argument.
const ShellToolName = "shell"

// ExternalToolPrefix marks tools served by an external tool protocol.
const ExternalToolPrefix = "mcp_"

// Call is one tool invocation parsed from a model response.
type Call struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ArgsJSON returns the canonical JSON encoding of the call arguments.
// encoding/json sorts map keys, so equal argument sets encode identically.
func (c Call) ArgsJSON() string {
	if len(c.Args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c.Args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (c Call) IsExternal() bool {
	return strings.HasPrefix(strings.TrimSpace(c.Name), ExternalToolPrefix)
}

// Result is the outcome of one call.
type Result struct {
	CallID  string `json:"call_id"`
	Output  string `json:"output"`
	Success bool   `json:"success"`

	// ResetConversation asks the caller to drop prior conversation context
	// before appending this result.
	ResetConversation bool `json:"reset_conversation,omitempty"`
}

// Definition is the static metadata of a registered tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// ThreadSafe tools may run concurrently with other thread-safe tools.
	ThreadSafe bool `json:"thread_safe,omitempty"`
	Mutating   bool `json:"mutating,omitempty"`
}

type Handler interface {
	Execute(ctx context.Context, call Call) (Result, error)
}

type HandlerFunc func(ctx context.Context, call Call) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}
