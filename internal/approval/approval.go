package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/floegence/redeven-orchestrator/internal/tools"
)

// Decision is the verdict of the approval-policy collaborator.
type Decision string

const (
	Allowed              Decision = "allowed"
	AllowedAlways        Decision = "allowed_always"
	Denied               Decision = "denied"
	RateLimited          Decision = "rate_limited"
	NonInteractiveDenied Decision = "non_interactive_denied"
	Aborted              Decision = "aborted"
)

// ParseDecision maps a wire value to a Decision. Unknown values deny.
func ParseDecision(raw string) Decision {
	switch d := Decision(strings.ToLower(strings.TrimSpace(raw))); d {
	case Allowed, AllowedAlways, Denied, RateLimited, NonInteractiveDenied, Aborted:
		return d
	default:
		return Denied
	}
}

// Outcome is what the batch executor does with a Decision.
type Outcome int

const (
	Proceed Outcome = iota
	Blocked
	Abort
)

func (d Decision) Outcome() Outcome {
	switch d {
	case Allowed, AllowedAlways:
		return Proceed
	case Aborted:
		return Abort
	default:
		return Blocked
	}
}

// Request is one pending-approval record. It is also the wire frame sent by a subagent.
type Request struct {
	RequestID      string `json:"request_id"`
	ToolName       string `json:"tool_name"`
	ArgumentsJSON  string `json:"arguments_json"`
	DisplaySummary string `json:"display_summary"`
	Mutating       bool   `json:"mutating,omitempty"`
}

// Response is the decision record written back to a subagent.
type Response struct {
	RequestID string   `json:"request_id"`
	Result    Decision `json:"result"`
	Pattern   string   `json:"pattern,omitempty"`
}

// Gate decides whether a tool call may run.
type Gate interface {
	Evaluate(ctx context.Context, req Request) Decision
}

type GateFunc func(ctx context.Context, req Request) Decision

func (f GateFunc) Evaluate(ctx context.Context, req Request) Decision {
	return f(ctx, req)
}

// AllowAll approves every request.
var AllowAll Gate = GateFunc(func(ctx context.Context, req Request) Decision { return Allowed })

const summaryMaxLen = 160

// RequestForCall builds the approval request for a call.
func RequestForCall(call tools.Call, mutating bool) Request {
	return Request{
		RequestID:      call.ID,
		ToolName:       strings.TrimSpace(call.Name),
		ArgumentsJSON:  call.ArgsJSON(),
		DisplaySummary: Summarize(call),
		Mutating:       mutating,
	}
}

// Summarize renders a one-line description of a call for prompts and logs.
func Summarize(call tools.Call) string {
	name := strings.TrimSpace(call.Name)
	var detail string
	switch {
	case name == tools.ShellToolName:
		detail = tools.CommandFromArgs(call.Args)
	default:
		for _, key := range []string{"path", "file_path", "directory", "task", "subagent_id"} {
			if v, ok := call.Args[key].(string); ok && strings.TrimSpace(v) != "" {
				detail = strings.TrimSpace(v)
				break
			}
		}
	}
	if detail == "" {
		return name
	}
	s := fmt.Sprintf("%s: %s", name, strings.Join(strings.Fields(detail), " "))
	if len(s) > summaryMaxLen {
		s = s[:summaryMaxLen-3] + "..."
	}
	return s
}

// BlockedResult is the policy-supplied result for a blocked call.
func BlockedResult(callID string, toolName string, d Decision) tools.Result {
	switch d {
	case RateLimited:
		return tools.Failure(callID, "rate_limited", fmt.Sprintf("Tool %s was rate limited by the approval policy. Try again later.", toolName))
	case NonInteractiveDenied:
		return tools.Failure(callID, "non_interactive", fmt.Sprintf("Tool %s requires approval but no interactive terminal is available.", toolName))
	default:
		return tools.Failure(callID, "permission_denied", fmt.Sprintf("Tool %s was denied by the approval policy.", toolName))
	}
}
