package subagent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/redeven-orchestrator/internal/tools"
)

const (
	SpawnToolName  = "subagent"
	StatusToolName = "subagent_status"
)

type spawnArgs struct {
	Task    string `mapstructure:"task"`
	Context string `mapstructure:"context"`
}

type statusArgs struct {
	SubagentID string `mapstructure:"subagent_id"`
	Wait       bool   `mapstructure:"wait"`
}

// RegisterTools adds the delegation tools backed by m.
func RegisterTools(reg *tools.Registry, m *Manager) error {
	if reg == nil {
		return errors.New("nil registry")
	}
	if err := reg.Register(tools.Definition{
		Name:        SpawnToolName,
		Description: "Delegate a self-contained task to a subagent running in a separate process. Only one subagent can be spawned per turn.",
		InputSchema: tools.ObjectSchema(map[string]any{
			"task":    map[string]any{"type": "string", "description": "Task for the subagent."},
			"context": map[string]any{"type": "string", "description": "Optional background the subagent needs."},
		}),
		Mutating: true,
	}, tools.HandlerFunc(func(ctx context.Context, call tools.Call) (tools.Result, error) {
		return spawnTool(ctx, m, call), nil
	})); err != nil {
		return err
	}
	return reg.Register(tools.Definition{
		Name:        StatusToolName,
		Description: "Check a subagent. With wait=true, block until it finishes.",
		InputSchema: tools.ObjectSchema(map[string]any{
			"subagent_id": map[string]any{"type": "string"},
			"wait":        map[string]any{"type": "boolean"},
		}),
	}, tools.HandlerFunc(func(ctx context.Context, call tools.Call) (tools.Result, error) {
		return statusTool(ctx, m, call), nil
	}))
}

func errorResult(callID string, message string) tools.Result {
	return tools.Result{CallID: callID, Output: tools.JSONOutput(map[string]string{"error": message})}
}

func spawnTool(ctx context.Context, m *Manager, call tools.Call) tools.Result {
	var args spawnArgs
	if err := tools.DecodeArgs(call.Args, &args); err != nil {
		return tools.Failure(call.ID, tools.ErrorCodeInvalidArguments, err.Error())
	}
	if strings.TrimSpace(args.Task) == "" {
		return errorResult(call.ID, "Task parameter is required")
	}

	id, err := m.Spawn(ctx, args.Task, args.Context)
	switch {
	case err == nil:
	case errors.Is(err, ErrRecursiveSpawn):
		return errorResult(call.ID, "Subagents cannot spawn additional subagents")
	case errors.Is(err, ErrMaxSubagents):
		return errorResult(call.ID, fmt.Sprintf("Maximum number of concurrent subagents (%d) reached", m.MaxConcurrent()))
	default:
		return errorResult(call.ID, fmt.Sprintf("Failed to spawn subagent: %v", err))
	}
	return tools.Success(call.ID, tools.JSONOutput(map[string]string{
		"subagent_id": id,
		"status":      string(StatusRunning),
		"message":     "Subagent spawned successfully",
	}))
}

func statusTool(ctx context.Context, m *Manager, call tools.Call) tools.Result {
	var args statusArgs
	if err := tools.DecodeArgs(call.Args, &args); err != nil {
		return tools.Failure(call.ID, tools.ErrorCodeInvalidArguments, err.Error())
	}
	if strings.TrimSpace(args.SubagentID) == "" {
		return errorResult(call.ID, "subagent_id parameter is required")
	}

	snap, err := m.GetStatus(ctx, args.SubagentID, args.Wait)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errorResult(call.ID, "Subagent not found")
		}
		return errorResult(call.ID, err.Error())
	}

	switch snap.Status {
	case StatusRunning:
		out := map[string]any{
			"status":  string(StatusRunning),
			"message": "Subagent is still running",
		}
		if st, err := m.Stats(ctx, snap.ID); err == nil {
			out["cpu_percent"] = st.CPUPercent
			out["memory_bytes"] = st.MemoryBytes
		}
		return tools.Success(call.ID, tools.JSONOutput(out))
	case StatusCompleted:
		return tools.Success(call.ID, tools.JSONOutput(map[string]string{
			"status": string(snap.Status),
			"result": snap.Result,
		}))
	default:
		// A finished-but-failed subagent is still a successful status query.
		return tools.Success(call.ID, tools.JSONOutput(map[string]string{
			"status": string(snap.Status),
			"error":  snap.Error,
		}))
	}
}
