package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floegence/redeven-orchestrator/internal/batch"
	"github.com/floegence/redeven-orchestrator/internal/interrupt"
	"github.com/floegence/redeven-orchestrator/internal/orchestration"
	"github.com/floegence/redeven-orchestrator/internal/tools"
)

const DefaultMaxIterations = 50

var ErrMaxIterations = errors.New("iterative loop reached its iteration limit")

// Request is what the loop sends to the model on every pass.
type Request struct {
	System   string
	Messages []Message
	Tools    []tools.Definition
}

// Response is the parsed model reply.
type Response struct {
	Text       string
	ToolCalls  []tools.Call
	StopReason string
}

// Model is the language-model collaborator.
type Model interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

type ModelFunc func(ctx context.Context, req Request) (Response, error)

func (f ModelFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

type Options struct {
	Model     Model
	Executor  *batch.Executor
	Registry  *tools.Registry
	Interrupt interrupt.Checker

	System        string
	MaxIterations int
	Log           *slog.Logger
}

// Loop drives model turns and tool batches for one conversation.
type Loop struct {
	model         Model
	executor      *batch.Executor
	registry      *tools.Registry
	interrupt     interrupt.Checker
	system        string
	maxIterations int
	log           *slog.Logger
}

func New(opts Options) (*Loop, error) {
	if opts.Model == nil {
		return nil, errors.New("missing model")
	}
	if opts.Executor == nil {
		return nil, errors.New("missing batch executor")
	}
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	registry := opts.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Loop{
		model:         opts.Model,
		executor:      opts.Executor,
		registry:      registry,
		interrupt:     opts.Interrupt,
		system:        opts.System,
		maxIterations: maxIter,
		log:           logger.With("component", "loop"),
	}, nil
}

// Outcome summarizes one workflow.
type Outcome struct {
	Status     batch.Status
	Text       string
	Iterations int
}

// Run executes one workflow on conv, which must already end with the user turn.
//
// The first batch runs in direct mode; its ids are then marked executed and every
// further batch runs in compact mode so replayed calls never run twice.
func (l *Loop) Run(ctx context.Context, conv *Conversation, oc *orchestration.Context) (Outcome, error) {
	resp, err := l.complete(ctx, conv)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Text: resp.Text, Iterations: 1}
	if len(resp.ToolCalls) == 0 {
		if strings.TrimSpace(resp.Text) != "" {
			conv.Append(Message{Role: RoleAssistant, Text: resp.Text})
		}
		return out, nil
	}

	calls := ensureCallIDs(resp.ToolCalls, 1)
	conv.Append(Message{Role: RoleAssistant, Text: resp.Text, ToolCalls: calls})
	first := l.executor.Execute(ctx, oc, calls, false)
	conv.AppendResults(first.Results)
	for _, call := range calls {
		if err := oc.MarkExecuted(call.ID); err != nil {
			l.log.Warn("mark executed failed", "call_id", call.ID, "error", err)
		}
	}
	if first.Status != batch.StatusCompleted {
		out.Status = first.Status
		return out, nil
	}

	// The first pass counts against the cap.
	for out.Iterations < l.maxIterations {
		if l.interruptPending(ctx) {
			out.Status = batch.StatusInterrupted
			return out, nil
		}
		oc.ResetBatch()

		resp, err := l.complete(ctx, conv)
		if err != nil {
			return out, err
		}
		out.Iterations++
		out.Text = resp.Text
		calls := ensureCallIDs(resp.ToolCalls, out.Iterations)

		fresh := make([]tools.Call, 0, len(calls))
		for _, call := range calls {
			if !oc.IsDuplicate(call.ID) {
				fresh = append(fresh, call)
			}
		}
		if len(fresh) == 0 {
			if len(calls) > 0 {
				l.log.Debug("model only replayed executed calls", "calls", len(calls))
			}
			if strings.TrimSpace(resp.Text) != "" {
				conv.Append(Message{Role: RoleAssistant, Text: resp.Text})
			}
			return out, nil
		}

		conv.Append(Message{Role: RoleAssistant, Text: resp.Text, ToolCalls: fresh})
		res := l.executor.Execute(ctx, oc, calls, true)
		keep := make(map[string]struct{}, len(res.Results))
		for _, r := range res.Results {
			keep[r.CallID] = struct{}{}
		}
		conv.TrimLastAssistantCalls(keep)
		conv.AppendResults(res.Results)
		if res.Status != batch.StatusCompleted {
			out.Status = res.Status
			return out, nil
		}
	}

	l.log.Warn("iteration limit reached", "max_iterations", l.maxIterations)
	return out, fmt.Errorf("%w (%d)", ErrMaxIterations, l.maxIterations)
}

func (l *Loop) complete(ctx context.Context, conv *Conversation) (Response, error) {
	resp, err := l.model.Complete(ctx, Request{
		System:   l.system,
		Messages: conv.Messages(),
		Tools:    l.registry.Snapshot(),
	})
	if err != nil {
		return Response{}, fmt.Errorf("model request failed: %w", err)
	}
	return resp, nil
}

// interruptPending leaves the signal raised for the outer handler.
func (l *Loop) interruptPending(ctx context.Context) bool {
	if l.interrupt != nil && l.interrupt.Pending() {
		l.interrupt.Acknowledge()
		return true
	}
	return ctx.Err() != nil
}

// ensureCallIDs assigns ids to calls the model left unnamed.
func ensureCallIDs(calls []tools.Call, pass int) []tools.Call {
	out := make([]tools.Call, len(calls))
	for i, call := range calls {
		if strings.TrimSpace(call.ID) == "" {
			call.ID = fmt.Sprintf("call_%d_%d", pass, i)
		}
		out[i] = call
	}
	return out
}
