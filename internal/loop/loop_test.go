package loop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/floegence/redeven-orchestrator/internal/approval"
	"github.com/floegence/redeven-orchestrator/internal/batch"
	"github.com/floegence/redeven-orchestrator/internal/interrupt"
	"github.com/floegence/redeven-orchestrator/internal/orchestration"
	"github.com/floegence/redeven-orchestrator/internal/tools"
)

// scriptedModel replays one response per request and records what it was sent.
type scriptedModel struct {
	mu        sync.Mutex
	responses []Response
	requests  []Request
}

func (m *scriptedModel) Complete(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.responses) == 0 {
		return Response{Text: "done"}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

type echoTool struct {
	mu    sync.Mutex
	calls map[string]int
}

func (e *echoTool) Execute(ctx context.Context, call tools.Call) (tools.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls == nil {
		e.calls = make(map[string]int)
	}
	e.calls[call.ID]++
	return tools.Success(call.ID, "echo:"+call.ID), nil
}

func (e *echoTool) count(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

func newTestLoop(t *testing.T, model Model, gate approval.Gate, flag *interrupt.Flag) (*Loop, *echoTool) {
	t.Helper()
	reg := tools.NewRegistry()
	tool := &echoTool{}
	if err := reg.Register(tools.Definition{Name: "echo", ThreadSafe: true}, tool); err != nil {
		t.Fatalf("Register(echo) error = %v", err)
	}
	if err := reg.Register(tools.Definition{Name: "reset"}, tools.HandlerFunc(func(ctx context.Context, call tools.Call) (tools.Result, error) {
		res := tools.Success(call.ID, "summary of earlier work")
		res.ResetConversation = true
		return res, nil
	})); err != nil {
		t.Fatalf("Register(reset) error = %v", err)
	}
	var checker interrupt.Checker
	if flag != nil {
		checker = flag
	}
	exec := batch.New(batch.Options{Registry: reg, Gate: gate, Interrupt: checker})
	l, err := New(Options{Model: model, Executor: exec, Registry: reg, Interrupt: checker, MaxIterations: 5})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, tool
}

func userConversation(text string) *Conversation {
	conv := NewConversation()
	conv.Append(Message{Role: RoleUser, Text: text})
	return conv
}

func echoCall(id string) tools.Call {
	return tools.Call{ID: id, Name: "echo"}
}

func TestRunWithoutToolCalls(t *testing.T) {
	model := &scriptedModel{responses: []Response{{Text: "hello"}}}
	l, _ := newTestLoop(t, model, nil, nil)

	conv := userConversation("hi")
	out, err := l.Run(context.Background(), conv, orchestration.New(orchestration.Options{}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != batch.StatusCompleted || out.Text != "hello" || out.Iterations != 1 {
		t.Fatalf("Run() = %+v", out)
	}
	msgs := conv.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Len() = %d, want 2", len(msgs))
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Text != "hello" {
		t.Fatalf("reply turn = %+v", msgs[1])
	}
}

func TestRunKeepsRepliesAcrossMessages(t *testing.T) {
	model := &scriptedModel{responses: []Response{{Text: "first answer"}, {Text: "second answer"}}}
	l, _ := newTestLoop(t, model, nil, nil)
	conv := userConversation("one")
	if _, err := l.Run(context.Background(), conv, orchestration.New(orchestration.Options{})); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	conv.Append(Message{Role: RoleUser, Text: "two"})
	if _, err := l.Run(context.Background(), conv, orchestration.New(orchestration.Options{})); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sent := model.requests[1].Messages
	var roles []string
	for _, m := range sent {
		roles = append(roles, string(m.Role)+":"+m.Text)
	}
	if got := strings.Join(roles, "|"); got != "user:one|assistant:first answer|user:two" {
		t.Fatalf("second request history = %s", got)
	}
}

func TestRunNeverExecutesReplayedCalls(t *testing.T) {
	model := &scriptedModel{responses: []Response{
		{ToolCalls: []tools.Call{echoCall("a"), echoCall("b")}},
		{ToolCalls: []tools.Call{echoCall("a"), echoCall("b"), echoCall("c")}},
		{Text: "replay only", ToolCalls: []tools.Call{echoCall("a"), echoCall("c")}},
	}}
	l, tool := newTestLoop(t, model, nil, nil)
	conv := userConversation("work")
	oc := orchestration.New(orchestration.Options{})

	out, err := l.Run(context.Background(), conv, oc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != batch.StatusCompleted || out.Iterations != 3 {
		t.Fatalf("Run() = %+v", out)
	}
	for _, id := range []string{"a", "b", "c"} {
		if got := tool.count(id); got != 1 {
			t.Fatalf("call %s executed %d times, want 1", id, got)
		}
	}
	if oc.ExecutedCount() != 3 {
		t.Fatalf("ExecutedCount() = %d, want 3", oc.ExecutedCount())
	}

	// The second assistant turn only carries the new call.
	msgs := conv.Messages()
	var assistantCalls [][]string
	for _, m := range msgs {
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
			var ids []string
			for _, c := range m.ToolCalls {
				ids = append(ids, c.ID)
			}
			assistantCalls = append(assistantCalls, ids)
		}
	}
	if len(assistantCalls) != 2 || strings.Join(assistantCalls[1], ",") != "c" {
		t.Fatalf("assistant tool calls = %v", assistantCalls)
	}
	if last := msgs[len(msgs)-1]; last.Role != RoleAssistant || last.Text != "replay only" {
		t.Fatalf("last message = %+v", last)
	}
}

func TestRunAssignsMissingCallIDs(t *testing.T) {
	model := &scriptedModel{responses: []Response{
		{ToolCalls: []tools.Call{{Name: "echo"}}},
	}}
	l, tool := newTestLoop(t, model, nil, nil)
	if _, err := l.Run(context.Background(), userConversation("x"), orchestration.New(orchestration.Options{})); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if tool.count("call_1_0") != 1 {
		t.Fatalf("generated id not used: %v", tool.calls)
	}
}

func TestRunStopsAtIterationLimit(t *testing.T) {
	var n int
	model := ModelFunc(func(ctx context.Context, req Request) (Response, error) {
		n++
		return Response{ToolCalls: []tools.Call{echoCall(strings.Repeat("x", n))}}, nil
	})
	l, _ := newTestLoop(t, model, nil, nil)

	_, err := l.Run(context.Background(), userConversation("loop"), orchestration.New(orchestration.Options{}))
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("Run() error = %v, want ErrMaxIterations", err)
	}
	if n != 5 {
		t.Fatalf("model calls = %d, want 5", n)
	}
}

func TestRunPropagatesAbort(t *testing.T) {
	model := &scriptedModel{responses: []Response{
		{ToolCalls: []tools.Call{echoCall("a")}},
		{ToolCalls: []tools.Call{echoCall("b"), echoCall("c")}},
	}}
	gate := approval.GateFunc(func(ctx context.Context, req approval.Request) approval.Decision {
		if req.RequestID == "b" {
			return approval.Aborted
		}
		return approval.Allowed
	})
	l, tool := newTestLoop(t, model, gate, nil)
	conv := userConversation("abort")

	out, err := l.Run(context.Background(), conv, orchestration.New(orchestration.Options{}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != batch.StatusAborted {
		t.Fatalf("Status = %v, want aborted", out.Status)
	}
	if tool.count("c") != 0 {
		t.Fatalf("call after abort executed")
	}

	// Every remaining assistant call has a matching result.
	msgs := conv.Messages()
	last := msgs[len(msgs)-2]
	if last.Role != RoleAssistant || len(last.ToolCalls) != 1 || last.ToolCalls[0].ID != "b" {
		t.Fatalf("trimmed assistant turn = %+v", last)
	}
}

func TestRunStopsOnInterrupt(t *testing.T) {
	flag := interrupt.New()
	model := &scriptedModel{responses: []Response{
		{ToolCalls: []tools.Call{echoCall("a")}},
		{ToolCalls: []tools.Call{echoCall("b")}},
	}}
	l, tool := newTestLoop(t, ModelFunc(func(ctx context.Context, req Request) (Response, error) {
		resp, err := model.Complete(ctx, req)
		flag.Trip()
		return resp, err
	}), nil, flag)

	out, err := l.Run(context.Background(), userConversation("x"), orchestration.New(orchestration.Options{}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != batch.StatusInterrupted {
		t.Fatalf("Status = %v, want interrupted", out.Status)
	}
	if tool.count("a") != 0 || tool.count("b") != 0 {
		t.Fatalf("calls ran after interrupt")
	}
	if !flag.Raised() {
		t.Fatalf("interrupt cleared by the loop")
	}
}

func TestRunResetConversation(t *testing.T) {
	model := &scriptedModel{responses: []Response{
		{Text: "thinking", ToolCalls: []tools.Call{echoCall("a")}},
		{ToolCalls: []tools.Call{{ID: "r", Name: "reset"}}},
		{Text: "fresh"},
	}}
	l, _ := newTestLoop(t, model, nil, nil)
	conv := userConversation("original task")

	if _, err := l.Run(context.Background(), conv, orchestration.New(orchestration.Options{})); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	final := model.requests[len(model.requests)-1].Messages
	if len(final) != 1 || final[0].Role != RoleUser {
		t.Fatalf("history after reset = %+v", final)
	}
	if !strings.HasPrefix(final[0].Text, "original task") || !strings.Contains(final[0].Text, "summary of earlier work") {
		t.Fatalf("reset turn = %q", final[0].Text)
	}
}

func TestRunSendsToolDefinitions(t *testing.T) {
	model := &scriptedModel{responses: []Response{{Text: "ok"}}}
	l, _ := newTestLoop(t, model, nil, nil)
	if _, err := l.Run(context.Background(), userConversation("x"), orchestration.New(orchestration.Options{})); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	b, _ := json.Marshal(model.requests[0].Tools)
	if !strings.Contains(string(b), `"echo"`) || !strings.Contains(string(b), `"reset"`) {
		t.Fatalf("tools = %s", b)
	}
}

func TestModelErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	l, _ := newTestLoop(t, ModelFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{}, boom
	}), nil, nil)
	if _, err := l.Run(context.Background(), userConversation("x"), orchestration.New(orchestration.Options{})); !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want wrapped boom", err)
	}
}

func TestResetKeepsLatestUserTurn(t *testing.T) {
	conv := userConversation("first task: list files")
	conv.Append(Message{Role: RoleAssistant, Text: "listed"})
	conv.Append(Message{Role: RoleUser, Text: "second task: refactor parser"})
	conv.Append(Message{Role: RoleAssistant, ToolCalls: []tools.Call{{ID: "r", Name: "reset"}}})

	res := tools.Success("r", "summary")
	res.ResetConversation = true
	conv.AppendResults([]tools.Result{res, tools.Success("a", "after")})

	msgs := conv.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("history after reset = %+v", msgs)
	}
	text := msgs[0].Text
	if !strings.HasPrefix(text, "second task: refactor parser") {
		t.Fatalf("reset turn = %q, want latest user request first", text)
	}
	if strings.Contains(text, "first task") {
		t.Fatalf("reset turn kept an earlier request: %q", text)
	}
	if !strings.Contains(text, "summary") || !strings.Contains(text, "[a] after") {
		t.Fatalf("reset turn = %q, want summary and later results", text)
	}
}

func TestAppendResultsWithoutReset(t *testing.T) {
	conv := userConversation("q")
	conv.AppendResults([]tools.Result{tools.Success("a", "1")})
	conv.AppendResults(nil)
	if conv.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", conv.Len())
	}
}
