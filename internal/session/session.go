package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/floegence/redeven-orchestrator/internal/approval"
	"github.com/floegence/redeven-orchestrator/internal/batch"
	"github.com/floegence/redeven-orchestrator/internal/config"
	"github.com/floegence/redeven-orchestrator/internal/interrupt"
	"github.com/floegence/redeven-orchestrator/internal/loop"
	"github.com/floegence/redeven-orchestrator/internal/orchestration"
	"github.com/floegence/redeven-orchestrator/internal/runstore"
	"github.com/floegence/redeven-orchestrator/internal/subagent"
	"github.com/floegence/redeven-orchestrator/internal/tools"
)

// Result codes returned by ProcessMessage. They match batch.Status so an
// interrupted batch surfaces unchanged.
const (
	ResultOK          = 0
	ResultFailed      = 1
	ResultAborted     = int(batch.StatusAborted)
	ResultInterrupted = int(batch.StatusInterrupted)
)

const (
	systemPrompt = `You are a coding orchestrator working in a local repository.
Use the available tools to inspect and change files. Independent read-only calls may be issued together.
Delegate self-contained investigations with the subagent tool (one per turn) and collect results with subagent_status.
Call reset_context with a summary when the conversation grows too long.`

	workerSystemPrompt = `You are a subagent working on one delegated task in a local repository.
Use the available tools, then answer with a concise, self-contained result for the delegating agent.
You cannot spawn further subagents.`
)

type Options struct {
	// ID identifies the session in the journal and run ledger. Empty generates one.
	ID     string
	Config *config.Config

	Model loop.Model
	// Gate approves tool calls and requests proxied from subagents.
	Gate approval.Gate
	// External serves mcp_-prefixed tools; nil sends them to the registry.
	External tools.Handler

	// Interrupt defaults to interrupt.Process().
	Interrupt *interrupt.Flag

	// Worker marks a session running inside a subagent process.
	Worker bool

	Journal  batch.Journal
	Runs     *runstore.Store
	Reporter batch.Reporter

	// Command overrides how subagent workers are started.
	Command subagent.CommandFunc
	// OnReply receives the final assistant text of every message.
	OnReply func(text string)

	Log *slog.Logger
}

// Session owns the conversation and every collaborator one message needs.
type Session struct {
	id        string
	conv      *loop.Conversation
	loop      *loop.Loop
	registry  *tools.Registry
	cache     *tools.Cache
	manager   *subagent.Manager
	ledger    orchestration.Ledger
	interrupt *interrupt.Flag
	onReply   func(text string)
	log       *slog.Logger

	mu        sync.Mutex
	lastReply string
}

func New(opts Options) (*Session, error) {
	if opts.Model == nil {
		return nil, errors.New("missing model")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	flag := opts.Interrupt
	if flag == nil {
		flag = interrupt.Process()
	}
	gate := opts.Gate
	if gate == nil {
		gate = approval.NewPolicyGate(approval.PolicyGateOptions{Policy: cfg.EffectiveApprovalPolicy(), Log: logger})
	}

	s := &Session{
		id:        id,
		conv:      loop.NewConversation(),
		registry:  tools.NewRegistry(),
		cache:     tools.NewCache(),
		interrupt: flag,
		onReply:   opts.OnReply,
		log:       logger.With("component", "session", "session_id", id),
	}

	if err := tools.RegisterBuiltins(s.registry, tools.BuiltinOptions{
		Root:  cfg.RootDir,
		Shell: cfg.Shell,
		Cache: s.cache,
		Log:   logger,
	}); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	var recorder subagent.Recorder
	if opts.Runs != nil {
		recorder = opts.Runs
		s.ledger = opts.Runs
	}
	s.manager = subagent.NewManager(subagent.Options{
		MaxConcurrent: cfg.EffectiveSubagentMaxConcurrent(),
		Timeout:       cfg.EffectiveSubagentTimeout(),
		IsSubagent:    opts.Worker,
		Gate:          gate,
		Interrupt:     flag,
		Command:       opts.Command,
		SessionID:     id,
		Recorder:      recorder,
		Log:           logger,
	})
	if err := subagent.RegisterTools(s.registry, s.manager); err != nil {
		return nil, fmt.Errorf("register subagent tools: %w", err)
	}

	exec := batch.New(batch.Options{
		Registry:    s.registry,
		Gate:        gate,
		External:    opts.External,
		Interrupt:   flag,
		Parallelism: cfg.EffectiveBatchParallelism(),
		SessionID:   id,
		Journal:     opts.Journal,
		Reporter:    opts.Reporter,
		Log:         logger,
	})

	system := systemPrompt
	if opts.Worker {
		system = workerSystemPrompt
	}
	l, err := loop.New(loop.Options{
		Model:         opts.Model,
		Executor:      exec,
		Registry:      s.registry,
		Interrupt:     flag,
		System:        system,
		MaxIterations: cfg.EffectiveLoopMaxIterations(),
		Log:           logger,
	})
	if err != nil {
		return nil, err
	}
	s.loop = l
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Manager() *subagent.Manager { return s.manager }

func (s *Session) Registry() *tools.Registry { return s.registry }

func (s *Session) Conversation() *loop.Conversation { return s.conv }

// ProcessMessage runs one user message to completion. It returns ResultOK,
// ResultFailed, ResultAborted or ResultInterrupted.
func (s *Session) ProcessMessage(ctx context.Context, message string) int {
	if s == nil {
		return ResultFailed
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return ResultFailed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.conv.Append(loop.Message{Role: loop.RoleUser, Text: message})
	oc := orchestration.New(orchestration.Options{SessionID: s.id, Ledger: s.ledger})

	out, err := s.loop.Run(ctx, s.conv, oc)
	s.log.Debug("message processed",
		"status", out.Status.String(),
		"iterations", out.Iterations,
		"executed_calls", oc.ExecutedCount(),
	)
	if err != nil {
		if ctx.Err() != nil || s.interrupt.Raised() {
			return ResultInterrupted
		}
		s.log.Error("message failed", "error", err)
		return ResultFailed
	}
	if out.Status != batch.StatusCompleted {
		return int(out.Status)
	}

	s.mu.Lock()
	s.lastReply = out.Text
	s.mu.Unlock()
	if s.onReply != nil && strings.TrimSpace(out.Text) != "" {
		s.onReply(out.Text)
	}
	return ResultOK
}

// LastReply is the final assistant text of the last completed message.
func (s *Session) LastReply() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReply
}

// Close terminates running subagents.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	return s.manager.Close()
}
