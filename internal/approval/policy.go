package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/floegence/redeven-orchestrator/internal/config"
	"github.com/floegence/redeven-orchestrator/internal/tools"
)

const rateLimitWindow = time.Minute

// Prompter asks a human about one request.
type Prompter interface {
	Prompt(ctx context.Context, req Request) Decision
}

// PolicyGateOptions configures a PolicyGate.
type PolicyGateOptions struct {
	Policy   *config.ApprovalPolicy
	Prompter Prompter
	Log      *slog.Logger

	// Now is overridable for rate-limit tests.
	Now func() time.Time
}

// PolicyGate applies an ApprovalPolicy, consulting the Prompter in prompt mode.
//
// The same gate serves local calls and requests proxied from subagents, so it is
// safe for concurrent use.
type PolicyGate struct {
	policy   *config.ApprovalPolicy
	prompter Prompter
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	always   map[string]struct{}
	approved []time.Time
}

func NewPolicyGate(opts PolicyGateOptions) *PolicyGate {
	policy := opts.Policy
	if policy == nil {
		policy = config.DefaultApprovalPolicy()
	}
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PolicyGate{
		policy:   policy,
		prompter: opts.Prompter,
		log:      logger.With("component", "approval"),
		now:      now,
		always:   make(map[string]struct{}),
	}
}

func (g *PolicyGate) Evaluate(ctx context.Context, req Request) Decision {
	if g == nil {
		return Denied
	}
	d := g.evaluate(ctx, req)
	g.log.Debug("approval decision", "tool", req.ToolName, "request_id", req.RequestID, "decision", string(d))
	return d
}

func (g *PolicyGate) evaluate(ctx context.Context, req Request) Decision {
	toolName := strings.TrimSpace(req.ToolName)
	if g.policy.IsDenied(toolName) {
		return Denied
	}
	if g.policy.BlockDangerousCommands && tools.IsDangerousInvocation(toolName, decodeArguments(req.ArgumentsJSON)) {
		g.log.Warn("dangerous command blocked", "summary", req.DisplaySummary)
		return Denied
	}

	d := g.decide(ctx, req, toolName)
	if d.Outcome() != Proceed {
		return d
	}
	if !g.admit() {
		return RateLimited
	}
	return d
}

func (g *PolicyGate) decide(ctx context.Context, req Request, toolName string) Decision {
	g.mu.Lock()
	_, remembered := g.always[toolName]
	g.mu.Unlock()
	if remembered || g.policy.IsAllowed(toolName) {
		return Allowed
	}

	switch g.policy.EffectiveMode() {
	case config.ApprovalModeAuto:
		return Allowed
	case config.ApprovalModeDeny:
		if req.Mutating {
			return Denied
		}
		return Allowed
	}

	if !req.Mutating {
		return Allowed
	}
	if g.prompter == nil {
		return NonInteractiveDenied
	}
	d := g.prompter.Prompt(ctx, req)
	if d == AllowedAlways {
		g.mu.Lock()
		g.always[toolName] = struct{}{}
		g.mu.Unlock()
	}
	return d
}

// admit records one approval against the rate limit.
func (g *PolicyGate) admit() bool {
	limit := g.policy.RateLimitPerMinute
	if limit <= 0 {
		return true
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-rateLimitWindow)
	kept := g.approved[:0]
	for _, ts := range g.approved {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.approved = kept
	if len(g.approved) >= limit {
		return false
	}
	g.approved = append(g.approved, now)
	return true
}

// Remembered reports whether toolName was approved with "always".
func (g *PolicyGate) Remembered(toolName string) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.always[strings.TrimSpace(toolName)]
	return ok
}

// decodeArguments parses a request's argument JSON; malformed input yields nil.
func decodeArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	return args
}
