package orchestration

import (
	"errors"
	"strings"
)

// DefaultDelegationTool is the tool name that spawns a subagent.
const DefaultDelegationTool = "subagent"

// Ledger persists executed call ids. Failures are ignored by Context.
type Ledger interface {
	RecordExecutedCall(sessionID string, callID string) error
}

// Context tracks which tool calls already ran in one workflow and whether a
// delegation happened in the current batch.
//
// It is owned by the batch executor loop and is not safe for concurrent use.
type Context struct {
	sessionID      string
	delegationTool string

	executed          map[string]struct{}
	delegationInBatch bool

	ledger Ledger
}

type Options struct {
	SessionID      string
	DelegationTool string
	Ledger         Ledger
}

func New(opts Options) *Context {
	tool := strings.TrimSpace(opts.DelegationTool)
	if tool == "" {
		tool = DefaultDelegationTool
	}
	return &Context{
		sessionID:      strings.TrimSpace(opts.SessionID),
		delegationTool: tool,
		executed:       make(map[string]struct{}),
		ledger:         opts.Ledger,
	}
}

func (c *Context) DelegationTool() string {
	if c == nil {
		return DefaultDelegationTool
	}
	return c.delegationTool
}

func (c *Context) IsDuplicate(id string) bool {
	if c == nil {
		return false
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	_, ok := c.executed[id]
	return ok
}

func (c *Context) MarkExecuted(id string) error {
	if c == nil {
		return errors.New("orchestration context not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing call id")
	}
	if _, ok := c.executed[id]; ok {
		return nil
	}
	c.executed[id] = struct{}{}
	if c.ledger != nil {
		_ = c.ledger.RecordExecutedCall(c.sessionID, id)
	}
	return nil
}

// CanSpawnDelegate returns true for every non-delegation tool. For the
// delegation tool it returns true once per batch.
func (c *Context) CanSpawnDelegate(toolName string) bool {
	if c == nil {
		return true
	}
	if strings.TrimSpace(toolName) != c.delegationTool {
		return true
	}
	if c.delegationInBatch {
		return false
	}
	c.delegationInBatch = true
	return true
}

func (c *Context) ResetBatch() {
	if c == nil {
		return
	}
	c.delegationInBatch = false
}

func (c *Context) ExecutedCount() int {
	if c == nil {
		return 0
	}
	return len(c.executed)
}
