package loop

import (
	"fmt"
	"strings"
	"sync"

	"github.com/floegence/redeven-orchestrator/internal/tools"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation turn. Assistant turns may carry tool calls;
// tool turns carry the results of the preceding assistant turn.
type Message struct {
	Role        Role           `json:"role"`
	Text        string         `json:"text,omitempty"`
	ToolCalls   []tools.Call   `json:"tool_calls,omitempty"`
	ToolResults []tools.Result `json:"tool_results,omitempty"`
}

// Conversation is the in-memory history of one session.
type Conversation struct {
	mu       sync.Mutex
	messages []Message
}

func NewConversation() *Conversation {
	return &Conversation{}
}

func (c *Conversation) Append(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// TrimLastAssistantCalls drops tool calls of the last assistant turn that have no result.
func (c *Conversation) TrimLastAssistantCalls(keep map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role != RoleAssistant {
			continue
		}
		kept := c.messages[i].ToolCalls[:0:0]
		for _, call := range c.messages[i].ToolCalls {
			if _, ok := keep[call.ID]; ok {
				kept = append(kept, call)
			}
		}
		c.messages[i].ToolCalls = kept
		return
	}
}

// AppendResults records one batch of results. A result asking for a reset clears
// the history down to the latest user turn, which then carries the reset summary
// and any results that followed it.
func (c *Conversation) AppendResults(results []tools.Result) {
	if len(results) == 0 {
		return
	}
	last := -1
	for i, r := range results {
		if r.ResetConversation {
			last = i
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if last < 0 {
		c.messages = append(c.messages, Message{Role: RoleTool, ToolResults: results})
		return
	}

	var b strings.Builder
	b.WriteString("The conversation context was reset.\n\n")
	b.WriteString(results[last].Output)
	for _, r := range results[last+1:] {
		fmt.Fprintf(&b, "\n\n[%s] %s", r.CallID, r.Output)
	}

	current := Message{Role: RoleUser}
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == RoleUser {
			current = c.messages[i]
			break
		}
	}
	if strings.TrimSpace(current.Text) != "" {
		current.Text += "\n\n" + b.String()
	} else {
		current.Text = b.String()
	}
	c.messages = []Message{current}
}
