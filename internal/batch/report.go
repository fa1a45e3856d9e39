package batch

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/floegence/redeven-orchestrator/internal/tools"
)

const errorSummaryMax = 120

// Reporter renders per-call progress for a human.
type Reporter interface {
	ToolFinished(call tools.Call, res tools.Result, elapsed time.Duration)
	Cancelled(completed int, total int)
}

// TextReporter writes one line per call.
type TextReporter struct {
	mu  sync.Mutex
	out io.Writer
}

func NewTextReporter(out io.Writer) *TextReporter {
	return &TextReporter{out: out}
}

func (r *TextReporter) ToolFinished(call tools.Call, res tools.Result, elapsed time.Duration) {
	if r == nil || r.out == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.Success {
		_, _ = fmt.Fprintf(r.out, "  + %s (%s)\n", call.Name, elapsed.Round(time.Millisecond))
		return
	}
	_, _ = fmt.Fprintf(r.out, "  x %s: %s\n", call.Name, ErrorSummary(res.Output))
}

func (r *TextReporter) Cancelled(completed int, total int) {
	if r == nil || r.out == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, "cancelled (%d/%d tools completed)\n", completed, total)
}

// ErrorSummary extracts the message of a JSON error body and truncates it.
func ErrorSummary(output string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(output)
	if err := json.Unmarshal([]byte(msg), &body); err == nil {
		switch {
		case strings.TrimSpace(body.Message) != "":
			msg = body.Message
		case strings.TrimSpace(body.Error) != "":
			msg = body.Error
		}
	}
	return truncate(strings.Join(strings.Fields(msg), " "), errorSummaryMax)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
