package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// TerminalPrompter asks on a terminal: y = allow, a = always, n = deny, q = abort.
type TerminalPrompter struct {
	in  *os.File
	out io.Writer

	// isTerminal is replaced in tests.
	isTerminal func(fd int) bool

	mu     sync.Mutex
	reader *bufio.Reader
}

func NewTerminalPrompter(in *os.File, out io.Writer) *TerminalPrompter {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	return &TerminalPrompter{
		in:         in,
		out:        out,
		isTerminal: term.IsTerminal,
		reader:     bufio.NewReader(in),
	}
}

func (p *TerminalPrompter) Prompt(ctx context.Context, req Request) Decision {
	if p == nil || p.in == nil {
		return NonInteractiveDenied
	}
	if !p.isTerminal(int(p.in.Fd())) {
		return NonInteractiveDenied
	}
	if ctx != nil && ctx.Err() != nil {
		return Aborted
	}

	// One question on the terminal at a time.
	p.mu.Lock()
	defer p.mu.Unlock()

	summary := strings.TrimSpace(req.DisplaySummary)
	if summary == "" {
		summary = req.ToolName
	}
	for {
		_, _ = fmt.Fprintf(p.out, "Allow %s? [y]es / [a]lways / [n]o / [q]uit: ", summary)
		line, err := p.reader.ReadString('\n')
		if err != nil && strings.TrimSpace(line) == "" {
			// EOF on the terminal: nobody can answer.
			return Aborted
		}
		if d, ok := parseAnswer(line); ok {
			return d
		}
	}
}

func parseAnswer(line string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return Allowed, true
	case "a", "always":
		return AllowedAlways, true
	case "n", "no":
		return Denied, true
	case "q", "quit", "abort":
		return Aborted, true
	default:
		return "", false
	}
}
