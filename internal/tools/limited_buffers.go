package tools

import (
	"bytes"
	"io"
	"sync"
)

// LimitedBuffers captures process output up to a shared byte budget.
// Writes past the budget are dropped but reported as successful so the
// child process never blocks on a full pipe.
type LimitedBuffers struct {
	max int

	mu        sync.Mutex
	used      int
	truncated bool

	stdout   bytes.Buffer
	stderr   bytes.Buffer
	combined bytes.Buffer
}

func NewLimitedBuffers(max int) *LimitedBuffers {
	if max <= 0 {
		max = 1
	}
	return &LimitedBuffers{max: max}
}

func (b *LimitedBuffers) Stdout() io.Writer { return limitedWriter{b: b, stream: streamStdout} }
func (b *LimitedBuffers) Stderr() io.Writer { return limitedWriter{b: b, stream: streamStderr} }

func (b *LimitedBuffers) StdoutString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stdout.String()
}

func (b *LimitedBuffers) StderrString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stderr.String()
}

// CombinedString returns stdout and stderr interleaved in write order.
func (b *LimitedBuffers) CombinedString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.combined.String()
}

func (b *LimitedBuffers) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *LimitedBuffers) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

type outputStream int

const (
	streamStdout outputStream = iota
	streamStderr
)

type limitedWriter struct {
	b      *LimitedBuffers
	stream outputStream
}

func (w limitedWriter) Write(p []byte) (int, error) {
	if w.b == nil || len(p) == 0 {
		return len(p), nil
	}

	w.b.mu.Lock()
	defer w.b.mu.Unlock()

	if w.b.truncated || w.b.used >= w.b.max {
		w.b.truncated = true
		return len(p), nil
	}

	n := len(p)
	if remain := w.b.max - w.b.used; n > remain {
		n = remain
		w.b.truncated = true
	}
	if n > 0 {
		if w.stream == streamStderr {
			_, _ = w.b.stderr.Write(p[:n])
		} else {
			_, _ = w.b.stdout.Write(p[:n])
		}
		_, _ = w.b.combined.Write(p[:n])
		w.b.used += n
	}
	return len(p), nil
}
