package approval

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultProxyResponseTimeout bounds how long a subagent waits for its parent.
	DefaultProxyResponseTimeout = 5 * time.Minute

	proxyPollInterval = 200 * time.Millisecond
)

// ProxyGate forwards approval requests from a subagent to its parent process.
type ProxyGate struct {
	ch      *Channel
	timeout time.Duration
	log     *slog.Logger

	// One request in flight keeps responses in request order.
	mu sync.Mutex
}

func NewProxyGate(ch *Channel, timeout time.Duration, logger *slog.Logger) *ProxyGate {
	if timeout <= 0 {
		timeout = DefaultProxyResponseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyGate{ch: ch, timeout: timeout, log: logger.With("component", "approval_proxy")}
}

func (p *ProxyGate) Evaluate(ctx context.Context, req Request) Decision {
	if p == nil || !p.ch.Valid() {
		return Denied
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Call ids are only unique within a conversation; the wire id must be unique per channel.
	req.RequestID = uuid.NewString()
	if err := p.ch.Send(req); err != nil {
		p.log.Warn("approval request send failed", "tool", req.ToolName, "error", err)
		_ = p.ch.Close()
		return Denied
	}

	deadline := time.Now().Add(p.timeout)
	for {
		if ctx.Err() != nil {
			// The parent still owes us a response; drop the channel rather than desync.
			_ = p.ch.Close()
			return Aborted
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.log.Warn("approval response timed out", "tool", req.ToolName, "request_id", req.RequestID)
			_ = p.ch.Close()
			return Denied
		}
		ready, err := p.ch.Ready(min(remaining, proxyPollInterval))
		if err != nil {
			_ = p.ch.Close()
			return Denied
		}
		if ready {
			break
		}
	}

	var resp Response
	if err := p.ch.Receive(&resp); err != nil {
		p.log.Warn("approval response read failed", "tool", req.ToolName, "error", err)
		_ = p.ch.Close()
		return Denied
	}
	if strings.TrimSpace(resp.RequestID) != req.RequestID {
		p.log.Warn("approval response id mismatch", "want", req.RequestID, "got", resp.RequestID)
		return Denied
	}
	return ParseDecision(string(resp.Result))
}

func (p *ProxyGate) Close() error {
	if p == nil {
		return nil
	}
	return p.ch.Close()
}
