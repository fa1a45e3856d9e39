package approval

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrChannelClosed is returned once a channel has been invalidated.
var ErrChannelClosed = errors.New("approval channel closed")

const frameDelimiter = 0

// Channel is one side of the approval channel: JSON frames terminated by a NUL byte.
//
// The parent side reads requests and writes responses; a subagent does the reverse.
type Channel struct {
	mu     sync.Mutex
	r      *os.File
	w      *os.File
	br     *bufio.Reader
	closed bool

	// rfd is r's descriptor, read once through SyscallConn. (*os.File).Fd would
	// switch the pipe to blocking mode and Close could no longer wake a Receive.
	rfd int
}

// NewChannel takes ownership of both files.
func NewChannel(r *os.File, w *os.File) *Channel {
	c := &Channel{r: r, w: w, rfd: -1}
	if r != nil {
		c.br = bufio.NewReader(r)
		c.rfd = rawFD(r)
	}
	return c
}

func rawFD(f *os.File) int {
	fd := -1
	rc, err := f.SyscallConn()
	if err != nil {
		return fd
	}
	_ = rc.Control(func(u uintptr) { fd = int(u) })
	return fd
}

func (c *Channel) Valid() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.r != nil && c.w != nil
}

// ReadFD is the descriptor to include in a readiness wait, or -1.
func (c *Channel) ReadFD() int {
	if c == nil {
		return -1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.r == nil {
		return -1
	}
	return c.rfd
}

// Ready reports whether a frame can be read without blocking for longer than timeout.
// A hung-up peer reports ready so the following Receive observes EOF.
func (c *Channel) Ready(timeout time.Duration) (bool, error) {
	if c == nil {
		return false, ErrChannelClosed
	}
	c.mu.Lock()
	if c.closed || c.r == nil {
		c.mu.Unlock()
		return false, ErrChannelClosed
	}
	if c.br.Buffered() > 0 {
		c.mu.Unlock()
		return true, nil
	}
	fd := c.rfd
	c.mu.Unlock()
	if fd < 0 {
		return false, ErrChannelClosed
	}

	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		return fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0, nil
	}
}

// Send writes one frame.
func (c *Channel) Send(v any) error {
	if c == nil {
		return ErrChannelClosed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if bytes.IndexByte(b, frameDelimiter) >= 0 {
		return errors.New("approval frame contains NUL")
	}
	b = append(b, frameDelimiter)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.w == nil {
		return ErrChannelClosed
	}
	if _, err := c.w.Write(b); err != nil {
		return fmt.Errorf("write approval frame: %w", err)
	}
	return nil
}

// Receive reads one frame into v. It blocks until a full frame arrives.
func (c *Channel) Receive(v any) error {
	if c == nil {
		return ErrChannelClosed
	}
	c.mu.Lock()
	if c.closed || c.br == nil {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	br := c.br
	c.mu.Unlock()

	frame, err := br.ReadBytes(frameDelimiter)
	if err != nil {
		return fmt.Errorf("read approval frame: %w", err)
	}
	frame = frame[:len(frame)-1]
	if err := json.Unmarshal(frame, v); err != nil {
		return fmt.Errorf("decode approval frame: %w", err)
	}
	return nil
}

// Close releases both descriptors. It is safe to call more than once.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if c.r != nil {
		errs = append(errs, c.r.Close())
	}
	if c.w != nil {
		errs = append(errs, c.w.Close())
	}
	return errors.Join(errs...)
}

// ServeOne reads one request, evaluates it with gate and writes the decision back.
// Any channel failure closes the channel so it is never polled again.
func ServeOne(ctx context.Context, ch *Channel, gate Gate) (Request, Decision, error) {
	var req Request
	if err := ch.Receive(&req); err != nil {
		_ = ch.Close()
		return req, "", fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	d := Denied
	if gate != nil {
		d = gate.Evaluate(ctx, req)
	}
	if err := ch.Send(Response{RequestID: req.RequestID, Result: d}); err != nil {
		_ = ch.Close()
		return req, d, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return req, d, nil
}

// NewPipePair creates the two pipes backing an approval channel.
// parent reads requests and writes responses; the child ends are passed to the
// subagent process and must be closed by the caller once the child has started.
func NewPipePair() (parent *Channel, childRequestW *os.File, childResponseR *os.File, err error) {
	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		_ = reqR.Close()
		_ = reqW.Close()
		return nil, nil, nil, err
	}
	return NewChannel(reqR, respW), reqW, respR, nil
}
