package asyncexec

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// notifier is a non-blocking self-pipe: one byte per event.
type notifier struct {
	r, w      int
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func newNotifier() (*notifier, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, err
		}
	}
	return &notifier{r: p[0], w: p[1]}, nil
}

func (n *notifier) readFD() int {
	if n == nil {
		return -1
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return -1
	}
	return n.r
}

// send never blocks; a full pipe drops the event since the reader is already behind.
func (n *notifier) send(ev Event) {
	if n == nil {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	for {
		_, err := unix.Write(n.w, []byte{byte(ev)})
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return
	}
}

// recv returns EventNone when nothing is pending.
func (n *notifier) recv() (Event, error) {
	if n == nil {
		return EventNone, nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return EventNone, nil
	}
	var buf [1]byte
	for {
		c, err := unix.Read(n.r, buf[:])
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return EventNone, nil
		case err != nil:
			return EventNone, err
		case c == 0:
			return EventNone, nil
		}
		return Event(buf[0]), nil
	}
}

func (n *notifier) close() {
	if n == nil {
		return
	}
	n.closeOnce.Do(func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.closed = true
		_ = unix.Close(n.r)
		_ = unix.Close(n.w)
	})
}
