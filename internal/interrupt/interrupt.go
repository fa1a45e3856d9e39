package interrupt

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Checker is the read side of a cooperative interrupt. Components that only
// observe cancellation at safe points (batch loops, subagent waits) take a
// Checker instead of the concrete Flag.
type Checker interface {
	Pending() bool
	Acknowledge()
}

// Flag is a cooperative cancellation signal.
//
// Notes:
//   - Trip raises the signal. Pending reports it until it is either acknowledged or cleared.
//   - Acknowledge hides the signal from nested checks while an outer handler unwinds,
//     but Raised still reports it so the next loop iteration can observe and Clear it.
type Flag struct {
	raised       atomic.Bool
	acknowledged atomic.Bool
}

func New() *Flag {
	return &Flag{}
}

func (f *Flag) Trip() {
	if f == nil {
		return
	}
	f.acknowledged.Store(false)
	f.raised.Store(true)
}

func (f *Flag) Pending() bool {
	if f == nil {
		return false
	}
	return f.raised.Load() && !f.acknowledged.Load()
}

func (f *Flag) Raised() bool {
	if f == nil {
		return false
	}
	return f.raised.Load()
}

func (f *Flag) Acknowledge() {
	if f == nil {
		return
	}
	if f.raised.Load() {
		f.acknowledged.Store(true)
	}
}

func (f *Flag) Clear() {
	if f == nil {
		return
	}
	f.raised.Store(false)
	f.acknowledged.Store(false)
}

var (
	processMu   sync.Mutex
	processFlag *Flag
)

// Process returns the process-wide flag, creating it on first use.
func Process() *Flag {
	processMu.Lock()
	defer processMu.Unlock()
	if processFlag == nil {
		processFlag = New()
	}
	return processFlag
}

// SetProcess replaces the process-wide flag and returns a restore func.
// Tests use it to inject a deterministic flag.
func SetProcess(f *Flag) (restore func()) {
	processMu.Lock()
	prev := processFlag
	processFlag = f
	processMu.Unlock()
	return func() {
		processMu.Lock()
		processFlag = prev
		processMu.Unlock()
	}
}

// TripOnSignal trips f whenever SIGINT is received until ctx is done or stop is called.
func TripOnSignal(ctx context.Context, f *Flag, onTrip func()) (stop func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				f.Trip()
				if onTrip != nil {
					onTrip()
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		cancel()
		<-done
	}
}
