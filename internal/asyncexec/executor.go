package asyncexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/floegence/redeven-orchestrator/internal/interrupt"
)

// Event is one byte on the notify channel.
type Event byte

const (
	EventNone            Event = 0
	EventComplete        Event = 'C'
	EventError           Event = 'E'
	EventInterrupted     Event = 'I'
	EventSubagentSpawned Event = 'S'
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	case EventInterrupted:
		return "interrupted"
	case EventSubagentSpawned:
		return "subagent_spawned"
	default:
		return fmt.Sprintf("unknown(%d)", byte(e))
	}
}

// InterruptedCode is the ProcessMessage result meaning the work was interrupted.
const InterruptedCode = -2

const (
	DefaultWaitTimeout = 30 * time.Second

	failedMessage = "Message processing failed"
)

var (
	ErrNotInitialized = errors.New("async executor not initialized")
	ErrAlreadyRunning = errors.New("async executor already running")
	ErrNoMessage      = errors.New("No message to process")
	ErrWaitTimeout    = errors.New("timed out waiting for async executor")
)

// Processor is the session entry point run in the background.
type Processor interface {
	ProcessMessage(ctx context.Context, message string) int
}

type ProcessorFunc func(ctx context.Context, message string) int

func (f ProcessorFunc) ProcessMessage(ctx context.Context, message string) int {
	return f(ctx, message)
}

type Options struct {
	Session Processor

	// Interrupt is tripped by Cancel and cleared by Start. Defaults to interrupt.Process().
	Interrupt *interrupt.Flag

	// WaitTimeout bounds Wait. <= 0 uses DefaultWaitTimeout.
	WaitTimeout time.Duration

	Log *slog.Logger
}

// Executor runs one message at a time on a background goroutine and reports
// completion through a pollable descriptor.
type Executor struct {
	session     Processor
	interrupt   *interrupt.Flag
	waitTimeout time.Duration
	notify      *notifier
	log         *slog.Logger

	// Lock-free fast paths mirroring the guarded state.
	running         atomic.Bool
	cancelRequested atomic.Bool

	mu         sync.Mutex
	cond       *sync.Cond
	message    string
	lastResult int
	lastError  string
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

// New creates an executor and makes it the active one. Close releases it.
func New(opts Options) (*Executor, error) {
	if opts.Session == nil {
		return nil, errors.New("missing session")
	}
	n, err := newNotifier()
	if err != nil {
		return nil, fmt.Errorf("create notify pipe: %w", err)
	}
	flag := opts.Interrupt
	if flag == nil {
		flag = interrupt.Process()
	}
	waitTimeout := opts.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		session:     opts.Session,
		interrupt:   flag,
		waitTimeout: waitTimeout,
		notify:      n,
		log:         logger.With("component", "async_executor"),
	}
	e.cond = sync.NewCond(&e.mu)
	setActive(e)
	return e, nil
}

// Start runs message in the background. It fails while another message is in flight.
func (e *Executor) Start(message string) error {
	if e == nil {
		return ErrNotInitialized
	}
	if strings.TrimSpace(message) == "" {
		return ErrNoMessage
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return ErrAlreadyRunning
	}
	e.message = message
	e.lastResult = 0
	e.lastError = ""
	e.cancelRequested.Store(false)
	e.interrupt.Clear()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running.Store(true)

	e.wg.Add(1)
	go e.run(ctx, message)
	return nil
}

func (e *Executor) run(ctx context.Context, message string) {
	defer e.wg.Done()

	code, panicMsg := e.process(ctx, message)

	e.mu.Lock()
	e.lastResult = code
	var ev Event
	switch {
	case e.cancelRequested.Load() || code == InterruptedCode:
		ev = EventInterrupted
	case code != 0:
		e.lastError = failedMessage
		if panicMsg != "" {
			e.lastError = fmt.Sprintf("%s: %s", failedMessage, panicMsg)
		}
		ev = EventError
	default:
		ev = EventComplete
	}
	e.mu.Unlock()

	e.log.Debug("message processed", "result", code, "event", ev.String())
	e.notify.send(ev)

	e.mu.Lock()
	e.message = ""
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.running.Store(false)
	e.cond.Broadcast()
	e.mu.Unlock()
}

// process shields the executor from a panicking session.
func (e *Executor) process(ctx context.Context, message string) (code int, panicMsg string) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("message processing panicked", "panic", p)
			code = -1
			panicMsg = fmt.Sprint(p)
		}
	}()
	return e.session.ProcessMessage(ctx, message), ""
}

// Cancel requests cooperative cancellation of the in-flight message.
func (e *Executor) Cancel() {
	if e == nil || !e.running.Load() {
		return
	}
	e.cancelRequested.Store(true)
	e.interrupt.Trip()

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the executor is idle and its goroutine has exited.
func (e *Executor) Wait() error {
	if e == nil {
		return ErrNotInitialized
	}
	timedOut := false
	timer := time.AfterFunc(e.waitTimeout, func() {
		e.mu.Lock()
		timedOut = true
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()

	e.mu.Lock()
	for e.running.Load() && !timedOut {
		e.cond.Wait()
	}
	expired := timedOut && e.running.Load()
	e.mu.Unlock()
	if expired {
		return ErrWaitTimeout
	}
	e.wg.Wait()
	return nil
}

// NotifyFD is the descriptor to include in a readiness wait.
func (e *Executor) NotifyFD() int {
	if e == nil {
		return -1
	}
	return e.notify.readFD()
}

// ProcessEvents reads one pending event; EventNone when none is pending.
func (e *Executor) ProcessEvents() (Event, error) {
	if e == nil {
		return EventNone, ErrNotInitialized
	}
	return e.notify.recv()
}

// NotifySubagentSpawned wakes the event loop so it starts watching the new
// subagent's approval channel. Only meaningful while a message is in flight.
func (e *Executor) NotifySubagentSpawned() {
	if e == nil || !e.running.Load() {
		return
	}
	e.notify.send(EventSubagentSpawned)
}

func (e *Executor) Running() bool {
	return e != nil && e.running.Load()
}

func (e *Executor) CancelRequested() bool {
	return e != nil && e.cancelRequested.Load()
}

func (e *Executor) Message() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.message
}

func (e *Executor) LastResult() (int, string) {
	if e == nil {
		return 0, ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult, e.lastError
}

// Close cancels any in-flight work, waits for it and releases the notify pipe.
func (e *Executor) Close() error {
	if e == nil {
		return nil
	}
	e.Cancel()
	err := e.Wait()
	clearActive(e)
	if err == nil {
		e.notify.close()
	}
	return err
}
