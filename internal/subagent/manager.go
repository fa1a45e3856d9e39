package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/redeven-orchestrator/internal/approval"
	"github.com/floegence/redeven-orchestrator/internal/config"
	"github.com/floegence/redeven-orchestrator/internal/interrupt"
	"github.com/floegence/redeven-orchestrator/internal/monitor"
	"github.com/floegence/redeven-orchestrator/internal/tools"
)

// Status is the lifecycle state of a subagent. Only running is non-terminal.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

const (
	// IDLength is the length of a subagent id in hex characters.
	IDLength = 16
	// OutputLimit caps captured stdout+stderr per subagent.
	OutputLimit = 128 << 10

	PollInterval   = 50 * time.Millisecond
	TerminateGrace = 100 * time.Millisecond
)

var (
	ErrNotInitialized = errors.New("subagent manager not initialized")
	ErrRecursiveSpawn = errors.New("subagents cannot spawn additional subagents")
	ErrMaxSubagents   = errors.New("maximum number of concurrent subagents reached")
	ErrNotFound       = errors.New("subagent not found")
	ErrEmptyTask      = errors.New("task is required")
)

// Terminal error strings visible to the delegating model.
const (
	errTimedOut    = "Subagent execution timed out"
	errInterrupted = "Interrupted by user"
	errShutdown    = "Subagent terminated during shutdown"
)

// CommandFunc builds the worker command for a task. It must not start it.
type CommandFunc func(task string, taskContext string) (*exec.Cmd, error)

// Run is the ledger view of one subagent.
type Run struct {
	ID         string
	SessionID  string
	Task       string
	PID        int
	Status     Status
	Result     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists spawns and terminal outcomes. Errors are logged and ignored.
type Recorder interface {
	RecordSpawn(ctx context.Context, run Run) error
	RecordFinish(ctx context.Context, run Run) error
}

type Options struct {
	MaxConcurrent int
	Timeout       time.Duration

	// IsSubagent marks a manager running inside a worker process.
	IsSubagent bool

	// Gate answers approval requests proxied from subagents.
	Gate      approval.Gate
	Interrupt interrupt.Checker

	Command CommandFunc

	// OnSpawn is called synchronously after a successful spawn so an event
	// loop can add the new approval descriptor to its next wait.
	OnSpawn func(id string)

	SessionID string
	Recorder  Recorder
	Log       *slog.Logger
}

type subagent struct {
	id        string
	task      string
	cmd       *exec.Cmd
	channel   *approval.Channel
	output    *tools.LimitedBuffers
	startedAt time.Time

	// done is closed once cmd.Wait returned; waitErr is valid afterwards.
	done    chan struct{}
	waitErr error

	// serveMu serializes approval reads between the event loop and blocking waits.
	serveMu sync.Mutex

	// Guarded by Manager.mu.
	status     Status
	result     string
	errText    string
	finishedAt time.Time
}

// Snapshot is a copy of a subagent's state.
type Snapshot struct {
	ID         string        `json:"subagent_id"`
	Task       string        `json:"task"`
	PID        int           `json:"pid"`
	Status     Status        `json:"status"`
	Result     string        `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed"`
	OutputSize int           `json:"output_bytes"`
}

// Manager spawns and supervises worker processes.
type Manager struct {
	maxConcurrent int
	timeout       time.Duration
	isSubagent    bool
	gate          approval.Gate
	interrupt     interrupt.Checker
	command       CommandFunc
	onSpawn       func(id string)
	sessionID     string
	recorder      Recorder
	log           *slog.Logger

	mu     sync.Mutex
	agents map[string]*subagent
	order  []string
	closed bool
	// starting counts spawns that hold a slot but are not in agents yet.
	starting int
}

func NewManager(opts Options) *Manager {
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultSubagentTimeoutSec) * time.Second
	}
	if max := time.Duration(config.SubagentMaxTimeoutSec) * time.Second; timeout > max {
		timeout = max
	}
	gate := opts.Gate
	if gate == nil {
		gate = approval.GateFunc(func(context.Context, approval.Request) approval.Decision { return approval.Denied })
	}
	command := opts.Command
	if command == nil {
		command = SelfWorkerCommand
	}
	return &Manager{
		maxConcurrent: config.ClampSubagentMax(opts.MaxConcurrent),
		timeout:       timeout,
		isSubagent:    opts.IsSubagent,
		gate:          gate,
		interrupt:     opts.Interrupt,
		command:       command,
		onSpawn:       opts.OnSpawn,
		sessionID:     strings.TrimSpace(opts.SessionID),
		recorder:      opts.Recorder,
		log:           logger.With("component", "subagent"),
		agents:        make(map[string]*subagent),
	}
}

func (m *Manager) MaxConcurrent() int {
	if m == nil {
		return config.DefaultSubagentMaxConcurrent
	}
	return m.maxConcurrent
}

// SetOnSpawn replaces the spawn callback.
func (m *Manager) SetOnSpawn(fn func(id string)) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.onSpawn = fn
	m.mu.Unlock()
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:IDLength]
}

// Spawn starts a worker for task and returns its id.
func (m *Manager) Spawn(ctx context.Context, task string, taskContext string) (string, error) {
	if m == nil {
		return "", ErrNotInitialized
	}
	if m.isSubagent {
		return "", ErrRecursiveSpawn
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return "", ErrEmptyTask
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrNotInitialized
	}
	if m.runningLocked()+m.starting >= m.maxConcurrent {
		m.mu.Unlock()
		return "", fmt.Errorf("%w (%d)", ErrMaxSubagents, m.maxConcurrent)
	}
	m.starting++
	m.mu.Unlock()
	reserved := true
	defer func() {
		if reserved {
			m.mu.Lock()
			m.starting--
			m.mu.Unlock()
		}
	}()

	cmd, err := m.command(task, strings.TrimSpace(taskContext))
	if err != nil {
		return "", fmt.Errorf("build subagent command: %w", err)
	}

	parentCh, childReqW, childRespR, err := approval.NewPipePair()
	if err != nil {
		return "", fmt.Errorf("create approval channel: %w", err)
	}
	// The child owns its ends after Start; the parent copies are always released.
	defer func() {
		_ = childReqW.Close()
		_ = childRespR.Close()
	}()

	out := tools.NewLimitedBuffers(OutputLimit)
	cmd.Stdout = out.Stdout()
	cmd.Stderr = out.Stderr()
	cmd.ExtraFiles = []*os.File{childReqW, childRespR}
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env, approval.ChildEnv()...)
	cmd.WaitDelay = time.Second
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = parentCh.Close()
		return "", fmt.Errorf("start subagent: %w", err)
	}

	sa := &subagent{
		id:        newID(),
		task:      task,
		cmd:       cmd,
		channel:   parentCh,
		output:    out,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		status:    StatusRunning,
	}
	go func() {
		sa.waitErr = cmd.Wait()
		close(sa.done)
	}()

	m.mu.Lock()
	m.starting--
	reserved = false
	m.agents[sa.id] = sa
	m.order = append(m.order, sa.id)
	onSpawn := m.onSpawn
	m.mu.Unlock()

	m.log.Info("subagent spawned", "subagent_id", sa.id, "pid", cmd.Process.Pid, "task", truncate(task, 80))
	m.record(ctx, sa, true)
	if onSpawn != nil {
		onSpawn(sa.id)
	}
	return sa.id, nil
}

func (m *Manager) runningLocked() int {
	n := 0
	for _, sa := range m.agents {
		if sa.status == StatusRunning {
			n++
		}
	}
	return n
}

// Running returns the number of running subagents.
func (m *Manager) Running() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

// PollAll advances every running subagent without blocking and returns how many changed state.
func (m *Manager) PollAll(ctx context.Context) int {
	if m == nil {
		return 0
	}
	var finished []*subagent
	m.mu.Lock()
	for _, id := range m.order {
		sa := m.agents[id]
		if m.pollLocked(sa) {
			finished = append(finished, sa)
		}
	}
	m.mu.Unlock()
	for _, sa := range finished {
		m.record(ctx, sa, false)
	}
	return len(finished)
}

// pollLocked enforces the timeout and observes exit. It reports a transition.
func (m *Manager) pollLocked(sa *subagent) bool {
	if sa == nil || sa.status != StatusRunning {
		return false
	}
	select {
	case <-sa.done:
		m.finishLocked(sa)
		return true
	default:
	}
	if time.Since(sa.startedAt) <= m.timeout {
		return false
	}
	m.log.Warn("subagent timed out", "subagent_id", sa.id, "timeout", m.timeout)
	forceKill(sa)
	m.settleLocked(sa, StatusTimeout, "", errTimedOut)
	return true
}

// finishLocked classifies an exited process.
func (m *Manager) finishLocked(sa *subagent) {
	state := sa.cmd.ProcessState
	switch {
	case state == nil:
		msg := "Subagent wait failed"
		if sa.waitErr != nil {
			msg = fmt.Sprintf("Subagent wait failed: %v", sa.waitErr)
		}
		m.settleLocked(sa, StatusFailed, "", msg)
	case state.Success():
		m.settleLocked(sa, StatusCompleted, strings.TrimSpace(sa.output.StdoutString()), "")
	default:
		if sig, ok := exitSignal(state); ok {
			m.settleLocked(sa, StatusFailed, "", fmt.Sprintf("Subagent killed by signal %d", sig))
			return
		}
		m.settleLocked(sa, StatusFailed, "", fmt.Sprintf("Subagent exited with code %d. Output: %s",
			state.ExitCode(), strings.TrimSpace(sa.output.CombinedString())))
	}
}

func (m *Manager) settleLocked(sa *subagent, status Status, result string, errText string) {
	sa.status = status
	sa.result = result
	sa.errText = errText
	sa.finishedAt = time.Now()
	_ = sa.channel.Close()
	m.log.Info("subagent finished",
		"subagent_id", sa.id,
		"status", string(status),
		"elapsed", sa.finishedAt.Sub(sa.startedAt).Round(time.Millisecond),
		"output_bytes", sa.output.Len(),
	)
}

// GetStatus returns a subagent's state. With wait it blocks until the subagent is
// terminal, proxying approval requests and honoring interrupts meanwhile.
func (m *Manager) GetStatus(ctx context.Context, id string, wait bool) (Snapshot, error) {
	if m == nil {
		return Snapshot{}, ErrNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	m.mu.Lock()
	sa, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	for {
		m.mu.Lock()
		changed := m.pollLocked(sa)
		if !changed && wait && sa.status == StatusRunning && m.interrupted(ctx) {
			terminate(sa)
			m.settleLocked(sa, StatusFailed, "", errInterrupted)
			changed = true
		}
		snap := m.snapshotLocked(sa)
		m.mu.Unlock()

		if changed {
			m.record(ctx, sa, false)
		}
		if !wait || snap.Status.Terminal() {
			return snap, nil
		}

		if m.serveApproval(ctx, sa) {
			continue
		}
		timer := time.NewTimer(PollInterval)
		select {
		case <-sa.done:
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (m *Manager) interrupted(ctx context.Context) bool {
	if m.interrupt != nil && m.interrupt.Pending() {
		m.interrupt.Acknowledge()
		return true
	}
	return ctx.Err() != nil
}

// serveApproval answers one pending approval request of sa, if any.
func (m *Manager) serveApproval(ctx context.Context, sa *subagent) bool {
	sa.serveMu.Lock()
	defer sa.serveMu.Unlock()
	if !sa.channel.Valid() {
		return false
	}
	ready, err := sa.channel.Ready(0)
	if err != nil || !ready {
		return false
	}
	req, d, err := approval.ServeOne(ctx, sa.channel, m.gate)
	if err != nil {
		m.log.Debug("approval channel closed", "subagent_id", sa.id, "error", err)
		return false
	}
	m.log.Info("subagent approval", "subagent_id", sa.id, "tool", req.ToolName, "decision", string(d))
	return true
}

// PollApprovalRequests answers every pending approval request without blocking on idle channels.
func (m *Manager) PollApprovalRequests(ctx context.Context) int {
	if m == nil {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}
	served := 0
	for _, sa := range m.runningAgents() {
		if m.serveApproval(ctx, sa) {
			served++
		}
	}
	return served
}

// ApprovalFDs returns the request descriptors of running subagents for a readiness wait.
func (m *Manager) ApprovalFDs() []int {
	if m == nil {
		return nil
	}
	var fds []int
	for _, sa := range m.runningAgents() {
		if fd := sa.channel.ReadFD(); fd >= 0 {
			fds = append(fds, fd)
		}
	}
	return fds
}

func (m *Manager) runningAgents() []*subagent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*subagent, 0, len(m.order))
	for _, id := range m.order {
		if sa := m.agents[id]; sa.status == StatusRunning {
			out = append(out, sa)
		}
	}
	return out
}

// List returns snapshots of every subagent, oldest first.
func (m *Manager) List() []Snapshot {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.snapshotLocked(m.agents[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats samples the process of a running subagent.
func (m *Manager) Stats(ctx context.Context, id string) (monitor.ProcessStats, error) {
	if m == nil {
		return monitor.ProcessStats{}, ErrNotInitialized
	}
	m.mu.Lock()
	sa, ok := m.agents[strings.TrimSpace(id)]
	m.mu.Unlock()
	if !ok {
		return monitor.ProcessStats{}, ErrNotFound
	}
	return monitor.SampleProcess(ctx, sa.cmd.Process.Pid)
}

func (m *Manager) snapshotLocked(sa *subagent) Snapshot {
	end := time.Now()
	if sa.status.Terminal() {
		end = sa.finishedAt
	}
	return Snapshot{
		ID:         sa.id,
		Task:       sa.task,
		PID:        sa.cmd.Process.Pid,
		Status:     sa.status,
		Result:     sa.result,
		Error:      sa.errText,
		StartedAt:  sa.startedAt,
		Elapsed:    end.Sub(sa.startedAt),
		OutputSize: sa.output.Len(),
	}
}

// Close terminates every running subagent and reaps it.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var stopped []*subagent
	for _, id := range m.order {
		sa := m.agents[id]
		if m.pollLocked(sa) {
			stopped = append(stopped, sa)
			continue
		}
		if sa.status != StatusRunning {
			continue
		}
		terminate(sa)
		m.settleLocked(sa, StatusFailed, "", errShutdown)
		stopped = append(stopped, sa)
	}
	m.mu.Unlock()

	for _, sa := range stopped {
		m.record(context.Background(), sa, false)
	}
	return nil
}

func (m *Manager) record(ctx context.Context, sa *subagent, spawned bool) {
	if m.recorder == nil {
		return
	}
	m.mu.Lock()
	run := Run{
		ID:         sa.id,
		SessionID:  m.sessionID,
		Task:       sa.task,
		PID:        sa.cmd.Process.Pid,
		Status:     sa.status,
		Result:     sa.result,
		Error:      sa.errText,
		StartedAt:  sa.startedAt,
		FinishedAt: sa.finishedAt,
	}
	m.mu.Unlock()

	// The ledger write must survive a cancelled caller.
	ctx = context.WithoutCancel(ctx)
	var err error
	if spawned {
		err = m.recorder.RecordSpawn(ctx, run)
	} else {
		err = m.recorder.RecordFinish(ctx, run)
	}
	if err != nil {
		m.log.Warn("subagent ledger write failed", "subagent_id", sa.id, "error", err)
	}
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
