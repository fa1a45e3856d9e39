package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/floegence/redeven-orchestrator/internal/approval"
	"github.com/floegence/redeven-orchestrator/internal/interrupt"
	"github.com/floegence/redeven-orchestrator/internal/monitor"
	"github.com/floegence/redeven-orchestrator/internal/tools"
)

const (
	helperEnv     = "REDEVEN_SUBAGENT_HELPER"
	helperModeEnv = "REDEVEN_SUBAGENT_HELPER_MODE"
)

// helperCommand re-executes the test binary as a fake worker.
func helperCommand(mode string) CommandFunc {
	return func(task string, taskContext string) (*exec.Cmd, error) {
		cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", task, taskContext)
		cmd.Env = append(os.Environ(), helperEnv+"=1", helperModeEnv+"="+mode)
		return cmd, nil
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	task := ""
	if len(args) > 0 {
		task = args[0]
	}

	switch os.Getenv(helperModeEnv) {
	case "echo":
		fmt.Printf("done: %s\n", task)
		os.Exit(0)
	case "fail":
		fmt.Print("bad input")
		os.Exit(3)
	case "sleep":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	case "ignore_term":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(30 * time.Second)
		os.Exit(0)
	case "approval":
		ch, ok := approval.ChildChannelFromEnv(nil)
		if !ok {
			fmt.Print("no channel")
			os.Exit(2)
		}
		gate := approval.NewProxyGate(ch, 5*time.Second, nil)
		d := gate.Evaluate(context.Background(), approval.Request{
			ToolName:      tools.ShellToolName,
			ArgumentsJSON: `{"command":"touch x"}`,
		})
		fmt.Print(string(d))
		os.Exit(0)
	}
	os.Exit(1)
}

type memRecorder struct {
	mu       sync.Mutex
	spawned  []Run
	finished []Run
}

func (r *memRecorder) RecordSpawn(ctx context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawned = append(r.spawned, run)
	return nil
}

func (r *memRecorder) RecordFinish(ctx context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, run)
	return nil
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(opts)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSpawnCompletes(t *testing.T) {
	t.Parallel()

	rec := &memRecorder{}
	var spawnedID string
	m := newTestManager(t, Options{
		Command:   helperCommand("echo"),
		Recorder:  rec,
		SessionID: "s1",
		OnSpawn:   func(id string) { spawnedID = id },
	})

	id, err := m.Spawn(context.Background(), "write docs", "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if len(id) != IDLength || spawnedID != id {
		t.Fatalf("id = %q, callback id = %q", id, spawnedID)
	}

	snap, err := m.GetStatus(context.Background(), id, true)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if snap.Status != StatusCompleted || snap.Result != "done: write docs" || snap.Error != "" {
		t.Fatalf("snapshot = %+v", snap)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.spawned) != 1 || len(rec.finished) != 1 {
		t.Fatalf("recorder spawned=%d finished=%d", len(rec.spawned), len(rec.finished))
	}
	if rec.finished[0].Status != StatusCompleted || rec.finished[0].SessionID != "s1" {
		t.Fatalf("finish record = %+v", rec.finished[0])
	}
}

func TestNonZeroExitFails(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{Command: helperCommand("fail")})
	id, err := m.Spawn(context.Background(), "x", "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	snap, err := m.GetStatus(context.Background(), id, true)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if snap.Status != StatusFailed || snap.Error != "Subagent exited with code 3. Output: bad input" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestNoRecursiveDelegation(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{IsSubagent: true, Command: helperCommand("echo")})
	for i := 0; i < 3; i++ {
		if _, err := m.Spawn(context.Background(), "task", ""); !errors.Is(err, ErrRecursiveSpawn) {
			t.Fatalf("Spawn() error = %v, want ErrRecursiveSpawn", err)
		}
	}

	reg := tools.NewRegistry()
	if err := RegisterTools(reg, m); err != nil {
		t.Fatalf("RegisterTools() error = %v", err)
	}
	res := reg.Execute(context.Background(), tools.Call{ID: "c1", Name: SpawnToolName, Args: map[string]any{"task": "t"}})
	if res.Output != `{"error":"Subagents cannot spawn additional subagents"}` {
		t.Fatalf("tool output = %s", res.Output)
	}
}

func TestMaxConcurrentReached(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{MaxConcurrent: 1, Command: helperCommand("sleep")})
	if _, err := m.Spawn(context.Background(), "one", ""); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if _, err := m.Spawn(context.Background(), "two", ""); !errors.Is(err, ErrMaxSubagents) {
		t.Fatalf("second Spawn() error = %v, want ErrMaxSubagents", err)
	}

	reg := tools.NewRegistry()
	_ = RegisterTools(reg, m)
	res := reg.Execute(context.Background(), tools.Call{ID: "c1", Name: SpawnToolName, Args: map[string]any{"task": "three"}})
	if res.Output != `{"error":"Maximum number of concurrent subagents (1) reached"}` {
		t.Fatalf("tool output = %s", res.Output)
	}
}

func TestConcurrentSpawnsRespectLimit(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{MaxConcurrent: 2, Command: helperCommand("sleep")})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		refused int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Spawn(context.Background(), fmt.Sprintf("task %d", i), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, ErrMaxSubagents):
				refused++
			default:
				t.Errorf("Spawn(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if started != 2 || refused != 6 {
		t.Fatalf("started = %d, refused = %d, want 2 and 6", started, refused)
	}
	if got := m.Running(); got != 2 {
		t.Fatalf("Running() = %d, want 2", got)
	}
}

func TestFailedStartReleasesSlot(t *testing.T) {
	t.Parallel()

	broken := true
	m := newTestManager(t, Options{MaxConcurrent: 1, Command: func(task string, taskContext string) (*exec.Cmd, error) {
		if broken {
			return exec.Command("/nonexistent/redeven-worker"), nil
		}
		return helperCommand("sleep")(task, taskContext)
	}})
	if _, err := m.Spawn(context.Background(), "one", ""); err == nil {
		t.Fatalf("Spawn() with missing binary error = nil")
	}
	broken = false
	if _, err := m.Spawn(context.Background(), "two", ""); err != nil {
		t.Fatalf("Spawn() after failed start error = %v", err)
	}
}

func TestTimeoutEscalation(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{Timeout: 300 * time.Millisecond, Command: helperCommand("sleep")})
	id, err := m.Spawn(context.Background(), "slow", "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	snap, err := m.GetStatus(context.Background(), id, true)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if snap.Status != StatusTimeout || snap.Error != "Subagent execution timed out" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if monitor.Alive(context.Background(), snap.PID) {
		t.Fatalf("timed out subagent pid %d still alive", snap.PID)
	}
}

func TestInterruptTerminatesWithEscalation(t *testing.T) {
	t.Parallel()

	flag := interrupt.New()
	m := newTestManager(t, Options{Interrupt: flag, Command: helperCommand("ignore_term")})
	id, err := m.Spawn(context.Background(), "stubborn", "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	time.AfterFunc(300*time.Millisecond, flag.Trip)

	started := time.Now()
	snap, err := m.GetStatus(context.Background(), id, true)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if snap.Status != StatusFailed || snap.Error != "Interrupted by user" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("interrupt took %v", elapsed)
	}
	if monitor.Alive(context.Background(), snap.PID) {
		t.Fatalf("interrupted subagent still alive")
	}
	if !flag.Raised() || flag.Pending() {
		t.Fatalf("interrupt should be acknowledged, not cleared")
	}
}

func TestApprovalProxiedToParentGate(t *testing.T) {
	t.Parallel()

	var seen []approval.Request
	var mu sync.Mutex
	gate := approval.GateFunc(func(ctx context.Context, req approval.Request) approval.Decision {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		return approval.RateLimited
	})
	m := newTestManager(t, Options{Gate: gate, Command: helperCommand("approval")})
	id, err := m.Spawn(context.Background(), "needs approval", "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	snap, err := m.GetStatus(context.Background(), id, true)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if snap.Status != StatusCompleted || snap.Result != "rate_limited" {
		t.Fatalf("snapshot = %+v", snap)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].ToolName != tools.ShellToolName {
		t.Fatalf("gate saw %+v", seen)
	}
}

func TestApprovalServedFromEventLoop(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{Gate: approval.AllowAll, Command: helperCommand("approval")})
	id, err := m.Spawn(context.Background(), "needs approval", "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if fds := m.ApprovalFDs(); len(fds) != 1 || fds[0] <= 2 {
		t.Fatalf("ApprovalFDs() = %v", fds)
	}

	deadline := time.Now().Add(10 * time.Second)
	for m.PollAll(context.Background()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subagent did not finish")
		}
		m.PollApprovalRequests(context.Background())
		time.Sleep(20 * time.Millisecond)
	}
	snap, _ := m.GetStatus(context.Background(), id, false)
	if snap.Status != StatusCompleted || snap.Result != "allowed" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if fds := m.ApprovalFDs(); len(fds) != 0 {
		t.Fatalf("ApprovalFDs() after exit = %v", fds)
	}
}

func TestCloseTerminatesRunning(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{Command: helperCommand("sleep")})
	id, err := m.Spawn(context.Background(), "forever", "")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	snap, err := m.GetStatus(context.Background(), id, false)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if snap.Status != StatusFailed || monitor.Alive(context.Background(), snap.PID) {
		t.Fatalf("snapshot after Close = %+v", snap)
	}
	if _, err := m.Spawn(context.Background(), "again", ""); err == nil {
		t.Fatalf("Spawn() after Close error = nil")
	}
}

func TestStatusToolOutputs(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Options{Command: helperCommand("sleep")})
	reg := tools.NewRegistry()
	if err := RegisterTools(reg, m); err != nil {
		t.Fatalf("RegisterTools() error = %v", err)
	}

	res := reg.Execute(context.Background(), tools.Call{ID: "c1", Name: StatusToolName, Args: map[string]any{"subagent_id": "nope"}})
	if res.Output != `{"error":"Subagent not found"}` {
		t.Fatalf("not found output = %s", res.Output)
	}

	res = reg.Execute(context.Background(), tools.Call{ID: "c2", Name: SpawnToolName, Args: map[string]any{"task": "long"}})
	var spawned map[string]string
	if err := json.Unmarshal([]byte(res.Output), &spawned); err != nil {
		t.Fatalf("spawn output %q: %v", res.Output, err)
	}
	if spawned["status"] != "running" || spawned["message"] != "Subagent spawned successfully" {
		t.Fatalf("spawn output = %v", spawned)
	}

	res = reg.Execute(context.Background(), tools.Call{ID: "c3", Name: StatusToolName, Args: map[string]any{"subagent_id": spawned["subagent_id"]}})
	if !res.Success || !strings.Contains(res.Output, `"message":"Subagent is still running"`) {
		t.Fatalf("running output = %s", res.Output)
	}

	res = reg.Execute(context.Background(), tools.Call{ID: "c4", Name: SpawnToolName, Args: map[string]any{}})
	if res.Output != `{"error":"Task parameter is required"}` {
		t.Fatalf("missing task output = %s", res.Output)
	}
}
