package asyncexec

import "sync"

// The active executor receives subagent-spawn notifications. New sets it,
// Close clears it; all access goes through activeMu.
var (
	activeMu sync.Mutex
	active   *Executor
)

func setActive(e *Executor) {
	activeMu.Lock()
	active = e
	activeMu.Unlock()
}

// clearActive clears the active executor only if it is still e.
func clearActive(e *Executor) {
	activeMu.Lock()
	if active == e {
		active = nil
	}
	activeMu.Unlock()
}

// Active returns the active executor, or nil.
func Active() *Executor {
	activeMu.Lock()
	defer activeMu.Unlock()
	return active
}

// NotifyActiveSubagentSpawned forwards a spawn notification to the active executor.
// The lock is held across the call so Close cannot release the pipe underneath it.
func NotifyActiveSubagentSpawned() {
	activeMu.Lock()
	defer activeMu.Unlock()
	active.NotifySubagentSpawned()
}
