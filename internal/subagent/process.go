package subagent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// WorkerCommand is the subcommand that runs a delegated task.
const WorkerCommand = "worker"

// SelfWorkerCommand re-executes the current binary in worker mode.
func SelfWorkerCommand(task string, taskContext string) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	args := []string{WorkerCommand, "--task", task}
	if taskContext != "" {
		args = append(args, "--context", taskContext)
	}
	return exec.Command(exe, args...), nil
}

// configureProcAttr puts the worker in its own process group: terminal Ctrl-C
// reaches only the parent, which then decides how to stop its workers.
func configureProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(sa *subagent, sig unix.Signal) {
	if sa.cmd.Process == nil {
		return
	}
	pid := sa.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = sa.cmd.Process.Signal(sig)
	}
}

// terminate asks the worker to stop, escalating to SIGKILL after TerminateGrace.
// It returns once the process is reaped.
func terminate(sa *subagent) {
	select {
	case <-sa.done:
		return
	default:
	}
	signalGroup(sa, unix.SIGTERM)
	t := time.NewTimer(TerminateGrace)
	defer t.Stop()
	select {
	case <-sa.done:
		return
	case <-t.C:
	}
	forceKill(sa)
}

func forceKill(sa *subagent) {
	select {
	case <-sa.done:
		return
	default:
	}
	signalGroup(sa, unix.SIGKILL)
	<-sa.done
}

func exitSignal(state *os.ProcessState) (int, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, false
	}
	return int(ws.Signal()), true
}
