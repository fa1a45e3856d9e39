package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/floegence/redeven-orchestrator/internal/approval"
	"github.com/floegence/redeven-orchestrator/internal/asyncexec"
	"github.com/floegence/redeven-orchestrator/internal/batch"
	"github.com/floegence/redeven-orchestrator/internal/interrupt"
	"github.com/floegence/redeven-orchestrator/internal/lockfile"
	"github.com/floegence/redeven-orchestrator/internal/provider"
	"github.com/floegence/redeven-orchestrator/internal/session"
)

// replPollTimeoutMs bounds each readiness wait so subagent liveness is polled.
const replPollTimeoutMs = 100

func replCmd(args []string) int {
	fs := flag.NewFlagSet("repl", flag.ExitOnError)
	cfgPath := configFlag(fs)
	_ = fs.Parse(args)

	e, err := loadEnv(*cfgPath, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	// One interactive session per state directory: the journal and ledger are shared.
	lk, err := lockfile.AcquireStateDir(e.stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to acquire session lock: %v\n", err)
		return 1
	}
	defer func() { _ = lk.Release() }()

	model, err := provider.New(e.cfg.EffectiveProvider(), e.log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init provider: %v\n", err)
		return 1
	}

	journal := e.openJournal()
	defer func() { _ = journal.Close() }()
	runs := e.openRuns()
	if runs != nil {
		defer func() { _ = runs.Close() }()
	}

	intr := interrupt.Process()
	gate := approval.NewPolicyGate(approval.PolicyGateOptions{
		Policy:   e.cfg.EffectiveApprovalPolicy(),
		Prompter: approval.NewTerminalPrompter(os.Stdin, os.Stderr),
		Log:      e.log,
	})
	sess, err := session.New(session.Options{
		Config:    e.cfg,
		Model:     model,
		Gate:      gate,
		Interrupt: intr,
		Journal:   journal,
		Runs:      runs,
		Reporter:  batch.NewTextReporter(os.Stderr),
		Log:       e.log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init session: %v\n", err)
		return 1
	}
	defer func() { _ = sess.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if runs != nil {
		if n, err := runs.MarkAbandoned(ctx, sess.ID()); err == nil && n > 0 {
			e.log.Info("marked abandoned subagent runs", "count", n)
		}
	}

	exec, err := asyncexec.New(asyncexec.Options{Session: sess, Interrupt: intr, Log: e.log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init async executor: %v\n", err)
		return 1
	}
	defer func() { _ = exec.Close() }()

	sess.Manager().SetOnSpawn(func(string) { asyncexec.NotifyActiveSubagentSpawned() })
	stop := interrupt.TripOnSignal(ctx, intr, func() {
		if exec.Running() {
			fmt.Fprintln(os.Stderr, "\ncancelling...")
			exec.Cancel()
		}
	})
	defer stop()

	r := &repl{
		ctx:    ctx,
		sess:   sess,
		exec:   exec,
		in:     bufio.NewReader(os.Stdin),
		inFD:   int(os.Stdin.Fd()),
		out:    os.Stdout,
		errOut: os.Stderr,
	}
	if err := r.loop(); err != nil {
		fmt.Fprintf(os.Stderr, "repl failed: %v\n", err)
		return 1
	}
	return 0
}

type repl struct {
	ctx    context.Context
	sess   *session.Session
	exec   *asyncexec.Executor
	in     *bufio.Reader
	inFD   int
	out    io.Writer
	errOut io.Writer
}

func (r *repl) prompt() {
	fmt.Fprint(r.out, "> ")
}

// loop is the foreground event loop. It waits on stdin while idle, on the
// executor's notify descriptor and on every running subagent's approval
// descriptor, and polls subagent liveness on every wake-up.
func (r *repl) loop() error {
	r.prompt()
	for {
		idle := !r.exec.Running()
		if idle && r.in.Buffered() > 0 {
			if done := r.readLine(); done {
				return nil
			}
			continue
		}

		fds := []unix.PollFd{{Fd: int32(r.exec.NotifyFD()), Events: unix.POLLIN}}
		if idle {
			fds = append(fds, unix.PollFd{Fd: int32(r.inFD), Events: unix.POLLIN})
		}
		approvalStart := len(fds)
		for _, fd := range r.sess.Manager().ApprovalFDs() {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(fds, replPollTimeoutMs)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("poll: %w", err)
		}

		if n > 0 && fds[0].Revents != 0 {
			r.handleEvents()
		}
		if n > 0 {
			for _, fd := range fds[approvalStart:] {
				if fd.Revents != 0 {
					r.sess.Manager().PollApprovalRequests(r.ctx)
					break
				}
			}
		}
		r.sess.Manager().PollAll(r.ctx)

		if idle && n > 0 && fds[1].Revents != 0 {
			if done := r.readLine(); done {
				return nil
			}
		}
	}
}

func (r *repl) handleEvents() {
	for {
		ev, err := r.exec.ProcessEvents()
		if err != nil || ev == asyncexec.EventNone {
			return
		}
		switch ev {
		case asyncexec.EventComplete:
			_ = r.exec.Wait()
			if reply := strings.TrimSpace(r.sess.LastReply()); reply != "" {
				fmt.Fprintln(r.out, reply)
			}
			r.prompt()
		case asyncexec.EventError:
			_ = r.exec.Wait()
			_, msg := r.exec.LastResult()
			fmt.Fprintf(r.errOut, "error: %s\n", msg)
			r.prompt()
		case asyncexec.EventInterrupted:
			_ = r.exec.Wait()
			fmt.Fprintln(r.errOut, "interrupted")
			r.prompt()
		case asyncexec.EventSubagentSpawned:
			// The next wait picks up the new approval descriptor.
		}
	}
}

// readLine handles one line of input. It reports whether the loop should end.
func (r *repl) readLine() bool {
	line, err := r.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		fmt.Fprintln(r.out)
		return true
	}
	line = strings.TrimSpace(line)
	switch line {
	case "":
		if err != nil {
			return true
		}
		r.prompt()
		return false
	case "exit", "quit":
		return true
	}
	if startErr := r.exec.Start(line); startErr != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", startErr)
		r.prompt()
	}
	return false
}
