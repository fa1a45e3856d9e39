package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/floegence/redeven-orchestrator/internal/approval"
	"github.com/floegence/redeven-orchestrator/internal/batch"
	"github.com/floegence/redeven-orchestrator/internal/interrupt"
	"github.com/floegence/redeven-orchestrator/internal/provider"
	"github.com/floegence/redeven-orchestrator/internal/session"
	"github.com/floegence/redeven-orchestrator/internal/subagent"
)

const supervisePollInterval = 100 * time.Millisecond

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := configFlag(fs)
	task := fs.String("task", "", "Message to process")
	_ = fs.Parse(args)

	if strings.TrimSpace(*task) == "" {
		fs.Usage()
		return 2
	}

	e, err := loadEnv(*cfgPath, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
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
	stop := interrupt.TripOnSignal(ctx, intr, nil)
	defer stop()

	// No foreground event loop here: supervise subagents from a ticker instead.
	go superviseSubagents(ctx, sess.Manager())

	code := sess.ProcessMessage(ctx, *task)
	if reply := strings.TrimSpace(sess.LastReply()); reply != "" {
		fmt.Println(reply)
	}
	return exitCode(code)
}

func exitCode(result int) int {
	switch result {
	case session.ResultOK:
		return 0
	case session.ResultInterrupted:
		fmt.Fprintln(os.Stderr, "interrupted")
		return 130
	default:
		return 1
	}
}

func superviseSubagents(ctx context.Context, m *subagent.Manager) {
	t := time.NewTicker(supervisePollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.PollApprovalRequests(ctx)
			m.PollAll(ctx)
		}
	}
}
