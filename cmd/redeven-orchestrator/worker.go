package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/floegence/redeven-orchestrator/internal/approval"
	"github.com/floegence/redeven-orchestrator/internal/interrupt"
	"github.com/floegence/redeven-orchestrator/internal/provider"
	"github.com/floegence/redeven-orchestrator/internal/session"
)

// workerCmd runs one delegated task. stdout carries only the final answer.
func workerCmd(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	cfgPath := configFlag(fs)
	task := fs.String("task", "", "Delegated task")
	taskContext := fs.String("context", "", "Context supplied by the delegating agent")
	_ = fs.Parse(args)

	if strings.TrimSpace(*task) == "" {
		fmt.Fprintln(os.Stderr, "missing --task")
		return 2
	}

	// stderr is captured into the subagent's output, so only debug runs log there.
	e, err := loadEnv(*cfgPath, io.Discard)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if strings.EqualFold(strings.TrimSpace(e.cfg.LogLevel), "debug") {
		if logger, err := newLogger(os.Stderr, e.cfg.LogFormat, e.cfg.LogLevel); err == nil {
			e.log = logger
			slog.SetDefault(logger)
		}
	}

	model, err := provider.New(e.cfg.EffectiveProvider(), e.log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init provider: %v\n", err)
		return 1
	}

	// Approvals go to the parent when it handed us a channel; otherwise the
	// local policy decides without a prompt.
	var gate approval.Gate
	if ch, ok := approval.ChildChannelFromEnv(os.Getenv); ok {
		proxy := approval.NewProxyGate(ch, approval.DefaultProxyResponseTimeout, e.log)
		defer func() { _ = proxy.Close() }()
		gate = proxy
	} else {
		gate = approval.NewPolicyGate(approval.PolicyGateOptions{
			Policy: e.cfg.EffectiveApprovalPolicy(),
			Log:    e.log,
		})
	}

	intr := interrupt.Process()
	sess, err := session.New(session.Options{
		Config:    e.cfg,
		Model:     model,
		Gate:      gate,
		Interrupt: intr,
		Worker:    true,
		Log:       e.log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init session: %v\n", err)
		return 1
	}
	defer func() { _ = sess.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	code := sess.ProcessMessage(ctx, workerMessage(*task, *taskContext))
	if reply := strings.TrimSpace(sess.LastReply()); reply != "" {
		fmt.Fprintln(os.Stdout, reply)
	}
	return exitCode(code)
}

func workerMessage(task string, taskContext string) string {
	task = strings.TrimSpace(task)
	taskContext = strings.TrimSpace(taskContext)
	if taskContext == "" {
		return task
	}
	return "Context:\n" + taskContext + "\n\nTask:\n" + task
}
