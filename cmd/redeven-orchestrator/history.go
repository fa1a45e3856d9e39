package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/floegence/redeven-orchestrator/internal/auditlog"
	"github.com/floegence/redeven-orchestrator/internal/runstore"
)

const historyTaskWidth = 60

func historyCmd(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	cfgPath := configFlag(fs)
	sessionID := fs.String("session", "", "Only show entries of this session")
	limit := fs.Int("limit", 20, "Maximum number of entries")
	showTools := fs.Bool("tools", false, "List journaled tool calls instead of subagent runs")
	toolName := fs.String("tool", "", "With --tools, only show calls of this tool")
	status := fs.String("status", "", "With --tools, only show calls with this status")
	_ = fs.Parse(args)

	e, err := loadEnv(*cfgPath, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if *showTools {
		j, err := auditlog.New(auditlog.Options{Logger: e.log, StateDir: e.stateDir})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open tool journal: %v\n", err)
			return 1
		}
		defer func() { _ = j.Close() }()
		entries, err := j.List(auditlog.Query{SessionID: *sessionID, Tool: *toolName, Status: *status, Limit: *limit})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list tool calls: %v\n", err)
			return 1
		}
		printToolCalls(os.Stdout, entries)
		return 0
	}

	store, err := runstore.OpenInStateDir(e.stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open run ledger: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(context.Background(), *sessionID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list runs: %v\n", err)
		return 1
	}
	printRuns(os.Stdout, runs)
	return 0
}

func printRuns(out io.Writer, runs []runstore.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "no subagent runs")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tDURATION\tTASK")
	for _, r := range runs {
		started := "-"
		if r.StartedAtUnixMs > 0 {
			started = time.UnixMilli(r.StartedAtUnixMs).Local().Format(time.DateTime)
		}
		dur := "-"
		if d := r.Duration(); d > 0 {
			dur = d.Round(100 * time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.SubagentID, r.Status, started, dur, oneLine(r.Task, historyTaskWidth))
	}
	_ = tw.Flush()
}

func printToolCalls(out io.Writer, entries []auditlog.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no tool calls")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTOOL\tSTATUS\tDURATION\tCALL")
	for _, en := range entries {
		status := en.Status
		if en.Error != "" {
			status += ": " + oneLine(en.Error, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\n", en.CreatedAt, en.Tool, status, en.DurationMs, en.CallID)
	}
	_ = tw.Flush()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max > 3 && len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
