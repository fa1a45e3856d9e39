package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/floegence/redeven-orchestrator/internal/auditlog"
	"github.com/floegence/redeven-orchestrator/internal/config"
	"github.com/floegence/redeven-orchestrator/internal/runstore"
	"github.com/floegence/redeven-orchestrator/internal/subagent"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCmd(os.Args[2:]))
	case "repl":
		os.Exit(replCmd(os.Args[2:]))
	case subagent.WorkerCommand:
		os.Exit(workerCmd(os.Args[2:]))
	case "history":
		os.Exit(historyCmd(os.Args[2:]))
	case "version":
		fmt.Printf("redeven-orchestrator %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `redeven-orchestrator

Usage:
  redeven-orchestrator run --task <text> [flags]
  redeven-orchestrator repl [flags]
  redeven-orchestrator history [flags]
  redeven-orchestrator version

Commands:
  run       Process one message and print the final answer.
  repl      Interactive session; Ctrl-C cancels the running message.
  history   List recent subagent runs or tool calls.
  version   Print build information.

`)
}

// envConfigPath carries the resolved config path to subagent workers.
const envConfigPath = "REDEVEN_ORCHESTRATOR_CONFIG"

// env is what every command loads before doing work.
type env struct {
	cfg      *config.Config
	cfgPath  string
	stateDir string
	log      *slog.Logger
}

func loadEnv(cfgPath string, logOut io.Writer) (*env, error) {
	// API keys may live in a .env file next to the working tree.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgPath = strings.TrimSpace(cfgPath)
	if cfgPath == "" {
		cfgPath = strings.TrimSpace(os.Getenv(envConfigPath))
	}
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	_ = os.Setenv(envConfigPath, cfgPath)
	logger, err := newLogger(logOut, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return &env{
		cfg:      cfg,
		cfgPath:  cfgPath,
		stateDir: cfg.EffectiveStateDir(cfgPath),
		log:      logger,
	}, nil
}

func (e *env) openJournal() *auditlog.Store {
	j, err := auditlog.New(auditlog.Options{Logger: e.log, StateDir: e.stateDir})
	if err != nil {
		e.log.Warn("tool journal disabled", "error", err)
		return nil
	}
	return j
}

func (e *env) openRuns() *runstore.Store {
	s, err := runstore.OpenInStateDir(e.stateDir)
	if err != nil {
		e.log.Warn("run ledger disabled", "error", err)
		return nil
	}
	return s
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s", level)
	}
}

func newLogger(out io.Writer, format string, level string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		h = slog.NewTextHandler(out, opts)
	case "json":
		h = slog.NewJSONHandler(out, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	return slog.New(h), nil
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Config file path (default: ~/.redeven-orchestrator/config.yaml)")
}
