package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	readFileMaxBytes     = 256 << 10
	shellOutputMaxBytes  = 200_000
	shellDefaultTimeout  = 60 * time.Second
	shellMaxTimeout      = 10 * time.Minute
	listDirMaxEntries    = 1000
	ResetContextToolName = "reset_context"
)

type BuiltinOptions struct {
	// Root resolves relative paths. Empty means the working directory.
	Root  string
	Shell string
	Cache *Cache
	Log   *slog.Logger
}

type builtins struct {
	root  string
	shell string
	cache *Cache
	log   *slog.Logger
}

// RegisterBuiltins registers the file, shell and context tools.
func RegisterBuiltins(reg *Registry, opts BuiltinOptions) error {
	if reg == nil {
		return errors.New("nil tool registry")
	}
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		root = wd
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	b := &builtins{root: root, shell: strings.TrimSpace(opts.Shell), cache: opts.Cache, log: log}

	defs := []struct {
		def     Definition
		handler HandlerFunc
	}{
		{
			def: Definition{
				Name:        "read_file",
				Description: "Read a text file. Optional offset/limit select a line range.",
				InputSchema: ObjectSchema(map[string]any{
					"path":   map[string]any{"type": "string"},
					"offset": map[string]any{"type": "integer"},
					"limit":  map[string]any{"type": "integer"},
				}, "path"),
				ThreadSafe: true,
			},
			handler: b.readFile,
		},
		{
			def: Definition{
				Name:        "list_dir",
				Description: "List the entries of a directory.",
				InputSchema: ObjectSchema(map[string]any{
					"directory": map[string]any{"type": "string"},
				}, "directory"),
				ThreadSafe: true,
			},
			handler: b.listDir,
		},
		{
			def: Definition{
				Name:        "write_file",
				Description: "Create or overwrite a text file.",
				InputSchema: ObjectSchema(map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				}, "path", "content"),
				Mutating: true,
			},
			handler: b.writeFile,
		},
		{
			def: Definition{
				Name:        ShellToolName,
				Description: "Run a shell command and return stdout, stderr and exit code.",
				InputSchema: ObjectSchema(map[string]any{
					"command":    map[string]any{"type": "string"},
					"timeout_ms": map[string]any{"type": "integer"},
				}, "command"),
				Mutating: true,
			},
			handler: b.runShell,
		},
		{
			def: Definition{
				Name:        ResetContextToolName,
				Description: "Clear the prior conversation context and continue from a fresh summary.",
				InputSchema: ObjectSchema(map[string]any{
					"summary": map[string]any{"type": "string"},
				}, "summary"),
			},
			handler: b.resetContext,
		},
	}
	for _, d := range defs {
		if err := reg.Register(d.def, d.handler); err != nil {
			return err
		}
	}
	return nil
}

// DecodeArgs decodes call arguments into a struct tagged with `mapstructure`.
func DecodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (b *builtins) resolve(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return b.root
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(b.root, p)
	}
	return filepath.Clean(p)
}

// cacheCall rewrites the path argument to its absolute form so cache entries
// are shared between relative and absolute spellings.
func cacheCall(call Call, key string, abs string) Call {
	args := make(map[string]any, len(call.Args))
	for k, v := range call.Args {
		args[k] = v
	}
	args[key] = abs
	return Call{ID: call.ID, Name: call.Name, Args: args}
}

type readFileArgs struct {
	Path   string `mapstructure:"path"`
	Offset int    `mapstructure:"offset"`
	Limit  int    `mapstructure:"limit"`
}

func (b *builtins) readFile(ctx context.Context, call Call) (Result, error) {
	var args readFileArgs
	if err := DecodeArgs(call.Args, &args); err != nil {
		return Result{}, err
	}
	if args.Limit < 0 {
		return Failure(call.ID, ErrorCodeInvalidArguments, "limit must not be negative"), nil
	}
	args.Offset = max(args.Offset, 0)
	abs := b.resolve(args.Path)
	key := cacheCall(call, "path", abs)
	if out, ok := b.cache.Get(key); ok {
		return Success(call.ID, out), nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Failure(call.ID, "not_found", fmt.Sprintf("File not found: %s", abs)), nil
		}
		return Result{}, err
	}
	truncated := false
	if len(data) > readFileMaxBytes {
		data = data[:readFileMaxBytes]
		truncated = true
	}
	content := string(data)
	if args.Offset > 0 || args.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := min(args.Offset, len(lines))
		end := len(lines)
		if args.Limit > 0 && start+args.Limit < end {
			end = start + args.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	out := JSONOutput(map[string]any{
		"path":      abs,
		"content":   content,
		"truncated": truncated,
	})
	b.cache.Put(key, out)
	return Success(call.ID, out), nil
}

type listDirArgs struct {
	Directory string `mapstructure:"directory"`
}

func (b *builtins) listDir(ctx context.Context, call Call) (Result, error) {
	var args listDirArgs
	if err := DecodeArgs(call.Args, &args); err != nil {
		return Result{}, err
	}
	abs := b.resolve(args.Directory)
	key := cacheCall(call, "directory", abs)
	if out, ok := b.cache.Get(key); ok {
		return Success(call.ID, out), nil
	}

	ents, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Failure(call.ID, "not_found", fmt.Sprintf("Directory not found: %s", abs)), nil
		}
		return Result{}, err
	}
	type entry struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
		Size  int64  `json:"size"`
	}
	items := make([]entry, 0, len(ents))
	for _, ent := range ents {
		if len(items) >= listDirMaxEntries {
			break
		}
		e := entry{Name: ent.Name(), IsDir: ent.IsDir()}
		if info, err := ent.Info(); err == nil && !ent.IsDir() {
			e.Size = info.Size()
		}
		items = append(items, e)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	out := JSONOutput(map[string]any{
		"directory": abs,
		"entries":   items,
		"truncated": len(ents) > len(items),
	})
	b.cache.Put(key, out)
	return Success(call.ID, out), nil
}

type writeFileArgs struct {
	Path    string `mapstructure:"path"`
	Content string `mapstructure:"content"`
}

func (b *builtins) writeFile(ctx context.Context, call Call) (Result, error) {
	var args writeFileArgs
	if err := DecodeArgs(call.Args, &args); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(args.Path) == "" {
		return Result{}, errors.New("missing path")
	}
	abs := b.resolve(args.Path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(abs, []byte(args.Content), 0o644); err != nil {
		return Result{}, err
	}
	b.cache.InvalidatePath(abs)
	return Success(call.ID, JSONOutput(map[string]any{
		"path":          abs,
		"bytes_written": len(args.Content),
	})), nil
}

type shellArgs struct {
	Command   string `mapstructure:"command"`
	TimeoutMS int64  `mapstructure:"timeout_ms"`
}

func (b *builtins) runShell(ctx context.Context, call Call) (Result, error) {
	var args shellArgs
	if err := DecodeArgs(call.Args, &args); err != nil {
		return Result{}, err
	}
	command := strings.TrimSpace(args.Command)
	if command == "" {
		return Result{}, errors.New("missing command")
	}
	timeout := shellDefaultTimeout
	if args.TimeoutMS > 0 {
		timeout = time.Duration(args.TimeoutMS) * time.Millisecond
	}
	if timeout > shellMaxTimeout {
		timeout = shellMaxTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := b.shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(execCtx, shell, "-c", command)
	cmd.Dir = b.root
	lim := NewLimitedBuffers(shellOutputMaxBytes)
	cmd.Stdout = lim.Stdout()
	cmd.Stderr = lim.Stderr()

	started := time.Now()
	runErr := cmd.Run()
	durationMS := time.Since(started).Milliseconds()

	exitCode := 0
	if runErr != nil {
		if ee := (*exec.ExitError)(nil); errors.As(runErr, &ee) {
			exitCode = ee.ExitCode()
		} else {
			return Result{}, runErr
		}
	}
	if risk := ClassifyCommandRisk(command); risk != CommandRiskReadonly {
		// Any file may have changed.
		b.cache.Clear()
	}
	b.log.Debug("shell tool finished", "component", "tools", "exit_code", exitCode, "duration_ms", durationMS)

	out := JSONOutput(map[string]any{
		"stdout":      lim.StdoutString(),
		"stderr":      lim.StderrString(),
		"exit_code":   exitCode,
		"duration_ms": durationMS,
		"truncated":   lim.Truncated(),
	})
	if execCtx.Err() == context.DeadlineExceeded {
		return Failure(call.ID, "timeout", fmt.Sprintf("Command timed out after %s", timeout)), nil
	}
	return Result{CallID: call.ID, Output: out, Success: exitCode == 0}, nil
}

type resetContextArgs struct {
	Summary string `mapstructure:"summary"`
}

func (b *builtins) resetContext(ctx context.Context, call Call) (Result, error) {
	var args resetContextArgs
	if err := DecodeArgs(call.Args, &args); err != nil {
		return Result{}, err
	}
	summary := strings.TrimSpace(args.Summary)
	if summary == "" {
		return Result{}, errors.New("missing summary")
	}
	return Result{
		CallID:            call.ID,
		Output:            JSONOutput(map[string]any{"summary": summary}),
		Success:           true,
		ResetConversation: true,
	}, nil
}
