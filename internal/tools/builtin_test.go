package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newBuiltinRegistry(t *testing.T) (*Registry, *Cache, string) {
	t.Helper()
	root := t.TempDir()
	cache := NewCache()
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, BuiltinOptions{Root: root, Cache: cache}); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	return reg, cache, root
}

func TestBuiltinDefinitions(t *testing.T) {
	reg, _, _ := newBuiltinRegistry(t)
	cases := []struct {
		name       string
		threadSafe bool
	}{
		{"read_file", true},
		{"list_dir", true},
		{"write_file", false},
		{ShellToolName, false},
		{ResetContextToolName, false},
	}
	for _, c := range cases {
		if _, _, ok := reg.Lookup(c.name); !ok {
			t.Fatalf("builtin %q not registered", c.name)
		}
		if got := reg.IsThreadSafe(c.name); got != c.threadSafe {
			t.Fatalf("IsThreadSafe(%q) = %v, want %v", c.name, got, c.threadSafe)
		}
	}
}

func TestReadFileUsesCacheAndWriteInvalidates(t *testing.T) {
	reg, cache, root := newBuiltinRegistry(t)
	ctx := context.Background()
	p := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(p, []byte("line0\nline1\nline2"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	read := Call{ID: "r1", Name: "read_file", Args: map[string]any{"path": "notes.txt"}}
	res := reg.Execute(ctx, read)
	if !res.Success || !strings.Contains(res.Output, "line1") {
		t.Fatalf("read_file = %+v", res)
	}
	if cache.Len() != 1 {
		t.Fatalf("cache.Len() = %d, want 1", cache.Len())
	}
	res = reg.Execute(ctx, read)
	if hits, _ := cache.Stats(); hits != 1 {
		t.Fatalf("second read did not hit cache, hits = %d", hits)
	}

	write := Call{ID: "w1", Name: "write_file", Args: map[string]any{"path": "notes.txt", "content": "fresh"}}
	if res := reg.Execute(ctx, write); !res.Success {
		t.Fatalf("write_file = %+v", res)
	}
	if cache.Len() != 0 {
		t.Fatalf("write_file did not invalidate cache, Len() = %d", cache.Len())
	}
	res = reg.Execute(ctx, read)
	if !strings.Contains(res.Output, "fresh") {
		t.Fatalf("read after write = %q, want fresh content", res.Output)
	}
}

func TestReadFileLineRange(t *testing.T) {
	reg, _, root := newBuiltinRegistry(t)
	_ = os.WriteFile(filepath.Join(root, "f.txt"), []byte("a\nb\nc\nd"), 0o600)

	res := reg.Execute(context.Background(), Call{ID: "r", Name: "read_file", Args: map[string]any{"path": "f.txt", "offset": 1.0, "limit": 2.0}})
	var body struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(res.Output), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Content != "b\nc" {
		t.Fatalf("content = %q, want %q", body.Content, "b\nc")
	}
}

func TestReadFileOutOfRangeWindow(t *testing.T) {
	reg, _, root := newBuiltinRegistry(t)
	_ = os.WriteFile(filepath.Join(root, "f.txt"), []byte("a\nb\nc"), 0o600)
	ctx := context.Background()

	res := reg.Execute(ctx, Call{ID: "r1", Name: "read_file", Args: map[string]any{"path": "f.txt", "offset": -3.0, "limit": 2.0}})
	var body struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(res.Output), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", res.Output, err)
	}
	if !res.Success || body.Content != "a\nb" {
		t.Fatalf("read_file(offset -3) = %+v, want first two lines", res)
	}

	res = reg.Execute(ctx, Call{ID: "r2", Name: "read_file", Args: map[string]any{"path": "f.txt", "limit": -1.0}})
	if res.Success || !strings.Contains(res.Output, ErrorCodeInvalidArguments) {
		t.Fatalf("read_file(limit -1) = %+v", res)
	}
	if strings.Contains(res.Output, "panicked") {
		t.Fatalf("read_file(limit -1) panicked: %s", res.Output)
	}
}

func TestReadFileMissing(t *testing.T) {
	reg, _, _ := newBuiltinRegistry(t)
	res := reg.Execute(context.Background(), Call{ID: "r", Name: "read_file", Args: map[string]any{"path": "missing.txt"}})
	if res.Success || !strings.Contains(res.Output, "not_found") {
		t.Fatalf("read_file(missing) = %+v", res)
	}
}

func TestListDir(t *testing.T) {
	reg, _, root := newBuiltinRegistry(t)
	_ = os.WriteFile(filepath.Join(root, "b.txt"), []byte("x"), 0o600)
	_ = os.MkdirAll(filepath.Join(root, "a"), 0o700)

	res := reg.Execute(context.Background(), Call{ID: "l", Name: "list_dir", Args: map[string]any{"directory": "."}})
	var body struct {
		Entries []struct {
			Name  string `json:"name"`
			IsDir bool   `json:"is_dir"`
		} `json:"entries"`
	}
	if err := json.Unmarshal([]byte(res.Output), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Entries) != 2 || body.Entries[0].Name != "a" || !body.Entries[0].IsDir || body.Entries[1].Name != "b.txt" {
		t.Fatalf("entries = %+v", body.Entries)
	}
}

func TestShellReportsExitCode(t *testing.T) {
	reg, _, _ := newBuiltinRegistry(t)
	ctx := context.Background()

	res := reg.Execute(ctx, Call{ID: "s1", Name: ShellToolName, Args: map[string]any{"command": "echo hello"}})
	if !res.Success || !strings.Contains(res.Output, "hello") {
		t.Fatalf("shell(echo) = %+v", res)
	}

	res = reg.Execute(ctx, Call{ID: "s2", Name: ShellToolName, Args: map[string]any{"command": "exit 3"}})
	if res.Success || !strings.Contains(res.Output, `"exit_code":3`) {
		t.Fatalf("shell(exit 3) = %+v", res)
	}
}

func TestResetContextSetsFlag(t *testing.T) {
	reg, _, _ := newBuiltinRegistry(t)
	res := reg.Execute(context.Background(), Call{ID: "x", Name: ResetContextToolName, Args: map[string]any{"summary": "plan ready"}})
	if !res.Success || !res.ResetConversation {
		t.Fatalf("reset_context = %+v", res)
	}
}
