package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestCacheHitAndMTimeInvalidation(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("one"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := NewCache()
	call := Call{Name: "read_file", Args: map[string]any{"path": p}}
	if _, ok := c.Get(call); ok {
		t.Fatalf("Get() hit on empty cache")
	}
	c.Put(call, "one")
	if out, ok := c.Get(call); !ok || out != "one" {
		t.Fatalf("Get() = %q, %v, want one, true", out, ok)
	}

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(p, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if _, ok := c.Get(call); ok {
		t.Fatalf("Get() hit after mtime change")
	}
	if c.Len() != 0 {
		t.Fatalf("stale entry kept, Len() = %d", c.Len())
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 2 {
		t.Fatalf("Stats() = %d/%d, want 1/2", hits, misses)
	}
}

func TestCacheDeletedFileMisses(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "gone.txt")
	_ = os.WriteFile(p, []byte("x"), 0o600)

	c := NewCache()
	call := Call{Name: "read_file", Args: map[string]any{"file_path": p}}
	c.Put(call, "x")
	_ = os.Remove(p)
	if _, ok := c.Get(call); ok {
		t.Fatalf("Get() hit after file removal")
	}
}

func TestCacheInvalidatePath(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	_ = os.MkdirAll(sub, 0o700)
	file := filepath.Join(sub, "f.txt")
	_ = os.WriteFile(file, []byte("x"), 0o600)

	c := NewCache()
	c.Put(Call{Name: "list_dir", Args: map[string]any{"directory": sub}}, "listing")
	c.Put(Call{Name: "read_file", Args: map[string]any{"path": file}}, "x")
	c.Put(Call{Name: "echo", Args: map[string]any{"text": "no path"}}, "y")

	if removed := c.InvalidatePath(file); removed != 2 {
		t.Fatalf("InvalidatePath() removed %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("Len() after Clear = %d", c.Len())
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				call := Call{Name: "echo", Args: map[string]any{"i": i % 10}}
				if _, ok := c.Get(call); !ok {
					c.Put(call, fmt.Sprintf("%d", i%10))
				}
				if i%50 == 0 {
					c.InvalidatePath("/nonexistent")
				}
			}
		}(w)
	}
	wg.Wait()
	if c.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", c.Len())
	}
}

func TestLimitedBuffersTruncates(t *testing.T) {
	b := NewLimitedBuffers(5)
	n, err := b.Stdout().Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	n, err = b.Stderr().Write([]byte("defgh"))
	if n != 5 || err != nil {
		t.Fatalf("Write() = %d, %v (writes past budget still report success)", n, err)
	}
	if b.StdoutString() != "abc" || b.StderrString() != "de" || b.CombinedString() != "abcde" {
		t.Fatalf("buffers = %q/%q/%q", b.StdoutString(), b.StderrString(), b.CombinedString())
	}
	if !b.Truncated() || b.Len() != 5 {
		t.Fatalf("Truncated() = %v, Len() = %d", b.Truncated(), b.Len())
	}
}
