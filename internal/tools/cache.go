package tools

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// pathArgKeys are the argument names whose file mtime guards a cache entry.
var pathArgKeys = []string{"path", "file_path", "directory"}

type cacheEntry struct {
	output string

	path     string
	modTime  time.Time
	hasMTime bool
}

// Cache is a result cache shared by tool implementations. It is keyed by
// tool name plus canonical arguments and is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

func cacheKey(toolName string, call Call) string {
	return strings.TrimSpace(toolName) + "\x00" + call.ArgsJSON()
}

func guardedPath(args map[string]any) string {
	for _, key := range pathArgKeys {
		if v, ok := args[key].(string); ok && strings.TrimSpace(v) != "" {
			return filepath.Clean(strings.TrimSpace(v))
		}
	}
	return ""
}

func statModTime(path string) (time.Time, bool) {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return st.ModTime(), true
}

// Get returns a cached output. An entry whose guarded file changed or vanished is dropped.
func (c *Cache) Get(call Call) (string, bool) {
	if c == nil {
		return "", false
	}
	key := cacheKey(call.Name, call)

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	if entry.path != "" {
		mt, exists := statModTime(entry.path)
		if !exists || !entry.hasMTime || !mt.Equal(entry.modTime) {
			delete(c.entries, key)
			c.misses.Add(1)
			return "", false
		}
	}
	c.hits.Add(1)
	return entry.output, true
}

// Put stores a successful output.
func (c *Cache) Put(call Call, output string) {
	if c == nil {
		return
	}
	entry := cacheEntry{output: output, path: guardedPath(call.Args)}
	if entry.path != "" {
		entry.modTime, entry.hasMTime = statModTime(entry.path)
	}
	key := cacheKey(call.Name, call)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}

// InvalidatePath drops entries guarded by path or by anything beneath it,
// and entries for the directory containing it.
func (c *Cache) InvalidatePath(path string) int {
	if c == nil {
		return 0
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return 0
	}
	path = filepath.Clean(path)
	parent := filepath.Dir(path)
	prefix := path + string(filepath.Separator)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if entry.path == "" {
			continue
		}
		if entry.path == path || entry.path == parent || strings.HasPrefix(entry.path, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() (hits int64, misses int64) {
	if c == nil {
		return 0, 0
	}
	return c.hits.Load(), c.misses.Load()
}
