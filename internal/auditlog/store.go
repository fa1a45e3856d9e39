package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(4 << 20)
	defaultMaxBackups = 3

	defaultListLimit = 200
	maxListLimit     = 1000

	activeName    = "tool-calls.jsonl"
	rotatedPrefix = "tool-calls-"
	rotatedSuffix = ".jsonl"

	// rotatedStamp sorts lexically in age order.
	rotatedStamp = "20060102T150405.000000000"
)

// Entry is one journal line. One entry is written per dispatched or synthesized tool result.
type Entry struct {
	CreatedAt string `json:"created_at"`

	// Action is a short, stable identifier; the batch executor writes "tool_call".
	Action string `json:"action"`

	// Status is "success", "failure", "blocked", "aborted" or "interrupted".
	Status string `json:"status"`

	// Error is a truncated error summary.
	Error string `json:"error,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Tool      string `json:"tool,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
	Parallel   bool  `json:"parallel,omitempty"`

	// Detail is a small, action-specific object (avoid secrets).
	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// StateDir is the orchestrator state directory; entries go to <StateDir>/journal.
	StateDir string

	// MaxBytes is the rotation threshold of the active file. <= 0 uses 4 MiB.
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files. <= 0 uses 3.
	MaxBackups int
}

// Query selects entries for List. Empty fields match everything.
type Query struct {
	SessionID string
	Tool      string
	Status    string
	// Limit <= 0 uses 200; at most 1000 entries are returned.
	Limit int
}

func (q Query) match(e Entry) bool {
	if q.SessionID != "" && e.SessionID != q.SessionID {
		return false
	}
	if q.Tool != "" && e.Tool != q.Tool {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	return true
}

// Store is an append-only JSONL journal of tool activity with size-based rotation.
//
// The active file stays open between appends; its size is tracked in memory so
// rotation does not stat the file on every write.
type Store struct {
	log *slog.Logger
	dir string

	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	f    *os.File
	size int64
}

func New(opts Options) (*Store, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing StateDir")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		log:        logger.With("component", "journal"),
		dir:        filepath.Join(stateDir, "journal"),
		maxBytes:   opts.MaxBytes,
		maxBackups: opts.MaxBackups,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxBytes
	}
	if s.maxBackups <= 0 {
		s.maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, err
	}
	if err := s.openActiveLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) activePath() string {
	return filepath.Join(s.dir, activeName)
}

func (s *Store) openActiveLocked() error {
	f, err := os.OpenFile(s.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.f = f
	s.size = st.Size()
	return nil
}

// Append writes e. Failures are logged, never returned: the journal must not fail a batch.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}
	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = "success"
	}
	line, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("journal encode failed", "action", e.Action, "error", err)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		if err := s.openActiveLocked(); err != nil {
			s.log.Warn("journal reopen failed", "error", err)
			return
		}
	}
	n, err := s.f.Write(line)
	s.size += int64(n)
	if err != nil {
		s.log.Warn("journal append failed", "error", err)
		return
	}
	if s.size > s.maxBytes {
		s.rotateLocked()
	}
}

// rotateLocked moves the active file aside, reopens a fresh one and prunes old backups.
func (s *Store) rotateLocked() {
	_ = s.f.Close()
	s.f = nil

	dst := filepath.Join(s.dir, rotatedPrefix+time.Now().UTC().Format(rotatedStamp)+rotatedSuffix)
	if err := os.Rename(s.activePath(), dst); err != nil {
		s.log.Warn("journal rotate failed", "error", err)
	}
	if err := s.openActiveLocked(); err != nil {
		s.log.Warn("journal reopen failed", "error", err)
	}

	backups := s.backups()
	for len(backups) > s.maxBackups {
		if err := os.Remove(backups[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("journal prune failed", "path", backups[0], "error", err)
		}
		backups = backups[1:]
	}
}

// backups lists rotated files, oldest first.
func (s *Store) backups() []string {
	matches, err := filepath.Glob(filepath.Join(s.dir, rotatedPrefix+"*"+rotatedSuffix))
	if err != nil {
		return nil
	}
	slices.Sort(matches)
	return matches
}

// List returns matching entries, newest first.
func (s *Store) List(q Query) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	q.SessionID = strings.TrimSpace(q.SessionID)
	q.Tool = strings.TrimSpace(q.Tool)
	q.Status = strings.TrimSpace(q.Status)

	s.mu.Lock()
	files := s.backups()
	files = append(files, s.activePath())
	s.mu.Unlock()

	out := make([]Entry, 0, min(limit, 64))
	for i := len(files) - 1; i >= 0 && len(out) < limit; i-- {
		lines, err := readLines(files[i])
		if err != nil {
			return out, fmt.Errorf("read journal %s: %w", filepath.Base(files[i]), err)
		}
		for j := len(lines) - 1; j >= 0 && len(out) < limit; j-- {
			var e Entry
			if err := json.Unmarshal(lines[j], &e); err != nil {
				continue
			}
			if q.match(e) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Close releases the active file. Appends after Close reopen it.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// readLines returns the non-empty lines of path. A file rotated away meanwhile reads as empty.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var lines [][]byte
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, sc.Err()
}
