package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for redeven-orchestrator.
//
// NOTE: API keys are never stored here. Provider.APIKeyEnv names the environment
// variable that carries the key.
type Config struct {
	// StateDir holds the run ledger, tool audit log and lock file.
	// If empty, the directory containing the config file is used.
	StateDir string `yaml:"state_dir,omitempty"`

	// RootDir resolves relative tool paths. If empty, the working directory is used.
	RootDir string `yaml:"root_dir,omitempty"`

	// Shell runs the shell tool. If empty, /bin/sh is used.
	Shell string `yaml:"shell,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	Provider *ProviderConfig `yaml:"provider,omitempty"`
	Approval *ApprovalPolicy `yaml:"approval,omitempty"`
	Subagent *SubagentConfig `yaml:"subagent,omitempty"`
	Batch    *BatchConfig    `yaml:"batch,omitempty"`
	Loop     *LoopConfig     `yaml:"loop,omitempty"`
}

type SubagentConfig struct {
	// MaxConcurrent is clamped to [1, 20]; values < 1 use the default (5).
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
	// TimeoutSec is clamped to [1, 3600]; values < 1 use the default (300).
	TimeoutSec int `yaml:"timeout_sec,omitempty"`
}

type BatchConfig struct {
	// Parallelism bounds the worker pool for all-thread-safe batches.
	Parallelism int `yaml:"parallelism,omitempty"`
}

type LoopConfig struct {
	// MaxIterations is the safety cap on model round trips per message.
	MaxIterations int `yaml:"max_iterations,omitempty"`
}

const (
	DefaultSubagentMaxConcurrent = 5
	SubagentHardCap              = 20
	DefaultSubagentTimeoutSec    = 300
	SubagentMaxTimeoutSec        = 3600

	defaultBatchParallelism  = 4
	maxBatchParallelism      = 32
	defaultLoopMaxIterations = 50
)

func Default() *Config {
	return &Config{
		LogFormat: "text",
		LogLevel:  "info",
		Provider:  &ProviderConfig{Type: ProviderAnthropic},
		Approval:  DefaultApprovalPolicy(),
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	if c.Provider != nil {
		if err := c.Provider.Validate(); err != nil {
			return fmt.Errorf("invalid provider: %w", err)
		}
	}
	if c.Approval != nil {
		if err := c.Approval.Validate(); err != nil {
			return fmt.Errorf("invalid approval: %w", err)
		}
	}
	if c.Batch != nil && c.Batch.Parallelism < 0 {
		return errors.New("invalid batch.parallelism: must be >= 0")
	}
	if c.Loop != nil && c.Loop.MaxIterations < 0 {
		return errors.New("invalid loop.max_iterations: must be >= 0")
	}
	return nil
}

// EffectiveSubagentMaxConcurrent applies the default and the hard cap.
func (c *Config) EffectiveSubagentMaxConcurrent() int {
	n := 0
	if c != nil && c.Subagent != nil {
		n = c.Subagent.MaxConcurrent
	}
	return ClampSubagentMax(n)
}

func (c *Config) EffectiveSubagentTimeout() time.Duration {
	n := 0
	if c != nil && c.Subagent != nil {
		n = c.Subagent.TimeoutSec
	}
	return time.Duration(ClampSubagentTimeoutSec(n)) * time.Second
}

func ClampSubagentMax(n int) int {
	if n < 1 {
		return DefaultSubagentMaxConcurrent
	}
	if n > SubagentHardCap {
		return SubagentHardCap
	}
	return n
}

func ClampSubagentTimeoutSec(n int) int {
	if n < 1 {
		return DefaultSubagentTimeoutSec
	}
	if n > SubagentMaxTimeoutSec {
		return SubagentMaxTimeoutSec
	}
	return n
}

func (c *Config) EffectiveBatchParallelism() int {
	n := 0
	if c != nil && c.Batch != nil {
		n = c.Batch.Parallelism
	}
	if n <= 0 {
		return defaultBatchParallelism
	}
	if n > maxBatchParallelism {
		return maxBatchParallelism
	}
	return n
}

func (c *Config) EffectiveLoopMaxIterations() int {
	if c == nil || c.Loop == nil || c.Loop.MaxIterations <= 0 {
		return defaultLoopMaxIterations
	}
	return c.Loop.MaxIterations
}

func (c *Config) EffectiveApprovalPolicy() *ApprovalPolicy {
	if c == nil || c.Approval == nil {
		return DefaultApprovalPolicy()
	}
	return c.Approval
}

func (c *Config) EffectiveProvider() *ProviderConfig {
	if c == nil || c.Provider == nil {
		return &ProviderConfig{Type: ProviderAnthropic}
	}
	return c.Provider
}

// EffectiveStateDir returns StateDir, falling back to the config file's directory.
func (c *Config) EffectiveStateDir(configPath string) string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return filepath.Clean(strings.TrimSpace(c.StateDir))
	}
	return filepath.Dir(filepath.Clean(configPath))
}

// DefaultConfigPath returns the default config path:
//
//	~/.redeven-orchestrator/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "redeven-orchestrator.config.yaml"
	}
	return filepath.Join(home, ".redeven-orchestrator", "config.yaml")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path, returning Default() when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
