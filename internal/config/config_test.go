package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSubagentClamps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		max, timeout int
		wantMax      int
		wantTimeout  time.Duration
	}{
		{0, 0, 5, 300 * time.Second},
		{-3, -1, 5, 300 * time.Second},
		{3, 60, 3, 60 * time.Second},
		{50, 7200, 20, 3600 * time.Second},
	}
	for _, c := range cases {
		cfg := &Config{Subagent: &SubagentConfig{MaxConcurrent: c.max, TimeoutSec: c.timeout}}
		if got := cfg.EffectiveSubagentMaxConcurrent(); got != c.wantMax {
			t.Fatalf("EffectiveSubagentMaxConcurrent(%d) = %d, want %d", c.max, got, c.wantMax)
		}
		if got := cfg.EffectiveSubagentTimeout(); got != c.wantTimeout {
			t.Fatalf("EffectiveSubagentTimeout(%d) = %v, want %v", c.timeout, got, c.wantTimeout)
		}
	}

	var nilCfg *Config
	if got := nilCfg.EffectiveSubagentMaxConcurrent(); got != DefaultSubagentMaxConcurrent {
		t.Fatalf("nil config max = %d", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []*Config{
		{LogFormat: "xml"},
		{LogLevel: "loud"},
		{Provider: &ProviderConfig{Type: "gemini"}},
		{Provider: &ProviderConfig{Type: "openai", BaseURL: "not a url"}},
		{Approval: &ApprovalPolicy{Mode: "sometimes"}},
		{Approval: &ApprovalPolicy{Mode: "auto", RateLimitPerMinute: -1}},
		{Batch: &BatchConfig{Parallelism: -1}},
	}
	for i, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: Validate() error = nil", i)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Provider = &ProviderConfig{Type: "openai", Model: "gpt-5", BaseURL: "https://api.openai.com/v1"}
	cfg.Subagent = &SubagentConfig{MaxConcurrent: 2, TimeoutSec: 30}
	cfg.Approval.Deny = []string{"shell"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %v, want 0600", st.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Provider.EffectiveModel() != "gpt-5" || got.EffectiveSubagentMaxConcurrent() != 2 {
		t.Fatalf("Load() = %+v", got)
	}
	if !got.Approval.IsDenied("shell") {
		t.Fatalf("deny list not persisted")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.EffectiveApprovalPolicy().EffectiveMode() != ApprovalModePrompt {
		t.Fatalf("default approval mode = %q", cfg.EffectiveApprovalPolicy().EffectiveMode())
	}
}

func TestApprovalPolicyLists(t *testing.T) {
	t.Parallel()

	p := &ApprovalPolicy{Mode: "AUTO", Allow: []string{"mcp_*"}, Deny: []string{"shell"}}
	if p.EffectiveMode() != ApprovalModeAuto {
		t.Fatalf("EffectiveMode() = %q", p.EffectiveMode())
	}
	if !p.IsAllowed("mcp_fetch") || p.IsAllowed("read_file") {
		t.Fatalf("prefix allow pattern mismatch")
	}
	if !p.IsDenied("shell") || p.IsDenied("shell2") {
		t.Fatalf("deny list mismatch")
	}
}

func TestProviderDefaults(t *testing.T) {
	p := &ProviderConfig{Type: "openai"}
	if p.EffectiveAPIKeyEnv() != "OPENAI_API_KEY" {
		t.Fatalf("EffectiveAPIKeyEnv() = %q", p.EffectiveAPIKeyEnv())
	}
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := p.APIKey(); err == nil {
		t.Fatalf("APIKey() error = nil with empty env")
	}
	t.Setenv("OPENAI_API_KEY", " sk-test ")
	if key, err := p.APIKey(); err != nil || key != "sk-test" {
		t.Fatalf("APIKey() = %q, %v", key, err)
	}
	if (&ProviderConfig{}).EffectiveType() != ProviderAnthropic {
		t.Fatalf("empty type should default to anthropic")
	}
}
