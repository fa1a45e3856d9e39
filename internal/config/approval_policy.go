package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ApprovalModeAuto allows every call not explicitly denied.
	ApprovalModeAuto = "auto"
	// ApprovalModePrompt asks the user before mutating calls.
	ApprovalModePrompt = "prompt"
	// ApprovalModeDeny denies mutating calls not explicitly allowed.
	ApprovalModeDeny = "deny"
)

// ApprovalPolicy configures the local approval gate.
//
// Deny always wins over Allow. In worker processes the policy is not consulted:
// approvals are forwarded to the parent, which applies its own policy.
type ApprovalPolicy struct {
	Mode string `yaml:"mode"`

	// Allow lists tool names approved without asking.
	Allow []string `yaml:"allow,omitempty"`
	// Deny lists tool names that are always refused.
	Deny []string `yaml:"deny,omitempty"`

	// RateLimitPerMinute caps approved calls per rolling minute. 0 disables the limit.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute,omitempty"`

	// BlockDangerousCommands hard-blocks shell commands classified as dangerous.
	BlockDangerousCommands bool `yaml:"block_dangerous_commands"`
}

func DefaultApprovalPolicy() *ApprovalPolicy {
	return &ApprovalPolicy{
		Mode:                   ApprovalModePrompt,
		Allow:                  []string{"read_file", "list_dir", "subagent_status"},
		BlockDangerousCommands: true,
	}
}

func (p *ApprovalPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if _, err := ParseApprovalMode(p.Mode); err != nil {
		return err
	}
	if p.RateLimitPerMinute < 0 {
		return errors.New("invalid rate_limit_per_minute: must be >= 0")
	}
	for _, name := range p.Allow {
		if strings.TrimSpace(name) == "" {
			return errors.New("allow contains an empty tool name")
		}
	}
	for _, name := range p.Deny {
		if strings.TrimSpace(name) == "" {
			return errors.New("deny contains an empty tool name")
		}
	}
	return nil
}

func (p *ApprovalPolicy) EffectiveMode() string {
	if p == nil {
		return ApprovalModePrompt
	}
	mode, err := ParseApprovalMode(p.Mode)
	if err != nil {
		return ApprovalModePrompt
	}
	return mode
}

func (p *ApprovalPolicy) IsDenied(toolName string) bool {
	return p != nil && containsTool(p.Deny, toolName)
}

func (p *ApprovalPolicy) IsAllowed(toolName string) bool {
	return p != nil && containsTool(p.Allow, toolName)
}

func containsTool(list []string, toolName string) bool {
	toolName = strings.TrimSpace(toolName)
	for _, item := range list {
		item = strings.TrimSpace(item)
		if item == toolName {
			return true
		}
		// "mcp_*" style prefix patterns.
		if strings.HasSuffix(item, "*") && strings.HasPrefix(toolName, strings.TrimSuffix(item, "*")) {
			return true
		}
	}
	return false
}

func ParseApprovalMode(raw string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "":
		return ApprovalModePrompt, nil
	case ApprovalModeAuto, ApprovalModePrompt, ApprovalModeDeny:
		return v, nil
	default:
		return "", fmt.Errorf("unknown approval mode: %q", raw)
	}
}
