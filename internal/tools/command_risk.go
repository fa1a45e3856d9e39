package tools

import (
	"regexp"
	"strings"
)

type CommandRisk string

const (
	CommandRiskReadonly  CommandRisk = "readonly"
	CommandRiskMutating  CommandRisk = "mutating"
	CommandRiskDangerous CommandRisk = "dangerous"
)

var dangerousCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
	regexp.MustCompile(`\brm\s+-rf\s+(?:--no-preserve-root\s+)?/\s*(?:$|[;&|])`),
	regexp.MustCompile(`\bmkfs(?:\.[a-z0-9_-]+)?\b`),
	regexp.MustCompile(`\bdd\b[^\n]*\bof=/dev/`),
	regexp.MustCompile(`\b(?:shutdown|reboot|poweroff|halt)\b`),
}

var readonlyVerbs = map[string]struct{}{
	"basename": {},
	"cat":      {},
	"cut":      {},
	"dirname":  {},
	"find":     {},
	"grep":     {},
	"head":     {},
	"ls":       {},
	"pwd":      {},
	"realpath": {},
	"rg":       {},
	"sort":     {},
	"stat":     {},
	"tail":     {},
	"test":     {},
	"uniq":     {},
	"wc":       {},
	"which":    {},
}

var readonlyGitSubcommands = map[string]struct{}{
	"branch":    {},
	"diff":      {},
	"grep":      {},
	"log":       {},
	"ls-files":  {},
	"remote":    {},
	"rev-parse": {},
	"show":      {},
	"status":    {},
	"tag":       {},
}

// ClassifyCommandRisk classifies a shell command line. Wrapped invocations such as
// `bash -lc '...'` are classified by their inner script.
func ClassifyCommandRisk(command string) CommandRisk {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return CommandRiskMutating
	}
	inner := unwrapShellCommand(trimmed)
	for _, candidate := range []string{trimmed, inner} {
		lower := strings.ToLower(candidate)
		for _, p := range dangerousCommandPatterns {
			if p.MatchString(lower) {
				return CommandRiskDangerous
			}
		}
	}

	segments := shellSegments(inner)
	if len(segments) == 0 {
		return CommandRiskMutating
	}
	for _, seg := range segments {
		if !segmentIsReadonly(seg) {
			return CommandRiskMutating
		}
	}
	return CommandRiskReadonly
}

var shellWrappers = map[string]struct{}{
	"bash": {},
	"sh":   {},
	"zsh":  {},
	"dash": {},
}

// unwrapShellCommand returns the script of `<shell> -c|-lc '<script>'`, or the
// command unchanged when it is not a single wrapped invocation.
func unwrapShellCommand(command string) string {
	cur := strings.TrimSpace(command)
	for depth := 0; depth < 4; depth++ {
		fields := strings.Fields(cur)
		if len(fields) < 3 {
			return cur
		}
		shell := fields[0]
		if idx := strings.LastIndexByte(shell, '/'); idx >= 0 {
			shell = shell[idx+1:]
		}
		if _, ok := shellWrappers[shell]; !ok {
			return cur
		}
		flag := fields[1]
		if !strings.HasPrefix(flag, "-") || !strings.Contains(flag, "c") {
			return cur
		}
		rest := strings.TrimSpace(cur[strings.Index(cur, flag)+len(flag):])
		if len(rest) < 2 {
			return cur
		}
		quote := rest[0]
		if (quote != '\'' && quote != '"') || rest[len(rest)-1] != quote {
			return cur
		}
		cur = strings.TrimSpace(rest[1 : len(rest)-1])
	}
	return cur
}

// CommandFromArgs extracts the "command" argument of a shell tool call.
func CommandFromArgs(args map[string]any) string {
	if args == nil {
		return ""
	}
	raw, ok := args["command"]
	if !ok {
		return ""
	}
	s, _ := raw.(string)
	return strings.TrimSpace(s)
}

// shellSegments splits a command line on unquoted ;, newline, |, || and &&.
func shellSegments(command string) []string {
	var (
		segs    []string
		cur     strings.Builder
		quote   rune
		escaped bool
	)
	cut := func() {
		if seg := strings.TrimSpace(cur.String()); seg != "" {
			segs = append(segs, seg)
		}
		cur.Reset()
	}
	rs := []rune(command)
	for i := 0; i < len(rs); i++ {
		ch := rs[i]
		switch {
		case escaped:
			escaped = false
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\\':
			escaped = true
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
		case ch == ';' || ch == '\n':
			cut()
			continue
		case ch == '|':
			cut()
			if i+1 < len(rs) && rs[i+1] == '|' {
				i++
			}
			continue
		case ch == '&' && i+1 < len(rs) && rs[i+1] == '&':
			cut()
			i++
			continue
		}
		cur.WriteRune(ch)
	}
	cut()
	return segs
}

var (
	envAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
	// Redirections that cannot write a file.
	harmlessRedirect = regexp.MustCompile(`[12]?>&[12]|[12]?>\s*/dev/null`)
)

func segmentIsReadonly(segment string) bool {
	if strings.Contains(harmlessRedirect.ReplaceAllString(segment, ""), ">") {
		return false
	}
	fields := strings.Fields(segment)
	for len(fields) > 0 && envAssignment.MatchString(fields[0]) {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return false
	}

	verb, args := strings.ToLower(fields[0]), fields[1:]
	switch verb {
	case "git":
		for _, arg := range args {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			_, ok := readonlyGitSubcommands[strings.ToLower(arg)]
			return ok
		}
		return false
	case "sed":
		printOnly := false
		for _, arg := range args {
			switch {
			case strings.HasPrefix(arg, "-i"), arg == "--in-place":
				return false
			case arg == "-n", arg == "--quiet", arg == "--silent":
				printOnly = true
			}
		}
		return printOnly
	}
	_, ok := readonlyVerbs[verb]
	return ok
}

// InvocationRisk returns the command risk of a shell tool call, or "" for other tools.
func InvocationRisk(toolName string, args map[string]any) CommandRisk {
	if strings.TrimSpace(toolName) != ShellToolName {
		return ""
	}
	return ClassifyCommandRisk(CommandFromArgs(args))
}

func IsDangerousInvocation(toolName string, args map[string]any) bool {
	return InvocationRisk(toolName, args) == CommandRiskDangerous
}

// InvocationRiskInfo returns the risk label and the unwrapped command of a shell tool call.
func InvocationRiskInfo(toolName string, args map[string]any) (string, string) {
	risk := InvocationRisk(toolName, args)
	if risk == "" {
		return "", ""
	}
	return string(risk), unwrapShellCommand(CommandFromArgs(args))
}
