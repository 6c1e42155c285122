// Package connectors defines how runCommand steps reach a shell.
package connectors

import (
	"context"
	"strings"
)

// Request is one command invocation. Dir is the host working directory.
type Request struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
}

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	ExitCode   int      `json:"exit_code"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	DurationMs int64    `json:"duration_ms"`
}

// Connector defines the interface for executing commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command and returns the result. A non-zero exit code is
	// reported in the result, not as an error.
	Execute(ctx context.Context, req Request) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}

// Allowlist maps a command to the subcommands it may run with. A "*" entry
// allows any arguments, including none.
type Allowlist map[string][]string

// DefaultAllowlist is used when no allowlist is configured.
func DefaultAllowlist() Allowlist {
	return Allowlist{
		"go":   {"test", "build", "vet", "version"},
		"git":  {"diff", "status", "log"},
		"ls":   {"*"},
		"echo": {"*"},
		"wc":   {"*"},
	}
}

// Allows reports whether cmd with args is permitted.
func (a Allowlist) Allows(cmd string, args []string) bool {
	subcmds, ok := a[cmd]
	if !ok {
		return false
	}
	for _, s := range subcmds {
		if s == "*" {
			return true
		}
	}
	if len(args) == 0 {
		return false
	}
	for _, s := range subcmds {
		if args[0] == s {
			return true
		}
	}
	return false
}

// Truncate caps captured output at limit bytes.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "\n...[truncated]"
}

// CommandLine renders cmd and args for logs and errors.
func CommandLine(cmd string, args []string) string {
	return strings.TrimSpace(cmd + " " + strings.Join(args, " "))
}
