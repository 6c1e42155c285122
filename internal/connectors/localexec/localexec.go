// Package localexec provides a local command executor with an allowlist.
package localexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/fentz26/airlock/internal/connectors"
)

// maxOutput caps each captured stream.
const maxOutput = 64 * 1024

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	workDir string
	allow   connectors.Allowlist
}

// New creates a LocalExec that runs in workDir unless a request names its
// own directory. A nil allowlist uses connectors.DefaultAllowlist.
func New(workDir string, allow connectors.Allowlist) *LocalExec {
	if allow == nil {
		allow = connectors.DefaultAllowlist()
	}
	return &LocalExec{workDir: workDir, allow: allow}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	return l.allow.Allows(cmd, args)
}

// Execute runs a command if it's in the allowlist.
func (l *LocalExec) Execute(ctx context.Context, req connectors.Request) (*connectors.ExecResult, error) {
	if !l.IsAllowed(req.Command, req.Args) {
		return nil, fmt.Errorf("command not allowed: %s", connectors.CommandLine(req.Command, req.Args))
	}

	execCmd := exec.CommandContext(ctx, req.Command, req.Args...)
	switch {
	case req.Dir != "":
		execCmd.Dir = req.Dir
	case l.workDir != "":
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("exec %s: %w", req.Command, ctx.Err())
		}
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	return &connectors.ExecResult{
		Command:    req.Command,
		Args:       req.Args,
		ExitCode:   exitCode,
		Stdout:     connectors.Truncate(stdout.String(), maxOutput),
		Stderr:     connectors.Truncate(stderr.String(), maxOutput),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}
