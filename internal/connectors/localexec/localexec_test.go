package localexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/airlock/internal/connectors"
)

func TestIsAllowed(t *testing.T) {
	exec := New("", nil)

	tests := []struct {
		cmd     string
		args    []string
		allowed bool
	}{
		{"go", []string{"test", "./..."}, true},
		{"git", []string{"status"}, true},
		{"git", []string{"diff"}, true},
		{"echo", []string{}, true},          // wildcard allows no args
		{"ls", []string{"-la"}, true},       // wildcard
		{"git", []string{"push"}, false},    // not in allowlist
		{"rm", []string{"-rf", "/"}, false}, // not in allowlist
		{"go", []string{"run", "."}, false}, // subcommand not allowed
		{"go", []string{}, false},           // no subcommand
		{"unknown", []string{"cmd"}, false}, // unknown command
	}

	for _, tt := range tests {
		t.Run(connectors.CommandLine(tt.cmd, tt.args), func(t *testing.T) {
			got := exec.IsAllowed(tt.cmd, tt.args)
			if got != tt.allowed {
				t.Errorf("IsAllowed(%s, %v) = %v, want %v", tt.cmd, tt.args, got, tt.allowed)
			}
		})
	}
}

func TestIsAllowed_CustomList(t *testing.T) {
	exec := New("", connectors.Allowlist{"make": {"lint"}})
	if !exec.IsAllowed("make", []string{"lint"}) {
		t.Error("expected make lint to be allowed")
	}
	if exec.IsAllowed("go", []string{"test"}) {
		t.Error("custom allowlist replaces the default")
	}
}

func TestExecute_Allowed(t *testing.T) {
	dir := t.TempDir()
	exec := New("", nil)

	result, err := exec.Execute(context.Background(), connectors.Request{
		Command: "echo",
		Args:    []string{"hello"},
		Dir:     dir,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("unexpected stdout %q", result.Stdout)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	exec := New(t.TempDir(), nil)

	// Not a git repository, so git status exits non-zero.
	result, err := exec.Execute(context.Background(), connectors.Request{Command: "git", Args: []string{"status"}})
	if err != nil {
		t.Skipf("git not available: %v", err)
	}
	if result.ExitCode == 0 {
		t.Error("expected non-zero exit outside a repository")
	}
}

func TestExecute_NotAllowed(t *testing.T) {
	exec := New("", nil)

	_, err := exec.Execute(context.Background(), connectors.Request{Command: "rm", Args: []string{"-rf", "/"}})
	if err == nil {
		t.Error("Expected error for non-allowed command")
	}
}

func TestExecute_Timeout(t *testing.T) {
	exec := New("", connectors.Allowlist{"sleep": {"*"}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, connectors.Request{Command: "sleep", Args: []string{"5"}})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestName(t *testing.T) {
	exec := New("", nil)
	if exec.Name() != "localexec" {
		t.Errorf("Expected name 'localexec', got %s", exec.Name())
	}
}
