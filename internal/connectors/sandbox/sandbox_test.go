package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/fentz26/airlock/internal/connectors"
)

func TestNew_Defaults(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	if s.Name() != "sandbox" {
		t.Errorf("Expected name 'sandbox', got %s", s.Name())
	}
	if s.cfg.Image != DefaultImage {
		t.Errorf("Expected default image %s, got %s", DefaultImage, s.cfg.Image)
	}
	if !s.IsAllowed("go", []string{"test"}) {
		t.Error("default allowlist should allow go test")
	}
}

func TestExecute_NotAllowedNeverReachesDocker(t *testing.T) {
	s, err := New(Config{Allowlist: connectors.Allowlist{"make": {"test"}}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	_, err = s.Execute(context.Background(), connectors.Request{Command: "rm", Args: []string{"-rf", "/"}})
	if err == nil {
		t.Fatal("Expected error for non-allowed command")
	}
}

func TestExecute_Docker(t *testing.T) {
	s, err := New(Config{Allowlist: connectors.Allowlist{"echo": {"*"}}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !s.IsAvailable(ctx) {
		t.Skip("docker not available")
	}

	ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	result, err := s.Execute(ctx, connectors.Request{Command: "echo", Args: []string{"hi"}, Dir: t.TempDir()})
	if err != nil {
		t.Skipf("sandbox image unavailable: %v", err)
	}
	if result.ExitCode != 0 || result.Stdout != "hi\n" {
		t.Errorf("unexpected result: %+v", result)
	}
}
