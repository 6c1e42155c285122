// Package sandbox runs commands in a throwaway Docker container with the
// workspace mounted read-only and networking disabled.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/fentz26/airlock/internal/connectors"
)

// DefaultImage is used when no image is configured.
const DefaultImage = "alpine:3.19"

const (
	mountPoint = "/workspace"
	maxOutput  = 64 * 1024
)

// Config configures the sandbox.
type Config struct {
	Image     string               `yaml:"image" mapstructure:"image"`
	MemoryMB  int64                `yaml:"memory_mb" mapstructure:"memory_mb"`
	Pull      bool                 `yaml:"pull" mapstructure:"pull"`
	Allowlist connectors.Allowlist `yaml:"allow" mapstructure:"allow"`
}

// Sandbox implements connectors.Connector on top of the Docker engine.
type Sandbox struct {
	client *client.Client
	cfg    Config
}

// New connects to the Docker engine from the environment.
func New(cfg Config) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Allowlist == nil {
		cfg.Allowlist = connectors.DefaultAllowlist()
	}
	return &Sandbox{client: cli, cfg: cfg}, nil
}

// Name returns the connector identifier.
func (s *Sandbox) Name() string { return "sandbox" }

// IsAvailable checks if Docker is reachable.
func (s *Sandbox) IsAvailable(ctx context.Context) bool {
	_, err := s.client.Ping(ctx)
	return err == nil
}

// Close closes the Docker client.
func (s *Sandbox) Close() error { return s.client.Close() }

// IsAllowed checks the command against the sandbox allowlist.
func (s *Sandbox) IsAllowed(cmd string, args []string) bool {
	return s.cfg.Allowlist.Allows(cmd, args)
}

// Execute creates a container for the command, waits for it and removes it.
func (s *Sandbox) Execute(ctx context.Context, req connectors.Request) (*connectors.ExecResult, error) {
	if !s.IsAllowed(req.Command, req.Args) {
		return nil, fmt.Errorf("command not allowed: %s", connectors.CommandLine(req.Command, req.Args))
	}
	if s.cfg.Pull {
		if err := s.pull(ctx); err != nil {
			return nil, err
		}
	}

	cfg := &container.Config{
		Image:           s.cfg.Image,
		Cmd:             append([]string{req.Command}, req.Args...),
		WorkingDir:      mountPoint,
		NetworkDisabled: true,
		Labels:          map[string]string{"airlock.sandbox": "true"},
	}
	host := &container.HostConfig{
		Resources: container.Resources{Memory: s.cfg.MemoryMB * 1024 * 1024},
	}
	if req.Dir != "" {
		host.Mounts = []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   req.Dir,
			Target:   mountPoint,
			ReadOnly: true,
		}}
	}

	created, err := s.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.client.ContainerRemove(rmCtx, created.ID, types.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if err := s.client.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	var exitCode int64
	statusCh, errCh := s.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("failed waiting for container: %w", err)
		}
	case status := <-statusCh:
		if status.Error != nil {
			return nil, fmt.Errorf("container error: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	case <-ctx.Done():
		return nil, fmt.Errorf("exec %s: %w", req.Command, ctx.Err())
	}

	logs, err := s.client.ContainerLogs(ctx, created.ID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}

	return &connectors.ExecResult{
		Command:    req.Command,
		Args:       req.Args,
		ExitCode:   int(exitCode),
		Stdout:     connectors.Truncate(stdout.String(), maxOutput),
		Stderr:     connectors.Truncate(stderr.String(), maxOutput),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (s *Sandbox) pull(ctx context.Context) error {
	rc, err := s.client.ImagePull(ctx, s.cfg.Image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", s.cfg.Image, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}
