// Package scheduler dispatches queued task runtimes under concurrency caps.
package scheduler

import "path/filepath"

// Config defines the scheduler configuration.
type Config struct {
	// GlobalMax is the maximum number of runtimes executing at once.
	GlobalMax int `yaml:"global_max" mapstructure:"global_max"`
	// PerWorkspace is the default cap for a single workspace.
	PerWorkspace int `yaml:"per_workspace" mapstructure:"per_workspace"`
	// ByWorkspace overrides PerWorkspace for specific workspace paths.
	ByWorkspace map[string]int `yaml:"by_workspace" mapstructure:"by_workspace"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax:    4,
		PerWorkspace: 1,
		ByWorkspace:  map[string]int{},
	}
}

// GetWorkspaceLimit returns the concurrency limit for a workspace.
func (c *Config) GetWorkspaceLimit(workspace string) int {
	if limit, ok := c.ByWorkspace[filepath.Clean(workspace)]; ok && limit > 0 {
		return limit
	}
	if c.PerWorkspace > 0 {
		return c.PerWorkspace
	}
	return 1
}

func (c *Config) globalMax() int {
	if c.GlobalMax > 0 {
		return c.GlobalMax
	}
	return 1
}
