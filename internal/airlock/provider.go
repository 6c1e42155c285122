package airlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/fentz26/airlock/internal/logging"
)

// ErrPolicyMissing is returned by Reload when the backing file is gone. The
// current policy stays in effect.
var ErrPolicyMissing = errors.New("policy file missing")

// Provider hands out immutable snapshots of the current policy. Updates
// replace the snapshot atomically, so a reader holds one consistent document
// for the whole evaluation of a step.
type Provider struct {
	path    string
	current atomic.Pointer[Config]
	mu      sync.Mutex // serializes Update and Reload
	logger  *logging.Logger
}

// NewProvider loads path (or the defaults if it does not exist). An empty
// path keeps the policy in memory only.
func NewProvider(path string, logger *logging.Logger) (*Provider, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	p := &Provider{path: path, logger: logger.WithComponent("policy")}
	p.current.Store(cfg)
	return p, nil
}

// NewStaticProvider serves cfg without a backing file.
func NewStaticProvider(cfg *Config) *Provider {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{}
	p.current.Store(cfg.Clone())
	return p
}

// Snapshot returns the current policy. Do not mutate it.
func (p *Provider) Snapshot() *Config {
	return p.current.Load()
}

// Path returns the backing file, if any.
func (p *Provider) Path() string { return p.path }

// Update applies fn to a copy of the current policy, validates it, persists
// it and swaps it in. On error the current policy is unchanged.
func (p *Provider) Update(fn func(*Config) error) (*Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.current.Load().Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if p.path != "" {
		if err := SaveConfig(p.path, next); err != nil {
			return nil, err
		}
	}
	p.current.Store(next)
	return next, nil
}

// Replace swaps in cfg wholesale.
func (p *Provider) Replace(cfg *Config) (*Config, error) {
	return p.Update(func(c *Config) error {
		*c = *cfg.Clone()
		return nil
	})
}

// Reload rereads the backing file. A document that is missing, fails to
// parse or fails to validate is rejected and the previous policy stays in
// effect. Only NewProvider falls back to the defaults.
func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrPolicyMissing, p.path)
		}
		return fmt.Errorf("reading policy file: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return err
	}
	p.current.Store(cfg)
	return nil
}

// Watch reloads the policy whenever the backing file is written, until ctx
// is done. The parent directory is watched so editors that replace the file
// by rename are picked up.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching policy dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(p.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := p.Reload(); err != nil {
					p.logger.Warn("policy reload rejected, keeping previous", "error", err)
					continue
				}
				p.logger.Info("policy reloaded", "path", p.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
