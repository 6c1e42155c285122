package airlock

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fentz26/airlock/internal/models"
	"gopkg.in/yaml.v3"
)

// Mode selects how the tool policy treats tools it does not list.
type Mode string

const (
	// ModeAll permits every tool not on the deny list.
	ModeAll Mode = "all"
	// ModeAllowlist permits only tools on the allow list.
	ModeAllowlist Mode = "allowlist"
)

// Config is the Airlock policy document. Treat a *Config obtained from a
// Provider as read-only; mutate a Clone.
type Config struct {
	ToolPolicy     ToolPolicy              `yaml:"tool_policy" json:"tool_policy"`
	ToolLevels     map[string]models.Level `yaml:"tool_levels" json:"tool_levels"`
	Scopes         Scopes                  `yaml:"scopes" json:"scopes"`
	RateLimits     RateLimits              `yaml:"rate_limits" json:"rate_limits"`
	ApprovalExpiry Duration                `yaml:"approval_expiry" json:"approval_expiry"`
	ToolTimeouts   map[string]Duration     `yaml:"tool_timeouts" json:"tool_timeouts"`
}

// ToolPolicy holds the mode and the mutually exclusive allow/deny sets.
type ToolPolicy struct {
	Mode  Mode     `yaml:"mode" json:"mode"`
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny" json:"deny"`
}

// Scopes constrain where tools may act, independent of risk level.
type Scopes struct {
	AllowedPaths   []string `yaml:"allowed_paths" json:"allowed_paths"`
	BlockedPaths   []string `yaml:"blocked_paths" json:"blocked_paths"`
	AllowedDomains []string `yaml:"allowed_domains" json:"allowed_domains"`
	BlockedDomains []string `yaml:"blocked_domains" json:"blocked_domains"`
}

// RateLimits are per workspace. Zero disables a limit.
type RateLimits struct {
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute" json:"max_requests_per_minute"`
	MaxTokensPerDay      int `yaml:"max_tokens_per_day" json:"max_tokens_per_day"`
}

// DefaultToolTimeout applies to tools without an entry in ToolTimeouts.
const DefaultToolTimeout = 30 * time.Second

// DefaultApprovalExpiry is how long an approval request stays pending.
const DefaultApprovalExpiry = 15 * time.Minute

// DefaultConfig returns the policy used when no document exists.
func DefaultConfig() *Config {
	return &Config{
		ToolPolicy: ToolPolicy{Mode: ModeAll},
		ToolLevels: map[string]models.Level{},
		Scopes: Scopes{
			BlockedPaths: []string{
				"/etc", "/bin", "/sbin", "/usr", "/boot", "/System",
				"**/.ssh/**", "**/.gnupg/**", "**/.git/**",
			},
		},
		RateLimits: RateLimits{
			MaxRequestsPerMinute: 120,
		},
		ApprovalExpiry: Duration(DefaultApprovalExpiry),
		ToolTimeouts: map[string]Duration{
			"execute_command": Duration(2 * time.Minute),
			"browse_url":      Duration(20 * time.Second),
		},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.ToolPolicy.Allow = append([]string(nil), c.ToolPolicy.Allow...)
	out.ToolPolicy.Deny = append([]string(nil), c.ToolPolicy.Deny...)
	out.ToolLevels = make(map[string]models.Level, len(c.ToolLevels))
	for k, v := range c.ToolLevels {
		out.ToolLevels[k] = v
	}
	out.Scopes.AllowedPaths = append([]string(nil), c.Scopes.AllowedPaths...)
	out.Scopes.BlockedPaths = append([]string(nil), c.Scopes.BlockedPaths...)
	out.Scopes.AllowedDomains = append([]string(nil), c.Scopes.AllowedDomains...)
	out.Scopes.BlockedDomains = append([]string(nil), c.Scopes.BlockedDomains...)
	out.ToolTimeouts = make(map[string]Duration, len(c.ToolTimeouts))
	for k, v := range c.ToolTimeouts {
		out.ToolTimeouts[k] = v
	}
	return &out
}

// Validate checks the document invariants.
func (c *Config) Validate() error {
	switch c.ToolPolicy.Mode {
	case ModeAll, ModeAllowlist:
	default:
		return fmt.Errorf("invalid tool_policy.mode %q, must be: all or allowlist", c.ToolPolicy.Mode)
	}
	deny := make(map[string]bool, len(c.ToolPolicy.Deny))
	for _, t := range c.ToolPolicy.Deny {
		deny[t] = true
	}
	for _, t := range c.ToolPolicy.Allow {
		if deny[t] {
			return fmt.Errorf("tool %q is in both allow and deny", t)
		}
	}
	for tool, lvl := range c.ToolLevels {
		if !lvl.Valid() {
			return fmt.Errorf("tool_levels.%s: invalid level %d", tool, int(lvl))
		}
	}
	if c.RateLimits.MaxRequestsPerMinute < 0 || c.RateLimits.MaxTokensPerDay < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.ApprovalExpiry < 0 {
		return fmt.Errorf("approval_expiry must not be negative")
	}
	return nil
}

// SetAllowed adds tool to (or removes it from) the allow set. Adding removes
// it from the deny set.
func (c *Config) SetAllowed(tool string, allowed bool) {
	if allowed {
		c.ToolPolicy.Allow = addName(c.ToolPolicy.Allow, tool)
		c.ToolPolicy.Deny = removeName(c.ToolPolicy.Deny, tool)
		return
	}
	c.ToolPolicy.Allow = removeName(c.ToolPolicy.Allow, tool)
}

// SetDenied adds tool to (or removes it from) the deny set. Adding removes it
// from the allow set.
func (c *Config) SetDenied(tool string, denied bool) {
	if denied {
		c.ToolPolicy.Deny = addName(c.ToolPolicy.Deny, tool)
		c.ToolPolicy.Allow = removeName(c.ToolPolicy.Allow, tool)
		return
	}
	c.ToolPolicy.Deny = removeName(c.ToolPolicy.Deny, tool)
}

// SetLevel overrides the classifier for tool.
func (c *Config) SetLevel(tool string, lvl models.Level) {
	if c.ToolLevels == nil {
		c.ToolLevels = make(map[string]models.Level)
	}
	c.ToolLevels[tool] = lvl
}

// IsAllowed reports membership in the allow set.
func (c *Config) IsAllowed(tool string) bool { return hasName(c.ToolPolicy.Allow, tool) }

// IsDenied reports membership in the deny set.
func (c *Config) IsDenied(tool string) bool { return hasName(c.ToolPolicy.Deny, tool) }

// TimeoutFor returns the invocation timeout for tool.
func (c *Config) TimeoutFor(tool string) time.Duration {
	if d, ok := c.ToolTimeouts[tool]; ok && d > 0 {
		return time.Duration(d)
	}
	if d, ok := c.ToolTimeouts["default"]; ok && d > 0 {
		return time.Duration(d)
	}
	return DefaultToolTimeout
}

// Expiry returns the approval expiry, falling back to the default.
func (c *Config) Expiry() time.Duration {
	if c.ApprovalExpiry > 0 {
		return time.Duration(c.ApprovalExpiry)
	}
	return DefaultApprovalExpiry
}

func hasName(set []string, name string) bool {
	for _, n := range set {
		if n == name {
			return true
		}
	}
	return false
}

func addName(set []string, name string) []string {
	if hasName(set, name) {
		return set
	}
	out := append(append([]string(nil), set...), name)
	sort.Strings(out)
	return out
}

func removeName(set []string, name string) []string {
	out := make([]string, 0, len(set))
	for _, n := range set {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// LoadConfig reads a policy document. A missing file yields DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML policy document over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	if cfg.ToolLevels == nil {
		cfg.ToolLevels = map[string]models.Level{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating policy dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling policy: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing policy file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing policy file: %w", err)
	}
	return nil
}

// Duration is a time.Duration that reads and writes as "15m".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}
