// Package config loads the Airlock daemon settings. Values come from, in
// increasing precedence: built-in defaults, ~/.airlock/config.yaml, a .env
// file and AIRLOCK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/fentz26/airlock/internal/connectors"
	"github.com/fentz26/airlock/internal/connectors/sandbox"
	"github.com/fentz26/airlock/internal/providers/llm"
	"github.com/fentz26/airlock/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. AIRLOCK_SERVER_LISTEN.
const EnvPrefix = "AIRLOCK"

// Config is the daemon configuration.
type Config struct {
	DataDir   string           `mapstructure:"data_dir"`
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	LLM       llm.Settings     `mapstructure:"llm"`
	Scheduler scheduler.Config `mapstructure:"scheduler"`
	Executor  ExecutorConfig   `mapstructure:"executor"`
	Approvals ApprovalsConfig  `mapstructure:"approvals"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RateLimitRPS   int      `mapstructure:"rate_limit_rps"`
}

// AuthConfig enables API authentication. With neither field set the API is
// open, which is only sensible on loopback.
type AuthConfig struct {
	APIKey    string `mapstructure:"api_key"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Enabled reports whether requests must authenticate.
func (a AuthConfig) Enabled() bool { return a.APIKey != "" || a.JWTSecret != "" }

// LoggingConfig selects the log level and directory. An empty Dir logs to
// stderr.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

// ExecutorConfig selects how runCommand steps run.
type ExecutorConfig struct {
	// Connector is "local" or "sandbox".
	Connector     string               `mapstructure:"connector"`
	Allow         connectors.Allowlist `mapstructure:"allow"`
	Sandbox       sandbox.Config       `mapstructure:"sandbox"`
	MaxFetchBytes int64                `mapstructure:"max_fetch_bytes"`
	// FailurePolicy is the default for plans that do not set one.
	FailurePolicy string `mapstructure:"failure_policy"`
}

// ApprovalsConfig tags approval requests with the daemon's identity.
type ApprovalsConfig struct {
	RequesterID string `mapstructure:"requester_id"`
}

// Connector names.
const (
	ConnectorLocal   = "local"
	ConnectorSandbox = "sandbox"
)

// DefaultDataDir is ~/.airlock, or .airlock when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".airlock"
	}
	return filepath.Join(home, ".airlock")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Server: ServerConfig{
			Listen:         "127.0.0.1:7466",
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   50,
		},
		Logging:   LoggingConfig{Level: "info"},
		Scheduler: *scheduler.DefaultConfig(),
		Executor: ExecutorConfig{
			Connector:     ConnectorLocal,
			Allow:         connectors.DefaultAllowlist(),
			Sandbox:       sandbox.Config{Image: sandbox.DefaultImage, MemoryMB: 512},
			MaxFetchBytes: 2 << 20,
			FailurePolicy: "fail_fast",
		},
		Approvals: ApprovalsConfig{RequesterID: "airlockd"},
	}
}

// SetDefaults registers Default with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.rate_limit_rps", d.Server.RateLimitRPS)

	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)

	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")

	v.SetDefault("scheduler.global_max", d.Scheduler.GlobalMax)
	v.SetDefault("scheduler.per_workspace", d.Scheduler.PerWorkspace)
	v.SetDefault("scheduler.by_workspace", d.Scheduler.ByWorkspace)

	v.SetDefault("executor.connector", d.Executor.Connector)
	v.SetDefault("executor.allow", d.Executor.Allow)
	v.SetDefault("executor.sandbox.image", d.Executor.Sandbox.Image)
	v.SetDefault("executor.sandbox.memory_mb", d.Executor.Sandbox.MemoryMB)
	v.SetDefault("executor.sandbox.pull", d.Executor.Sandbox.Pull)
	v.SetDefault("executor.max_fetch_bytes", d.Executor.MaxFetchBytes)
	v.SetDefault("executor.failure_policy", d.Executor.FailurePolicy)

	v.SetDefault("approvals.requester_id", d.Approvals.RequesterID)
}

// Options locate the configuration sources.
type Options struct {
	// File is an explicit config file. Empty means {data dir}/config.yaml
	// when it exists.
	File string
	// EnvFile is loaded into the process environment first. Empty means
	// ".env" in the working directory, ignored when missing.
	EnvFile string
}

// Load builds the configuration.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && (opts.EnvFile != "" || !errors.Is(err, os.ErrNotExist)) {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := opts.File
	if file == "" {
		dataDir := v.GetString("data_dir")
		candidate := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			file = candidate
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen must be set"))
	}
	if c.Scheduler.GlobalMax < 1 {
		errs = append(errs, fmt.Errorf("scheduler.global_max must be at least 1, got %d", c.Scheduler.GlobalMax))
	}
	if c.Scheduler.PerWorkspace < 1 {
		errs = append(errs, fmt.Errorf("scheduler.per_workspace must be at least 1, got %d", c.Scheduler.PerWorkspace))
	}
	switch c.Executor.Connector {
	case ConnectorLocal, ConnectorSandbox:
	default:
		errs = append(errs, fmt.Errorf("executor.connector must be %q or %q, got %q", ConnectorLocal, ConnectorSandbox, c.Executor.Connector))
	}
	switch c.Executor.FailurePolicy {
	case "fail_fast", "continue":
	default:
		errs = append(errs, fmt.Errorf("executor.failure_policy must be fail_fast or continue, got %q", c.Executor.FailurePolicy))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DBPath is the SQLite database location.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "airlock.db") }

// PolicyPath is the Airlock policy document location.
func (c *Config) PolicyPath() string { return filepath.Join(c.DataDir, "airlock.yaml") }

// VersionsDir holds file snapshots.
func (c *Config) VersionsDir() string { return filepath.Join(c.DataDir, "versions") }
