// Package gwconfig loads and validates the gateway's YAML configuration,
// mirroring the teacher's pkg/vmcp/config: a NewYAMLLoader(path,
// envReader).Load() pair plus a NewValidator().Validate(cfg) pass,
// with environment-variable expansion for secret-bearing fields.
package gwconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sigee-min/bbmcp-sub010/internal/apierrors"
)

// EnvReader abstracts environment-variable lookup so tests can stub
// secret resolution without mutating the process environment. Grounded
// on the teacher's usage of pkg/env.OSReader in cmd/vmcp/app/commands.go
// (the interface itself was not among the retrieved files; OSEnvReader
// below is this module's equivalent).
type EnvReader interface {
	LookupEnv(key string) (string, bool)
}

// OSEnvReader reads from the real process environment.
type OSEnvReader struct{}

// LookupEnv implements EnvReader.
func (OSEnvReader) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

// HTTPConfig configures the transport layer's listener.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// SessionConfig configures the MCP session store (C2).
type SessionConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	MaxSSEPerSession int           `yaml:"max_sse_per_session"`
	SSEKeepAlive     time.Duration `yaml:"sse_keep_alive"`
}

// LockConfig configures the project lock manager (C5).
type LockConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	Timeout   time.Duration `yaml:"timeout"`
	RetryWait time.Duration `yaml:"retry_wait"`
}

// JobConfig configures the worker loop (C11). DefaultLease and
// DefaultMaxAttempts are defaulted and validated here but are not passed
// to the job queue (C4), which applies its own defaults (30s lease,
// 3 attempts) to submissions that leave them unset.
type JobConfig struct {
	DefaultLease       time.Duration `yaml:"default_lease"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
	IdleBackoff        time.Duration `yaml:"idle_backoff"`
	HeartbeatPeriod    time.Duration `yaml:"heartbeat_period"`
	Concurrency        int           `yaml:"concurrency"`
}

// PersistenceConfig is an opaque key-value bag handed to a persistence
// factory; this gateway ships only the in-process store, but the shape
// lets a future factory select/configure a durable backend without a
// config-schema break.
type PersistenceConfig struct {
	Driver  string            `yaml:"driver"`
	Options map[string]string `yaml:"options"`
}

// WorkspaceConfig configures the RBAC policy engine's default-seed
// behavior (spec.md §"Persistence port — WorkspaceRepository").
type WorkspaceConfig struct {
	SeedDefaultMode string `yaml:"seed_default_mode"`
	SeedDefaultName string `yaml:"seed_default_name"`
}

// RateLimitConfig configures the per-principal request limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// AuthConfig configures bearer-token principal resolution.
type AuthConfig struct {
	// JWTSecretEnv names the environment variable holding the HMAC
	// signing secret used to verify bearer tokens.
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	// Anonymous, when true, admits unauthenticated requests as a
	// workspace-scoped principal with no system roles (development use).
	Anonymous bool `yaml:"anonymous"`

	// jwtSecret is resolved from JWTSecretEnv at load time.
	jwtSecret string
}

// JWTSecret returns the resolved signing secret, if any.
func (a AuthConfig) JWTSecret() string { return a.jwtSecret }

// Config is the gateway's top-level configuration.
type Config struct {
	Name string `yaml:"name"`

	HTTP        HTTPConfig        `yaml:"http"`
	Session     SessionConfig     `yaml:"session"`
	Lock        LockConfig        `yaml:"lock"`
	Job         JobConfig         `yaml:"job"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Auth        AuthConfig        `yaml:"auth"`
}

// YAMLLoader reads and parses a Config from a YAML file, expanding
// env-var-backed secret fields via the injected EnvReader.
type YAMLLoader struct {
	path string
	env  EnvReader
}

// NewYAMLLoader creates a loader for the given file path. envReader may
// be nil, in which case secret fields referencing an env var are read
// from the real process environment (OSEnvReader).
func NewYAMLLoader(path string, envReader EnvReader) *YAMLLoader {
	if envReader == nil {
		envReader = OSEnvReader{}
	}
	return &YAMLLoader{path: path, env: envReader}
}

// Load reads, parses, defaults, and resolves env-var secrets for the
// config at the loader's path.
func (l *YAMLLoader) Load() (*Config, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if cfg.Auth.JWTSecretEnv != "" {
		secret, ok := l.env.LookupEnv(cfg.Auth.JWTSecretEnv)
		if !ok && !cfg.Auth.Anonymous {
			return nil, fmt.Errorf("environment variable %s not set", cfg.Auth.JWTSecretEnv)
		}
		cfg.Auth.jwtSecret = secret
	}

	return &cfg, nil
}

// applyDefaults fills zero-valued fields with the gateway's documented
// defaults, matching the clamps jobqueue/projectlock apply independently
// at runtime (belt-and-suspenders: a config file that omits a section
// still yields the same behavior as one that spells out the defaults).
func applyDefaults(cfg *Config) {
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.Path == "" {
		cfg.HTTP.Path = "/mcp"
	}

	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 10 * time.Minute
	}
	if cfg.Session.MaxSSEPerSession == 0 {
		cfg.Session.MaxSSEPerSession = 4
	}
	if cfg.Session.SSEKeepAlive == 0 {
		cfg.Session.SSEKeepAlive = 20 * time.Second
	}

	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 30 * time.Second
	}
	if cfg.Lock.Timeout == 0 {
		cfg.Lock.Timeout = 5 * time.Second
	}
	if cfg.Lock.RetryWait == 0 {
		cfg.Lock.RetryWait = 50 * time.Millisecond
	}

	if cfg.Job.DefaultLease == 0 {
		cfg.Job.DefaultLease = 30 * time.Second
	}
	if cfg.Job.DefaultMaxAttempts == 0 {
		cfg.Job.DefaultMaxAttempts = 3
	}
	if cfg.Job.IdleBackoff == 0 {
		cfg.Job.IdleBackoff = 200 * time.Millisecond
	}
	if cfg.Job.Concurrency == 0 {
		cfg.Job.Concurrency = 4
	}

	if cfg.Persistence.Driver == "" {
		cfg.Persistence.Driver = "memory"
	}

	if cfg.Workspace.SeedDefaultMode == "" {
		cfg.Workspace.SeedDefaultMode = "all_open"
	}
	if cfg.Workspace.SeedDefaultName == "" {
		cfg.Workspace.SeedDefaultName = "default"
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 40
	}
}

// Validator checks semantic constraints a YAML parse alone can't catch.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator { return &Validator{} }

// Validate rejects a Config with missing required fields or out-of-range
// values, mirroring the teacher's validator error conventions (short,
// field-qualified messages joined for multi-error reporting).
func (*Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return apierrors.NewInvalidArgumentError("config is nil", nil)
	}

	var problems []string

	if strings.TrimSpace(cfg.Name) == "" {
		problems = append(problems, "name is required")
	}
	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		problems = append(problems, "http.port must be in [1, 65535]")
	}
	if !strings.HasPrefix(cfg.HTTP.Path, "/") {
		problems = append(problems, "http.path must start with '/'")
	}
	if cfg.Session.TTL <= 0 {
		problems = append(problems, "session.ttl must be positive")
	}
	if cfg.Session.MaxSSEPerSession < 1 {
		problems = append(problems, "session.max_sse_per_session must be at least 1")
	}
	if cfg.Lock.Timeout <= 0 {
		problems = append(problems, "lock.timeout must be positive")
	}
	if cfg.Lock.RetryWait <= 0 {
		problems = append(problems, "lock.retry_wait must be positive")
	}
	if cfg.Lock.RetryWait > cfg.Lock.Timeout {
		problems = append(problems, "lock.retry_wait must not exceed lock.timeout")
	}
	if cfg.Job.DefaultLease < 5*time.Second || cfg.Job.DefaultLease > 300*time.Second {
		problems = append(problems, "job.default_lease must be in [5s, 300s]")
	}
	if cfg.Job.DefaultMaxAttempts < 1 || cfg.Job.DefaultMaxAttempts > 10 {
		problems = append(problems, "job.default_max_attempts must be in [1, 10]")
	}
	if cfg.Job.Concurrency < 1 {
		problems = append(problems, "job.concurrency must be at least 1")
	}
	switch cfg.Workspace.SeedDefaultMode {
	case "all_open", "rbac":
	default:
		problems = append(problems, "workspace.seed_default_mode must be one of: all_open, rbac")
	}
	if !cfg.Auth.Anonymous && cfg.Auth.JWTSecretEnv == "" {
		problems = append(problems, "auth.jwt_secret_env is required unless auth.anonymous is true")
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		problems = append(problems, "rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.Burst < 1 {
		problems = append(problems, "rate_limit.burst must be at least 1")
	}

	if len(problems) > 0 {
		return apierrors.NewInvalidArgumentError(strings.Join(problems, "; "), nil)
	}
	return nil
}
