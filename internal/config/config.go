package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Sandbox   SandboxConfig    `yaml:"sandbox"`
	Languages []LanguageConfig `yaml:"languages"`
	Database  DatabaseConfig   `yaml:"database"`
	Policy    PolicyConfig     `yaml:"policy"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Security  SecurityConfig   `yaml:"security"`
	TLS       TLSConfig        `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend          string        `yaml:"backend"` // "auto" (default), "docker", or "containerd"
	DockerHost       string        `yaml:"docker_host"`
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"` // 0 leaves each language's own timeout
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxMemoryMB      int64         `yaml:"max_memory_mb"`
	MaxCodeBytes     int           `yaml:"max_code_bytes"`
	OutputLimitBytes int           `yaml:"output_limit_bytes"` // per channel
	ScratchMB        int64         `yaml:"scratch_mb"`         // tmpfs size for /tmp
	WorkDir          string        `yaml:"work_dir"`           // host directory for per-execution source files
	KillGrace        time.Duration `yaml:"kill_grace"`
}

// LanguageConfig overrides or adds a language profile. Command is a single
// string split into argv with shell word rules; it must contain {file} as a
// standalone word.
type LanguageConfig struct {
	Name        string        `yaml:"name"`
	Image       string        `yaml:"image"`
	Command     string        `yaml:"command"`
	Extension   string        `yaml:"extension"`
	Env         []string      `yaml:"env"`
	Timeout     time.Duration `yaml:"timeout"`
	MemoryMB    int64         `yaml:"memory_mb"`
	CPUs        float64       `yaml:"cpus"`
	PidsLimit   int64         `yaml:"pids_limit"`
	Network     *bool         `yaml:"network"`
	ScratchExec *bool         `yaml:"scratch_exec"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "sqlite", "postgres", or "mysql"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	WriteRetries    int           `yaml:"write_retries"`
}

// PolicyConfig configures the caller policy collaborator.
type PolicyConfig struct {
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	DailyQuota           int64    `yaml:"daily_quota"` // 0 disables the quota
	RedisAddr            string   `yaml:"redis_addr"`
	RedisPassword        string   `yaml:"redis_password"`
	RedisDB              int      `yaml:"redis_db"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig switches span creation on. Spans go to the global otel
// TracerProvider; exporting is up to the process that installs one.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SecurityConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    75 * time.Second, // > max sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "coderunner",
			MaxTimeout:       60 * time.Second,
			MaxMemoryMB:      1024,
			MaxCodeBytes:     64 * 1024,
			OutputLimitBytes: 64 * 1024,
			ScratchMB:        64,
			KillGrace:        5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:coderunner.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			WriteRetries:    3,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
		Security: SecurityConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// ApplyEnv overrides selected settings from environment variables.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		} else {
			log.Warn().Str("port", port).Msg("ignoring invalid PORT")
		}
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if host := os.Getenv("DOCKER_HOST"); host != "" && c.Sandbox.DockerHost == "" {
		c.Sandbox.DockerHost = host
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Policy.RedisAddr = addr
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Backend {
	case "", "auto", "docker", "containerd":
	default:
		return fmt.Errorf("sandbox.backend must be auto, docker, or containerd, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.MaxTimeout <= 0 {
		return fmt.Errorf("sandbox.max_timeout must be positive")
	}
	if c.Sandbox.DefaultTimeout < 0 {
		return fmt.Errorf("sandbox.default_timeout must not be negative")
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxMemoryMB < 16 {
		return fmt.Errorf("sandbox.max_memory_mb must be >= 16")
	}
	if c.Sandbox.MaxCodeBytes < 1 {
		return fmt.Errorf("sandbox.max_code_bytes must be >= 1")
	}
	if c.Sandbox.OutputLimitBytes < 64 {
		return fmt.Errorf("sandbox.output_limit_bytes must be >= 64")
	}
	if c.Sandbox.ScratchMB < 1 {
		return fmt.Errorf("sandbox.scratch_mb must be >= 1")
	}
	if c.Sandbox.WorkDir != "" && !filepath.IsAbs(c.Sandbox.WorkDir) {
		return fmt.Errorf("sandbox.work_dir: %q must be an absolute path", c.Sandbox.WorkDir)
	}
	for i, l := range c.Languages {
		if strings.TrimSpace(l.Name) == "" {
			return fmt.Errorf("languages[%d].name is required", i)
		}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres, or mysql, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Policy.DailyQuota < 0 {
		return fmt.Errorf("policy.daily_quota must be >= 0")
	}
	if c.Policy.DailyQuota > 0 && c.Policy.RedisAddr == "" {
		return fmt.Errorf("policy.redis_addr is required when policy.daily_quota is set")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.Driver == "postgres" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
