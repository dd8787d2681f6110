package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Queue backends.
const (
	QueueBackendInline = "inline"
	QueueBackendRedis  = "redis"
)

// Sandbox providers.
const (
	SandboxProviderDocker   = "docker"
	SandboxProviderDisabled = "disabled"
)

// Config holds all configuration for the antimomentum services
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Security     SecurityConfig     `mapstructure:"security"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug bool `mapstructure:"debug"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LLMConfig describes the chat-completion endpoint used by the planner.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Referer     string        `mapstructure:"referer"`
	Title       string        `mapstructure:"title"`
}

// Normalize fills in unset LLM values.
func (c LLMConfig) Normalize() LLMConfig {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = "https://openrouter.ai/api/v1"
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = "mistralai/mistral-7b-instruct:free"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string, preferring the explicit url.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// QueueConfig selects how job runs are handed off from the HTTP API.
type QueueConfig struct {
	Backend   string        `mapstructure:"backend"`
	Stream    string        `mapstructure:"stream"`
	Group     string        `mapstructure:"group"`
	Consumer  string        `mapstructure:"consumer"`
	Block     time.Duration `mapstructure:"block"`
	MaxLen    int64         `mapstructure:"max_len"`
	ClaimIdle time.Duration `mapstructure:"claim_idle"`
}

func (q QueueConfig) Validate() error {
	switch q.Backend {
	case QueueBackendInline:
		return nil
	case QueueBackendRedis:
		if strings.TrimSpace(q.Stream) == "" {
			return fmt.Errorf("queue.stream required for redis backend")
		}
		if strings.TrimSpace(q.Group) == "" {
			return fmt.Errorf("queue.group required for redis backend")
		}
		return nil
	default:
		return fmt.Errorf("queue.backend %q not supported (inline|redis)", q.Backend)
	}
}

// OrchestratorConfig bounds job execution.
type OrchestratorConfig struct {
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
}

// SecurityConfig declares sandbox policy defaults.
type SecurityConfig struct {
	SandboxProvider string        `mapstructure:"sandbox_provider"`
	PolicyFile      string        `mapstructure:"policy_file"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	DefaultCPU      float64       `mapstructure:"default_cpu"`
	DefaultMemory   string        `mapstructure:"default_memory"`
}

func (s SecurityConfig) Validate() error {
	switch s.SandboxProvider {
	case SandboxProviderDocker, SandboxProviderDisabled:
	default:
		return fmt.Errorf("security.sandbox_provider %q not supported (docker|disabled)", s.SandboxProvider)
	}
	if s.DefaultCPU <= 0 {
		return fmt.Errorf("security.default_cpu must be greater than zero")
	}
	if strings.TrimSpace(s.DefaultMemory) == "" {
		return fmt.Errorf("security.default_memory is required")
	}
	if s.DefaultTimeout <= 0 {
		return fmt.Errorf("security.default_timeout must be greater than zero")
	}
	return nil
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`

	// MetricsAddress is where the worker serves /metrics and /healthz. The API
	// server exposes both on its own listener.
	MetricsAddress string `mapstructure:"metrics_address"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":5000")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.poll_interval", time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	// empty defaults register the keys so env overrides reach Unmarshal
	for _, key := range []string{
		"llm.api_key",
		"storage.postgres.url", "storage.postgres.host", "storage.postgres.user",
		"storage.postgres.password", "storage.postgres.dbname",
		"storage.redis.host", "storage.redis.password",
		"queue.consumer", "security.policy_file",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.model", "mistralai/mistral-7b-instruct:free")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.referer", "https://antimomentum.beta")
	v.SetDefault("llm.title", "Antimomentum Beta")
	v.SetDefault("storage.driver", StorageDriverPostgres)
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("queue.backend", QueueBackendInline)
	v.SetDefault("queue.stream", "job.enqueued")
	v.SetDefault("queue.group", "antimomentum-workers")
	v.SetDefault("queue.block", 5*time.Second)
	v.SetDefault("queue.max_len", 10000)
	v.SetDefault("queue.claim_idle", 5*time.Minute)
	v.SetDefault("orchestrator.max_concurrent_jobs", 8)
	v.SetDefault("security.sandbox_provider", SandboxProviderDocker)
	v.SetDefault("security.default_timeout", 30*time.Second)
	v.SetDefault("security.default_cpu", 1.0)
	v.SetDefault("security.default_memory", "256m")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "antimomentum")
	v.SetDefault("telemetry.metrics_address", ":9091")
}

// Load reads config.json (if present) and ANTIMOMENTUM_* environment overrides.
// An explicit path must exist; without one a missing file falls back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("ANTIMOMENTUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.LLM = cfg.LLM.Normalize()
	if cfg.Server.PollInterval <= 0 {
		cfg.Server.PollInterval = time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-section requirements.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres:
		if err := c.Storage.Postgres.Validate(); err != nil {
			return err
		}
	case StorageDriverMemory:
		if c.Queue.Backend == QueueBackendRedis {
			return fmt.Errorf("queue.backend=redis requires storage.driver=postgres so workers share job state")
		}
	default:
		return fmt.Errorf("storage.driver %q not supported (postgres|memory)", c.Storage.Driver)
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if c.Queue.Backend == QueueBackendRedis {
		if err := c.Storage.Redis.Validate(); err != nil {
			return err
		}
	}
	if c.Orchestrator.MaxConcurrentJobs < 0 {
		return fmt.Errorf("orchestrator.max_concurrent_jobs cannot be negative")
	}
	return c.Security.Validate()
}

