// Package config loads platform configuration from a JSON or YAML file
// merged with environment variables. A .env file is honored when present.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/operato/modrunner/internal/auth"
	"github.com/operato/modrunner/pkg/logger"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// Addr renders the listen address.
func (s ServerConfig) Addr() string {
	port := s.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// DatabaseConfig controls persistence. An empty DSN selects the in-memory
// store.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string          `json:"jwt_secret" yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Tokens    []string        `json:"tokens" yaml:"tokens"`
	Users     []auth.UserSpec `json:"users" yaml:"users"`
}

// ArtifactsConfig locates the on-disk module trees.
type ArtifactsConfig struct {
	Root string `json:"root" yaml:"root" env:"ARTIFACTS_ROOT"`
}

// ExecutorConfig tunes the execution backends.
type ExecutorConfig struct {
	TimeoutSeconds    int     `json:"timeout_seconds" yaml:"timeout_seconds" env:"EXECUTOR_TIMEOUT_SECONDS"`
	PythonBin         string  `json:"python_bin" yaml:"python_bin" env:"EXECUTOR_PYTHON_BIN"`
	CondaBin          string  `json:"conda_bin" yaml:"conda_bin" env:"EXECUTOR_CONDA_BIN"`
	BaseImage         string  `json:"base_image" yaml:"base_image" env:"EXECUTOR_BASE_IMAGE"`
	ContainerMemoryMB int64   `json:"container_memory_mb" yaml:"container_memory_mb" env:"EXECUTOR_CONTAINER_MEMORY_MB"`
	ContainerCPUQuota float64 `json:"container_cpu_quota" yaml:"container_cpu_quota" env:"EXECUTOR_CONTAINER_CPU_QUOTA"`
}

// Timeout returns the configured wall clock, defaulting to 60 s.
func (e ExecutorConfig) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// RetryConfig tunes the execution retry policy.
type RetryConfig struct {
	MaxRetries    int     `json:"max_retries" yaml:"max_retries" env:"RETRY_MAX_RETRIES"`
	InitialDelay  string  `json:"initial_delay" yaml:"initial_delay" env:"RETRY_INITIAL_DELAY"`
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor" env:"RETRY_BACKOFF_FACTOR"`
}

// Delay parses the initial delay, defaulting to one second.
func (r RetryConfig) Delay() time.Duration {
	d, err := time.ParseDuration(r.InitialDelay)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// RateLimitConfig bounds execution request throughput.
type RateLimitConfig struct {
	RPS   float64 `json:"rps" yaml:"rps" env:"RATELIMIT_RPS"`
	Burst int     `json:"burst" yaml:"burst" env:"RATELIMIT_BURST"`
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Logging   logger.Config   `json:"logging" yaml:"logging"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Artifacts ArtifactsConfig `json:"artifacts" yaml:"artifacts"`
	Executor  ExecutorConfig  `json:"executor" yaml:"executor"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

func defaults() *Config {
	return &Config{
		Server:    ServerConfig{Port: 8080},
		Database:  DatabaseConfig{MigrateOnStart: true},
		Logging:   logger.Config{Level: "info", Format: "text"},
		Artifacts: ArtifactsConfig{Root: "data"},
		Executor:  ExecutorConfig{TimeoutSeconds: 60, ContainerMemoryMB: 512, ContainerCPUQuota: 0.5},
		Retry:     RetryConfig{MaxRetries: 3, InitialDelay: "1s", BackoffFactor: 2},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
	}
}

// Load reads the optional config file, then overlays environment variables.
// path may be empty.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse json config: %w", err)
			}
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field is present in the
		// environment; treat that as "no overrides".
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	return cfg, nil
}
