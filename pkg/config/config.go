package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ergohq/ergo/pkg/logger"
)

// ServerConfig controls the operational HTTP surface.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"BIND_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrationsPath  string `json:"migrations_path" yaml:"migrations_path" env:"DATABASE_MIGRATIONS_PATH"`
}

// RedisConfig controls the queue hot broker. An empty URL selects the
// in-memory broker.
type RedisConfig struct {
	URL      string `json:"url" yaml:"url" env:"REDIS_URL"`
	Password string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB"`
}

// QueueConfig controls the durable queue.
type QueueConfig struct {
	TickInterval     time.Duration `json:"tick_interval" yaml:"tick_interval" env:"QUEUE_TICK_INTERVAL"`
	LeaseDuration    time.Duration `json:"lease_duration" yaml:"lease_duration" env:"QUEUE_LEASE_DURATION"`
	BackoffBase      time.Duration `json:"backoff_base" yaml:"backoff_base" env:"QUEUE_BACKOFF_BASE"`
	BackoffMax       time.Duration `json:"backoff_max" yaml:"backoff_max" env:"QUEUE_BACKOFF_MAX"`
	InputMaxAttempts int           `json:"input_max_attempts" yaml:"input_max_attempts" env:"QUEUE_INPUT_MAX_ATTEMPTS"`
	ActionMaxAttempt int           `json:"action_max_attempts" yaml:"action_max_attempts" env:"QUEUE_ACTION_MAX_ATTEMPTS"`
}

// WorkerConfig controls the two worker pools.
type WorkerConfig struct {
	InputWorkers     int           `json:"input_workers" yaml:"input_workers" env:"INPUT_WORKERS"`
	ActionWorkers    int           `json:"action_workers" yaml:"action_workers" env:"ACTION_WORKERS"`
	EvaluatorTimeout time.Duration `json:"evaluator_timeout" yaml:"evaluator_timeout" env:"EVALUATOR_TIMEOUT"`
	ActionTimeout    time.Duration `json:"action_timeout" yaml:"action_timeout" env:"ACTION_TIMEOUT"`
	DrainGrace       time.Duration `json:"drain_grace" yaml:"drain_grace" env:"DRAIN_GRACE"`
}

// SchedulerConfig controls the periodic trigger scheduler.
type SchedulerConfig struct {
	Interval  time.Duration `json:"interval" yaml:"interval" env:"SCHEDULER_INTERVAL"`
	Lookahead time.Duration `json:"lookahead" yaml:"lookahead" env:"SCHEDULER_LOOKAHEAD"`
	LockKey   int64         `json:"lock_key" yaml:"lock_key" env:"SCHEDULER_LOCK_KEY"`
}

// VaultConfig carries pass-through settings for the external credential vault.
type VaultConfig struct {
	Addr  string `json:"addr" yaml:"addr" env:"VAULT_ADDR"`
	Token string `json:"token" yaml:"token" env:"VAULT_TOKEN"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig         `json:"server" yaml:"server"`
	Database  DatabaseConfig       `json:"database" yaml:"database"`
	Redis     RedisConfig          `json:"redis" yaml:"redis"`
	Queue     QueueConfig          `json:"queue" yaml:"queue"`
	Workers   WorkerConfig         `json:"workers" yaml:"workers"`
	Scheduler SchedulerConfig      `json:"scheduler" yaml:"scheduler"`
	Vault     VaultConfig          `json:"vault" yaml:"vault"`
	Logging   logger.LoggingConfig `json:"logging" yaml:"logging"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 6543,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrationsPath:  "migrations",
		},
		Queue: QueueConfig{
			TickInterval:     100 * time.Millisecond,
			LeaseDuration:    time.Minute,
			BackoffBase:      time.Second,
			BackoffMax:       5 * time.Minute,
			InputMaxAttempts: 3,
			ActionMaxAttempt: 5,
		},
		Workers: WorkerConfig{
			InputWorkers:     runtime.NumCPU(),
			ActionWorkers:    runtime.NumCPU(),
			EvaluatorTimeout: 30 * time.Second,
			ActionTimeout:    120 * time.Second,
			DrainGrace:       30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval:  time.Second,
			Lookahead: 30 * time.Second,
			LockKey:   0x4552474f, // "ERGO"
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/ergo.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN to
// reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
