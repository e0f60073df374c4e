package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/secflowhq/secflow/store"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Environment string
	LogLevel    string
	LogFormat   string
	MetricsPort int
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis connection settings. Redis serves as blob store
// for spilled payloads, live event channel, and dispatch queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EngineConfig holds execution pipeline settings
type EngineConfig struct {
	// TaskQueue is the dispatch stream name, identifying the environment
	TaskQueue string
	// Namespace tags this deployment's runs
	Namespace string

	SpillThreshold    int
	GracePeriod       time.Duration
	RunTimeout        time.Duration
	RunMaxConcurrency int
	WorkerConcurrency int
	ContainerBinary   string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			MetricsPort: getEnvInt("METRICS_PORT", 9090),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvInt("POSTGRES_PORT", 5432),
			Database: getEnv("POSTGRES_DB", "secflow"),
			User:     getEnv("POSTGRES_USER", "secflow"),
			Password: getEnv("POSTGRES_PASSWORD", "secflow"),
			MaxConns: getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns: getEnvInt("POSTGRES_MIN_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			TaskQueue:         getEnv("TASK_QUEUE", "workflows-dev"),
			Namespace:         getEnv("NAMESPACE", "default"),
			SpillThreshold:    getEnvInt("SPILL_THRESHOLD_BYTES", store.DefaultSpillThreshold),
			GracePeriod:       getEnvDuration("CANCEL_GRACE_PERIOD", 10*time.Second),
			RunTimeout:        getEnvDuration("RUN_TIMEOUT", 0),
			RunMaxConcurrency: getEnvInt("RUN_MAX_CONCURRENCY", 0),
			WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 8),
			ContainerBinary:   getEnv("CONTAINER_BINARY", "docker"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}
	if c.Engine.TaskQueue == "" {
		return fmt.Errorf("task queue is required")
	}
	if c.Engine.SpillThreshold <= 0 || c.Engine.SpillThreshold > store.MaxSpillThreshold {
		return fmt.Errorf("spill threshold must be in (0, %d]", store.MaxSpillThreshold)
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
