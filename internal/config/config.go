// Package config loads the chat server's runtime configuration from the
// environment. A .env file is honoured when present (development); real
// deployments inject variables directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration for the chat server process.
type Config struct {
	Server   ServerConfig
	Session  SessionConfig
	Redis    RedisConfig
	Database DatabaseConfig
	NATS     NATSConfig
}

// ServerConfig holds HTTP/WebSocket listener settings.
type ServerConfig struct {
	ListenAddr     string
	SocketPath     string // WebSocket upgrade path, coexists with HTTP routes
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// SessionConfig holds session lifetime and CSRF settings. Secret must be
// present in the environment; its absence is a startup-fatal
// misconfiguration, never a runtime error.
type SessionConfig struct {
	Secret      string        // HMAC key for CSRF tokens and session ids
	TTL         time.Duration // default session lifetime
	WarningLead time.Duration // expiry warning fires at TTL - WarningLead
}

// RedisConfig holds cache connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig holds PostgreSQL connection settings for the chat and user
// stores.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NATSConfig holds NATS connection settings for cross-instance presence
// fan-out.
type NATSConfig struct {
	URL  string
	Name string
}

// Load reads configuration from the environment, applying defaults for
// everything except the session secret, which is mandatory.
func Load() (*Config, error) {
	// Optional in production; convenient in development.
	_ = godotenv.Load()

	secret := os.Getenv("SESSION_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("config: SESSION_SECRET must be set")
	}

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
			SocketPath:     getEnv("SOCKET_PATH", "/socket"),
			WorkerPoolSize: getIntEnv("WORKER_POOL_SIZE", 256),
			MaxConnections: getIntEnv("MAX_CONNECTIONS", 100000),
			ReadTimeout:    getDurationEnv("READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		},
		Session: SessionConfig{
			Secret:      secret,
			TTL:         getDurationEnv("SESSION_TTL", 10*time.Minute),
			WarningLead: getDurationEnv("SESSION_WARNING_LEAD", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "chat"),
			Password: getEnv("DB_PASSWORD", "chat"),
			DBName:   getEnv("DB_NAME", "chatdb"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		NATS: NATSConfig{
			URL:  getEnv("NATS_URL", "nats://localhost:4222"),
			Name: getEnv("NATS_NAME", "chatserver"),
		},
	}

	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
