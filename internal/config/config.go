// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/roomchat/internal/domain"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	LogLevel    string

	DBDriver    string
	DBPath      string
	DatabaseURL string
	RedisURL    string

	// PartySecret authenticates the room server and agent service to each other.
	PartySecret string
	PublicWSURL string
	AgentURL    string

	Agent AgentConfig

	TokenTTL           time.Duration
	TokenRatePerMinute int
	TTLSweepInterval   time.Duration
	CORSOrigins        []string
}

// AgentConfig controls the AI agent and its completion backend.
type AgentConfig struct {
	Enabled           bool
	Throttle          time.Duration
	OpenAIBaseURL     string
	OpenAIKey         string
	DefaultModel      string
	CompletionTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	port := getEnv("PORT", "8080")

	cfg := &Config{
		Port:        port,
		FrontendURL: getEnv("FRONTEND_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		DBPath:      getEnv("DB_PATH", "./data/roomchat.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		PartySecret: getEnv("PARTY_SECRET", ""),
		PublicWSURL: getEnv("PUBLIC_WS_URL", "ws://localhost:"+port),
		AgentURL:    getEnv("AGENT_URL", "http://localhost:"+port),

		Agent: AgentConfig{
			Enabled:           getEnvBool("AGENT_ENABLED", true),
			Throttle:          getEnvDuration("AGENT_THROTTLE", 120*time.Millisecond),
			OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			OpenAIKey:         getEnv("OPENAI_API_KEY", ""),
			DefaultModel:      getEnv("OPENAI_DEFAULT_MODEL", domain.DefaultModel),
			CompletionTimeout: getEnvDuration("COMPLETION_TIMEOUT", 120*time.Second),
		},

		TokenTTL:           getEnvDuration("TOKEN_TTL", time.Hour),
		TokenRatePerMinute: getEnvInt("TOKEN_RATE_PER_MINUTE", 30),
		TTLSweepInterval:   getEnvDuration("TTL_SWEEP_INTERVAL", 5*time.Minute),
		CORSOrigins:        getEnvList("CORS_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}
	if c.PartySecret == "" {
		return fmt.Errorf("PARTY_SECRET cannot be empty")
	}
	if c.Agent.Throttle <= 0 {
		return fmt.Errorf("AGENT_THROTTLE must be > 0")
	}
	if c.Agent.CompletionTimeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be > 0")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be > 0")
	}
	if c.TokenRatePerMinute <= 0 {
		return fmt.Errorf("TOKEN_RATE_PER_MINUTE must be > 0")
	}
	if c.TTLSweepInterval <= 0 {
		return fmt.Errorf("TTL_SWEEP_INTERVAL must be > 0")
	}
	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("CORS_ORIGINS cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
