// Package config reads service configuration from the environment. In
// development a .env file is honored; in production missing required
// variables are fatal at startup rather than at first use.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AgentConfig holds everything one persona agent process needs.
type AgentConfig struct {
	Env        string
	Persona    string
	RosterPath string // JSON file describing all personas

	// Platform connection
	PlatformToken string
	GatewayURL    string

	// Control surface
	ControlAddr string

	// Coordinator
	CoordinatorURL string
	SubmitTimeout  time.Duration
	SubmitRetries  int
	SubmitBackoff  time.Duration

	// Shared state
	RedisURL string

	// Service identity for signed requests (base64 ed25519 seed)
	ServiceKey string
}

// CoordinatorConfig holds everything the coordinator process needs.
type CoordinatorConfig struct {
	Env  string
	Addr string

	RedisURL   string
	RosterPath string

	// Transcript archive. Postgres wins when both are set; both empty
	// disables archiving.
	DatabaseURL string
	SQLitePath  string

	// Reply generation service; empty falls back to canned replies.
	ResponderURL string

	// Organic conversation starts
	ScheduleCron     string
	ScheduleChannels []string

	MaxAgentTurns int64

	ServiceKey string
}

// LoadAgent reads agent configuration from environment variables.
func LoadAgent() *AgentConfig {
	_ = godotenv.Load()

	cfg := &AgentConfig{
		Env:            getEnv("ENV", "development"),
		Persona:        os.Getenv("TROUPE_PERSONA"),
		RosterPath:     getEnv("PERSONA_ROSTER", "roster.json"),
		PlatformToken:  os.Getenv("PLATFORM_TOKEN"),
		GatewayURL:     getEnv("GATEWAY_URL", "wss://gateway.example.chat/ws"),
		ControlAddr:    getEnv("CONTROL_ADDR", ":8091"),
		CoordinatorURL: getEnv("COORDINATOR_URL", "http://localhost:8090"),
		SubmitTimeout:  getDuration("SUBMIT_TIMEOUT", 60*time.Second),
		SubmitRetries:  getInt("SUBMIT_RETRIES", 3),
		SubmitBackoff:  getDuration("SUBMIT_BACKOFF", 2*time.Second),
		RedisURL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
		ServiceKey:     os.Getenv("SERVICE_KEY"),
	}

	if cfg.Persona == "" {
		panic("TROUPE_PERSONA is required")
	}
	if cfg.PlatformToken == "" {
		panic("PLATFORM_TOKEN is required")
	}
	if cfg.Env == "production" && cfg.ServiceKey == "" {
		panic("SERVICE_KEY is required in production")
	}

	return cfg
}

// LoadCoordinator reads coordinator configuration from environment
// variables.
func LoadCoordinator() *CoordinatorConfig {
	_ = godotenv.Load()

	cfg := &CoordinatorConfig{
		Env:           getEnv("ENV", "development"),
		Addr:          getEnv("COORDINATOR_ADDR", ":8090"),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RosterPath:    getEnv("PERSONA_ROSTER", "roster.json"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SQLitePath:    os.Getenv("SQLITE_PATH"),
		ResponderURL:  os.Getenv("RESPONDER_URL"),
		ScheduleCron:  os.Getenv("SCHEDULE_CRON"),
		MaxAgentTurns: int64(getInt("MAX_AGENT_TURNS", 8)),
		ServiceKey:    os.Getenv("SERVICE_KEY"),
	}

	// Comma-separated channel ids eligible for organic starts.
	if channels := os.Getenv("SCHEDULE_CHANNELS"); channels != "" {
		for _, entry := range strings.Split(channels, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.ScheduleChannels = append(cfg.ScheduleChannels, entry)
			}
		}
	}

	if cfg.Env == "production" {
		if cfg.ServiceKey == "" {
			panic("SERVICE_KEY is required in production")
		}
		if cfg.ResponderURL == "" {
			panic("RESPONDER_URL is required in production")
		}
	}

	return cfg
}

// ToolConfig is the subset operator tooling needs.
type ToolConfig struct {
	RosterPath string
	RedisURL   string
	ServiceKey string
}

// LoadAgentless reads minimal configuration for operator tooling.
// Nothing is required; unsigned requests are the tool's problem.
func LoadAgentless() *ToolConfig {
	_ = godotenv.Load()
	return &ToolConfig{
		RosterPath: getEnv("PERSONA_ROSTER", "roster.json"),
		RedisURL:   getEnv("REDIS_URL", "redis://localhost:6379/0"),
		ServiceKey: os.Getenv("SERVICE_KEY"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *AgentConfig) IsDevelopment() bool { return c.Env == "development" }

// IsDevelopment returns true if running in development mode.
func (c *CoordinatorConfig) IsDevelopment() bool { return c.Env == "development" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
