package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all configuration for the agent.
type Config struct {
	Env       string
	LogLevel  string
	AgentName string

	// Identity
	PrivateKey string // base58 Ed25519 secret key

	// Offer loop
	PollInterval time.Duration
	RetryDelay   time.Duration
	HTTPTimeout  time.Duration

	// Collaborators
	RegistryURL  string
	PipelineURL  string
	DirectoryURL string

	// Viewer server
	Host          string
	Port          string
	ShutdownGrace time.Duration

	// Optional storage
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
}

// Load reads configuration from environment variables.
// It loads a .env file first if one is present.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	env := getEnv("ENV", "development")
	defaultLevel := "info"
	if env == "development" {
		defaultLevel = "debug"
	}

	return &Config{
		Env:           env,
		LogLevel:      getEnv("LOG_LEVEL", defaultLevel),
		AgentName:     getEnv("AGENT_NAME", "provider"),
		PrivateKey:    strings.TrimSpace(os.Getenv("AGENT_PRIVATE_KEY")),
		PollInterval:  getSecondsEnv("POLL_INTERVAL", 300*time.Second),
		RetryDelay:    getSecondsEnv("RETRY_DELAY", 60*time.Second),
		HTTPTimeout:   getDurationEnv("HTTP_TIMEOUT", 30*time.Second),
		RegistryURL:   strings.TrimRight(getEnv("REGISTRY_URL", "http://localhost:3000"), "/"),
		PipelineURL:   strings.TrimRight(os.Getenv("PIPELINE_URL"), "/"),
		DirectoryURL:  strings.TrimRight(getEnv("DIRECTORY_URL", "https://fxn.world/api"), "/"),
		Host:          getEnv("HOST", "localhost"),
		Port:          getEnv("PORT", "8000"),
		ShutdownGrace: getDurationEnv("SHUTDOWN_GRACE", 30*time.Second),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SQLitePath:    os.Getenv("SQLITE_PATH"),
		RedisURL:      os.Getenv("REDIS_URL"),
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.PrivateKey == "" {
		errs = append(errs, errors.New("AGENT_PRIVATE_KEY is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, errors.New("RETRY_DELAY must be positive"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("HTTP_TIMEOUT must be positive"))
	}
	for name, raw := range map[string]string{
		"REGISTRY_URL":  c.RegistryURL,
		"PIPELINE_URL":  c.PipelineURL,
		"DIRECTORY_URL": c.DirectoryURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s is not an absolute URL: %q", name, raw))
		}
	}
	if c.RegistryURL == "" {
		errs = append(errs, errors.New("REGISTRY_URL is required"))
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT must be numeric: %q", c.Port))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Addr is the viewer server listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getSecondsEnv reads a whole number of seconds. Duration strings are also
// accepted.
func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return -1
}

// getDurationEnv reads a duration string such as "30s". Bare integers are
// taken as seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return -1
}
