package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the Probook agent.
type Config struct {
	// Base URL of the Probook API. May or may not already carry the
	// /api prefix; outgoing paths are normalized either way.
	APIBaseURL string `env:"API_BASE_URL"`

	// Account credentials used when no cached session is valid.
	Email    string `env:"PROBOOK_EMAIL"`
	Password string `env:"PROBOOK_PASSWORD"`

	// Passphrase protecting the access token at rest in the state
	// database.
	StatePassphrase string `env:"PROBOOK_STATE_KEY"`

	// Directory for the state database. Defaults to ~/.probook.
	StateDir string `env:"PROBOOK_STATE_DIR"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Messaging token to register for push notifications. Optional;
	// when empty no push registration is attempted.
	PushToken string `env:"PUSH_TOKEN"`

	// Subscribe to the realtime notification stream.
	EnableNotifications bool `env:"ENABLE_NOTIFICATIONS" envDefault:"true"`

	// HTTP timeouts matching the mobile client defaults.
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"15s"`
	ReceiveTimeout time.Duration `env:"RECEIVE_TIMEOUT" envDefault:"20s"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the environment's default level when set.
	LogLevel string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "probook-agent"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StateDir = filepath.Join(home, ".probook")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return fmt.Errorf("parsing API_BASE_URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("API_BASE_URL scheme must be http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("API_BASE_URL must include a host")
	}

	if c.Email == "" {
		return fmt.Errorf("PROBOOK_EMAIL is required")
	}

	if c.Password == "" {
		return fmt.Errorf("PROBOOK_PASSWORD is required")
	}

	if c.StatePassphrase == "" {
		return fmt.Errorf("PROBOOK_STATE_KEY is required")
	}

	if c.ConnectTimeout <= 0 || c.ReceiveTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	return nil
}

// StatePath returns the path of the state database file.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
