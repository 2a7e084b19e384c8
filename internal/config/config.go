package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Config holds all environment-based configuration for ride-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Realtime channel endpoint, ws:// or wss://.
	RealtimeURL string `env:"REALTIME_URL"`

	// Base URL of the REST API that offline actions are delivered to.
	APIBaseURL string `env:"API_BASE_URL"`

	// Channel credential. When empty, the credential cached in the state
	// store from a previous run is used. The realtime channel is not
	// opened if neither is available.
	AuthToken string `env:"AUTH_TOKEN"`
	UserRole  string `env:"USER_ROLE" envDefault:"rider"`

	// Durable queue storage. StatePath defaults per driver under
	// ~/.ride-sync/.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"bolt"`
	StatePath   string `env:"STATE_PATH"`

	// Periodic sync schedule and the per-run pass budget.
	SyncInterval    time.Duration `env:"SYNC_INTERVAL" envDefault:"15m"`
	SyncMaxAttempts int           `env:"SYNC_MAX_ATTEMPTS" envDefault:"5"`

	// host:port probed to decide reachability. Derived from API_BASE_URL
	// when empty.
	ReachabilityAddr     string        `env:"REACHABILITY_ADDR"`
	ReachabilityInterval time.Duration `env:"REACHABILITY_INTERVAL" envDefault:"15s"`

	// Directory watched for action files. Spool ingestion is off when empty.
	SpoolDir string `env:"SPOOL_DIR"`

	// Diagnostics MCP endpoint.
	EnableDiag     bool   `env:"ENABLE_DIAG" envDefault:"false"`
	DiagListenAddr string `env:"DIAG_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	DiagTokenHash  string `env:"DIAG_TOKEN_HASH"`
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

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.UserRole = strings.ToLower(strings.TrimSpace(cfg.UserRole))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath(cfg.StoreDriver)
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if cfg.ReachabilityAddr == "" {
		cfg.ReachabilityAddr = hostPort(cfg.APIBaseURL)
	}

	if cfg.SpoolDir != "" {
		absDir, err := filepath.Abs(cfg.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("resolving spool dir to absolute path: %w", err)
		}

		cfg.SpoolDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RealtimeURL == "" {
		return fmt.Errorf("REALTIME_URL is required")
	}

	if u, err := url.Parse(c.RealtimeURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("REALTIME_URL must be a ws:// or wss:// URL")
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an http:// or https:// URL")
	}

	switch c.UserRole {
	case "rider", "driver":
	default:
		return fmt.Errorf("USER_ROLE must be rider or driver, got %q", c.UserRole)
	}

	switch c.StoreDriver {
	case DriverBolt, DriverSQLite:
	default:
		return fmt.Errorf("STORE_DRIVER must be %s or %s, got %q", DriverBolt, DriverSQLite, c.StoreDriver)
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}

	if c.SyncMaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}

	if c.ReachabilityInterval <= 0 {
		return fmt.Errorf("REACHABILITY_INTERVAL must be positive")
	}

	if c.EnableDiag && c.DiagTokenHash == "" {
		return fmt.Errorf("DIAG_TOKEN_HASH is required when diagnostics are enabled (generate one with: ride-sync hash-token)")
	}

	return nil
}

// DefaultStatePath returns the default store location for a driver:
// ~/.ride-sync/state.db for bolt, ~/.ride-sync/sync.sqlite for sqlite.
func DefaultStatePath(driver string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	name := "state.db"
	if driver == DriverSQLite {
		name = "sync.sqlite"
	}

	return filepath.Join(home, ".ride-sync", name), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// hostPort derives a dialable address from an http(s) URL, filling in
// the scheme's default port.
func hostPort(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}

	if u.Port() != "" {
		return u.Host
	}

	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}

	return net.JoinHostPort(u.Hostname(), port)
}
