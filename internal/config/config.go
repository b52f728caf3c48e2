// Package config holds the application configuration, loaded from the
// environment with sane defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// Global configuration instance
	globalConfig *Config
	configMutex  sync.RWMutex
)

// Get returns the global configuration instance
// If the configuration has not been initialized, it will return an error
func Get() (*Config, error) {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if globalConfig == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}

	return globalConfig, nil
}

// Set sets the global configuration instance
func Set(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()

	globalConfig = cfg
}

// Config represents the complete application configuration
type Config struct {
	Database DatabaseConfig
	Logging  LoggingConfig
	Server   ServerConfig
	Sync     SyncConfig
	configDir string // Internal: Directory where config was loaded from
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	CacheSize       int           // Cache size in KiB
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool   // Include source code position in logs
	TimeFormat string // Time format for logs (empty uses RFC3339)
}

// ServerConfig holds configuration for the remote sync API
type ServerConfig struct {
	URL        string        // Server base URL
	Token      string        // Bearer token for authentication
	Timeout    time.Duration // Request timeout
	DeviceName string        // Device name sent with submissions

	// Transient retry on the wire (network-level, per request)
	MaxRetries int // Maximum in-flight retries for a single request

	// Rate limiting for submissions
	RequestsPerMinute int
	BurstLimit        int
}

// SyncConfig holds tuning for the sync engine and scheduler
type SyncConfig struct {
	MaxRetries  int           // Attempts before a mutation is terminally failed
	BackoffBase time.Duration // Base for exponential retry backoff
	BatchLimit  int           // Maximum candidates drained per cycle (0 = unlimited)
	GuardTTL    time.Duration // Ceiling on how long a cycle may hold the sync guard

	// Scheduler intervals per network quality tier
	IntervalGood time.Duration
	IntervalFair time.Duration
	IntervalPoor time.Duration
}

// New returns a new empty Config
func New() *Config {
	return &Config{
		Database: DatabaseConfig{},
		Logging:  LoggingConfig{},
		Server:   ServerConfig{},
		Sync:     SyncConfig{},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.validateSync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout cannot be negative")
	}

	return nil
}

func (c *Config) validateLogging() error {
	format := strings.ToLower(c.Logging.Format)
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	if c.Server.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if c.Server.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}

	if c.Sync.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be positive")
	}

	if c.Sync.GuardTTL <= 0 {
		return fmt.Errorf("guard_ttl must be positive")
	}

	if c.Sync.IntervalGood <= 0 || c.Sync.IntervalFair <= 0 || c.Sync.IntervalPoor <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}

	return nil
}

// ParseLogLevel parses a log level string to a slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		// Set to a very high level that won't be triggered
		return slog.Level(9999)
	default:
		return slog.LevelInfo
	}
}

// getEnvString returns a string from the environment variable
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns an int from the environment variable
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool returns a bool from the environment variable
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration returns a time.Duration from the environment variable
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
