package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/joho/godotenv"
)

// LoadFromEnv loads configuration from environment variables.
// Parameters:
// - configDir: Directory containing config files (or empty for default)
// - configFilePath: Path to .env file (or empty for default)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	// If configDir is empty, use the default
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".fitsync")

		if err := os.MkdirAll(configDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	cfg.configDir = configDir

	// Default database and log paths live in the config directory
	defaultDBPath := filepath.Join(configDir, "fitsync.db")
	defaultLogPath := filepath.Join(configDir, "fitsync.log")

	// Use provided config file path or default
	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	// Check if ENV_FILE_PATH is set to load from a custom .env file
	envFilePath := getEnvString("ENV_FILE_PATH", "")
	if envFilePath != "" {
		err := godotenv.Load(envFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else {
		err := godotenv.Load(configFilePath)
		if err != nil {
			// Then try current directory as fallback
			_ = godotenv.Load() // Ignore errors if file doesn't exist
		}
	}

	// Database configuration
	cfg.Database = DatabaseConfig{
		Path:            getEnvString("FITSYNC_DB_PATH", defaultDBPath),
		BusyTimeout:     getEnvInt("FITSYNC_DB_BUSY_TIMEOUT", 5000),
		JournalMode:     getEnvString("FITSYNC_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("FITSYNC_DB_SYNCHRONOUS_MODE", "NORMAL"),
		CacheSize:       getEnvInt("FITSYNC_DB_CACHE_SIZE", -64000), // ~64MB
		ForeignKeys:     getEnvBool("FITSYNC_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("FITSYNC_DB_CONN_MAX_LIFE", 5*time.Minute),
		QueryTimeout:    getEnvDuration("FITSYNC_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	// Logging configuration
	cfg.Logging = LoggingConfig{
		Level:      getEnvString("FITSYNC_LOG_LEVEL", "info"),
		Format:     getEnvString("FITSYNC_LOG_FORMAT", "text"),
		Output:     getEnvString("FITSYNC_LOG_OUTPUT", defaultLogPath),
		AddSource:  getEnvBool("FITSYNC_LOG_ADD_SOURCE", true),
		TimeFormat: getEnvString("FITSYNC_LOG_TIME_FORMAT", time.RFC3339),
	}

	// Server configuration
	cfg.Server = ServerConfig{
		URL:               getEnvString("FITSYNC_SERVER_URL", "http://localhost:3000"),
		Token:             getEnvString("FITSYNC_SERVER_TOKEN", ""),
		Timeout:           getEnvDuration("FITSYNC_SERVER_TIMEOUT", 30*time.Second),
		DeviceName:        getEnvString("FITSYNC_SERVER_DEVICE_NAME", defaultDeviceName()),
		MaxRetries:        getEnvInt("FITSYNC_SERVER_MAX_RETRIES", 2),
		RequestsPerMinute: getEnvInt("FITSYNC_SERVER_REQUESTS_PER_MINUTE", 120),
		BurstLimit:        getEnvInt("FITSYNC_SERVER_BURST_LIMIT", 10),
	}

	// Sync engine configuration
	cfg.Sync = SyncConfig{
		MaxRetries:   getEnvInt("FITSYNC_SYNC_MAX_RETRIES", 3),
		BackoffBase:  getEnvDuration("FITSYNC_SYNC_BACKOFF_BASE", 60*time.Second),
		BatchLimit:   getEnvInt("FITSYNC_SYNC_BATCH_LIMIT", 100),
		GuardTTL:     getEnvDuration("FITSYNC_SYNC_GUARD_TTL", 5*time.Minute),
		IntervalGood: getEnvDuration("FITSYNC_SYNC_INTERVAL_GOOD", 5*time.Minute),
		IntervalFair: getEnvDuration("FITSYNC_SYNC_INTERVAL_FAIR", 10*time.Minute),
		IntervalPoor: getEnvDuration("FITSYNC_SYNC_INTERVAL_POOR", 30*time.Minute),
	}

	// Validate the configuration
	return cfg, cfg.Validate()
}

// defaultDeviceName produces a memorable device name (e.g. "wispy-dust")
// when none is configured, so submissions are attributable server-side.
func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	seed := time.Now().UTC().UnixNano()
	return namegenerator.NewNameGenerator(seed).Generate()
}
