package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"chinotype/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig
	Plugin   PluginConfig
	Backend  BackendConfig
	Database DatabaseConfig
	Hive     HiveConfig
	Log      LogConfig
}

// ServerConfig holds plugin web server settings
type ServerConfig struct {
	Port    string
	GinMode string
}

// PluginConfig holds the settings the plugin views start from
type PluginConfig struct {
	BackendURL     string
	BackendTimeout time.Duration
	BackendRPS     float64
	DefaultPgSize  int
	DefaultCutoff  int
	// Username and Password stand in for the host session when the
	// loading page does not post credentials.
	Username string
	Password string
}

// BackendConfig holds the bundled chi2 backend settings
type BackendConfig struct {
	Enabled       bool
	Port          string
	MaxJobs       int64
	RequestLogDir string
	// Accounts is a user:password list checked instead of the hive when
	// HIVE_PM_URL is empty.
	Accounts map[string]string
}

// DatabaseConfig holds fact store connection settings
type DatabaseConfig struct {
	URL    string
	Schema string
}

// HiveConfig holds the account service settings
type HiveConfig struct {
	PMURL   string
	Domain  string
	Timeout time.Duration
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := &Config{
		Server:   *loadServerConfig(),
		Plugin:   *loadPluginConfig(),
		Database: *loadDatabaseConfig(),
		Hive:     *loadHiveConfig(),
		Log:      *loadLogConfig(),
	}

	backendConfig, err := loadBackendConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load backend configuration")
	}
	config.Backend = *backendConfig

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

func loadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),
	}
}

func loadPluginConfig() *PluginConfig {
	return &PluginConfig{
		BackendURL:     getEnvOrDefault("CHI2_BACKEND_URL", "http://localhost:8081/cgi-bin/chi2.cgi"),
		BackendTimeout: getEnvDurationOrDefault("CHI2_BACKEND_TIMEOUT", 0),
		BackendRPS:     getEnvFloatOrDefault("CHI2_BACKEND_RPS", 2),
		DefaultPgSize:  getEnvIntOrDefault("CHI2_DEFAULT_PGSIZE", 10),
		DefaultCutoff:  getEnvIntOrDefault("CHI2_DEFAULT_CUTOFF", 10),
		Username:       getEnvOrDefault("CHI2_USERNAME", ""),
		Password:       getEnvOrDefault("CHI2_PASSWORD", ""),
	}
}

func loadBackendConfig() (*BackendConfig, error) {
	accounts, err := parseAccounts(os.Getenv("BACKEND_ACCOUNTS"))
	if err != nil {
		return nil, err
	}
	return &BackendConfig{
		Enabled:       getEnvBoolOrDefault("BACKEND_ENABLED", false),
		Port:          getEnvOrDefault("BACKEND_PORT", "8081"),
		MaxJobs:       int64(getEnvIntOrDefault("CHI_MAX_JOBS", 2)),
		RequestLogDir: getEnvOrDefault("REQUEST_LOG_DIR", ""),
		Accounts:      accounts,
	}, nil
}

func loadDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		URL:    getEnvOrDefault("DATABASE_URL", ""),
		Schema: getEnvOrDefault("CHI_SCHEMA", "public"),
	}
}

func loadHiveConfig() *HiveConfig {
	return &HiveConfig{
		PMURL:   getEnvOrDefault("HIVE_PM_URL", ""),
		Domain:  getEnvOrDefault("HIVE_DOMAIN", "i2b2demo"),
		Timeout: getEnvDurationOrDefault("HIVE_TIMEOUT", 30*time.Second),
	}
}

func loadLogConfig() *LogConfig {
	return &LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Pretty: getEnvBoolOrDefault("LOG_PRETTY", false),
	}
}

// parseAccounts reads "alice:secret,bob:hunter2"
func parseAccounts(raw string) (map[string]string, error) {
	accounts := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return accounts, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		user, pass, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || user == "" {
			return nil, errors.ConfigInvalid("BACKEND_ACCOUNTS entries must look like user:password")
		}
		accounts[user] = pass
	}
	return accounts, nil
}

func validateConfig(config *Config) error {
	if config.Plugin.BackendURL == "" {
		return errors.ConfigInvalid("CHI2_BACKEND_URL is required")
	}
	if config.Plugin.DefaultPgSize < 1 {
		return errors.ConfigInvalid("CHI2_DEFAULT_PGSIZE must be a positive integer")
	}
	if config.Plugin.DefaultCutoff < 1 {
		return errors.ConfigInvalid("CHI2_DEFAULT_CUTOFF must be a positive integer")
	}
	if config.Backend.Enabled {
		if config.Database.URL == "" {
			return errors.ConfigInvalid("DATABASE_URL is required when BACKEND_ENABLED is set")
		}
		if config.Backend.MaxJobs < 1 {
			return errors.ConfigInvalid("CHI_MAX_JOBS must be at least 1")
		}
		if config.Hive.PMURL == "" && len(config.Backend.Accounts) == 0 {
			return errors.ConfigInvalid("either HIVE_PM_URL or BACKEND_ACCOUNTS is required when BACKEND_ENABLED is set")
		}
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
