package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

func init() {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()
}

type Config struct {
	// Required
	DatabaseURL   string
	EncryptionKey string
	JWTSecretKey  string

	// Telegram platform defaults (users supply their own api_id/api_hash at
	// registration; these are only used when a user has none stored)
	TelegramAPIID   int
	TelegramAPIHash string

	// Optional with defaults
	HTTPPort               int
	SessionTimeout         time.Duration
	TelegramConnectTimeout time.Duration
	TelegramRequestTimeout time.Duration
	ClientCacheTTL         time.Duration
	ConfigsPath            string
	DockerHost             string
	ProjectName            string
	LogLevel               string
	LogPretty              bool

	// Session history retention in days. 0 keeps stopped/removed rows
	// (and their message logs) forever.
	SessionHistoryRetentionDays int

	// Notifications (optional; notifiers stay silent when unconfigured)
	NotifyWebhookURL string
	ResendAPIKey     string
	NotifyEmailFrom  string
	NotifyEmailTo    string
}

func LoadFromEnv() *Config {
	cfg := &Config{
		// Required
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		JWTSecretKey:  os.Getenv("JWT_SECRET_KEY"),

		TelegramAPIID:   getEnvAsIntOrDefault("TELEGRAM_API_ID", 0),
		TelegramAPIHash: os.Getenv("TELEGRAM_API_HASH"),

		// Optional with defaults
		HTTPPort:               getEnvAsIntOrDefault("PORT", 8080),
		SessionTimeout:         getEnvAsSecondsOrDefault("SESSION_TIMEOUT", 86400),
		TelegramConnectTimeout: getEnvAsSecondsOrDefault("TELEGRAM_CONNECTION_TIMEOUT", 8),
		TelegramRequestTimeout: getEnvAsSecondsOrDefault("TELEGRAM_REQUEST_TIMEOUT", 8),
		ClientCacheTTL:         getEnvAsSecondsOrDefault("CLIENT_CACHE_TTL", 300),
		ConfigsPath:            getEnvOrDefault("SOLANAGRAM_CONFIGS_PATH", "/var/lib/solanagram/configs"),
		DockerHost:             os.Getenv("DOCKER_HOST"),
		ProjectName:            getEnvOrDefault("FORWARDER_PROJECT_NAME", "solanagram"),
		LogLevel:               getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:              getEnvAsBoolOrDefault("LOG_PRETTY", false),

		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		ResendAPIKey:     os.Getenv("RESEND_API_KEY"),
		NotifyEmailFrom:  os.Getenv("NOTIFY_EMAIL_FROM"),
		NotifyEmailTo:    os.Getenv("NOTIFY_EMAIL_TO"),

		SessionHistoryRetentionDays: getEnvAsIntOrDefault("SESSION_HISTORY_RETENTION_DAYS", 0),
	}

	return cfg
}

// Load reads the environment and fails on missing required keys.
func Load() (*Config, error) {
	cfg := LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if c.JWTSecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSecondsOrDefault(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsIntOrDefault(key, defaultSeconds)) * time.Second
}
