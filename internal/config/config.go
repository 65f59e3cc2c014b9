// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir         string // Base directory for cached market data (defaults to "~/fiddy")
	CredentialsFile string // INI file holding API credentials and tokens (defaults to "~/.fiddy.ini")
	LogLevel        string
	LogFile         string
	Port            int    // Status server port for the relay daemon
	ChatChannels    string // Comma-separated channel names the relay subscribes to
	ChatReplyroom   string // Channel name ticker summaries are posted to
	BackupBucket    string // S3 bucket for cache backups (empty disables backups)
	BackupEndpoint  string // Optional S3-compatible endpoint override
	Workers         int    // Worker pool size for chat ticker lookups
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}

	dataDir := getEnv("FIDDY_DATA_DIR", filepath.Join(home, "fiddy"))
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:         absDataDir,
		CredentialsFile: getEnv("FIDDY_CREDENTIALS_FILE", filepath.Join(home, ".fiddy.ini")),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFile:         getEnv("FIDDY_LOG_FILE", ""),
		Port:            getEnvAsInt("FIDDY_PORT", 8050),
		ChatChannels:    getEnv("FIDDY_CHAT_CHANNELS", ""),
		ChatReplyroom:   getEnv("FIDDY_CHAT_REPLY_ROOM", ""),
		BackupBucket:    getEnv("FIDDY_BACKUP_BUCKET", ""),
		BackupEndpoint:  getEnv("FIDDY_BACKUP_ENDPOINT", ""),
		Workers:         getEnvAsInt("FIDDY_WORKERS", 4),
	}

	return cfg, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
