// Package config loads runtime settings from the environment.
package config

import "os"

// Config holds application configuration.
type Config struct {
	// ServerURL is the WebSocket endpoint of the agent backend.
	ServerURL string
	// ArchivePath is the SQLite transcript archive location. Empty disables
	// archiving.
	ArchivePath string
	// TracePath is the frame trace JSONL location. Empty disables the file
	// sink; the in-memory tail is always kept.
	TracePath string
	// LogLevel is the slog level name (debug, info, warn, error).
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		ServerURL:   getEnv("REACTCHAT_SERVER_URL", "ws://localhost:8000/ws"),
		ArchivePath: getEnv("REACTCHAT_ARCHIVE_PATH", ""),
		TracePath:   getEnv("REACTCHAT_TRACE_PATH", ""),
		LogLevel:    getEnv("REACTCHAT_LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
