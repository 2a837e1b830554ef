package main

import (
	"log/slog"
	"os"

	"github.com/reactchat/client/internal/stub"
)

func main() {
	port := getEnv("PORT", "8000")
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	server := stub.NewServer(nil, logger)

	logger.Info("starting stub agent", "port", port)
	if err := server.Routes().Run(":" + port); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
