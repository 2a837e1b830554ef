package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/reactchat/client/internal/archive"
	"github.com/reactchat/client/internal/client"
	"github.com/reactchat/client/internal/config"
	"github.com/reactchat/client/internal/trace"
	"github.com/reactchat/client/internal/tui"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	clientCfg := client.Config{
		ServerURL: cfg.ServerURL,
		Logger:    logger,
	}

	if cfg.ArchivePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.ArchivePath), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create archive directory: %v\n", err)
			os.Exit(1)
		}
		store, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open archive: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		clientCfg.Archive = store
	}

	if cfg.TracePath != "" {
		f, err := os.OpenFile(cfg.TracePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open trace file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		clientCfg.Recorder = trace.NewRecorder(f, trace.DefaultTailSize)
	}

	c := client.New(clientCfg)
	if err := tui.Run(c); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	// The TUI owns stdout, so logs go to stderr.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
