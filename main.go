package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/db"
	"github.com/parley-ai/parley/pkg/utils"
)

func main() {
	utils.InitLogger()
	logger := utils.GetLogger()

	if _, err := config.EnsureDefaultConfig(); err != nil {
		logger.Warn("Failed to ensure default config", "error", err)
	}

	cfg, configFile, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "path", configFile)

	configDir, _, err := config.DefaultPaths()
	if err != nil {
		logger.Error("Failed to resolve data directory", "error", err)
		os.Exit(1)
	}

	database, err := db.Open(filepath.Join(configDir, "parley.db"))
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := NewServer(cfg, database)
	if err := server.Start(ctx); err != nil {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}

	if err := server.Wait(); err != nil {
		logger.Error("Server stopped unexpectedly", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}
