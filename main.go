package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quillchat/quillchat/pkg/config"
	"github.com/quillchat/quillchat/pkg/db"
	"github.com/quillchat/quillchat/pkg/utils"
)

func main() {
	// Initialize logging system
	utils.InitLogger()
	logger := utils.GetLogger()

	if path, err := config.EnsureDefaultConfig(); err != nil {
		logger.Warn("Failed to write default config", "path", path, "error", err)
	}

	cfg, cfgPath, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	dbPath, err := db.DefaultPath()
	if err != nil {
		logger.Error("Failed to resolve database path", "error", err)
		os.Exit(1)
	}
	gdb, err := db.Open(dbPath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		os.Exit(1)
	}

	server, err := NewServer(cfg, gdb)
	if err != nil {
		logger.Error("Failed to initialize server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		fmt.Println("Server start failed", err)
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
	logger.Info("Quillchat listening", "host", cfg.Host(), "port", server.Port())

	<-ctx.Done()
	logger.Info("Shutting down")
	server.Close()
}
