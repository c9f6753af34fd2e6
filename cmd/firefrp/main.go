package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lieyanc/FireFrp/internal/app"
	"github.com/lieyanc/FireFrp/internal/config"
	"github.com/lieyanc/FireFrp/internal/logger"
)

func main() {
	devMode := flag.Bool("dev", false, "run with text logging instead of JSON")
	dataDir := flag.String("data-dir", "./firefrp-data", "directory holding config.json and data/")
	flag.Parse()

	logger.Init(*devMode)

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatalf("firefrp: config load failed: %v", err)
	}
	slog.Info("firefrp: config loaded", "dataDir", cfg.DataDir, "serverId", cfg.Server.ID)

	binaryPath, err := os.Executable()
	if err != nil {
		log.Fatalf("firefrp: could not resolve own executable path: %v", err)
	}

	a, err := app.New(cfg, app.ConfigPath(cfg.DataDir), binaryPath)
	if err != nil {
		log.Fatalf("firefrp: init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("firefrp: %v", err)
	}
	slog.Info("firefrp: shutdown complete")
}
