package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigil-ims/config"
	"vigil-ims/core/appbootstrap"
	"vigil-ims/core/store"
	"vigil-ims/core/utils"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := utils.NewLogger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}

	db, err := store.NewDB(cfg, logger)
	if err != nil {
		logger.Errorf("open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		logger.Errorf("apply migrations: %v", err)
		os.Exit(1)
	}

	runtime, err := appbootstrap.ComposeRuntime(cfg, db, logger)
	if err != nil {
		logger.Errorf("compose runtime: %v", err)
		os.Exit(1)
	}

	if cfg.Queue.Enabled {
		runtime.Queue.Start()
	}
	logger.Printf("vigil started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := runtime.Queue.StopWithContext(shutdownCtx); err != nil {
		logger.Errorf("stop queue: %v", err)
	}
	logger.Printf("vigil stopped")
}
