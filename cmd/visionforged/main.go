// visionforged is the background daemon: it serves the control API, runs
// pipeline refinements, and drains the generation queue.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"visionforge/internal/config"
	"visionforge/internal/daemon"
	"visionforge/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, resolved, loaded, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", filepath.Join(cfg.Paths.LogDir, "visionforged.log")},
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	if !loaded {
		logger.Info("config file not found, using defaults", logging.String("path", resolved))
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start", logging.Error(err))
		return
	}

	select {
	case <-ctx.Done():
	case <-d.Done():
	}
	logger.Info("visionforged shutting down")
}
