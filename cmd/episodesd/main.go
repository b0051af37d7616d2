package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("ensure directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	if err := run(ctx, cfg, logger, nil); err != nil {
		logging.ErrorWithContext(logger, "episodesd stopped", "daemon_failed", logging.Error(err))
		log.Fatal(err)
	}
}
