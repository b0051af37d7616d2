package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/daemon"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/store"
)

// run serves the daemon until ctx is done. ready, when set, is called once
// the API is listening.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready func(*daemon.Daemon)) error {
	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	d, err := daemon.New(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	logger.Info("episodesd started",
		logging.String("address", d.Address()),
		logging.String("database", cfg.DatabasePath()),
	)
	if ready != nil {
		ready(d)
	}

	<-ctx.Done()
	logger.Info("episodesd shutting down")
	return nil
}
