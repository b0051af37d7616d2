package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fgomezserna/video-generator-episodes-sub001/internal/api"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/config"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/logging"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/preflight"
	"github.com/fgomezserna/video-generator-episodes-sub001/internal/store"
)

// Daemon owns the API server and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	service  *api.Service
	registry *prometheus.Registry
	server   *apiServer

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	streams   atomic.Int64
	mu        sync.Mutex
	startedAt time.Time
	cancel    context.CancelFunc
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || st == nil {
		return nil, errors.New("daemon requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		registry: registry,
		service:  api.NewService(cfg, st, logger, api.Options{Registerer: registry}),
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	d.server = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, runs preflight checks, and starts serving.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another episodes daemon instance is already running")
	}

	results := preflight.RunAll(ctx, d.cfg, d.store)
	for _, r := range results {
		if !r.Passed {
			logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.Bool("optional", r.Optional),
			)
		}
	}
	if blocking := preflight.Blocking(results); len(blocking) > 0 {
		_ = d.lock.Unlock()
		return fmt.Errorf("preflight: %s: %s", blocking[0].Name, blocking[0].Detail)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.server.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	d.cancel = cancel
	d.startedAt = time.Now()
	d.running.Store(true)
	d.logger.Info("episodes daemon started",
		logging.String("lock", d.lockPath),
		logging.String("address", d.server.address()),
	)
	return nil
}

// Stop stops serving and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.server.stop()
	d.service.UnsubscribeAll()
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "lock_release_failed", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("episodes daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	d.service.Close()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Service exposes the pipeline operations the daemon serves.
func (d *Daemon) Service() *api.Service {
	return d.service
}

// Handler returns the HTTP handler without starting a listener.
func (d *Daemon) Handler() http.Handler {
	return d.server.handler
}

// Address returns the bound listener address, empty when not serving.
func (d *Daemon) Address() string {
	return d.server.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := api.DaemonStatus{
		Running:       d.running.Load(),
		PID:           os.Getpid(),
		Address:       d.server.address(),
		DatabasePath:  d.store.Path(),
		LockFilePath:  d.lockPath,
		Subscriptions: int(d.streams.Load()),
	}
	d.mu.Lock()
	started := d.startedAt
	d.mu.Unlock()
	if status.Running && !started.IsZero() {
		status.StartedAt = started.UTC().Format(time.RFC3339)
		status.UptimeSeconds = int64(time.Since(started) / time.Second)
	}
	for _, r := range preflight.RunAll(ctx, d.cfg, d.store) {
		status.Checks = append(status.Checks, api.CheckResult{
			Name:     r.Name,
			Passed:   r.Passed,
			Optional: r.Optional,
			Detail:   r.Detail,
		})
	}
	return status
}
