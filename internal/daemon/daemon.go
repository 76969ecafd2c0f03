package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/mediaq/mediaq/internal/api"
	"github.com/mediaq/mediaq/internal/domain"
	"github.com/mediaq/mediaq/internal/health"
	"github.com/mediaq/mediaq/internal/infra/postgres"
	"github.com/mediaq/mediaq/internal/infra/sqlite"
	"github.com/mediaq/mediaq/internal/queue"
	"github.com/mediaq/mediaq/internal/storage"
	"github.com/mediaq/mediaq/internal/upload"
)

// Daemon is the coordinator runtime. It wires together all services.
type Daemon struct {
	Config    Config
	Store     domain.JobStore
	Queue     *queue.Coordinator
	Quota     *storage.Quota
	Retention *storage.Retention
	Uploads   *upload.Manager
	Health    *health.Checker
	Janitor   *Janitor
	Server    *api.Server

	log    *log.Entry
	cancel context.CancelFunc
}

// New creates and initializes a Daemon from the config file.
func New(ctx context.Context) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(ctx context.Context, cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	limit, _ := cfg.Storage.LimitBytes()
	chunk, _ := cfg.Storage.ChunkBytes()
	maxBody, _ := cfg.API.MaxBodyBytes()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	quota := storage.NewQuota(cfg.Storage.ContentDir, limit)
	if err := quota.EnsureDir(); err != nil {
		store.Close()
		return nil, fmt.Errorf("create content dir: %w", err)
	}

	uploads, err := upload.NewManager(upload.Config{
		StagingDir: cfg.Storage.StagingDir,
		ContentDir: cfg.Storage.ContentDir,
		ChunkSize:  chunk,
		Logger:     log.WithField("component", "upload"),
	}, quota)
	if err != nil {
		store.Close()
		return nil, err
	}

	retention := storage.NewRetention(store, cfg.Storage.ContentDir,
		mustDuration(cfg.Retention.Window), log.WithField("component", "storage"))

	coord := queue.New(store, queue.Options{
		SignalTTL: mustDuration(cfg.Queue.SignalTTL),
		PageSize:  cfg.Queue.PageSize,
		Logger:    log.WithField("component", "queue"),
	})

	checker := health.NewChecker(health.Deps{
		Store:      store,
		Capacity:   quota,
		Sweeper:    retention,
		ContentDir: cfg.Storage.ContentDir,
		StagingDir: cfg.Storage.StagingDir,
		Headroom:   cfg.Health.Headroom,
		Interval:   mustDuration(cfg.Health.Interval),
		Logger:     log.WithField("component", "health"),
	})

	sessionTTL := mustDuration(cfg.Retention.SessionTTL)
	srv := api.NewServer(api.Deps{
		Queue:      coord,
		Uploads:    uploads,
		Retention:  retention,
		Health:     checker,
		MaxBody:    maxBody,
		SessionTTL: sessionTTL,
		Logger:     log.WithField("component", "api"),
	})
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:    cfg,
		Store:     store,
		Queue:     coord,
		Quota:     quota,
		Retention: retention,
		Uploads:   uploads,
		Health:    checker,
		Janitor: NewJanitor(uploads, retention, sessionTTL,
			mustDuration(cfg.Retention.UploadSweep), mustDuration(cfg.Retention.ArtifactSweep)),
		Server: srv,
		log:    log.WithField("component", "daemon"),
	}, nil
}

func openStore(ctx context.Context, cfg DatabaseConfig) (domain.JobStore, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		dir := cfg.Dir
		if dir == "" {
			dir = mediaqHome()
		}
		db, err := sqlite.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return db, nil
	}
}

// Serve starts the HTTP server and background services and blocks until
// ctx is cancelled or SIGINT/SIGTERM arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	go d.Health.Run(ctx)
	go d.Janitor.Run(ctx)

	addr := d.Config.API.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // chunk bodies on slow links
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		select {
		case sig := <-sigCh:
			d.log.WithField("signal", sig.String()).Info("shutting down")
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			d.log.WithError(err).Warn("http shutdown")
		}
	}()

	limit, _ := d.Config.Storage.LimitBytes()
	d.log.WithFields(log.Fields{
		"addr":    addr,
		"store":   d.Config.Database.Driver,
		"content": d.Config.Storage.ContentDir,
		"limit":   humanize.IBytes(uint64(limit)),
	}).Info("mediaq serving")
	fmt.Printf("mediaq serving on http://%s\n", addr)
	if d.Config.API.Metrics {
		fmt.Printf("  Metrics: http://%s/metrics\n", addr)
	}

	err := httpServer.ListenAndServe()
	// ListenAndServe returns as soon as Shutdown starts; in-flight handlers
	// still need the store until Shutdown has drained them.
	cancel()
	<-shutdownDone
	d.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			d.log.WithError(err).Warn("close store")
		}
		d.Store = nil
	}
}
