// Command jobwatch runs the job progress service: an HTTP API for
// submitting and cancelling background jobs, throttled coalescing of their
// progress streams, run history with retention, and optional archiving and
// egress of committed snapshots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/jobwatch-dev/jobwatch/internal/api"
	"github.com/jobwatch-dev/jobwatch/internal/archive"
	"github.com/jobwatch-dev/jobwatch/internal/blob"
	blobgcs "github.com/jobwatch-dev/jobwatch/internal/blob/gcs"
	bloblocal "github.com/jobwatch-dev/jobwatch/internal/blob/local"
	"github.com/jobwatch-dev/jobwatch/internal/bus"
	"github.com/jobwatch-dev/jobwatch/internal/config"
	"github.com/jobwatch-dev/jobwatch/internal/janitor"
	"github.com/jobwatch-dev/jobwatch/internal/logging"
	"github.com/jobwatch-dev/jobwatch/internal/progress"
	"github.com/jobwatch-dev/jobwatch/internal/publisher"
	pubpubsub "github.com/jobwatch-dev/jobwatch/internal/publisher/pubsub"
	"github.com/jobwatch-dev/jobwatch/internal/runner"
	"github.com/jobwatch-dev/jobwatch/internal/store"
	storememory "github.com/jobwatch-dev/jobwatch/internal/store/memory"
	storepostgres "github.com/jobwatch-dev/jobwatch/internal/store/postgres"
	"github.com/jobwatch-dev/jobwatch/internal/tasks"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "jobwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	progressMetrics, err := progress.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	runnerMetrics, err := runner.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register runner metrics: %w", err)
	}

	history, closeHistory, err := buildHistory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeHistory()

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	egress, closeEgress, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeEgress()

	b := bus.New()
	defer b.Close()

	var notify func(handle string, n progress.Notification)
	if cfg.Progress.EgressTopic != "" {
		topic := cfg.Progress.EgressTopic
		notify = func(handle string, n progress.Notification) {
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := egress.Publish(pubCtx, topic, n); err != nil {
				logger.Warn("egress publish failed",
					zap.String("job_id", handle), zap.Error(err))
			}
		}
	}

	watchers := progress.NewRegistry(b, progress.RegistryConfig{
		Throttle:    cfg.Throttle(),
		MaxLogLines: cfg.Progress.MaxLogLines,
		Notify:      notify,
		Logger:      logger,
		Metrics:     progressMetrics,
	})
	defer watchers.CloseAll()

	archiver := archive.New(blobStore, archive.Config{
		Prefix: cfg.Blob.Prefix,
		Logger: logger,
	})
	archiveEnabled := cfg.Blob.Provider != "none"

	jobs := runner.New(b, runner.Config{
		History: history,
		Logger:  logger,
		Metrics: runnerMetrics,
		OnStart: func(handle string) {
			if _, err := watchers.Open(handle); err != nil {
				logger.Error("open watcher failed", zap.String("job_id", handle), zap.Error(err))
			}
		},
		OnComplete: func(handle string, status store.RunStatus) {
			snap, ok := watchers.Close(handle)
			if !ok || !archiveEnabled {
				return
			}
			archiveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := archiver.Archive(archiveCtx, snap, status); err != nil {
				logger.Error("archive failed", zap.String("job_id", handle), zap.Error(err))
			}
		},
	})
	jobs.Register("scan", tasks.NewScanFactory())

	sweeper, err := janitor.New(history, janitor.Config{
		Retention: cfg.RetentionWindow(),
		Interval:  cfg.RetentionInterval(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	server := api.NewServer(api.Config{
		Runner:      jobs,
		Registry:    watchers,
		History:     history,
		Source:      b,
		Throttle:    cfg.Throttle(),
		MaxLogLines: cfg.Progress.MaxLogLines,
		Gatherer:    registry,
		Timeout:     cfg.ServerTimeout(),
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runner shutdown incomplete", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func buildHistory(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.HistoryRepository, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory run history")
		return storememory.New(), func() {}, nil
	}
	hs, err := storepostgres.NewHistoryStore(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect history store: %w", err)
	}
	logger.Info("using postgres run history")
	return hs, hs.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch cfg.Blob.Provider {
	case "none":
		return blob.Noop{}, nil
	case "local":
		return bloblocal.New(bloblocal.Config{BaseDir: cfg.Blob.BaseDir})
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return blobgcs.New(client, blobgcs.Config{Bucket: cfg.Blob.Bucket})
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.Blob.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (publisher.Publisher, func(), error) {
	switch cfg.Publisher.Provider {
	case "none":
		return publisher.Noop{}, func() {}, nil
	case "pubsub":
		client, err := gcpubsub.NewClient(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("create pubsub client: %w", err)
		}
		pub, err := pubpubsub.New(client)
		if err != nil {
			return nil, nil, err
		}
		return pub, func() { _ = pub.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown publisher provider %q", cfg.Publisher.Provider)
	}
}
