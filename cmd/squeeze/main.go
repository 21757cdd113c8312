package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/squeeze/internal/adapter/compress"
	"github.com/cwygoda/squeeze/internal/adapter/fetch"
	httpAdapter "github.com/cwygoda/squeeze/internal/adapter/http"
	"github.com/cwygoda/squeeze/internal/adapter/memory"
	"github.com/cwygoda/squeeze/internal/adapter/postgres"
	"github.com/cwygoda/squeeze/internal/adapter/processor"
	"github.com/cwygoda/squeeze/internal/adapter/sqlite"
	"github.com/cwygoda/squeeze/internal/config"
	"github.com/cwygoda/squeeze/internal/domain"
	"github.com/cwygoda/squeeze/internal/worker"
)

// store is what every storage backend provides.
type store interface {
	domain.BatchStore
	domain.JobQueue
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := newLogger(cfg.Dev)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("squeeze stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting squeeze",
		zap.String("addr", cfg.Addr),
		zap.String("backend", cfg.StorageBackend()),
		zap.String("output_dir", cfg.OutputDir),
		zap.Int("workers", cfg.Workers),
	)

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer closeStore()

	svc := domain.NewBatchService(st, st)

	// Recover stale jobs from previous crash
	if recovered, err := svc.RecoverStale(ctx); err != nil {
		logger.Warn("failed to recover stale jobs", zap.Error(err))
	} else if recovered > 0 {
		logger.Info("recovered stale jobs", zap.Int64("count", recovered))
	}

	compressor, err := compress.New(cfg.OutputDir, cfg.ArtifactBaseURL, cfg.JPEGQuality, cfg.MaxImagePixels)
	if err != nil {
		return fmt.Errorf("prepare output dir: %w", err)
	}
	fetcher := fetch.New(cfg.FetchTimeout, cfg.MaxImageBytes)
	proc := processor.NewBatchProcessor(st, fetcher, compressor, logger.Named("processor"), processor.Options{
		FetchRetries: cfg.FetchRetries,
		FetchBackoff: cfg.FetchBackoff,
	})

	srv := httpAdapter.NewServer(svc, logger.Named("http"), httpAdapter.Options{
		Addr:           cfg.Addr,
		ArtifactDir:    compressor.Dir(),
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Workers; i++ {
		w := worker.New(svc, proc, logger.Named("worker").With(zap.Int("worker", i)), cfg.PollInterval, cfg.MaxAttempts)
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Shutdown HTTP server with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(), error) {
	switch cfg.StorageBackend() {
	case config.BackendPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseDSN, logger.Named("postgres"))
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s.Close, logger), nil
	case config.BackendMemory:
		return memory.New(), func() {}, nil
	default:
		logger.Info("using sqlite", zap.String("path", cfg.DBPath))
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s.Close, logger), nil
	}
}

func closer(fn func() error, logger *zap.Logger) func() {
	return func() {
		if err := fn(); err != nil {
			logger.Warn("failed to close storage", zap.Error(err))
		}
	}
}
