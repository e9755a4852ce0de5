// main package for the speech-forge service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/speech-forge/internal/cache"
	"github.com/book-expert/speech-forge/internal/config"
	"github.com/book-expert/speech-forge/internal/core"
	"github.com/book-expert/speech-forge/internal/infer"
	"github.com/book-expert/speech-forge/internal/objectstore"
	"github.com/book-expert/speech-forge/internal/pipeline"
	"github.com/book-expert/speech-forge/internal/speaker"
	"github.com/book-expert/speech-forge/internal/worker"
)

const mockModelID = "speech-forge-mock"

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "speech-forge.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func buildBackend(cfg *config.Config, log *logger.Logger) (infer.Backend, error) {
	if cfg.Backend.Command == "" {
		log.Warn("No backend command configured, using the mock backend.")

		return infer.NewMockBackend(mockModelID), nil
	}

	backend, err := infer.NewProcBackend(infer.ProcConfig{
		Command:   cfg.Backend.Command,
		ModelPath: cfg.Backend.ModelPath,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}

	return backend, nil
}

func buildCacheStore(ctx context.Context, cfg *config.Config) (core.CacheStore, func(), error) {
	noop := func() {}

	switch cfg.Cache.Backend {
	case "", "memory":
		capacity := cfg.Cache.Capacity
		if capacity <= 0 {
			capacity = cache.DefaultMemoryEntries
		}

		store, err := cache.NewMemoryStore(capacity)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create memory cache: %w", err)
		}

		return store, noop, nil
	case "sqlite":
		store, err := cache.OpenSQLiteStore(ctx, cfg.Cache.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open sqlite cache: %w", err)
		}

		return store, func() { _ = store.Close() }, nil
	case "none":
		return cache.NewNoopStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		if closeErr := log.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	audioStore, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to create audio object store: %w", err)
	}

	speakerStore, err := objectstore.New(jetstreamContext, cfg.NATS.SpeakerObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to create speaker object store: %w", err)
	}

	backend, err := buildBackend(cfg, log)
	if err != nil {
		return err
	}

	cacheStore, closeCache, err := buildCacheStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	generator := pipeline.NewGenerator(backend, cacheStore, log)
	handler := pipeline.NewHandler(generator, log)

	ttsWorker, err := worker.New(
		natsConnection,
		cfg.NATS.TextProcessedSubject,
		audioStore,
		speaker.NewStore(speakerStore),
		handler,
		cfg.Pipeline,
		cfg.Adjust,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System("speech-forge initialized. Listening for jobs on subject: %s", cfg.NATS.TextProcessedSubject)

	if runErr := ttsWorker.Run(ctx); runErr != nil {
		return fmt.Errorf("worker stopped: %w", runErr)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
