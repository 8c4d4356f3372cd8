package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sekretar/internal/util"
	"sekretar/pkg/ai"
	"sekretar/pkg/domain"
	"sekretar/pkg/queue"
	"sekretar/pkg/storage"
	"sekretar/pkg/store"
	"sekretar/services/worker/internal/app"
	"sekretar/services/worker/internal/config"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
	}

	provider, err := ai.NewProvider(domain.DefaultProvider, domain.DefaultModel, ai.Config{
		GeminiAPIKey:  cfg.GeminiAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
	})
	if err != nil {
		log.Fatalf("failed to init ai provider: %v", err)
	}

	core, err := app.New(app.Config{
		Store:       db,
		Objects:     objects,
		Transcriber: ai.NewGateway(provider),
	})
	if err != nil {
		log.Fatalf("failed to init worker: %v", err)
	}

	taskQueue, err := queue.NewRedisTaskQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
		Group:    "worker",
	})
	if err != nil {
		log.Fatalf("failed to init task queue: %v", err)
	}

	sweepInterval := time.Minute
	if cfg.SweepInterval != "" {
		if d, err := time.ParseDuration(cfg.SweepInterval); err == nil && d > 0 {
			sweepInterval = d
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker consuming", "stream", cfg.QueueStream, "concurrency", cfg.Concurrency)
		taskQueue.Start(gctx, cfg.Concurrency, core.Handle)
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		core.SweepConfirmations(gctx, sweepInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker exited with error", "err", err)
	}
}
