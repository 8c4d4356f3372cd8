package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sekretar/internal/initdata"
	"sekretar/internal/util"
	"sekretar/pkg/ai"
	"sekretar/pkg/domain"
	"sekretar/pkg/queue"
	"sekretar/pkg/storage"
	"sekretar/pkg/store"
	"sekretar/services/bot/internal/app"
	"sekretar/services/bot/internal/bot"
	"sekretar/services/bot/internal/config"
	"sekretar/services/bot/internal/server"
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

	taskQueue, err := queue.NewRedisTaskQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.QueueStream,
		Group:    "worker",
	})
	if err != nil {
		log.Fatalf("failed to init task queue: %v", err)
	}

	sessions, err := bot.NewSessionStore(cfg.RedisAddr, cfg.RedisPassword, 10*time.Minute)
	if err != nil {
		log.Fatalf("failed to init session store: %v", err)
	}

	aiConfig := ai.Config{
		GeminiAPIKey:  cfg.GeminiAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
	}
	gateways := func(settings domain.AISettings) app.Gateway {
		provider, err := ai.NewProvider(settings.Provider, settings.Model, aiConfig)
		if err != nil {
			slog.Warn("unknown provider, falling back to defaults", "provider", settings.Provider, "err", err)
			provider, _ = ai.NewProvider(domain.DefaultProvider, domain.DefaultModel, aiConfig)
		}
		return ai.NewGateway(provider)
	}

	// The router publishes through the bot, so the bot is built first and
	// the router attached after.
	tg, err := bot.New(bot.Config{
		Token:     cfg.BotToken,
		WebAppURL: cfg.WebAppURL,
		Store:     db,
		Sessions:  sessions,
		Objects:   objects,
		Queue:     taskQueue,
	})
	if err != nil {
		log.Fatalf("failed to init bot: %v", err)
	}
	router, err := app.New(app.Config{
		Store:     db,
		Publisher: tg.Publisher(),
		Gateways:  gateways,
	})
	if err != nil {
		log.Fatalf("failed to init router: %v", err)
	}
	tg.SetRouter(router)

	verifier, err := initdata.NewVerifier(cfg.BotToken, time.Hour)
	if err != nil {
		log.Fatalf("failed to init initdata verifier: %v", err)
	}
	tokens, err := initdata.NewTokenIssuer(initdata.TokenConfig{Secret: cfg.SessionSecret})
	if err != nil {
		log.Fatalf("failed to init token issuer: %v", err)
	}
	api, err := server.New(server.Config{
		Store:              db,
		InitData:           verifier,
		Tokens:             tokens,
		Syncer:             tg,
		RedisAddr:          cfg.RedisAddr,
		RedisPassword:      cfg.RedisPassword,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("webapp api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		slog.Info("bot polling started")
		tg.Start(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("bot exited with error", "err", err)
	}
}
