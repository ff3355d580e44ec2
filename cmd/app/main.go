package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ai-image-pipeline/internal/config"
	"ai-image-pipeline/internal/domain/ports/adapter"
	"ai-image-pipeline/internal/infra/adapters/providers"
	"ai-image-pipeline/internal/infra/api"
	pg "ai-image-pipeline/internal/infra/db/postgres"
	"ai-image-pipeline/internal/infra/events"
	"ai-image-pipeline/internal/infra/imaging"
	"ai-image-pipeline/internal/infra/logging"
	red "ai-image-pipeline/internal/infra/redis"
	"ai-image-pipeline/internal/infra/storage"
	"ai-image-pipeline/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "developer mode (noop providers allowed, auth optional)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ValidateService(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	tm := pg.NewTxManager(pool)
	execRepo := pg.NewExecutionRepo(pool)
	imageRepo := pg.NewImageRepo(pool, tm)

	// ---- Redis (optional for single-instance runs) ----
	var locker usecase.JobLocker
	var rateLimiter *red.RateLimiter
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer redisClient.Close()
		locker = red.NewLocker(redisClient)
		rateLimiter = red.NewRateLimiter(redisClient)
	} else {
		logger.Warn().Msg("redis.url not set; running without cross-process job lock and rate limiting")
	}

	// ---- Providers ----
	gen, err := buildGenerator(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("image generator")
	}
	if rateLimiter != nil {
		gen = providers.NewRatedGenerator(gen, rateLimiter, cfg.Providers.RateLimit,
			cfg.Providers.RateWindow, cfg.Providers.GenerateRetries, logger)
	}

	var qc adapter.QualityChecker
	var meta adapter.MetadataGenerator
	if cfg.Providers.VisionKey != "" {
		vision, err := providers.NewVisionAdapter(cfg.Providers.VisionKey,
			cfg.Providers.VisionBaseURL, cfg.Providers.VisionModel, 60*time.Second)
		if err != nil {
			logger.Fatal().Err(err).Msg("vision adapter")
		}
		qc, meta = vision, vision
	} else if cfg.Runtime.Dev {
		qc, meta = providers.NoopQualityChecker{}, providers.NoopMetadataGenerator{}
		logger.Warn().Msg("no vision provider configured; qc and metadata are no-ops")
	} else {
		logger.Fatal().Msg("providers.vision_key is required outside dev mode")
	}

	var remover adapter.BackgroundRemover
	if cfg.Providers.RemoveBgKey != "" {
		remover, err = providers.NewRemoveBgAdapter(cfg.Providers.RemoveBgKey,
			cfg.Providers.RemoveBgURL, 60*time.Second)
		if err != nil {
			logger.Fatal().Err(err).Msg("removebg adapter")
		}
	} else {
		remover = providers.NoopBackgroundRemover{}
		logger.Info().Msg("no background removal provider configured; removal requests pass through")
	}

	// ---- Pipeline infrastructure ----
	store, err := storage.NewFileStore(cfg.Pipeline.TempDir, cfg.Pipeline.FinalDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("file store")
	}
	proc := imaging.NewProcessor(remover, logger)
	bus := events.NewBus(256, logger)

	// ---- Use cases ----
	library := usecase.NewLibraryService(execRepo, imageRepo, store, logger)
	runner := usecase.NewJobRunner(execRepo, imageRepo, gen, qc, meta, proc, store, bus,
		locker, cfg.Pipeline.TopUpAttempts, logger)
	retries := usecase.NewRetryQueueService(imageRepo, execRepo, qc, meta, proc, store, bus, logger)

	// Sweep rows a previous crash left in non-terminal states before any new
	// work is accepted.
	if err := library.Reconcile(ctx); err != nil {
		logger.Fatal().Err(err).Msg("startup reconciliation")
	}
	go retries.Run(ctx)

	// ---- HTTP API ----
	auth := api.NewAuthManager(cfg.API.AuthSecret, 24*time.Hour)
	srv := api.NewServer(runner, retries, library, bus, auth, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.API.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	runner.Wait()
}

// buildGenerator picks the generation provider by configured keys:
// OpenAI first, then Gemini, then the noop generator in dev mode.
func buildGenerator(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (adapter.ImageGenerator, error) {
	switch {
	case cfg.Providers.OpenAIKey != "":
		gen, err := providers.NewOpenAIImageGenerator(cfg.Providers.OpenAIKey, "", 120*time.Second)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("provider", gen.Name()).Msg("image generator configured")
		return gen, nil
	case cfg.Providers.GeminiKey != "":
		gen, err := providers.NewGeminiImageGenerator(ctx, cfg.Providers.GeminiKey,
			cfg.Providers.GeminiURL, "", 120*time.Second)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("provider", gen.Name()).Msg("image generator configured")
		return gen, nil
	case cfg.Runtime.Dev:
		logger.Warn().Msg("no generation provider configured; using noop generator")
		return providers.NoopGenerator{}, nil
	default:
		return nil, errors.New("no generation provider configured: set providers.openai_key or providers.gemini_key")
	}
}
