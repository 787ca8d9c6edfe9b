package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flac2mp3/config"
	"flac2mp3/limiter"
	"flac2mp3/logging"
	"flac2mp3/models"
	"flac2mp3/ops"
	"flac2mp3/pipeline"
	"flac2mp3/services"
	"flac2mp3/telegram"
	"flac2mp3/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
)

func runServe(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Info("starting flac2mp3",
		slog.Int("max_concurrent", cfg.MaxConcurrent),
		slog.Float64("throttle_rate_s", cfg.ThrottleRate),
		slog.Bool("telegram", cfg.BotToken != ""),
		slog.Bool("queue", cfg.QueueEnabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Scratch space
	temp := services.NewTempFiles(cfg.TempDir, logger)
	if err := temp.EnsureDir(); err != nil {
		return fmt.Errorf("failed to prepare temp directory: %w", err)
	}
	if _, err := temp.SweepStale(time.Duration(cfg.StaleTempMaxAge) * time.Second); err != nil {
		logger.Warn("stale temp sweep failed", logging.Error(err))
	}

	gate := limiter.NewGate(cfg.MaxConcurrent)
	transcoder := services.NewTranscoder(cfg.FFmpegPath, cfg.TempDir, gate, logger)
	if path, err := transcoder.CheckBinary(); err != nil {
		logger.Warn("ffmpeg not available, conversions will fail", logging.Error(err))
	} else {
		logger.Info("ffmpeg found", slog.String("path", path))
	}

	// Redis backs the rate limiter and the job queue
	var redisClient *redis.Client
	if cfg.RateLimitBackend == "redis" || cfg.QueueEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("connected to redis", slog.String("addr", cfg.RedisAddr))
	}

	dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbSvc.Close()
	if err := dbSvc.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply database schema: %w", err)
	}
	logger.Info("connected to database")

	var wg sync.WaitGroup

	var store limiter.Store
	if cfg.RateLimitBackend == "memory" {
		mem := limiter.NewMemoryStore()
		mem.StartJanitor(ctx)
		store = mem
	} else {
		store = limiter.NewRedisStore(redisClient)
	}
	rateLimiter := limiter.NewRateLimiter(store,
		time.Duration(cfg.ThrottleRate*float64(time.Second)),
		limiter.WithKeyPrefix(cfg.RedisPrefix),
	)

	orchestrator := pipeline.NewOrchestrator(transcoder, temp,
		pipeline.Limits{TransportMaxMB: cfg.TransportMaxFileMB, AppMaxMB: cfg.MaxFileSizeMB},
		pipeline.WithAdmitter(rateLimiter),
		pipeline.WithRecorder(dbSvc),
		pipeline.WithLogger(logger),
	)
	conversionTimeout := time.Duration(cfg.ConversionTimeout) * time.Second

	var botAPI *tgbotapi.BotAPI
	if cfg.BotToken != "" {
		botAPI, err = tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			return fmt.Errorf("failed to connect to telegram: %w", err)
		}
		logger.Info("authorized on telegram", slog.String("account", botAPI.Self.UserName))

		downloader := services.NewHTTPDownloader(nil, int64(cfg.TransportMaxFileMB*models.BytesPerMB))
		bot := telegram.NewBot(botAPI, orchestrator, dbSvc, downloader, telegram.Options{
			Timeout:  conversionTimeout,
			AppMaxMB: cfg.MaxFileSizeMB,
			Logger:   logger,
		})

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := botAPI.GetUpdatesChan(u)

		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.Run(ctx, updates)
		}()
	}

	if cfg.QueueEnabled {
		s3Svc, err := services.NewS3Service(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize S3: %w", err)
		}

		pool := worker.NewPool(redisClient, orchestrator, s3Svc, worker.Options{
			PendingQueue:    cfg.PendingQueue,
			ProcessingQueue: cfg.ProcessingQueue,
			FailedQueue:     cfg.FailedQueue,
			StatusKeyPrefix: cfg.RedisPrefix + "conversion:status:",
			JobTimeout:      conversionTimeout,
			Logger:          logger,
		})

		for i := 0; i < cfg.WorkerCount; i++ {
			wg.Add(1)
			go func(workerID int) {
				defer wg.Done()
				pool.StartWorker(ctx, workerID)
			}(i)
		}

		// Start stale job recovery goroutine
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.RecoveryLoop(ctx)
		}()

		logger.Info("queue workers started",
			slog.Int("workers", cfg.WorkerCount),
			slog.String("queue", cfg.PendingQueue),
		)
	}

	if cfg.MetricsAddr != "" {
		checks := map[string]ops.Check{
			"postgres": dbSvc.Ping,
		}
		if redisClient != nil {
			checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ops.Serve(ctx, cfg.MetricsAddr, ops.NewRouter(checks), logger); err != nil {
				logger.Error("ops server failed", logging.Error(err))
			}
		}()
	}

	logger.Info("service is ready")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping")
	if botAPI != nil {
		botAPI.StopReceivingUpdates()
	}
	cancel()

	// Wait for in-flight work to finish with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all workers stopped gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timeout, forcing exit")
	}

	logger.Info("flac2mp3 stopped")
	return nil
}
