// Package main запускает HTTP-сервер сервиса геймификации Greenfinity.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/greenfinity-ledger/internal/cache"
	"github.com/mmeshcher/greenfinity-ledger/internal/classifier"
	"github.com/mmeshcher/greenfinity-ledger/internal/config"
	"github.com/mmeshcher/greenfinity-ledger/internal/handler"
	"github.com/mmeshcher/greenfinity-ledger/internal/logger"
	"github.com/mmeshcher/greenfinity-ledger/internal/middleware"
	"github.com/mmeshcher/greenfinity-ledger/internal/notify"
	"github.com/mmeshcher/greenfinity-ledger/internal/repository"
	"github.com/mmeshcher/greenfinity-ledger/internal/service"
)

func main() {
	// .env необязателен: в контейнере переменные приходят из окружения.
	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Path: cfg.LogPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	sugar := log.Sugar()

	loc, err := cfg.Location()
	if err != nil {
		sugar.Fatalw("timezone error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		redisClient      *redis.Client
		leaderboardCache service.LeaderboardCache
	)
	if cfg.RedisURL != "" {
		redisClient, err = cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			sugar.Warnw("redis unavailable, notifications are logged only", "error", err.Error())
			redisClient = nil
		} else {
			defer redisClient.Close()
			leaderboardCache = cache.NewLeaderboardCache(redisClient, cfg.LeaderboardCacheTTL, log)
		}
	}

	notifier := notify.NewRedisNotifier(redisClient, log)

	var cls service.Classifier
	if cfg.ClassifierAddress != "" {
		cls = classifier.NewClient(cfg.ClassifierAddress, cfg.ClassifierAPIKey, cfg.ClassifierModel)
	}

	svc := service.NewService(repo, cls, notifier, leaderboardCache, log, service.Options{
		Location:              loc,
		DefaultDailyScanLimit: cfg.DefaultDailyScanLimit,
		ScanRewardPoints:      cfg.ScanRewardPoints,
		SaleSellerPoints:      cfg.SaleSellerPoints,
		SaleBuyerPoints:       cfg.SaleBuyerPoints,
		ScanInterval:          cfg.ScanInterval,
		ReconcileInterval:     cfg.ReconcileInterval,
	})
	defer svc.Close()

	if cfg.JWTSecret == "" {
		sugar.Warn("JWT_SECRET is empty, using a random key: tokens will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)
	h := handler.NewHandler(svc, notifier, log, authMiddleware, limiter)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая классификация сканирований и сверка сумм баллов с журналом
	g.Go(func() error {
		svc.StartScanProcessing(ctx)
		svc.StartReconciliation(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting greenfinity server", "addr", cfg.RunAddress, "timezone", loc.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
