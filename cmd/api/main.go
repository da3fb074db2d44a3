package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"podcast-pipeline/internal/api"
	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/ratelimit"
	"podcast-pipeline/internal/scheduler"
	"podcast-pipeline/internal/stages"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewPollLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour, nil)

	workerClient := worker.NewClient(cfg, logger)
	finder := scheduler.NewFinder(st, cfg.DefaultLookback, nil, logger)
	generator := scheduler.NewGenerator(st, workerClient, cfg.VerifyDelay, nil, nil, logger)
	sweeper := scheduler.NewSweeper(st, workerClient, cfg.SweepMinAge, cfg.DefaultLookback, logger)
	tracker := stages.NewTracker(st, cfg.StuckThreshold, nil, logger)

	server := api.New(cfg, st, finder, generator, sweeper, tracker, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) *zap.Logger {
	if cfg.Env == "dev" {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}
