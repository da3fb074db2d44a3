// The scheduler daemon runs the schedule sweep and the failure-recovery
// sweep on cron cadences, in-process, for deployments without an external
// cron hitting the HTTP trigger endpoints.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/scheduler"
	"podcast-pipeline/internal/stages"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
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

	workerClient := worker.NewClient(cfg, logger)
	finder := scheduler.NewFinder(st, cfg.DefaultLookback, nil, logger)
	generator := scheduler.NewGenerator(st, workerClient, cfg.VerifyDelay, nil, nil, logger)
	sweeper := scheduler.NewSweeper(st, workerClient, cfg.SweepMinAge, cfg.DefaultLookback, logger)
	tracker := stages.NewTracker(st, cfg.StuckThreshold, nil, logger)

	c := cron.New()

	_, err = c.AddFunc(cfg.ScheduleCron, func() {
		due, err := finder.FindDue(ctx)
		if err != nil {
			logger.Error("schedule scan failed", zap.Error(err))
			return
		}
		results := generator.Run(ctx, due)
		for _, res := range results {
			if !res.Success {
				logger.Warn("run trigger failed",
					zap.String("podcast_id", res.PodcastID),
					zap.String("message", res.Message))
			}
		}
	})
	if err != nil {
		logger.Fatal("register schedule job", zap.String("cron", cfg.ScheduleCron), zap.Error(err))
	}

	_, err = c.AddFunc(cfg.RecoverCron, func() {
		summary, err := sweeper.Sweep(ctx)
		if err != nil {
			logger.Error("failure sweep failed", zap.Error(err))
			return
		}
		if summary.Processed > 0 {
			logger.Info("failure sweep",
				zap.Int("processed", summary.Processed),
				zap.Int("succeeded", summary.Succeeded))
		}
		// Refresh the stuck gauge on the same cadence.
		if _, err := tracker.Stuck(ctx); err != nil {
			logger.Error("stuck scan failed", zap.Error(err))
		}
	})
	if err != nil {
		logger.Fatal("register recovery job", zap.String("cron", cfg.RecoverCron), zap.Error(err))
	}

	c.Start()
	logger.Info("scheduler started",
		zap.String("schedule_cron", cfg.ScheduleCron),
		zap.String("recover_cron", cfg.RecoverCron))

	<-ctx.Done()
	<-c.Stop().Done()
}
