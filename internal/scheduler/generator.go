package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
	"podcast-pipeline/internal/worker"
)

// WorkerClient triggers and checks runs on the external generation worker.
type WorkerClient interface {
	Generate(ctx context.Context, req worker.GenerateRequest) (string, error)
	Check(ctx context.Context, episodeID string) (worker.CheckResult, error)
}

// RunStore persists new runs and their stage transitions.
type RunStore interface {
	CreateEpisode(ctx context.Context, id, podcastID string) (models.Episode, error)
	RecordTransition(ctx context.Context, p store.TransitionParams) (models.StageLogEntry, error)
}

// Sleeper waits for d or until the context is cancelled. Injectable so tests
// do not sleep.
type Sleeper func(ctx context.Context, d time.Duration)

func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Generator starts one run per due podcast and follows each trigger with a
// single best-effort verification pass. The verification wait is a fixed
// delay for asynchronous worker startup, not a synchronization point: the
// check can race a slow worker, and its outcome never affects the run's own
// success flag.
type Generator struct {
	store       RunStore
	worker      WorkerClient
	verifyDelay time.Duration
	sleep       Sleeper
	now         func() time.Time
	log         *zap.Logger
}

// NewGenerator builds a generator. sleep and now are injectable for tests;
// pass nil for real timing.
func NewGenerator(st RunStore, wc WorkerClient, verifyDelay time.Duration, sleep Sleeper, now func() time.Time, log *zap.Logger) *Generator {
	if sleep == nil {
		sleep = defaultSleep
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{
		store:       st,
		worker:      wc,
		verifyDelay: verifyDelay,
		sleep:       sleep,
		now:         now,
		log:         log,
	}
}

// Run starts a new run for each due podcast. Failures are isolated per
// podcast: one podcast's error never aborts the loop over the rest.
func (g *Generator) Run(ctx context.Context, due []DuePodcast) []SubmissionResult {
	results := make([]SubmissionResult, 0, len(due))
	for _, d := range due {
		results = append(results, g.runOne(ctx, d))
	}
	return results
}

func (g *Generator) runOne(ctx context.Context, d DuePodcast) SubmissionResult {
	now := g.now().UTC()
	windowStart := now.Add(-time.Duration(d.LookbackHours) * time.Hour)
	episodeID := uuid.New().String()

	if _, err := g.store.CreateEpisode(ctx, episodeID, d.PodcastID); err != nil {
		g.log.Error("create episode failed",
			zap.String("podcast_id", d.PodcastID),
			zap.Error(err))
		telemetry.RunTriggerFailures.Inc()
		return SubmissionResult{
			PodcastID: d.PodcastID,
			Success:   false,
			Message:   fmt.Sprintf("Failed to create episode: %v", err),
		}
	}

	_, err := g.worker.Generate(ctx, worker.GenerateRequest{
		PodcastID:   d.PodcastID,
		EpisodeID:   episodeID,
		WindowStart: windowStart,
		WindowEnd:   now,
	})
	if err != nil {
		g.log.Error("generate call failed",
			zap.String("podcast_id", d.PodcastID),
			zap.String("episode_id", episodeID),
			zap.Error(err))
		if _, logErr := g.store.RecordTransition(ctx, store.TransitionParams{
			EpisodeID:    episodeID,
			Stage:        models.StageCreated,
			Status:       models.StageFailed,
			ErrorMessage: err.Error(),
			ErrorDetails: map[string]any{"error_type": "generate_call"},
		}); logErr != nil {
			g.log.Error("record failed transition", zap.String("episode_id", episodeID), zap.Error(logErr))
		}
		telemetry.RunTriggerFailures.Inc()
		return SubmissionResult{
			PodcastID: d.PodcastID,
			EpisodeID: episodeID,
			Success:   false,
			Message:   fmt.Sprintf("Failed to trigger generation: %v", err),
		}
	}
	telemetry.RunsTriggered.Inc()

	result := SubmissionResult{
		PodcastID: d.PodcastID,
		EpisodeID: episodeID,
		Success:   true,
		Message:   "Episode generation triggered",
	}

	// Let the asynchronous worker initialize before the single check.
	g.sleep(ctx, g.verifyDelay)

	check, err := g.worker.Check(ctx, episodeID)
	if err != nil {
		telemetry.VerificationFailures.Inc()
		g.log.Warn("verification call failed",
			zap.String("episode_id", episodeID),
			zap.Error(err))
		result.Message += fmt.Sprintf("; verification failed: %v", err)
		return result
	}
	result.Verification = &check
	result.Message += "; Checker endpoint called successfully"
	return result
}
