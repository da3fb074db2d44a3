package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/telemetry"
	"podcast-pipeline/internal/worker"
)

// SweepStore is the slice of the store the failure sweep reads and writes.
type SweepStore interface {
	StalledEpisodes(ctx context.Context, minAge time.Duration) ([]models.StalledRun, error)
	RecordTransition(ctx context.Context, p store.TransitionParams) (models.StageLogEntry, error)
}

// Resubmitter resubmits an existing run to the generation entry point.
type Resubmitter interface {
	Generate(ctx context.Context, req worker.GenerateRequest) (string, error)
}

// Sweeper recovers runs that silently died mid-pipeline: pending or failed
// episodes older than a minimum age are resubmitted to the same generation
// entry point under their original ids. Resubmitting a non-terminal run is
// safe; the worker treats it as a resume, not a duplicate.
type Sweeper struct {
	store         SweepStore
	worker        Resubmitter
	minAge        time.Duration
	lookbackHours int
	log           *zap.Logger
}

// NewSweeper builds a sweeper. minAge guards against resubmitting runs that
// are merely slow to start.
func NewSweeper(st SweepStore, wc Resubmitter, minAge time.Duration, lookbackHours int, log *zap.Logger) *Sweeper {
	return &Sweeper{
		store:         st,
		worker:        wc,
		minAge:        minAge,
		lookbackHours: lookbackHours,
		log:           log,
	}
}

// Sweep finds stalled runs and resubmits each one independently. One
// resubmission failing never blocks the rest.
func (s *Sweeper) Sweep(ctx context.Context) (SweepSummary, error) {
	candidates, err := s.store.StalledEpisodes(ctx, s.minAge)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("find stalled episodes: %w", err)
	}

	summary := SweepSummary{
		Processed: len(candidates),
		Results:   make([]SubmissionResult, 0, len(candidates)),
	}
	for _, run := range candidates {
		result, outcome := s.resubmit(ctx, run)
		switch outcome {
		case sweepSucceeded:
			summary.Succeeded++
		case sweepFailed:
			summary.Failed++
		case sweepErrored:
			summary.Errored++
		}
		summary.Results = append(summary.Results, result)
	}

	s.log.Info("failure sweep complete",
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("errored", summary.Errored))
	return summary, nil
}

type sweepOutcome int

const (
	sweepSucceeded sweepOutcome = iota
	sweepFailed                 // the worker rejected the resubmission
	sweepErrored                // resubmitted, but bookkeeping failed afterwards
)

func (s *Sweeper) resubmit(ctx context.Context, run models.StalledRun) (SubmissionResult, sweepOutcome) {
	ep := run.Episode

	// Reuse the run's original content window: the podcast's stored lookback,
	// anchored at the run's creation time. The process default only covers
	// podcasts with no lookback configured.
	lookback := run.LookbackHours
	if lookback <= 0 {
		lookback = s.lookbackHours
	}
	windowEnd := ep.CreatedAt
	windowStart := windowEnd.Add(-time.Duration(lookback) * time.Hour)

	_, err := s.worker.Generate(ctx, worker.GenerateRequest{
		PodcastID:   ep.PodcastID,
		EpisodeID:   ep.ID,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
	})
	if err != nil {
		telemetry.SweepFailures.Inc()
		s.log.Error("resubmission failed",
			zap.String("episode_id", ep.ID),
			zap.String("podcast_id", ep.PodcastID),
			zap.Error(err))
		return SubmissionResult{
			PodcastID: ep.PodcastID,
			EpisodeID: ep.ID,
			Success:   false,
			Message:   fmt.Sprintf("Resubmission failed: %v", err),
		}, sweepFailed
	}
	telemetry.RunsResubmitted.Inc()

	if _, err := s.store.RecordTransition(ctx, store.TransitionParams{
		EpisodeID: ep.ID,
		Stage:     models.StageRequeued,
		Status:    models.StageStarted,
		Metadata: map[string]any{
			"resubmitted_by":  "failure_sweep",
			"previous_status": ep.Status,
			"previous_stage":  ep.CurrentStage,
		},
	}); err != nil {
		s.log.Error("record requeue transition",
			zap.String("episode_id", ep.ID),
			zap.Error(err))
		// The run itself was resubmitted; report that but flag the gap.
		return SubmissionResult{
			PodcastID: ep.PodcastID,
			EpisodeID: ep.ID,
			Success:   true,
			Message:   fmt.Sprintf("Episode resubmitted; failed to log requeue: %v", err),
		}, sweepErrored
	}

	return SubmissionResult{
		PodcastID: ep.PodcastID,
		EpisodeID: ep.ID,
		Success:   true,
		Message:   "Episode resubmitted for processing",
	}, sweepSucceeded
}
