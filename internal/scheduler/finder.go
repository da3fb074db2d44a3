// Package scheduler decides which podcasts are due for a new episode, starts
// runs for them, and recovers runs that silently died mid-pipeline.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"podcast-pipeline/internal/models"
)

// ScheduleSource loads per-podcast scheduling config.
type ScheduleSource interface {
	Schedules(ctx context.Context) ([]models.PodcastSchedule, error)
}

// DuePodcast is one podcast that needs a new run now.
type DuePodcast struct {
	PodcastID     string    `json:"podcast_id"`
	LookbackHours int       `json:"lookback_hours"`
	NextDue       time.Time `json:"next_due"`
}

// Finder answers "which podcasts need a new run right now".
type Finder struct {
	source          ScheduleSource
	defaultLookback int
	now             func() time.Time
	log             *zap.Logger
}

// NewFinder builds a finder. now is injectable for tests; pass nil for wall
// clock.
func NewFinder(source ScheduleSource, defaultLookbackHours int, now func() time.Time, log *zap.Logger) *Finder {
	if now == nil {
		now = time.Now
	}
	return &Finder{source: source, defaultLookback: defaultLookbackHours, now: now, log: log}
}

// FindDue returns every podcast whose next due time has passed. A podcast
// with no completed run yet uses the Unix epoch as its last-run sentinel, so
// it is immediately due. Podcasts without a positive frequency are excluded
// outright. A data-access failure aborts the whole call: under-triggering is
// preferred to triggering duplicates off a partial list.
func (f *Finder) FindDue(ctx context.Context) ([]DuePodcast, error) {
	schedules, err := f.source.Schedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}

	now := f.now().UTC()
	var due []DuePodcast
	for _, sc := range schedules {
		if sc.FrequencyDays <= 0 {
			continue
		}
		lastRun := time.Unix(0, 0).UTC()
		if sc.LatestRunStartedAt != nil {
			lastRun = sc.LatestRunStartedAt.UTC()
		}
		nextDue := lastRun.Add(time.Duration(sc.FrequencyDays) * 24 * time.Hour)
		if nextDue.After(now) {
			continue
		}
		lookback := sc.LookbackHours
		if lookback <= 0 {
			lookback = f.defaultLookback
		}
		due = append(due, DuePodcast{
			PodcastID:     sc.PodcastID,
			LookbackHours: lookback,
			NextDue:       nextDue,
		})
	}

	f.log.Info("schedule scan complete",
		zap.Int("podcasts", len(schedules)),
		zap.Int("due", len(due)))
	return due, nil
}
