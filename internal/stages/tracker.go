// Package stages computes aggregate views over the append-only stage log:
// per-stage statistics, recent failures, timelines, and stuck-run detection.
package stages

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/telemetry"
)

// Source is the slice of the store the tracker reads.
type Source interface {
	EntriesSince(ctx context.Context, since time.Time) ([]models.StageLogEntry, error)
	RecentFailures(ctx context.Context, limit int) ([]models.FailedEntry, error)
	OpenEpisodes(ctx context.Context) ([]models.Episode, error)
	Timeline(ctx context.Context, episodeID string) ([]models.StageLogEntry, error)
}

// StageStats aggregates entries for one stage.
type StageStats struct {
	Count         int   `json:"count"`
	AvgDurationMs int64 `json:"avg_duration_ms"`
}

// Statistics summarizes stage log activity within a window.
type Statistics struct {
	ByStage    map[string]StageStats `json:"by_stage"`
	ByStatus   map[string]int        `json:"by_status"`
	TotalCount int                   `json:"total_count"`
}

// Tracker answers questions about pipeline health from the stage log.
type Tracker struct {
	source    Source
	threshold time.Duration
	now       func() time.Time
	log       *zap.Logger
}

// NewTracker builds a tracker with the configured staleness threshold. now is
// injectable for tests; pass nil for wall clock.
func NewTracker(source Source, stuckThreshold time.Duration, now func() time.Time, log *zap.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{source: source, threshold: stuckThreshold, now: now, log: log}
}

// Statistics aggregates entries created within the window. A zero window
// covers everything.
func (t *Tracker) Statistics(ctx context.Context, window time.Duration) (Statistics, error) {
	since := time.Time{}
	if window > 0 {
		since = t.now().UTC().Add(-window)
	}
	entries, err := t.source.EntriesSince(ctx, since)
	if err != nil {
		return Statistics{}, fmt.Errorf("load stage entries: %w", err)
	}
	return Aggregate(entries), nil
}

// Aggregate computes statistics over a set of entries. Average duration only
// counts entries that carry both started_at and completed_at.
func Aggregate(entries []models.StageLogEntry) Statistics {
	stats := Statistics{
		ByStage:    make(map[string]StageStats),
		ByStatus:   make(map[string]int),
		TotalCount: len(entries),
	}
	type acc struct {
		count    int
		totalMs  int64
		durCount int64
	}
	byStage := make(map[string]*acc)
	for _, e := range entries {
		stats.ByStatus[e.Status]++
		a := byStage[e.Stage]
		if a == nil {
			a = &acc{}
			byStage[e.Stage] = a
		}
		a.count++
		if e.StartedAt != nil && e.CompletedAt != nil {
			a.totalMs += e.CompletedAt.Sub(*e.StartedAt).Milliseconds()
			a.durCount++
		}
	}
	for stage, a := range byStage {
		st := StageStats{Count: a.count}
		if a.durCount > 0 {
			st.AvgDurationMs = a.totalMs / a.durCount
		}
		stats.ByStage[stage] = st
	}
	return stats
}

// Timeline returns an episode's stage log entries in deterministic order:
// ascending created_at, entry id as the tie-break. Reads without an
// intervening write always yield the identical sequence.
func (t *Tracker) Timeline(ctx context.Context, episodeID string) ([]models.StageLogEntry, error) {
	entries, err := t.source.Timeline(ctx, episodeID)
	if err != nil {
		return nil, fmt.Errorf("load timeline: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// RecentFailures returns the newest failed entries with their episodes.
func (t *Tracker) RecentFailures(ctx context.Context, limit int) ([]models.FailedEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	failures, err := t.source.RecentFailures(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent failures: %w", err)
	}
	return failures, nil
}

// Stuck returns non-terminal runs whose last stage transition is older than
// the configured threshold, and refreshes the gauge. The whole staleness
// definition is this one cutoff comparison.
func (t *Tracker) Stuck(ctx context.Context) ([]models.Episode, error) {
	open, err := t.source.OpenEpisodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open episodes: %w", err)
	}

	cutoff := t.now().UTC().Add(-t.threshold)
	var stuck []models.Episode
	for _, ep := range open {
		if models.IsTerminal(ep.Status) {
			continue
		}
		if ep.LastStageUpdate.Before(cutoff) {
			stuck = append(stuck, ep)
		}
	}

	telemetry.StuckRunsGauge.Set(float64(len(stuck)))
	if len(stuck) > 0 {
		t.log.Warn("stuck runs detected",
			zap.Int("count", len(stuck)),
			zap.Duration("threshold", t.threshold))
	}
	return stuck, nil
}
