package models

import (
	"strings"
	"time"
)

// EpisodeStatus enumerates coarse lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Pipeline stages, in execution order. Each stage logs started/completed/failed
// transitions into stage_logs.
const (
	StageCreated        = "created"
	StageContentFetch   = "content_fetch"
	StageScript         = "script"
	StageAudio          = "audio"
	StagePostProcessing = "post_processing"
	StagePublish        = "publish"
	StageRequeued       = "requeued"
)

// Stage log entry statuses.
const (
	StageStarted   = "started"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// terminalStatuses is the fixed set polled clients compare against,
// case-insensitively. "published" and "error" are synonyms some worker
// versions report.
var terminalStatuses = map[string]bool{
	"completed": true,
	"published": true,
	"failed":    true,
	"error":     true,
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return terminalStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// IsFailure reports whether a terminal status represents a failed run.
func IsFailure(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return s == "failed" || s == "error"
}

// Episode is one run of the generation pipeline for a podcast.
type Episode struct {
	ID                  string     `json:"id"`
	PodcastID           string     `json:"podcast_id"`
	Status              string     `json:"status"`
	CurrentStage        string     `json:"current_stage"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	LastStageUpdate     time.Time  `json:"last_stage_update"`
	CreatedAt           time.Time  `json:"created_at"`
}

// StageLogEntry is one append-only stage transition record. A run's ordered
// entries reconstruct its full timeline.
type StageLogEntry struct {
	ID           string         `json:"id"`
	EpisodeID    string         `json:"episode_id"`
	Stage        string         `json:"stage"`
	Status       string         `json:"status"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	DurationMs   *int64         `json:"duration_ms,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// PodcastSchedule is the per-podcast recurring configuration the finder reads.
// LatestRunStartedAt is derived from the newest completed episode; nil means
// the podcast has never produced one.
type PodcastSchedule struct {
	PodcastID          string     `json:"podcast_id"`
	FrequencyDays      int        `json:"frequency_days"`
	LookbackHours      int        `json:"lookback_hours"`
	LatestRunStartedAt *time.Time `json:"latest_run_started_at,omitempty"`
}

// StalledRun is a failure-sweep candidate: the episode plus the owning
// podcast's stored content-window width, so a resubmission reuses the run's
// original parameters. LookbackHours is 0 when the podcast has none
// configured.
type StalledRun struct {
	Episode       Episode `json:"episode"`
	LookbackHours int     `json:"lookback_hours"`
}

// FailedEntry joins a failed stage log entry with its parent episode for
// admin views.
type FailedEntry struct {
	Entry   StageLogEntry `json:"entry"`
	Episode Episode       `json:"episode"`
}
