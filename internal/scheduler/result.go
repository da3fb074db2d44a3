package scheduler

import "podcast-pipeline/internal/worker"

// SubmissionResult is the per-run outcome shared by the schedule sweep and the
// failure sweep, so the retry path reports exactly like the original path.
type SubmissionResult struct {
	PodcastID    string              `json:"podcast_id"`
	EpisodeID    string              `json:"episode_id,omitempty"`
	Success      bool                `json:"success"`
	Message      string              `json:"message"`
	Verification *worker.CheckResult `json:"verification,omitempty"`
}

// SweepSummary aggregates a failure sweep. Succeeded counts accepted
// resubmissions, Failed counts rejections by the worker, Errored counts
// internal errors after a run was already resubmitted.
type SweepSummary struct {
	Processed int                `json:"processed"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Errored   int                `json:"errored"`
	Results   []SubmissionResult `json:"results"`
}
