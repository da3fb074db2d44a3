package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"podcast-pipeline/internal/models"
)

// ErrNotFound is returned when an episode does not exist.
var ErrNotFound = errors.New("episode not found")

// Store wraps pgxpool for Postgres persistence. The stage log is append-only:
// entries are inserted and read, never updated or deleted.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateEpisode inserts a new pending episode row. The id is supplied by the
// caller so a resubmitted run keeps its original identity.
func (s *Store) CreateEpisode(ctx context.Context, id, podcastID string) (models.Episode, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO episodes (id, podcast_id, status, current_stage, last_stage_update, created_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, podcastID, models.StatusPending, models.StageCreated, now)
	if err != nil {
		return models.Episode{}, fmt.Errorf("insert episode: %w", err)
	}
	return models.Episode{
		ID:              id,
		PodcastID:       podcastID,
		Status:          models.StatusPending,
		CurrentStage:    models.StageCreated,
		LastStageUpdate: now,
		CreatedAt:       now,
	}, nil
}

// GetEpisode fetches an episode by id.
func (s *Store) GetEpisode(ctx context.Context, id string) (models.Episode, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, podcast_id, status, current_stage, processing_started_at, last_stage_update, created_at
		FROM episodes WHERE id = $1
	`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Episode{}, ErrNotFound
	}
	if err != nil {
		return models.Episode{}, fmt.Errorf("scan episode: %w", err)
	}
	return ep, nil
}

// TransitionParams collects inputs for one stage transition.
type TransitionParams struct {
	EpisodeID    string
	Stage        string
	Status       string
	ErrorMessage string
	ErrorDetails map[string]any
	Metadata     map[string]any
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// RecordTransition appends a stage log entry and brings the parent episode in
// line with it: current_stage, last_stage_update, the coarse status, and
// processing_started_at when the run enters a non-terminal state. Both writes
// happen in one transaction so a reader never observes a stage ahead of its
// log, or vice versa.
func (s *Store) RecordTransition(ctx context.Context, p TransitionParams) (models.StageLogEntry, error) {
	var durationMs *int64
	if p.StartedAt != nil && p.CompletedAt != nil {
		ms := p.CompletedAt.Sub(*p.StartedAt).Milliseconds()
		durationMs = &ms
	}

	detailsJSON, err := marshalJSONB(p.ErrorDetails)
	if err != nil {
		return models.StageLogEntry{}, fmt.Errorf("marshal error details: %w", err)
	}
	metaJSON, err := marshalJSONB(p.Metadata)
	if err != nil {
		return models.StageLogEntry{}, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.StageLogEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO stage_logs (id, episode_id, stage, status, error_message, error_details, metadata, started_at, completed_at, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, id, p.EpisodeID, p.Stage, p.Status, emptyToNil(p.ErrorMessage), detailsJSON, metaJSON, p.StartedAt, p.CompletedAt, durationMs, now)
	if err != nil {
		return models.StageLogEntry{}, fmt.Errorf("insert stage log: %w", err)
	}

	coarse := coarseStatus(p.Stage, p.Status)
	_, err = tx.Exec(ctx, `
		UPDATE episodes
		SET current_stage = $2,
		    status = $3,
		    last_stage_update = $4,
		    processing_started_at = CASE
		        WHEN $3 IN ('pending', 'processing') AND processing_started_at IS NULL THEN $4
		        ELSE processing_started_at
		    END
		WHERE id = $1
	`, p.EpisodeID, p.Stage, coarse, now)
	if err != nil {
		return models.StageLogEntry{}, fmt.Errorf("update episode: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.StageLogEntry{}, fmt.Errorf("commit: %w", err)
	}

	return models.StageLogEntry{
		ID:           id,
		EpisodeID:    p.EpisodeID,
		Stage:        p.Stage,
		Status:       p.Status,
		ErrorMessage: emptyToNil(p.ErrorMessage),
		ErrorDetails: p.ErrorDetails,
		Metadata:     p.Metadata,
		StartedAt:    p.StartedAt,
		CompletedAt:  p.CompletedAt,
		DurationMs:   durationMs,
		CreatedAt:    now,
	}, nil
}

// coarseStatus maps a fine-grained stage transition onto the episode's coarse
// lifecycle status.
func coarseStatus(stage, status string) string {
	switch {
	case status == models.StageFailed:
		return models.StatusFailed
	case stage == models.StagePublish && status == models.StageCompleted:
		return models.StatusCompleted
	case stage == models.StageCreated || stage == models.StageRequeued:
		return models.StatusPending
	default:
		return models.StatusProcessing
	}
}

// Timeline returns an episode's stage log entries ascending by created_at.
func (s *Store) Timeline(ctx context.Context, episodeID string) ([]models.StageLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, episode_id, stage, status, error_message, error_details, metadata, started_at, completed_at, duration_ms, created_at
		FROM stage_logs WHERE episode_id = $1
		ORDER BY created_at ASC
	`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesSince returns all stage log entries created within the window,
// ascending by created_at. A zero since returns everything.
func (s *Store) EntriesSince(ctx context.Context, since time.Time) ([]models.StageLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, episode_id, stage, status, error_message, error_details, metadata, started_at, completed_at, duration_ms, created_at
		FROM stage_logs WHERE created_at >= $1
		ORDER BY created_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// RecentFailures returns the newest failed stage log entries joined with
// their parent episodes, capped at limit.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]models.FailedEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.id, l.episode_id, l.stage, l.status, l.error_message, l.error_details, l.metadata, l.started_at, l.completed_at, l.duration_ms, l.created_at,
		       e.id, e.podcast_id, e.status, e.current_stage, e.processing_started_at, e.last_stage_update, e.created_at
		FROM stage_logs l
		JOIN episodes e ON e.id = l.episode_id
		WHERE l.status = 'failed'
		ORDER BY l.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent failures: %w", err)
	}
	defer rows.Close()

	var out []models.FailedEntry
	for rows.Next() {
		var entry models.StageLogEntry
		var ep models.Episode
		var errMsg pgtype.Text
		var details, meta []byte
		var durMs pgtype.Int8
		var procStarted pgtype.Timestamptz
		if err := rows.Scan(
			&entry.ID, &entry.EpisodeID, &entry.Stage, &entry.Status, &errMsg, &details, &meta, &entry.StartedAt, &entry.CompletedAt, &durMs, &entry.CreatedAt,
			&ep.ID, &ep.PodcastID, &ep.Status, &ep.CurrentStage, &procStarted, &ep.LastStageUpdate, &ep.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		entry.ErrorMessage = textPtr(errMsg)
		if durMs.Valid {
			entry.DurationMs = &durMs.Int64
		}
		if err := unmarshalJSONB(details, &entry.ErrorDetails); err != nil {
			return nil, err
		}
		if err := unmarshalJSONB(meta, &entry.Metadata); err != nil {
			return nil, err
		}
		if procStarted.Valid {
			ep.ProcessingStartedAt = &procStarted.Time
		}
		out = append(out, models.FailedEntry{Entry: entry, Episode: ep})
	}
	return out, rows.Err()
}

// LatestFailureMessage returns the newest failure message for an episode, if
// any. Used to surface a reason alongside a failed status.
func (s *Store) LatestFailureMessage(ctx context.Context, episodeID string) (string, error) {
	var msg pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT error_message FROM stage_logs
		WHERE episode_id = $1 AND status = 'failed'
		ORDER BY created_at DESC LIMIT 1
	`, episodeID).Scan(&msg)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query failure message: %w", err)
	}
	if msg.Valid {
		return msg.String, nil
	}
	return "", nil
}

// OpenEpisodes returns every non-terminal episode, oldest stage transition
// first. The staleness comparison itself lives in the stages tracker.
func (s *Store) OpenEpisodes(ctx context.Context) ([]models.Episode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, podcast_id, status, current_stage, processing_started_at, last_stage_update, created_at
		FROM episodes
		WHERE status IN ('pending', 'processing')
		ORDER BY last_stage_update ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query open episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// StalledEpisodes returns runs eligible for the failure sweep: pending or
// failed, created longer than minAge ago. The age guard avoids racing runs
// that are merely slow to start. Each candidate carries its podcast's stored
// lookback so resubmission reuses the run's original window width.
func (s *Store) StalledEpisodes(ctx context.Context, minAge time.Duration) ([]models.StalledRun, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.podcast_id, e.status, e.current_stage, e.processing_started_at, e.last_stage_update, e.created_at,
		       COALESCE(p.lookback_hours, 0)
		FROM episodes e
		JOIN podcasts p ON p.id = e.podcast_id
		WHERE e.status IN ('pending', 'failed') AND e.created_at < $1
		ORDER BY e.created_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stalled episodes: %w", err)
	}
	defer rows.Close()

	var out []models.StalledRun
	for rows.Next() {
		var run models.StalledRun
		var procStarted pgtype.Timestamptz
		if err := rows.Scan(&run.Episode.ID, &run.Episode.PodcastID, &run.Episode.Status, &run.Episode.CurrentStage,
			&procStarted, &run.Episode.LastStageUpdate, &run.Episode.CreatedAt, &run.LookbackHours); err != nil {
			return nil, fmt.Errorf("scan stalled run: %w", err)
		}
		if procStarted.Valid {
			run.Episode.ProcessingStartedAt = &procStarted.Time
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Schedules returns every podcast's scheduling config together with the
// start time of its newest completed episode. Podcasts without a completed
// run have a nil LatestRunStartedAt.
func (s *Store) Schedules(ctx context.Context) ([]models.PodcastSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, COALESCE(p.frequency_days, 0), COALESCE(p.lookback_hours, 0),
		       (SELECT MAX(e.created_at) FROM episodes e WHERE e.podcast_id = p.id AND e.status = 'completed')
		FROM podcasts p
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []models.PodcastSchedule
	for rows.Next() {
		var sc models.PodcastSchedule
		var latest pgtype.Timestamptz
		if err := rows.Scan(&sc.PodcastID, &sc.FrequencyDays, &sc.LookbackHours, &latest); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if latest.Valid {
			sc.LatestRunStartedAt = &latest.Time
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (models.Episode, error) {
	var ep models.Episode
	var procStarted pgtype.Timestamptz
	if err := row.Scan(&ep.ID, &ep.PodcastID, &ep.Status, &ep.CurrentStage, &procStarted, &ep.LastStageUpdate, &ep.CreatedAt); err != nil {
		return models.Episode{}, err
	}
	if procStarted.Valid {
		ep.ProcessingStartedAt = &procStarted.Time
	}
	return ep, nil
}

func scanEpisodes(rows pgx.Rows) ([]models.Episode, error) {
	var out []models.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func scanEntries(rows pgx.Rows) ([]models.StageLogEntry, error) {
	var out []models.StageLogEntry
	for rows.Next() {
		var entry models.StageLogEntry
		var errMsg pgtype.Text
		var details, meta []byte
		var durMs pgtype.Int8
		if err := rows.Scan(&entry.ID, &entry.EpisodeID, &entry.Stage, &entry.Status, &errMsg, &details, &meta, &entry.StartedAt, &entry.CompletedAt, &durMs, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage log: %w", err)
		}
		entry.ErrorMessage = textPtr(errMsg)
		if durMs.Valid {
			entry.DurationMs = &durMs.Int64
		}
		if err := unmarshalJSONB(details, &entry.ErrorDetails); err != nil {
			return nil, err
		}
		if err := unmarshalJSONB(meta, &entry.Metadata); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSONB(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal jsonb: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
