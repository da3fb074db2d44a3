package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/worker"
)

type fakeWorker struct {
	mu          sync.Mutex
	generateErr map[string]error
	checkErr    error
	checkResult worker.CheckResult
	generated   []worker.GenerateRequest
	checkedIDs  []string
}

func (f *fakeWorker) Generate(ctx context.Context, req worker.GenerateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.generateErr[req.PodcastID]; err != nil {
		return "", err
	}
	f.generated = append(f.generated, req)
	return req.EpisodeID, nil
}

func (f *fakeWorker) Check(ctx context.Context, episodeID string) (worker.CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkedIDs = append(f.checkedIDs, episodeID)
	if f.checkErr != nil {
		return worker.CheckResult{}, f.checkErr
	}
	return f.checkResult, nil
}

type fakeRunStore struct {
	mu          sync.Mutex
	createErr   map[string]error
	created     []models.Episode
	transitions []store.TransitionParams
}

func (f *fakeRunStore) CreateEpisode(ctx context.Context, id, podcastID string) (models.Episode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[podcastID]; err != nil {
		return models.Episode{}, err
	}
	ep := models.Episode{ID: id, PodcastID: podcastID, Status: models.StatusPending}
	f.created = append(f.created, ep)
	return ep, nil
}

func (f *fakeRunStore) RecordTransition(ctx context.Context, p store.TransitionParams) (models.StageLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, p)
	return models.StageLogEntry{EpisodeID: p.EpisodeID, Stage: p.Stage, Status: p.Status}, nil
}

func noSleep(ctx context.Context, d time.Duration) {}

func TestGeneratorHappyPath(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	wc := &fakeWorker{checkResult: worker.CheckResult{OK: true, Message: "processing"}}
	st := &fakeRunStore{}
	gen := NewGenerator(st, wc, 3*time.Second, noSleep, func() time.Time { return now }, zap.NewNop())

	results := gen.Run(context.Background(), []DuePodcast{{PodcastID: "a", LookbackHours: 24}})
	require.Len(t, results, 1)
	res := results[0]
	require.True(t, res.Success)
	require.NotEmpty(t, res.EpisodeID)
	require.Contains(t, res.Message, "Checker endpoint called successfully")
	require.NotNil(t, res.Verification)
	require.True(t, res.Verification.OK)

	// The content window is [now-lookback, now].
	require.Len(t, wc.generated, 1)
	require.Equal(t, now, wc.generated[0].WindowEnd)
	require.Equal(t, now.Add(-24*time.Hour), wc.generated[0].WindowStart)
	require.Equal(t, res.EpisodeID, wc.generated[0].EpisodeID)
}

func TestGeneratorVerificationFailureDoesNotFlipSuccess(t *testing.T) {
	wc := &fakeWorker{checkErr: errors.New("check timed out")}
	st := &fakeRunStore{}
	gen := NewGenerator(st, wc, 0, noSleep, nil, zap.NewNop())

	results := gen.Run(context.Background(), []DuePodcast{{PodcastID: "a", LookbackHours: 6}})
	require.Len(t, results, 1)
	require.True(t, results[0].Success, "verification outcome must not affect the trigger's success flag")
	require.Contains(t, results[0].Message, "verification failed")
	require.Nil(t, results[0].Verification)
}

func TestGeneratorIsolatesPerPodcastFailures(t *testing.T) {
	wc := &fakeWorker{
		generateErr: map[string]error{"bad": errors.New("worker rejected request")},
		checkResult: worker.CheckResult{OK: true},
	}
	st := &fakeRunStore{}
	gen := NewGenerator(st, wc, 0, noSleep, nil, zap.NewNop())

	results := gen.Run(context.Background(), []DuePodcast{
		{PodcastID: "good-1", LookbackHours: 24},
		{PodcastID: "bad", LookbackHours: 24},
		{PodcastID: "good-2", LookbackHours: 24},
	})
	require.Len(t, results, 3)
	require.True(t, results[0].Success)
	require.False(t, results[1].Success)
	require.True(t, results[2].Success)

	// The failed trigger leaves a failed stage log entry behind.
	require.Len(t, st.transitions, 1)
	require.Equal(t, models.StageCreated, st.transitions[0].Stage)
	require.Equal(t, models.StageFailed, st.transitions[0].Status)
}

func TestGeneratorCreateEpisodeFailure(t *testing.T) {
	wc := &fakeWorker{}
	st := &fakeRunStore{createErr: map[string]error{"a": errors.New("db down")}}
	gen := NewGenerator(st, wc, 0, noSleep, nil, zap.NewNop())

	results := gen.Run(context.Background(), []DuePodcast{{PodcastID: "a", LookbackHours: 24}})
	require.Len(t, results, 1)
	require.False(t, results[0].Success)
	require.Empty(t, wc.generated, "nothing should be triggered when the episode row cannot be created")
	require.Empty(t, wc.checkedIDs)
}

// End-to-end over finder + generator: a podcast a day overdue gets a run
// with the right window and a verified trigger.
func TestScheduleSweepEndToEnd(t *testing.T) {
	now := time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC)
	lastRun := now.Add(-8 * 24 * time.Hour)
	source := &fakeScheduleSource{schedules: []models.PodcastSchedule{
		{PodcastID: "weekly", FrequencyDays: 7, LookbackHours: 24, LatestRunStartedAt: tp(lastRun)},
	}}
	finder := NewFinder(source, 24, func() time.Time { return now }, zap.NewNop())

	due, err := finder.FindDue(context.Background())
	require.NoError(t, err)
	require.Len(t, due, 1)

	wc := &fakeWorker{checkResult: worker.CheckResult{OK: true}}
	st := &fakeRunStore{}
	gen := NewGenerator(st, wc, 0, noSleep, func() time.Time { return now }, zap.NewNop())

	results := gen.Run(context.Background(), due)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.NotEmpty(t, results[0].EpisodeID)
	require.True(t, strings.Contains(results[0].Message, "Checker endpoint called successfully"))
	require.Equal(t, now.Add(-24*time.Hour), wc.generated[0].WindowStart)
	require.Equal(t, now, wc.generated[0].WindowEnd)
}
