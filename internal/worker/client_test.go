package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"podcast-pipeline/internal/config"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		WorkerBaseURL: baseURL,
		CronSecret:    "s3cret",
		WorkerTimeout: 2 * time.Second,
		VerifyTimeout: time.Second,
	}
}

func TestGenerate(t *testing.T) {
	var got GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/episodes/generate", r.URL.Path)
		require.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"episode_id": got.EpisodeID})
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), zap.NewNop())
	id, err := client.Generate(context.Background(), GenerateRequest{
		PodcastID:   "pod-1",
		EpisodeID:   "ep-1",
		WindowStart: time.Now().Add(-24 * time.Hour),
		WindowEnd:   time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, "ep-1", id)
	require.Equal(t, "pod-1", got.PodcastID)
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), zap.NewNop())
	_, err := client.Generate(context.Background(), GenerateRequest{PodcastID: "pod-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}

func TestGenerateMissingEpisodeID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), zap.NewNop())
	_, err := client.Generate(context.Background(), GenerateRequest{PodcastID: "pod-1"})
	require.Error(t, err)
}

func TestCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/episodes/ep-1/check", r.URL.Path)
		require.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(CheckResult{OK: true, Message: "pipeline running"})
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), zap.NewNop())
	res, err := client.Check(context.Background(), "ep-1")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "pipeline running", res.Message)
}

func TestCheckRespectsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.VerifyTimeout = 50 * time.Millisecond
	client := NewClient(cfg, zap.NewNop())

	_, err := client.Check(context.Background(), "ep-1")
	require.Error(t, err)
}
