package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"podcast-pipeline/internal/config"
)

const maxResponseBytes = 1 << 20

// Client talks to the external generation worker over HTTP. The worker owns
// the actual pipeline stages (content fetch, script, audio, post-processing,
// publish); this side only triggers, resumes, and checks runs.
type Client struct {
	baseURL      string
	secret       string
	httpClient   *http.Client
	verifyClient *http.Client
	log          *zap.Logger
}

// GenerateRequest triggers a new run, or resumes an existing one when
// EpisodeID is set. The worker treats a resubmission with an existing id as a
// resume/retry, not a duplicate.
type GenerateRequest struct {
	PodcastID   string    `json:"podcast_id"`
	EpisodeID   string    `json:"episode_id,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

type generateResponse struct {
	EpisodeID string `json:"episode_id"`
	Error     string `json:"error,omitempty"`
}

// CheckResult is the outcome of one verification pass against a fresh run.
type CheckResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// NewClient builds a worker client. Verification calls get their own, tighter
// timeout since they are best-effort.
func NewClient(cfg config.Config, log *zap.Logger) *Client {
	return &Client{
		baseURL:      cfg.WorkerBaseURL,
		secret:       cfg.CronSecret,
		httpClient:   &http.Client{Timeout: cfg.WorkerTimeout},
		verifyClient: &http.Client{Timeout: cfg.VerifyTimeout},
		log:          log,
	}
}

// Generate asks the worker to start (or resume) a run and returns the
// episode id it is processing under.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/episodes/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call generate endpoint: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read generate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("generate endpoint returned %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if out.EpisodeID == "" {
		return "", fmt.Errorf("generate endpoint returned no episode id")
	}
	c.log.Debug("worker generate accepted",
		zap.String("podcast_id", req.PodcastID),
		zap.String("episode_id", out.EpisodeID))
	return out.EpisodeID, nil
}

// Check performs one verification pass for a freshly triggered run.
func (c *Client) Check(ctx context.Context, episodeID string) (CheckResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/episodes/"+episodeID+"/check", nil)
	if err != nil {
		return CheckResult{}, fmt.Errorf("build check request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.verifyClient.Do(httpReq)
	if err != nil {
		return CheckResult{}, fmt.Errorf("call check endpoint: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return CheckResult{}, fmt.Errorf("read check response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return CheckResult{}, fmt.Errorf("check endpoint returned %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var out CheckResult
	if err := json.Unmarshal(data, &out); err != nil {
		return CheckResult{}, fmt.Errorf("decode check response: %w", err)
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
