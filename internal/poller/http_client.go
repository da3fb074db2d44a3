package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const maxStatusBytes = 64 << 10

// HTTPClient fetches episode status from the pipeline API's
// /episodes/{id}/status endpoint.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds a status client. The per-request deadline comes from
// the poller's context, so no client-level timeout is set here.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

type statusEnvelope struct {
	Data Status `json:"data"`
}

// EpisodeStatus fetches the current status for one episode.
func (c *HTTPClient) EpisodeStatus(ctx context.Context, episodeID string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/episodes/"+episodeID+"/status", nil)
	if err != nil {
		return Status{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBytes))
	if err != nil {
		return Status{}, fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var envelope statusEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Status{}, fmt.Errorf("decode status response: %w", err)
	}
	return envelope.Data, nil
}
