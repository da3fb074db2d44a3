package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPClientDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/episodes/ep-1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"status":"failed","message":"audio stage crashed"}}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	st, err := client.EpisodeStatus(context.Background(), "ep-1")
	require.NoError(t, err)
	require.Equal(t, "failed", st.Status)
	require.Equal(t, "audio stage crashed", st.Message)
}

func TestHTTPClientNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	_, err := client.EpisodeStatus(context.Background(), "ep-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}
