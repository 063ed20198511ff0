package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/config"
)

func newTestSearcher(t *testing.T, handler http.HandlerFunc) *TavilyClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTavilyClient(config.SearchConfig{
		BaseURL:    srv.URL,
		APIKey:     "key",
		Timeout:    2 * time.Second,
		RatePerSec: 100,
		RateBurst:  100,
	}, zap.NewNop())
}

func TestSearchReturnsResults(t *testing.T) {
	client := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		var req tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "golang concurrency", req.Query)
		require.Equal(t, 3, req.MaxResults)
		require.Equal(t, "general", req.Topic)

		json.NewEncoder(w).Encode(tavilyResponse{Results: []Result{
			{URL: "https://go.dev", Title: "Go", Content: "goroutines", Score: 0.9},
		}})
	})

	results := client.Search(context.Background(), "golang concurrency", 0, "")
	require.Len(t, results, 1)
	require.Equal(t, "https://go.dev", results[0].URL)
}

func TestSearchDegradesToEmptyOnUpstreamFailure(t *testing.T) {
	client := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	results := client.Search(context.Background(), "anything", 3, "general")
	require.Empty(t, results, "upstream failure must degrade, not error")
}

func TestSearchDegradesToEmptyOnBadBody(t *testing.T) {
	client := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	results := client.Search(context.Background(), "anything", 3, "general")
	require.Empty(t, results)
}

func TestFormatResults(t *testing.T) {
	s := FormatResults("q", []Result{{URL: "u", Title: "t", Content: "c"}})
	require.Contains(t, s, `Search results for "q"`)
	require.Contains(t, s, "URL: u")

	empty := FormatResults("q", nil)
	require.Contains(t, empty, "No results found")
}
