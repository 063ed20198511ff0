package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/knowhub/research-orchestrator/internal/config"
	"github.com/knowhub/research-orchestrator/internal/metrics"
)

// Result is one scored search hit.
type Result struct {
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	RawContent string  `json:"raw_content,omitempty"`
	Score      float64 `json:"score"`
}

// Searcher is the search capability consumed by the researcher stage.
// Implementations degrade to an empty result list on upstream failure.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int, topic string) []Result
}

// TavilyClient calls the Tavily search API. A client-side rate limiter
// smooths bursts from concurrent research runs sharing the one API key.
type TavilyClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewTavilyClient(cfg config.SearchConfig, logger *zap.Logger) *TavilyClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 2
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 4
	}
	return &TavilyClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		logger:  logger,
	}
}

type tavilyRequest struct {
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results"`
	Topic             string `json:"topic"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type tavilyResponse struct {
	Results []Result `json:"results"`
}

// Search queries Tavily. Any failure — rate-limit wait, transport error,
// non-200 status, malformed body — yields an empty list, never an error:
// a degraded search must not fail the research run.
func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int, topic string) []Result {
	if err := c.limiter.Wait(ctx); err != nil {
		c.logger.Warn("Search rate limit wait aborted", zap.Error(err))
		metrics.SearchCalls.WithLabelValues("degraded").Inc()
		return nil
	}

	if maxResults <= 0 {
		maxResults = 3
	}
	if topic == "" {
		topic = "general"
	}

	body, err := json.Marshal(tavilyRequest{
		Query:             query,
		MaxResults:        maxResults,
		Topic:             topic,
		IncludeRawContent: false,
	})
	if err != nil {
		c.logger.Error("Search request marshal failed", zap.Error(err))
		metrics.SearchCalls.WithLabelValues("degraded").Inc()
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		c.logger.Error("Search request build failed", zap.Error(err))
		metrics.SearchCalls.WithLabelValues("degraded").Inc()
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Search request failed", zap.String("query", query), zap.Error(err))
		metrics.SearchCalls.WithLabelValues("degraded").Inc()
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Warn("Search upstream returned non-200",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(data)),
		)
		metrics.SearchCalls.WithLabelValues("degraded").Inc()
		return nil
	}

	var out tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.logger.Warn("Search response decode failed", zap.Error(err))
		metrics.SearchCalls.WithLabelValues("degraded").Inc()
		return nil
	}

	metrics.SearchCalls.WithLabelValues("ok").Inc()
	c.logger.Debug("Search completed",
		zap.String("query", query),
		zap.Int("results", len(out.Results)),
	)
	return out.Results
}

// FormatResults renders results as a note string for the agent
// conversation, keyed by query so findings stay addressable.
func FormatResults(query string, results []Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for query: %s", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   URL: %s\n   %s\n", i+1, r.Title, r.URL, r.Content)
	}
	return b.String()
}
