package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/danavision/api/internal/config"
)

// Scraper fetches rendered pages for a batch of URLs. Results are
// index-aligned with the input.
type Scraper interface {
	Scrape(ctx context.Context, urls []string) ([]ScrapeResult, error)
}

// ScrapeResult is one page of a batch scrape.
type ScrapeResult struct {
	Success  bool   `json:"success"`
	Markdown string `json:"markdown,omitempty"`
	HTML     string `json:"html,omitempty"`
	Title    string `json:"title,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Crawl4AIClient implements Scraper against the headless-browser scrape
// service that runs next to the API.
type Crawl4AIClient struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

type batchScrapeRequest struct {
	URLs    []string `json:"urls"`
	Timeout int      `json:"timeout"` // milliseconds, per page
}

type batchScrapeResponse struct {
	Results []ScrapeResult `json:"results"`
}

// NewCrawl4AIClient creates a new scrape service client
func NewCrawl4AIClient(cfg *config.Crawl4AIConfig) *Crawl4AIClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Crawl4AIClient{
		httpClient: &http.Client{
			// Batches render pages concurrently but a slow page still holds
			// the whole response.
			Timeout: 2 * timeout,
		},
		baseURL: cfg.BaseURL,
		timeout: timeout,
	}
}

// Scrape renders every URL and returns its markdown. A transport failure
// fails the whole batch; per-page failures are reported in the results.
func (c *Crawl4AIClient) Scrape(ctx context.Context, urls []string) ([]ScrapeResult, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	bodyBytes, err := json.Marshal(batchScrapeRequest{
		URLs:    urls,
		Timeout: int(c.timeout / time.Millisecond / 3),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batch", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Printf("[Crawl4AI] → batch of %d url(s)", len(urls))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scrape service error (status %d): %s", resp.StatusCode, truncateBody(respBody))
	}

	var batch batchScrapeResponse
	if err := json.Unmarshal(respBody, &batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return alignResults(urls, batch.Results), nil
}

// IsConfigured returns true if the client has valid configuration
func (c *Crawl4AIClient) IsConfigured() bool {
	return c != nil && c.baseURL != ""
}

// alignResults pads or trims results so result i always belongs to url i.
func alignResults(urls []string, results []ScrapeResult) []ScrapeResult {
	aligned := make([]ScrapeResult, len(urls))
	for i := range urls {
		if i < len(results) {
			aligned[i] = results[i]
			continue
		}
		aligned[i] = ScrapeResult{Success: false, Error: "no result returned for url"}
	}
	return aligned
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
