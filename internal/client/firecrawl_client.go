package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/danavision/api/internal/config"
)

// ErrAgentTimeout is returned when an interactive agent job outlives its
// poll ceiling.
var ErrAgentTimeout = errors.New("agent search timed out")

// PageAnalyzer is the credentialed scrape capability used for store
// auto-configuration: full page content with links, and scripted browser
// interaction run as an asynchronous agent job.
type PageAnalyzer interface {
	ScrapePage(ctx context.Context, pageURL string) (*PageContent, error)
	StartInteraction(ctx context.Context, pageURL string, actions []Action) (string, error)
	PollInteraction(ctx context.Context, jobID string) (*PageContent, error)
	IsConfigured() bool
}

// FirecrawlClient implements PageAnalyzer for the Firecrawl API
type FirecrawlClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// Action is one scripted browser step.
type Action struct {
	Type         string `json:"type"`
	Selector     string `json:"selector,omitempty"`
	Text         string `json:"text,omitempty"`
	Key          string `json:"key,omitempty"`
	Milliseconds int    `json:"milliseconds,omitempty"`
}

// PageContent is a scraped page in every format the analyzer needs.
type PageContent struct {
	URL        string   `json:"url"`
	Markdown   string   `json:"markdown"`
	HTML       string   `json:"html"`
	Links      []string `json:"links"`
	Title      string   `json:"title"`
	StatusCode int      `json:"statusCode"`
}

type scrapeRequest struct {
	URL             string   `json:"url,omitempty"`
	URLs            []string `json:"urls,omitempty"`
	Formats         []string `json:"formats"`
	OnlyMainContent bool     `json:"onlyMainContent"`
	Actions         []Action `json:"actions,omitempty"`
}

type scrapeDocument struct {
	Markdown string   `json:"markdown"`
	HTML     string   `json:"html"`
	RawHTML  string   `json:"rawHtml"`
	Links    []string `json:"links"`
	Metadata struct {
		Title      string `json:"title"`
		SourceURL  string `json:"sourceURL"`
		URL        string `json:"url"`
		StatusCode int    `json:"statusCode"`
	} `json:"metadata"`
}

type scrapeResponse struct {
	Success bool           `json:"success"`
	Data    scrapeDocument `json:"data"`
	Error   string         `json:"error,omitempty"`
}

type batchStartResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Error   string `json:"error,omitempty"`
}

type batchStatusResponse struct {
	Status    string           `json:"status"`
	Total     int              `json:"total"`
	Completed int              `json:"completed"`
	Data      []scrapeDocument `json:"data"`
}

// NewFirecrawlClient creates a new Firecrawl API client
func NewFirecrawlClient(cfg *config.FirecrawlConfig) *FirecrawlClient {
	interval := cfg.AgentPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := cfg.AgentTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &FirecrawlClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		pollInterval: interval,
		pollTimeout:  timeout,
	}
}

// ScrapePage fetches a page as markdown, HTML and outbound links
func (c *FirecrawlClient) ScrapePage(ctx context.Context, pageURL string) (*PageContent, error) {
	req := scrapeRequest{
		URL:     pageURL,
		Formats: []string{"markdown", "html", "links"},
	}
	var result scrapeResponse
	if err := c.post(ctx, "/v1/scrape", req, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("firecrawl scrape failed: %s", result.Error)
	}
	return toPageContent(pageURL, result.Data), nil
}

// StartInteraction submits an asynchronous job that loads pageURL and runs
// the scripted actions. It returns the job id to poll.
func (c *FirecrawlClient) StartInteraction(ctx context.Context, pageURL string, actions []Action) (string, error) {
	req := scrapeRequest{
		URLs:    []string{pageURL},
		Formats: []string{"markdown", "links"},
		Actions: actions,
	}
	var result batchStartResponse
	if err := c.post(ctx, "/v1/batch/scrape", req, &result); err != nil {
		return "", err
	}
	if !result.Success || result.ID == "" {
		return "", fmt.Errorf("firecrawl interaction not accepted: %s", result.Error)
	}
	return result.ID, nil
}

// PollInteraction waits for an interaction job to finish. Transient poll
// errors are logged and retried until the poll ceiling is reached.
func (c *FirecrawlClient) PollInteraction(ctx context.Context, jobID string) (*PageContent, error) {
	start := time.Now()
	attempt := 0

	for time.Since(start) < c.pollTimeout {
		attempt++
		var status batchStatusResponse
		err := c.get(ctx, "/v1/batch/scrape/"+jobID, &status)

		switch {
		case err != nil:
			log.Printf("[Firecrawl API] Poll #%d (job=%s): transient error: %v", attempt, jobID, err)
		case status.Status == "completed":
			if len(status.Data) == 0 {
				return nil, fmt.Errorf("interaction job %s completed without data", jobID)
			}
			return toPageContent("", status.Data[0]), nil
		case status.Status == "failed" || status.Status == "cancelled":
			return nil, fmt.Errorf("interaction job %s %s", jobID, status.Status)
		default:
			log.Printf("[Firecrawl API] Poll #%d (job=%s): status: %s (%d/%d)", attempt, jobID, status.Status, status.Completed, status.Total)
		}

		select {
		case <-ctx.Done():
			log.Printf("[Firecrawl API] Poll (job=%s): context cancelled", jobID)
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	return nil, fmt.Errorf("%w after %v", ErrAgentTimeout, c.pollTimeout)
}

// IsConfigured returns true if the client has valid configuration
func (c *FirecrawlClient) IsConfigured() bool {
	return c != nil && c.apiKey != ""
}

func toPageContent(requested string, doc scrapeDocument) *PageContent {
	finalURL := doc.Metadata.URL
	if finalURL == "" {
		finalURL = doc.Metadata.SourceURL
	}
	if finalURL == "" {
		finalURL = requested
	}
	html := doc.HTML
	if html == "" {
		html = doc.RawHTML
	}
	return &PageContent{
		URL:        finalURL,
		Markdown:   doc.Markdown,
		HTML:       html,
		Links:      doc.Links,
		Title:      doc.Metadata.Title,
		StatusCode: doc.Metadata.StatusCode,
	}
}

// post sends a POST request with JSON body
func (c *FirecrawlClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *FirecrawlClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *FirecrawlClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Printf("[Firecrawl API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Firecrawl API] ✗ %s %s: request failed: %v", req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[Firecrawl API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("firecrawl API error (status %d): %s", resp.StatusCode, truncateBody(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
