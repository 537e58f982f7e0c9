package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danavision/api/internal/config"
)

func TestAIClient_Complete(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"price\": 3.99}"}}]}`))
	}))
	defer srv.Close()

	c := NewAIClient(&config.AIConfig{APIKey: "key", BaseURL: srv.URL, Model: "m"})
	out, err := c.Complete(context.Background(), "find the price", CompletionOptions{System: "sys", Temperature: 0.1})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"price": 3.99}` {
		t.Errorf("Complete() = %q", out)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.MaxTokens != 1024 {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestAIClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewAIClient(&config.AIConfig{APIKey: "key", BaseURL: srv.URL})
	if _, err := c.Complete(context.Background(), "p", CompletionOptions{}); err == nil {
		t.Fatal("expected error for 429")
	}
}

func TestAIClient_IsConfigured(t *testing.T) {
	if NewAIClient(&config.AIConfig{}).IsConfigured() {
		t.Error("client without key should not be configured")
	}
	var nilClient *AIClient
	if nilClient.IsConfigured() {
		t.Error("nil client should not be configured")
	}
}

func TestCrawl4AI_ScrapeAlignsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req batchScrapeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.URLs) != 3 {
			t.Errorf("got %d urls", len(req.URLs))
		}
		// one result short
		w.Write([]byte(`{"results":[{"success":true,"markdown":"# A"},{"success":false,"error":"timeout"}]}`))
	}))
	defer srv.Close()

	c := NewCrawl4AIClient(&config.Crawl4AIConfig{BaseURL: srv.URL, Timeout: 5})
	res, err := c.Scrape(context.Background(), []string{"https://a.test", "https://b.test", "https://c.test"})
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("len = %d, want 3", len(res))
	}
	if !res[0].Success || res[0].Markdown != "# A" {
		t.Errorf("res[0] = %+v", res[0])
	}
	if res[1].Success || res[1].Error != "timeout" {
		t.Errorf("res[1] = %+v", res[1])
	}
	if res[2].Success {
		t.Errorf("missing result should be a failure: %+v", res[2])
	}
}

func TestCrawl4AI_EmptyBatchMakesNoRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	c := NewCrawl4AIClient(&config.Crawl4AIConfig{BaseURL: srv.URL})
	if res, err := c.Scrape(context.Background(), nil); err != nil || res != nil {
		t.Errorf("Scrape(nil) = %v, %v", res, err)
	}
	if calls != 0 {
		t.Errorf("made %d requests for empty batch", calls)
	}
}

func newTestFirecrawl(url string, timeout time.Duration) *FirecrawlClient {
	return NewFirecrawlClient(&config.FirecrawlConfig{
		APIKey:            "fc",
		BaseURL:           url,
		AgentPollInterval: 10 * time.Millisecond,
		AgentTimeout:      timeout,
	})
}

func TestFirecrawl_PollToleratesTransientErrors(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		switch {
		case n == 1:
			w.WriteHeader(http.StatusBadGateway)
		case n == 2:
			w.Write([]byte(`{"status":"scraping","total":1,"completed":0}`))
		default:
			w.Write([]byte(`{"status":"completed","data":[{"markdown":"ok","metadata":{"url":"https://shop.test/search?q=coffee"}}]}`))
		}
	}))
	defer srv.Close()

	page, err := newTestFirecrawl(srv.URL, time.Second).PollInteraction(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("PollInteraction: %v", err)
	}
	if page.URL != "https://shop.test/search?q=coffee" {
		t.Errorf("URL = %q", page.URL)
	}
	if polls < 3 {
		t.Errorf("polls = %d, want >= 3", polls)
	}
}

func TestFirecrawl_PollTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"scraping"}`))
	}))
	defer srv.Close()

	_, err := newTestFirecrawl(srv.URL, 50*time.Millisecond).PollInteraction(context.Background(), "job-1")
	if !errors.Is(err, ErrAgentTimeout) {
		t.Fatalf("err = %v, want ErrAgentTimeout", err)
	}
	if !strings.Contains(err.Error(), "50ms") {
		t.Errorf("timeout error should name the duration: %v", err)
	}
}

func TestFirecrawl_ScrapePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scrapeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Formats) != 3 {
			t.Errorf("formats = %v", req.Formats)
		}
		w.Write([]byte(`{"success":true,"data":{"markdown":"# Home","html":"<a href='/s?q=x'>","links":["https://shop.test/s?q=x"],"metadata":{"sourceURL":"https://shop.test"}}}`))
	}))
	defer srv.Close()

	page, err := newTestFirecrawl(srv.URL, time.Second).ScrapePage(context.Background(), "https://shop.test")
	if err != nil {
		t.Fatalf("ScrapePage: %v", err)
	}
	if page.URL != "https://shop.test" || len(page.Links) != 1 {
		t.Errorf("page = %+v", page)
	}
}

func TestPageTextAndLinks(t *testing.T) {
	html := `<html><head><style>.x{}</style><script>var a=1</script></head>
<body>
<h1>Coffee   beans</h1>
<a href="/search?q=tea">Tea</a>
<a href="#top">top</a>
<form action="/catalogsearch/result/"></form>
<a href="/search?q=tea">dup</a>
</body></html>`

	if got := PageText(html); got != "Coffee beans Tea top dup" {
		t.Errorf("PageText() = %q", got)
	}
	links := PageLinks("https://shop.test/", html)
	want := []string{"https://shop.test/search?q=tea", "https://shop.test/catalogsearch/result/"}
	if len(links) != len(want) {
		t.Fatalf("PageLinks() = %v", links)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("links[%d] = %q, want %q", i, links[i], want[i])
		}
	}
}

func TestHTTPProber_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing user agent")
		}
		w.Write([]byte(`<html><body><div>Add to cart</div></body></html>`))
	}))
	defer srv.Close()

	p := NewHTTPProber(100, time.Second)
	res, err := p.Fetch(context.Background(), srv.URL+"/search?q=coffee")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.OK() || res.Text != "Add to cart" {
		t.Errorf("res = %+v", res)
	}
	if _, err := p.Fetch(context.Background(), "not a url"); err == nil {
		t.Error("expected error for invalid url")
	}
}
