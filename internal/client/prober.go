package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

const (
	probeUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	probeBodyLimit = 2 << 20
)

// Fetcher performs plain HTTP GETs for probing and validating search URLs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*FetchResult, error)
}

// FetchResult is a fetched page reduced to what probes inspect.
type FetchResult struct {
	StatusCode int
	FinalURL   string
	Body       string
	Text       string
}

// OK reports a 2xx response.
func (r *FetchResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// HTTPProber implements Fetcher with per-host rate limiting, so probing
// twenty patterns never hammers one retailer.
type HTTPProber struct {
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewHTTPProber creates a prober allowing reqPerSec requests per host.
func NewHTTPProber(reqPerSec float64, timeout time.Duration) *HTTPProber {
	if reqPerSec <= 0 {
		reqPerSec = 2
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProber{
		httpClient: &http.Client{Timeout: timeout},
		limiters:   make(map[string]*rate.Limiter),
		r:          rate.Limit(reqPerSec),
		b:          1,
	}
}

func (p *HTTPProber) limiterFor(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lim, ok := p.limiters[host]; ok {
		return lim
	}
	lim := rate.NewLimiter(p.r, p.b)
	p.limiters[host] = lim
	return lim
}

// Fetch GETs rawURL and returns the body plus its visible text.
func (p *HTTPProber) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}
	if err := p.limiterFor(strings.ToLower(u.Host)).Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", probeUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &FetchResult{
		StatusCode: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		Body:       string(body),
		Text:       PageText(string(body)),
	}, nil
}

// PageText strips markup, scripts and styles and collapses whitespace.
func PageText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, noscript, svg").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// PageLinks returns the absolute href of every anchor in html.
func PageLinks(base, html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	baseURL, _ := url.Parse(base)

	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href], form[action]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			href, _ = s.Attr("action")
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		if baseURL != nil {
			ref = baseURL.ResolveReference(ref)
		}
		abs := ref.String()
		if !seen[abs] {
			seen[abs] = true
			links = append(links, abs)
		}
	})
	return links
}
