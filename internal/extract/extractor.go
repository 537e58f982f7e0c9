package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/danavision/api/internal/client"
	"github.com/danavision/api/internal/config"
	"github.com/danavision/api/internal/model"
)

const (
	defaultPriceWindow     = 4000
	defaultBestMatchWindow = 6000
)

var (
	jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
	priceRe      = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// Hints describe what the page is expected to contain.
type Hints struct {
	ProductName   string
	StoreName     string
	Brand         string
	UPC           string
	UnitOfMeasure string
	PageURL       string
}

// Extractor turns scraped page content into price records with an AI
// completion service.
type Extractor struct {
	ai              client.Completer
	priceWindow     int
	bestMatchWindow int
}

// NewExtractor creates an extractor using the discovery content windows.
func NewExtractor(ai client.Completer, cfg *config.DiscoveryConfig) *Extractor {
	e := &Extractor{
		ai:              ai,
		priceWindow:     defaultPriceWindow,
		bestMatchWindow: defaultBestMatchWindow,
	}
	if cfg != nil {
		if cfg.Tier1Window > 0 {
			e.priceWindow = cfg.Tier1Window
		}
		if cfg.Tier2Window > 0 {
			e.bestMatchWindow = cfg.Tier2Window
		}
	}
	return e
}

// IsConfigured reports whether the AI backend can be called.
func (e *Extractor) IsConfigured() bool {
	return e != nil && e.ai != nil && e.ai.IsConfigured()
}

// ExtractPrice reads the price of the hinted product from a store's search
// or product page. A nil record with a nil error means the page held no
// usable price.
func (e *Extractor) ExtractPrice(ctx context.Context, content string, h Hints) (*model.PriceRecord, error) {
	prompt := buildPricePrompt(Truncate(content, e.priceWindow), h)
	return e.run(ctx, prompt, h)
}

// ExtractBestMatch picks the single product on a broad search page that
// best matches the hint, returning nil when no confident match exists.
func (e *Extractor) ExtractBestMatch(ctx context.Context, content string, h Hints) (*model.PriceRecord, error) {
	prompt := buildBestMatchPrompt(Truncate(content, e.bestMatchWindow), h)
	return e.run(ctx, prompt, h)
}

func (e *Extractor) run(ctx context.Context, prompt string, h Hints) (*model.PriceRecord, error) {
	if !e.IsConfigured() {
		return nil, model.ErrNotConfigured
	}
	response, err := e.ai.Complete(ctx, prompt, client.CompletionOptions{
		System:      systemPrompt,
		Temperature: 0.1,
		MaxTokens:   400,
	})
	if err != nil {
		return nil, fmt.Errorf("AI extraction failed: %w", err)
	}
	return ParseRecord(response, h), nil
}

// extraction is the JSON shape the prompts ask for. Fields are loosely
// typed since models answer with strings, numbers and booleans alike.
type extraction struct {
	Price         any    `json:"price"`
	ItemName      string `json:"item_name"`
	ProductName   string `json:"product_name"`
	StockStatus   any    `json:"stock_status"`
	InStock       any    `json:"in_stock"`
	UnitOfMeasure string `json:"unit_of_measure"`
	ProductURL    string `json:"product_url"`
}

// ParseRecord pulls the first JSON object out of an AI answer and converts
// it to a price record. Anything unparseable, or a missing or non-positive
// price, yields nil.
func ParseRecord(response string, h Hints) *model.PriceRecord {
	raw := jsonObjectRe.FindString(response)
	if raw == "" {
		return nil
	}
	var ex extraction
	if err := json.Unmarshal([]byte(raw), &ex); err != nil {
		return nil
	}

	price, ok := ParsePrice(ex.Price)
	if !ok || price <= 0 {
		return nil
	}

	name := firstNonEmpty(ex.ItemName, ex.ProductName, h.ProductName)
	stock := ex.StockStatus
	if stock == nil {
		stock = ex.InStock
	}

	return &model.PriceRecord{
		Vendor:        h.StoreName,
		ItemName:      strings.TrimSpace(name),
		Price:         price,
		StockStatus:   NormalizeStockStatus(stock),
		UnitOfMeasure: firstNonEmpty(ex.UnitOfMeasure, h.UnitOfMeasure),
		ProductURL:    resolveProductURL(h.PageURL, ex.ProductURL),
	}
}

// ParsePrice accepts a JSON number or a price string such as "$1,299.00".
// Negative amounts are rejected.
func ParsePrice(v any) (float64, bool) {
	switch p := v.(type) {
	case float64:
		if p < 0 {
			return 0, false
		}
		return p, true
	case string:
		s := strings.ReplaceAll(p, ",", "")
		loc := priceRe.FindStringIndex(s)
		if loc == nil {
			return 0, false
		}
		if strings.HasSuffix(strings.TrimRight(s[:loc[0]], " $"), "-") {
			return 0, false
		}
		f, err := strconv.ParseFloat(s[loc[0]:loc[1]], 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func resolveProductURL(pageURL, productURL string) string {
	productURL = strings.TrimSpace(productURL)
	if productURL == "" {
		return pageURL
	}
	ref, err := url.Parse(productURL)
	if err != nil {
		return pageURL
	}
	if ref.IsAbs() {
		return ref.String()
	}
	base, err := url.Parse(pageURL)
	if err != nil || pageURL == "" {
		return pageURL
	}
	return base.ResolveReference(ref).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
