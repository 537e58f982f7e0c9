package autoconfig

import (
	"context"
	"net/url"
	"strings"

	"github.com/danavision/api/internal/client"
	"github.com/danavision/api/internal/registry"
)

const (
	placeholderQuery = "test"
	realisticQuery   = "coffee"
)

var productIndicators = []string{"product", "price", "add to cart", "results", "items"}

// Validator checks that a template leads to a search results page.
type Validator struct {
	fetcher client.Fetcher
}

func NewValidator(fetcher client.Fetcher) *Validator {
	return &Validator{fetcher: fetcher}
}

// Validate searches the template for a real product and reports whether
// the response looks like results.
func (v *Validator) Validate(ctx context.Context, template string) bool {
	return v.probe(ctx, template, realisticQuery)
}

func (v *Validator) probe(ctx context.Context, template, query string) bool {
	if v == nil || v.fetcher == nil {
		return false
	}
	target := registry.InstantiateTemplate(template, query, nil)
	if target == "" {
		return false
	}
	res, err := v.fetcher.Fetch(ctx, target)
	if err != nil {
		return false
	}
	return looksLikeResults(res)
}

// looksLikeResults accepts a 2xx page mentioning products that was not
// bounced back to the home page.
func looksLikeResults(res *client.FetchResult) bool {
	if res == nil || !res.OK() {
		return false
	}
	if u, err := url.Parse(res.FinalURL); err == nil && res.FinalURL != "" {
		if (u.Path == "" || u.Path == "/") && u.RawQuery == "" {
			return false
		}
	}
	body := strings.ToLower(res.Body)
	for _, ind := range productIndicators {
		if strings.Contains(body, ind) {
			return true
		}
	}
	return false
}
