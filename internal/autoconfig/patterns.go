package autoconfig

import (
	"context"
	"fmt"
	"strings"

	"github.com/danavision/api/internal/model"
	"github.com/danavision/api/internal/registry"
)

// commonPatterns are search paths used by popular e-commerce platforms.
var commonPatterns = []string{
	"/search?q={query}",
	"/search?query={query}",
	"/search?k={query}",
	"/s?k={query}",
	"/search?searchTerm={query}",
	"/search?term={query}",
	"/search?text={query}",
	"/search?keyword={query}",
	"/search?keywords={query}",
	"/catalogsearch/result/?q={query}",
	"/search/{query}",
	"/s/{query}",
	"/products/search?q={query}",
	"/shop/search?q={query}",
	"/search.php?search_query={query}",
	"/index.php?route=product/search&search={query}",
	"/?s={query}&post_type=product",
	"/collections/all?q={query}",
	"/search-results?q={query}",
	"/site/search?q={query}",
}

// patternTier probes the site with common search paths.
type patternTier struct {
	validator *Validator
	patterns  []string
}

func (p *patternTier) Name() model.AutoConfigTier { return model.TierCommonPattern }

func (p *patternTier) Enabled(Options) bool { return p.validator != nil && p.validator.fetcher != nil }

func (p *patternTier) Detect(ctx context.Context, site Site, t model.JobLogger) (*Detection, error) {
	base := strings.TrimRight(site.BaseURL, "/")
	for _, pattern := range p.patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		template := base + pattern
		if !p.validator.probe(ctx, template, placeholderQuery) {
			continue
		}
		t.Debug(fmt.Sprintf("Pattern %s answered, re-checking with a real query", pattern))
		if p.validator.probe(ctx, template, realisticQuery) {
			t.Success("Found search page at " + registry.InstantiateTemplate(template, realisticQuery, nil))
			return &Detection{Template: template, Validated: true}, nil
		}
	}
	return nil, ErrNoTemplate
}
