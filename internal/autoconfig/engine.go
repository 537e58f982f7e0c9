// Package autoconfig works out how to search a store given only its URL.
package autoconfig

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/danavision/api/internal/client"
	"github.com/danavision/api/internal/model"
	"github.com/danavision/api/internal/registry"
)

// Engine runs the detection tiers in order until one finds a template.
type Engine struct {
	tiers     []Tier
	validator *Validator
}

// NewEngine wires the tiers from their collaborators. Any collaborator may
// be nil; tiers that need it are skipped.
func NewEngine(fetcher client.Fetcher, analyzer client.PageAnalyzer, ai client.Completer, parents ParentRegistry, catalog *Catalog) *Engine {
	if catalog == nil {
		catalog = MustLoadCatalog()
	}
	validator := NewValidator(fetcher)
	return &Engine{
		tiers: []Tier{
			&knownTemplateTier{catalog: catalog},
			&knownChainTier{catalog: catalog, registry: parents},
			&patternTier{validator: validator, patterns: commonPatterns},
			&aiTier{analyzer: analyzer, ai: ai},
			&agentTier{analyzer: analyzer},
		},
		validator: validator,
	}
}

// ParseSite adds a protocol when missing and splits out the base URL and
// the normalized domain.
func ParseSite(rawURL string) (Site, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return Site{}, errors.New("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return Site{}, fmt.Errorf("invalid url %q", rawURL)
	}
	return Site{
		Domain:  registry.NormalizeDomain(raw),
		BaseURL: u.Scheme + "://" + u.Host,
	}, nil
}

// Configure detects the search template for rawURL. A miss is reported in
// the result, not as an error; errors are reserved for bad input and
// failures that should fail the job.
func (e *Engine) Configure(ctx context.Context, rawURL string, opts Options, t model.Tracker) (*model.AutoConfigResult, error) {
	if t == nil {
		t = model.NopTracker{}
	}
	site, err := ParseSite(rawURL)
	if err != nil {
		return nil, err
	}
	result := &model.AutoConfigResult{Domain: site.Domain, BaseURL: site.BaseURL}
	t.Progress(5, "Detecting search URL for "+site.Domain)

	for i, tier := range e.tiers {
		if !tier.Enabled(opts) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if t.Cancelled(ctx) {
			t.Warning("Cancelled before " + string(tier.Name()))
			result.Cancelled = true
			return result, nil
		}
		t.Progress(10+i*80/len(e.tiers), "Trying "+string(tier.Name()))

		det, err := tier.Detect(ctx, site, t)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoTemplate):
			continue
		case errors.Is(err, client.ErrAgentTimeout), ctx.Err() != nil:
			return result, err
		default:
			log.Printf("[AutoConfig] %s tier failed for %s: %v", tier.Name(), site.Domain, err)
			t.Warning(fmt.Sprintf("%s failed: %v", tier.Name(), err))
			continue
		}

		result.Success = true
		result.Template = det.Template
		result.Tier = tier.Name()
		result.ParentStoreID = det.ParentStoreID
		result.Validated = det.Validated
		if !result.Validated {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if t.Cancelled(ctx) {
				result.Cancelled = true
				return result, nil
			}
			result.Validated = e.validator.Validate(ctx, det.Template)
			if !result.Validated {
				t.Warning("Template could not be validated, treat it as tentative")
			}
		}
		t.Success(fmt.Sprintf("Search URL found via %s: %s", tier.Name(), det.Template))
		return result, nil
	}

	result.Error = "could not determine search URL for " + site.Domain
	t.Warning(result.Error)
	return result, nil
}
