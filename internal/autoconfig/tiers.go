package autoconfig

import (
	"context"
	"errors"

	"github.com/danavision/api/internal/model"
)

// ErrNoTemplate means a tier could not determine a search template.
var ErrNoTemplate = errors.New("no search template found")

// Site is the website being configured.
type Site struct {
	Domain  string
	BaseURL string
}

// Options select the optional tiers.
type Options struct {
	UseAgent bool
}

// Detection is a template a tier accepted.
type Detection struct {
	Template string

	// Validated is set by tiers whose result is already verified, which
	// skips the validation pass.
	Validated bool

	ParentStoreID *int64
}

// Tier is one detection strategy. Tiers run cheapest first; the first
// detection wins.
type Tier interface {
	Name() model.AutoConfigTier
	Enabled(opts Options) bool
	Detect(ctx context.Context, site Site, t model.JobLogger) (*Detection, error)
}

// knownTemplateTier answers from the curated table without any network call.
type knownTemplateTier struct {
	catalog *Catalog
}

func (k *knownTemplateTier) Name() model.AutoConfigTier { return model.TierKnownTemplate }

func (k *knownTemplateTier) Enabled(Options) bool { return true }

func (k *knownTemplateTier) Detect(_ context.Context, site Site, t model.JobLogger) (*Detection, error) {
	known, ok := k.catalog.LookupTemplate(site.Domain)
	if !ok {
		return nil, ErrNoTemplate
	}
	t.Info("Matched curated template for " + known.Name)
	return &Detection{Template: known.Template, Validated: true}, nil
}
