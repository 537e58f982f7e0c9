package autoconfig

import (
	"context"
	"fmt"

	"github.com/danavision/api/internal/model"
)

// ParentRegistry creates or finds the parent store of a chain.
type ParentRegistry interface {
	EnsureChainParent(ctx context.Context, name, domain, template string, category model.StoreCategory) (*model.Store, error)
}

// knownChainTier links a regional banner to its chain's search instead of
// detecting one from scratch.
type knownChainTier struct {
	catalog  *Catalog
	registry ParentRegistry
}

func (k *knownChainTier) Name() model.AutoConfigTier { return model.TierKnownChain }

func (k *knownChainTier) Enabled(Options) bool { return k.registry != nil }

func (k *knownChainTier) Detect(ctx context.Context, site Site, t model.JobLogger) (*Detection, error) {
	chain, ok := k.catalog.MatchChain(site.Domain)
	if !ok {
		return nil, ErrNoTemplate
	}
	parent, err := k.registry.EnsureChainParent(ctx, chain.Name, chain.Domain, chain.Template, chain.Category)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure parent store %s: %w", chain.Domain, err)
	}
	t.Info(fmt.Sprintf("%s is part of the %s chain", site.Domain, chain.Name))
	id := parent.ID
	return &Detection{Template: chain.Template, Validated: true, ParentStoreID: &id}, nil
}
