// Package registry is the catalog of known retailers: lookup by domain,
// per-user ordering and search-URL template instantiation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/danavision/api/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// StoreRepository is the persistence the registry needs.
type StoreRepository interface {
	ListActive(ctx context.Context, filter model.StoreFilter) ([]model.Store, error)
	GetByIDs(ctx context.Context, ids []int64) ([]model.Store, error)
	FindByDomain(ctx context.Context, domain string) (*model.Store, error)
	SearchByDomain(ctx context.Context, fragment string) ([]model.Store, error)

	// ListForUser returns active stores with the user's preference applied.
	// Stores without a preference row are enabled.
	ListForUser(ctx context.Context, userID string) ([]model.UserStore, error)

	// CreateIfAbsent inserts store unless its domain is taken, returning the
	// stored row and whether this call created it.
	CreateIfAbsent(ctx context.Context, store *model.Store) (*model.Store, bool, error)
	UpdateTemplate(ctx context.Context, storeID int64, template string, autoConfigured bool, parentID *int64) error
	EnsurePreference(ctx context.Context, pref *model.UserStorePreference) error
}

// Registry serves store lookups to the discovery and auto-config engines.
type Registry struct {
	repo StoreRepository
}

// New creates a registry over repo.
func New(repo StoreRepository) *Registry {
	return &Registry{repo: repo}
}

// ActiveStores lists active stores, highest priority first.
func (r *Registry) ActiveStores(ctx context.Context, filter model.StoreFilter) ([]model.Store, error) {
	stores, err := r.repo.ListActive(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	sort.SliceStable(stores, func(i, j int) bool {
		return stores[i].Priority > stores[j].Priority
	})
	return stores, nil
}

// StoresByID returns the requested stores in the order the ids were given.
// Unknown and inactive ids are skipped.
func (r *Registry) StoresByID(ctx context.Context, ids []int64) ([]model.Store, error) {
	stores, err := r.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load stores: %w", err)
	}
	byID := make(map[int64]model.Store, len(stores))
	for _, s := range stores {
		byID[s.ID] = s
	}
	ordered := make([]model.Store, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok && s.IsActive {
			ordered = append(ordered, s)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// EnabledStoresForUser returns the stores a user has not disabled, ordered
// by effective priority with favorites breaking ties.
func (r *Registry) EnabledStoresForUser(ctx context.Context, userID string) ([]model.Store, error) {
	userStores, err := r.repo.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user stores: %w", err)
	}
	enabled := make([]model.UserStore, 0, len(userStores))
	for _, us := range userStores {
		if us.Enabled && us.IsActive {
			enabled = append(enabled, us)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority > enabled[j].Priority
		}
		return enabled[i].Favorite && !enabled[j].Favorite
	})
	stores := make([]model.Store, len(enabled))
	for i, us := range enabled {
		stores[i] = us.Store
	}
	return stores, nil
}

// LookupDomain finds the store for a URL or bare domain: an exact match on
// the normalized domain first, then the best partial match.
func (r *Registry) LookupDomain(ctx context.Context, rawURL string) (*model.Store, error) {
	domain := NormalizeDomain(rawURL)
	if domain == "" {
		return nil, model.ErrStoreNotFound
	}

	store, err := r.repo.FindByDomain(ctx, domain)
	if err != nil && !errors.Is(err, model.ErrStoreNotFound) {
		return nil, fmt.Errorf("failed to look up domain: %w", err)
	}
	if store != nil {
		return store, nil
	}

	candidates, err := r.repo.SearchByDomain(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to search domain: %w", err)
	}
	if len(candidates) == 0 {
		return nil, model.ErrStoreNotFound
	}
	// Longest domain is the most specific match.
	best := candidates[0]
	for _, c := range candidates[1:] {
		if len(c.Domain) > len(best.Domain) || (len(c.Domain) == len(best.Domain) && c.Priority > best.Priority) {
			best = c
		}
	}
	return &best, nil
}

// LearnStore registers a retailer first seen in broad search results at
// learned priority, without a search template. Learning an existing domain
// returns the existing store. When userID is set the user's preference row
// is created as well.
func (r *Registry) LearnStore(ctx context.Context, userID, rawURL, name string) (*model.Store, bool, error) {
	domain := NormalizeDomain(rawURL)
	if domain == "" {
		return nil, false, fmt.Errorf("cannot learn store from %q: no domain", rawURL)
	}
	if strings.TrimSpace(name) == "" {
		name = DisplayName(domain)
	}

	now := time.Now().UTC()
	store, created, err := r.repo.CreateIfAbsent(ctx, &model.Store{
		Name:      name,
		Domain:    domain,
		IsActive:  true,
		Priority:  model.PriorityLearned,
		Category:  model.StoreCategoryGeneral,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to learn store %s: %w", domain, err)
	}
	if created {
		log.Printf("[registry] Learned store %s (%s)", store.Name, store.Domain)
	}

	if userID != "" {
		if err := r.repo.EnsurePreference(ctx, &model.UserStorePreference{
			UserID:    userID,
			StoreID:   store.ID,
			Enabled:   true,
			CreatedAt: now,
		}); err != nil {
			return store, created, fmt.Errorf("failed to create store preference: %w", err)
		}
	}
	return store, created, nil
}

// AddStore registers a store a user added by hand at default priority.
func (r *Registry) AddStore(ctx context.Context, userID, rawURL, name string, local bool, category model.StoreCategory) (*model.Store, error) {
	domain := NormalizeDomain(rawURL)
	if domain == "" {
		return nil, fmt.Errorf("invalid store url %q", rawURL)
	}
	if strings.TrimSpace(name) == "" {
		name = DisplayName(domain)
	}
	if category == "" {
		category = model.StoreCategoryGeneral
	}

	now := time.Now().UTC()
	store, _, err := r.repo.CreateIfAbsent(ctx, &model.Store{
		Name:      name,
		Domain:    domain,
		IsLocal:   local,
		IsActive:  true,
		Priority:  model.PriorityDefault,
		Category:  category,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add store %s: %w", domain, err)
	}
	if userID != "" {
		if err := r.repo.EnsurePreference(ctx, &model.UserStorePreference{
			UserID:    userID,
			StoreID:   store.ID,
			Enabled:   true,
			CreatedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("failed to create store preference: %w", err)
		}
	}
	return store, nil
}

// EnsureChainParent returns the store for a retail chain's main site,
// creating it with the chain's template when missing and filling in the
// template when the existing row has none.
func (r *Registry) EnsureChainParent(ctx context.Context, name, domain, template string, category model.StoreCategory) (*model.Store, error) {
	now := time.Now().UTC()
	tpl := template
	store, created, err := r.repo.CreateIfAbsent(ctx, &model.Store{
		Name:              name,
		Domain:            NormalizeDomain(domain),
		SearchURLTemplate: &tpl,
		IsActive:          true,
		Priority:          model.PriorityDefault,
		Category:          category,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure chain store %s: %w", domain, err)
	}
	if created {
		log.Printf("[registry] Created chain parent %s (%s)", store.Name, store.Domain)
		return store, nil
	}
	if store.SearchURLTemplate == nil || *store.SearchURLTemplate == "" {
		if err := r.repo.UpdateTemplate(ctx, store.ID, template, false, nil); err != nil {
			return nil, fmt.Errorf("failed to set chain template: %w", err)
		}
		store.SearchURLTemplate = &tpl
	}
	return store, nil
}

// SaveTemplate records a detected search template on a store.
func (r *Registry) SaveTemplate(ctx context.Context, storeID int64, template string, parentID *int64) error {
	if err := r.repo.UpdateTemplate(ctx, storeID, template, true, parentID); err != nil {
		return fmt.Errorf("failed to save template for store %d: %w", storeID, err)
	}
	return nil
}

// NormalizeDomain reduces a URL or host to its lower-case host without a
// leading "www.".
func NormalizeDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	return strings.TrimPrefix(host, "www.")
}

// DisplayName makes a readable store name from a domain: "bestbuy.com"
// becomes "Bestbuy".
func DisplayName(domain string) string {
	label := domain
	if i := strings.Index(label, "."); i > 0 {
		label = label[:i]
	}
	if label == "" {
		return domain
	}
	return strings.ToUpper(label[:1]) + label[1:]
}

// InstantiateTemplate fills a search template. {query} is the URL-encoded
// query; other placeholders come from vars and are left empty when absent.
// Placeholders in the path are path-escaped, those after '?' query-escaped.
// A blank template yields no URL.
func InstantiateTemplate(template, query string, vars map[string]string) string {
	if strings.TrimSpace(template) == "" {
		return ""
	}
	queryStart := strings.IndexByte(template, '?')
	return replacePlaceholders(template, func(name string, at int) string {
		value := vars[name]
		if name == "query" {
			value = query
		}
		if queryStart < 0 || at < queryStart {
			return url.PathEscape(value)
		}
		return url.QueryEscape(value)
	})
}

func replacePlaceholders(template string, fill func(name string, at int) string) string {
	var b strings.Builder
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(template, -1) {
		b.WriteString(template[last:loc[0]])
		b.WriteString(fill(template[loc[2]:loc[3]], loc[0]))
		last = loc[1]
	}
	b.WriteString(template[last:])
	return b.String()
}

// HasQueryPlaceholder reports whether a template can be searched with.
func HasQueryPlaceholder(template string) bool {
	return strings.Contains(template, "{query}")
}
