package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danavision/api/internal/model"
)

type prefKey struct {
	userID  string
	storeID int64
}

type vendorKey struct {
	itemID int64
	vendor string
}

// Memory keeps stores, items and vendor prices in process. It backs the
// server when no database is configured, and the package tests.
type Memory struct {
	mu sync.RWMutex

	nextID       int64
	stores       map[int64]*model.Store
	prefs        map[prefKey]model.UserStorePreference
	items        map[int64]*model.ListItem
	vendorPrices map[vendorKey]*model.VendorPrice
	history      []model.PriceHistory
}

func NewMemory() *Memory {
	return &Memory{
		stores:       make(map[int64]*model.Store),
		prefs:        make(map[prefKey]model.UserStorePreference),
		items:        make(map[int64]*model.ListItem),
		vendorPrices: make(map[vendorKey]*model.VendorPrice),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// AddStores inserts stores as given and returns them with ids assigned.
func (m *Memory) AddStores(stores ...model.Store) []model.Store {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Store, len(stores))
	for i, s := range stores {
		s.ID = m.id()
		cp := s
		m.stores[s.ID] = &cp
		out[i] = s
	}
	return out
}

// SetPreference stores a user preference, replacing any existing one.
func (m *Memory) SetPreference(pref model.UserStorePreference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[prefKey{pref.UserID, pref.StoreID}] = pref
}

// AddItem inserts a list item and returns its id.
func (m *Memory) AddItem(item model.ListItem) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = m.id()
	m.items[item.ID] = &item
	return item.ID
}

// PriceHistory returns the snapshots recorded for an item, oldest first.
func (m *Memory) PriceHistory(itemID int64) []model.PriceHistory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.PriceHistory
	for _, h := range m.history {
		if h.ItemID == itemID {
			out = append(out, h)
		}
	}
	return out
}

// view returns a copy of s with its parent's template attached.
func (m *Memory) view(s *model.Store) model.Store {
	v := *s
	v.ParentTemplate = nil
	if s.ParentStoreID != nil {
		if p, ok := m.stores[*s.ParentStoreID]; ok {
			v.ParentTemplate = p.SearchURLTemplate
		}
	}
	return v
}

func (m *Memory) sortedStores() []*model.Store {
	stores := make([]*model.Store, 0, len(m.stores))
	for _, s := range m.stores {
		stores = append(stores, s)
	}
	sort.Slice(stores, func(i, j int) bool {
		if stores[i].Priority != stores[j].Priority {
			return stores[i].Priority > stores[j].Priority
		}
		return stores[i].ID < stores[j].ID
	})
	return stores
}

func (m *Memory) ListActive(_ context.Context, filter model.StoreFilter) ([]model.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Store, 0)
	for _, s := range m.sortedStores() {
		if !s.IsActive {
			continue
		}
		if filter.Local != nil && s.IsLocal != *filter.Local {
			continue
		}
		if filter.Category != "" && s.Category != filter.Category {
			continue
		}
		out = append(out, m.view(s))
	}
	return out, nil
}

func (m *Memory) GetByID(_ context.Context, id int64) (*model.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[id]
	if !ok {
		return nil, model.ErrStoreNotFound
	}
	v := m.view(s)
	return &v, nil
}

func (m *Memory) GetByIDs(_ context.Context, ids []int64) ([]model.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Store, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.stores[id]; ok {
			out = append(out, m.view(s))
		}
	}
	return out, nil
}

func (m *Memory) FindByDomain(_ context.Context, domain string) (*model.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.stores {
		if s.Domain == domain {
			v := m.view(s)
			return &v, nil
		}
	}
	return nil, model.ErrStoreNotFound
}

func (m *Memory) SearchByDomain(_ context.Context, fragment string) ([]model.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Store, 0)
	for _, s := range m.sortedStores() {
		if strings.Contains(s.Domain, fragment) || strings.HasSuffix(fragment, s.Domain) {
			out = append(out, m.view(s))
		}
	}
	return out, nil
}

func (m *Memory) ListForUser(_ context.Context, userID string) ([]model.UserStore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.UserStore, 0)
	for _, s := range m.sortedStores() {
		if !s.IsActive {
			continue
		}
		us := model.UserStore{Store: m.view(s), Enabled: true}
		if pref, ok := m.prefs[prefKey{userID, s.ID}]; ok {
			us.Enabled = pref.Enabled
			us.Favorite = pref.Favorite
			if pref.Priority != nil {
				us.Priority = *pref.Priority
			}
		}
		out = append(out, us)
	}
	return out, nil
}

func (m *Memory) CreateIfAbsent(_ context.Context, store *model.Store) (*model.Store, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stores {
		if s.Domain == store.Domain {
			v := m.view(s)
			return &v, false, nil
		}
	}
	cp := *store
	cp.ID = m.id()
	m.stores[cp.ID] = &cp
	v := m.view(&cp)
	return &v, true, nil
}

func (m *Memory) UpdateTemplate(_ context.Context, storeID int64, template string, autoConfigured bool, parentID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[storeID]
	if !ok {
		return model.ErrStoreNotFound
	}
	if template != "" {
		s.SearchURLTemplate = &template
	}
	s.AutoConfigured = autoConfigured
	if parentID != nil {
		s.ParentStoreID = parentID
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) EnsurePreference(_ context.Context, pref *model.UserStorePreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := prefKey{pref.UserID, pref.StoreID}
	if _, ok := m.prefs[key]; !ok {
		m.prefs[key] = *pref
	}
	return nil
}

func (m *Memory) GetItem(_ context.Context, itemID int64) (*model.ListItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[itemID]
	if !ok {
		return nil, model.ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *Memory) ListStaleItems(_ context.Context, before time.Time, limit int) ([]model.ListItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hasLinks := make(map[int64]bool)
	for k, vp := range m.vendorPrices {
		if vp.ProductURL != "" {
			hasLinks[k.itemID] = true
		}
	}
	out := make([]model.ListItem, 0)
	for _, it := range m.items {
		if !hasLinks[it.ID] {
			continue
		}
		if it.LastCheckedAt == nil || it.LastCheckedAt.Before(before) {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastCheckedAt, out[j].LastCheckedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertVendorPrice(_ context.Context, obs model.VendorPrice) (*model.VendorPrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := vendorKey{obs.ItemID, model.VendorKey(obs.Vendor)}
	if vp, ok := m.vendorPrices[key]; ok {
		vp.Observe(obs.CurrentPrice, obs.InStock, obs.ProductURL, obs.Provenance, obs.LastCheckedAt)
		cp := *vp
		return &cp, nil
	}
	obs.ID = m.id()
	m.vendorPrices[key] = &obs
	cp := obs
	return &cp, nil
}

func (m *Memory) ListVendorPrices(_ context.Context, itemID int64) ([]model.VendorPrice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.VendorPrice, 0)
	for k, vp := range m.vendorPrices {
		if k.itemID == itemID {
			out = append(out, *vp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentPrice != out[j].CurrentPrice {
			return out[i].CurrentPrice < out[j].CurrentPrice
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateItemPrice(_ context.Context, itemID int64, price float64, vendor string, productURL *string, checkedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return model.ErrItemNotFound
	}
	it.CurrentPrice = &price
	it.CurrentRetailer = &vendor
	if productURL != nil && (it.ProductURL == nil || *it.ProductURL == "") {
		u := *productURL
		it.ProductURL = &u
	}
	it.LastCheckedAt = &checkedAt
	return nil
}

func (m *Memory) AppendPriceHistory(_ context.Context, h *model.PriceHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = m.id()
	m.history = append(m.history, *h)
	return nil
}

func (m *Memory) MarkChecked(_ context.Context, itemID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[itemID]; ok {
		it.LastCheckedAt = &at
	}
	return nil
}
