package model

import "time"

// StoreCategory groups retailers by what they mainly sell.
type StoreCategory string

const (
	StoreCategoryGeneral     StoreCategory = "general"
	StoreCategoryGrocery     StoreCategory = "grocery"
	StoreCategoryElectronics StoreCategory = "electronics"
	StoreCategoryPharmacy    StoreCategory = "pharmacy"
	StoreCategoryHome        StoreCategory = "home"
	StoreCategoryWarehouse   StoreCategory = "warehouse"
	StoreCategorySpecialty   StoreCategory = "specialty"
)

// Priorities used when the registry creates stores on its own.
const (
	PriorityLearned  = 10
	PriorityDefault  = 50
	PriorityFavorite = 100
)

// Store is a retailer registry record.
type Store struct {
	ID                int64         `json:"id"`
	Name              string        `json:"name"`
	Domain            string        `json:"domain"`
	SearchURLTemplate *string       `json:"searchUrlTemplate,omitempty"`
	IsLocal           bool          `json:"isLocal"`
	IsActive          bool          `json:"isActive"`
	Priority          int           `json:"priority"`
	Category          StoreCategory `json:"category"`
	AutoConfigured    bool          `json:"autoConfigured"`
	ParentStoreID     *int64        `json:"parentStoreId,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`

	// ParentTemplate is the parent chain's template, loaded alongside the
	// store so subsidiaries without their own template remain searchable.
	ParentTemplate *string `json:"-"`
}

// EffectiveTemplate returns the store's own search template, falling back
// to its parent chain's.
func (s *Store) EffectiveTemplate() string {
	if s.SearchURLTemplate != nil && *s.SearchURLTemplate != "" {
		return *s.SearchURLTemplate
	}
	if s.ParentTemplate != nil {
		return *s.ParentTemplate
	}
	return ""
}

// UserStorePreference overrides a store's settings for one user.
type UserStorePreference struct {
	UserID    string    `json:"userId"`
	StoreID   int64     `json:"storeId"`
	Enabled   bool      `json:"enabled"`
	Favorite  bool      `json:"favorite"`
	Priority  *int      `json:"priority,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserStore is a store seen through a user's preference.
type UserStore struct {
	Store
	Enabled  bool `json:"enabled"`
	Favorite bool `json:"favorite"`
}

// StoreFilter narrows registry listings.
type StoreFilter struct {
	Local    *bool
	Category StoreCategory
}
