package discovery

import (
	"sort"

	"github.com/danavision/api/internal/model"
)

// MergeResults concatenates the tiers, drops repeated vendors (compared
// case-insensitively, earliest wins) and non-positive prices, and sorts by
// price ascending. Equal prices keep their tier order.
func MergeResults(tier1, tier2 []model.PriceRecord) []model.PriceRecord {
	seen := make(map[string]bool, len(tier1)+len(tier2))
	merged := make([]model.PriceRecord, 0, len(tier1)+len(tier2))
	for _, group := range [][]model.PriceRecord{tier1, tier2} {
		for _, rec := range group {
			if rec.Price <= 0 {
				continue
			}
			key := model.VendorKey(rec.Vendor)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, rec)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Price < merged[j].Price
	})
	return merged
}
