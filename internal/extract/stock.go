package extract

import (
	"regexp"
	"strings"

	"github.com/danavision/api/internal/model"
)

var (
	outOfStockPhrases = []string{
		"out of stock", "out_of_stock", "outofstock", "sold out", "soldout",
		"unavailable", "not available", "no stock", "discontinued",
		"currently unavailable", "not in stock",
	}
	limitedPhrases = []string{
		"limited", "few left", "low stock", "low_stock", "almost gone",
		"selling fast", "last one",
	}
	onlyLeftRe = regexp.MustCompile(`only\s+\d+\s+left`)
)

// NormalizeStockStatus maps any vendor availability value onto the three
// canonical statuses. Unknown and absent values are in stock.
func NormalizeStockStatus(v any) model.StockStatus {
	switch s := v.(type) {
	case nil:
		return model.StockInStock
	case bool:
		if s {
			return model.StockInStock
		}
		return model.StockOutOfStock
	case float64:
		if s == 0 {
			return model.StockOutOfStock
		}
		return model.StockInStock
	case int:
		if s == 0 {
			return model.StockOutOfStock
		}
		return model.StockInStock
	case model.StockStatus:
		return NormalizeStockStatus(string(s))
	case string:
		return normalizeStockString(s)
	default:
		return model.StockInStock
	}
}

func normalizeStockString(s string) model.StockStatus {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "0", "false", "no", "n":
		return model.StockOutOfStock
	case "", "1", "true", "yes", "y":
		return model.StockInStock
	}
	for _, p := range outOfStockPhrases {
		if strings.Contains(s, p) {
			return model.StockOutOfStock
		}
	}
	if onlyLeftRe.MatchString(s) {
		return model.StockLimitedStock
	}
	for _, p := range limitedPhrases {
		if strings.Contains(s, p) {
			return model.StockLimitedStock
		}
	}
	return model.StockInStock
}
