package discovery

import "github.com/danavision/api/internal/registry"

// Tier2Site is a major retailer searched when the user's stores come up
// short.
type Tier2Site struct {
	Name     string
	Template string
}

// SearchURL is the site's search page for query.
func (s Tier2Site) SearchURL(query string) string {
	return registry.InstantiateTemplate(s.Template, query, nil)
}

var DefaultTier2Sites = []Tier2Site{
	{Name: "Amazon", Template: "https://www.amazon.com/s?k={query}"},
	{Name: "Walmart", Template: "https://www.walmart.com/search?q={query}"},
	{Name: "Target", Template: "https://www.target.com/s?searchTerm={query}"},
	{Name: "Best Buy", Template: "https://www.bestbuy.com/site/searchpage.jsp?st={query}"},
	{Name: "Costco", Template: "https://www.costco.com/CatalogSearch?keyword={query}"},
	{Name: "Kroger", Template: "https://www.kroger.com/search?query={query}"},
	{Name: "Home Depot", Template: "https://www.homedepot.com/s/{query}"},
	{Name: "Walgreens", Template: "https://www.walgreens.com/search/results.jsp?Ntt={query}"},
}
