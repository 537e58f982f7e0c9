package extract

import (
	"fmt"
	"strings"
)

const systemPrompt = `You extract product prices from retail web pages.
Always output a single valid JSON object in the exact format requested.
Do not include any text outside the JSON structure.
If you are not certain about the price, set "price" to null.`

func describeProduct(h Hints) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s", h.ProductName)
	if h.Brand != "" {
		fmt.Fprintf(&b, "\nBrand: %s", h.Brand)
	}
	if h.UPC != "" {
		fmt.Fprintf(&b, "\nUPC: %s", h.UPC)
	}
	if h.UnitOfMeasure != "" {
		fmt.Fprintf(&b, "\nUnit: %s", h.UnitOfMeasure)
	}
	return b.String()
}

func buildPricePrompt(content string, h Hints) string {
	store := h.StoreName
	if store == "" {
		store = "an online store"
	}
	return fmt.Sprintf(`The following content was scraped from %s.
%s

Find the current selling price of this product on the page.

Page content:
%s

Output as JSON: {"price": 0.00, "item_name": "exact product title", "stock_status": "in_stock|out_of_stock|limited_stock", "unit_of_measure": "", "product_url": ""}
Use null for the price if the product is not on the page.`,
		store, describeProduct(h), content)
}

func buildBestMatchPrompt(content string, h Hints) string {
	return fmt.Sprintf(`The following content is a search results page from %s.
%s

Pick the ONE listing that best matches the product. Prefer an exact match of
name, brand and size. A similar but different product is not a match.
If no listing is a confident match, set "price" to null.

Page content:
%s

Output as JSON: {"price": 0.00, "item_name": "exact product title", "stock_status": "in_stock|out_of_stock|limited_stock", "unit_of_measure": "", "product_url": "link to the listing"}`,
		h.StoreName, describeProduct(h), content)
}
