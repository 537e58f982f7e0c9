package autoconfig

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/danavision/api/internal/registry"
)

// searchParams are query keys retailers use for the search term.
var searchParams = []string{"q", "query", "k", "search", "searchTerm", "keyword", "keywords", "text", "term", "s", "Ntt", "st", "_nkw", "search_query"}

var aiTemplateRe = regexp.MustCompile(`https?://[^\s"'<>` + "`" + `]*\{query\}[^\s"'<>` + "`" + `]*`)

// TemplateFromLink derives a search template from a link that already
// carries a search term, e.g. https://shop.test/search?q=milk becomes
// https://shop.test/search?q={query}.
func TemplateFromLink(link string) (string, bool) {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return "", false
	}
	values := u.Query()
	for _, key := range searchParams {
		if strings.TrimSpace(values.Get(key)) != "" {
			return templateWithParam(u, key), true
		}
	}
	return "", false
}

// TemplateFromResultURL derives a template from the URL a search for term
// landed on, via either a query parameter or a path segment.
func TemplateFromResultURL(resultURL, term string) (string, bool) {
	u, err := url.Parse(resultURL)
	if err != nil || u.Host == "" || term == "" {
		return "", false
	}
	for key, vals := range u.Query() {
		for _, v := range vals {
			if strings.EqualFold(strings.TrimSpace(v), term) {
				return templateWithParam(u, key), true
			}
		}
	}
	segments := strings.Split(u.Path, "/")
	for i, seg := range segments {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			continue
		}
		if strings.EqualFold(decoded, term) {
			segments[i] = "{query}"
			return u.Scheme + "://" + u.Host + strings.Join(segments, "/"), true
		}
	}
	return "", false
}

// templateWithParam rebuilds u with only the search parameter, whose value
// becomes the placeholder.
func templateWithParam(u *url.URL, key string) string {
	return u.Scheme + "://" + u.Host + u.Path + "?" + url.QueryEscape(key) + "={query}"
}

// ParseTemplateAnswer extracts the template URL from an AI answer. It
// returns "" for UNKNOWN or anything without both an http URL and the
// placeholder.
func ParseTemplateAnswer(answer string) string {
	answer = strings.TrimSpace(answer)
	if answer == "" || strings.Contains(strings.ToUpper(answer), "UNKNOWN") {
		return ""
	}
	if !strings.Contains(answer, "{query}") || !strings.Contains(answer, "http") {
		return ""
	}
	found := aiTemplateRe.FindString(answer)
	found = strings.TrimRight(found, ".,);")
	if !registry.HasQueryPlaceholder(found) {
		return ""
	}
	return found
}

// sameSite reports whether link points at domain or one of its subdomains.
func sameSite(link, domain string) bool {
	host := registry.NormalizeDomain(link)
	return host == domain || strings.HasSuffix(host, "."+domain)
}
