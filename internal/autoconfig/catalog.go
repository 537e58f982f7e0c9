package autoconfig

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danavision/api/internal/model"
)

var (
	//go:embed known_templates.yaml
	knownTemplatesYAML []byte

	//go:embed known_chains.yaml
	knownChainsYAML []byte
)

// KnownStore is a curated retailer with a verified search template.
type KnownStore struct {
	Name     string              `yaml:"name"`
	Domain   string              `yaml:"domain"`
	Template string              `yaml:"template"`
	Category model.StoreCategory `yaml:"category"`
}

// Chain is a retail group whose regional banners share its search.
type Chain struct {
	KnownStore   `yaml:",inline"`
	Subsidiaries []string `yaml:"subsidiaries"`
}

// Catalog holds the curated store and chain tables.
type Catalog struct {
	Stores []KnownStore `yaml:"stores"`
	Chains []Chain      `yaml:"chains"`
}

// LoadCatalog parses the embedded tables.
func LoadCatalog() (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(knownTemplatesYAML, &c); err != nil {
		return nil, fmt.Errorf("parse known templates: %w", err)
	}
	var chains Catalog
	if err := yaml.Unmarshal(knownChainsYAML, &chains); err != nil {
		return nil, fmt.Errorf("parse known chains: %w", err)
	}
	c.Chains = chains.Chains
	return &c, nil
}

// MustLoadCatalog is LoadCatalog for the embedded tables, which are known
// to parse.
func MustLoadCatalog() *Catalog {
	c, err := LoadCatalog()
	if err != nil {
		panic(err)
	}
	return c
}

// LookupTemplate finds a curated store by exact domain, then by substring:
// "grocery.walmart.com" and "walmart.ca" both resolve to Walmart.
func (c *Catalog) LookupTemplate(domain string) (*KnownStore, bool) {
	if domain == "" {
		return nil, false
	}
	for i := range c.Stores {
		if c.Stores[i].Domain == domain {
			return &c.Stores[i], true
		}
	}
	labels := strings.Split(domain, ".")
	for i := range c.Stores {
		known := c.Stores[i].Domain
		if strings.Contains(domain, known) {
			return &c.Stores[i], true
		}
		brand, _, _ := strings.Cut(known, ".")
		for _, l := range labels[:len(labels)-1] {
			if l == brand {
				return &c.Stores[i], true
			}
		}
	}
	return nil, false
}

// MatchChain finds the chain a regional banner belongs to.
func (c *Catalog) MatchChain(domain string) (*Chain, bool) {
	if domain == "" {
		return nil, false
	}
	for i := range c.Chains {
		for _, sub := range c.Chains[i].Subsidiaries {
			if strings.Contains(domain, sub) {
				return &c.Chains[i], true
			}
		}
	}
	return nil, false
}
