package model

// AutoConfigTier names the strategy that produced a search template.
type AutoConfigTier string

const (
	TierKnownTemplate AutoConfigTier = "known_template"
	TierCommonPattern AutoConfigTier = "common_pattern"
	TierAIAnalysis    AutoConfigTier = "ai_analysis"
	TierAgent         AutoConfigTier = "agent"
	TierKnownChain    AutoConfigTier = "known_chain"
)

// AutoConfigResult is the outcome of search-template detection for a site.
type AutoConfigResult struct {
	Success   bool           `json:"success"`
	Domain    string         `json:"domain"`
	BaseURL   string         `json:"baseUrl"`
	Template  string         `json:"template,omitempty"`
	Tier      AutoConfigTier `json:"tier,omitempty"`
	Validated bool           `json:"validated"`
	Error     string         `json:"error,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`

	// ParentStoreID is set when the site was linked to a known chain.
	ParentStoreID *int64 `json:"parentStoreId,omitempty"`
}
