package autoconfig

import (
	"context"
	"fmt"

	"github.com/danavision/api/internal/client"
	"github.com/danavision/api/internal/model"
)

const agentSearchTerm = "coffee"

const searchInputSelector = `input[type="search"], input[name="q"], input[name*="search" i], input[placeholder*="search" i]`

// agentTier drives a browser through the site's own search box. It is the
// most expensive tier and only runs when asked for.
type agentTier struct {
	analyzer client.PageAnalyzer
}

func (a *agentTier) Name() model.AutoConfigTier { return model.TierAgent }

func (a *agentTier) Enabled(opts Options) bool {
	return opts.UseAgent && a.analyzer != nil && a.analyzer.IsConfigured()
}

func searchActions(term string) []client.Action {
	return []client.Action{
		{Type: "wait", Milliseconds: 2000},
		{Type: "click", Selector: searchInputSelector},
		{Type: "write", Text: term},
		{Type: "press", Key: "ENTER"},
		{Type: "wait", Milliseconds: 3000},
	}
}

func (a *agentTier) Detect(ctx context.Context, site Site, t model.JobLogger) (*Detection, error) {
	t.Info("Starting interactive search on " + site.BaseURL)
	jobID, err := a.analyzer.StartInteraction(ctx, site.BaseURL, searchActions(agentSearchTerm))
	if err != nil {
		return nil, fmt.Errorf("failed to start agent search: %w", err)
	}
	page, err := a.analyzer.PollInteraction(ctx, jobID)
	if err != nil {
		return nil, err
	}
	template, ok := TemplateFromResultURL(page.URL, agentSearchTerm)
	if !ok {
		t.Debug("Agent landed on " + page.URL + " which does not carry the search term")
		return nil, ErrNoTemplate
	}
	return &Detection{Template: template}, nil
}
