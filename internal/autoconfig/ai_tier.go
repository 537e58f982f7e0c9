package autoconfig

import (
	"context"
	"fmt"

	"github.com/danavision/api/internal/client"
	"github.com/danavision/api/internal/extract"
	"github.com/danavision/api/internal/model"
)

const (
	analysisMarkdownLimit = 6000
	analysisHTMLLimit     = 8000
)

const analysisSystemPrompt = `You identify how online stores build their product search URLs. Answer with a single URL or the word UNKNOWN.`

// aiTier scrapes the home page, looks for a link that already runs a
// search, and otherwise asks the AI to read the page.
type aiTier struct {
	analyzer client.PageAnalyzer
	ai       client.Completer
}

func (a *aiTier) Name() model.AutoConfigTier { return model.TierAIAnalysis }

func (a *aiTier) Enabled(Options) bool {
	return a.analyzer != nil && a.analyzer.IsConfigured()
}

func (a *aiTier) Detect(ctx context.Context, site Site, t model.JobLogger) (*Detection, error) {
	page, err := a.analyzer.ScrapePage(ctx, site.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to scrape %s: %w", site.BaseURL, err)
	}

	links := append([]string{}, page.Links...)
	links = append(links, client.PageLinks(site.BaseURL, page.HTML)...)
	for _, link := range links {
		if !sameSite(link, site.Domain) {
			continue
		}
		if template, ok := TemplateFromLink(link); ok {
			t.Info("Derived template from search link " + link)
			return &Detection{Template: template}, nil
		}
	}

	if a.ai == nil || !a.ai.IsConfigured() {
		t.Debug("No search links found and AI is not configured")
		return nil, ErrNoTemplate
	}

	t.Info("Asking AI to analyze the home page")
	answer, err := a.ai.Complete(ctx, buildAnalysisPrompt(site, page), client.CompletionOptions{
		System:      analysisSystemPrompt,
		Temperature: 0.1,
		MaxTokens:   200,
	})
	if err != nil {
		return nil, fmt.Errorf("AI analysis failed: %w", err)
	}
	template := ParseTemplateAnswer(answer)
	if template == "" {
		t.Debug("AI could not determine the search URL")
		return nil, ErrNoTemplate
	}
	return &Detection{Template: template}, nil
}

func buildAnalysisPrompt(site Site, page *client.PageContent) string {
	return fmt.Sprintf(`Find the product search URL pattern for %s (%s).

Return the full search URL with {query} where the search term goes, for example https://www.example.com/search?q={query}
If you cannot tell, answer UNKNOWN.

Page markdown:
%s

Page HTML:
%s`, site.Domain, site.BaseURL,
		extract.Truncate(page.Markdown, analysisMarkdownLimit),
		extract.Truncate(page.HTML, analysisHTMLLimit))
}
