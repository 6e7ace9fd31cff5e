package websearch

import "strings"

const (
	ProviderDuckDuckGo = "duckduckgo"
	ProviderBrave      = "brave"
)

const maxRelated = 8

// SearchResult is the instant-answer shape returned to the model.
type SearchResult struct {
	Provider string   `json:"provider"`
	Query    string   `json:"query"`
	Abstract string   `json:"abstract"`
	Heading  string   `json:"heading"`
	Related  []string `json:"related"`
}

func normalizeProvider(raw string) string {
	p := strings.TrimSpace(strings.ToLower(raw))
	if p == "" {
		return ProviderDuckDuckGo
	}
	return p
}

func appendRelated(out []string, text string) []string {
	text = strings.TrimSpace(text)
	if text == "" || len(out) >= maxRelated {
		return out
	}
	return append(out, text)
}
