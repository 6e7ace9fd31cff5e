package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

const duckDuckGoEndpoint = "https://api.duckduckgo.com/"

type duckDuckGoTopic struct {
	Text     string            `json:"Text"`
	FirstURL string            `json:"FirstURL"`
	Name     string            `json:"Name"`
	Topics   []duckDuckGoTopic `json:"Topics"`
}

type duckDuckGoResponse struct {
	Abstract      string            `json:"Abstract"`
	AbstractText  string            `json:"AbstractText"`
	Heading       string            `json:"Heading"`
	Answer        string            `json:"Answer"`
	Definition    string            `json:"Definition"`
	RelatedTopics []duckDuckGoTopic `json:"RelatedTopics"`
}

func (c *Client) duckDuckGoSearch(ctx context.Context, query string) (SearchResult, error) {
	endpoint, err := url.Parse(c.endpoint)
	if err != nil || endpoint == nil {
		return SearchResult{}, errors.New("invalid duckduckgo endpoint")
	}
	q := endpoint.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return SearchResult{}, err
	}
	body, err := c.getJSON(req, ProviderDuckDuckGo)
	if err != nil {
		return SearchResult{}, err
	}

	var decoded duckDuckGoResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return SearchResult{}, errors.New("invalid duckduckgo response")
	}

	abstract := strings.TrimSpace(decoded.AbstractText)
	if abstract == "" {
		abstract = strings.TrimSpace(decoded.Abstract)
	}
	if abstract == "" {
		abstract = strings.TrimSpace(decoded.Answer)
	}
	if abstract == "" {
		abstract = strings.TrimSpace(decoded.Definition)
	}

	related := make([]string, 0, maxRelated)
	var walk func(topics []duckDuckGoTopic)
	walk = func(topics []duckDuckGoTopic) {
		for _, t := range topics {
			if len(t.Topics) > 0 {
				walk(t.Topics)
				continue
			}
			related = appendRelated(related, t.Text)
		}
	}
	walk(decoded.RelatedTopics)

	return SearchResult{
		Provider: ProviderDuckDuckGo,
		Query:    query,
		Abstract: abstract,
		Heading:  strings.TrimSpace(decoded.Heading),
		Related:  related,
	}, nil
}
