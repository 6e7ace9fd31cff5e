package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const braveWebSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"

type braveWebSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// braveWebSearch maps the top hit to heading/abstract and the remaining hits to related entries.
func (c *Client) braveWebSearch(ctx context.Context, query string) (SearchResult, error) {
	endpoint, err := url.Parse(c.endpoint)
	if err != nil || endpoint == nil {
		return SearchResult{}, errors.New("invalid brave search endpoint")
	}
	q := endpoint.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(maxRelated+1))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return SearchResult{}, err
	}
	req.Header.Set("X-Subscription-Token", c.apiKey)
	body, err := c.getJSON(req, ProviderBrave)
	if err != nil {
		return SearchResult{}, err
	}

	var decoded braveWebSearchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return SearchResult{}, errors.New("invalid brave web search response")
	}

	out := SearchResult{Provider: ProviderBrave, Query: query, Related: []string{}}
	for _, item := range decoded.Web.Results {
		u := strings.TrimSpace(item.URL)
		if u == "" {
			continue
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = u
		}
		if out.Heading == "" {
			out.Heading = title
			out.Abstract = strings.TrimSpace(item.Description)
			continue
		}
		out.Related = appendRelated(out.Related, title+" - "+u)
	}
	return out, nil
}
