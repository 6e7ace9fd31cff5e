package websearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 2 << 20 // 2 MiB
)

type Options struct {
	// Provider is "duckduckgo" (default, keyless) or "brave".
	Provider string
	// Endpoint overrides the provider's API URL.
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client runs web searches against one configured provider.
type Client struct {
	provider string
	endpoint string
	apiKey   string
	hc       *http.Client
}

func New(opts Options) (*Client, error) {
	c := &Client{
		provider: normalizeProvider(opts.Provider),
		endpoint: strings.TrimSpace(opts.Endpoint),
		apiKey:   strings.TrimSpace(opts.APIKey),
		hc:       opts.HTTPClient,
	}
	switch c.provider {
	case ProviderDuckDuckGo:
		if c.endpoint == "" {
			c.endpoint = duckDuckGoEndpoint
		}
	case ProviderBrave:
		if c.apiKey == "" {
			return nil, errors.New("missing web search api key")
		}
		if c.endpoint == "" {
			c.endpoint = braveWebSearchEndpoint
		}
	default:
		return nil, fmt.Errorf("unsupported web search provider %q", opts.Provider)
	}
	if c.hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.hc = &http.Client{Timeout: timeout}
	}
	return c, nil
}

func (c *Client) Provider() string {
	if c == nil {
		return ""
	}
	return c.provider
}

func (c *Client) Search(ctx context.Context, query string) (SearchResult, error) {
	if c == nil {
		return SearchResult{}, errors.New("nil web search client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return SearchResult{}, errors.New("missing query")
	}
	switch c.provider {
	case ProviderBrave:
		return c.braveWebSearch(ctx, query)
	default:
		return c.duckDuckGoSearch(ctx, query)
	}
}

func (c *Client) getJSON(req *http.Request, provider string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("%s web search failed (status %d)", provider, resp.StatusCode)
		}
		return nil, errors.New(msg)
	}
	return body, nil
}
