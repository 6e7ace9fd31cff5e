// Package generation calls the external image, video and audio generation services.
package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/floegence/flowerdesk/internal/ai"
)

const (
	KindImage = ai.AssetKindImage
	KindVideo = ai.AssetKindVideo
	KindAudio = ai.AssetKindAudio
)

const (
	defaultTimeout      = 5 * time.Minute
	defaultMaxBodyBytes = 64 << 20 // 64 MiB

	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the per-kind circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
	// Interval clears failure counts while closed.
	Interval time.Duration
}

type Options struct {
	ImageEndpoint string
	VideoEndpoint string
	AudioEndpoint string
	APIKey        string

	Timeout      time.Duration
	MaxBodyBytes int64
	// RequestsPerMinute limits calls per kind; 0 disables limiting.
	RequestsPerMinute int
	Burst             int
	Breaker           BreakerConfig

	HTTPClient *http.Client
	Logger     *slog.Logger
}

type endpoint struct {
	kind    string
	url     string
	breaker *gobreaker.CircuitBreaker[ai.Media]
	limiter *rate.Limiter
}

// Client implements ai.MediaGenerator over HTTP. Each kind has its own breaker and limiter
// so a failing video backend does not block image generation.
type Client struct {
	apiKey    string
	maxBody   int64
	hc        *http.Client
	log       *slog.Logger
	endpoints map[string]*endpoint
}

var _ ai.MediaGenerator = (*Client)(nil)

func New(opts Options) (*Client, error) {
	c := &Client{
		apiKey:    strings.TrimSpace(opts.APIKey),
		maxBody:   opts.MaxBodyBytes,
		hc:        opts.HTTPClient,
		log:       opts.Logger,
		endpoints: make(map[string]*endpoint, 3),
	}
	if c.maxBody <= 0 {
		c.maxBody = defaultMaxBodyBytes
	}
	if c.log == nil {
		c.log = slog.New(slog.DiscardHandler)
	}
	if c.hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		c.hc = &http.Client{Timeout: timeout}
	}

	for kind, raw := range map[string]string{
		KindImage: opts.ImageEndpoint,
		KindVideo: opts.VideoEndpoint,
		KindAudio: opts.AudioEndpoint,
	} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
			return nil, fmt.Errorf("invalid %s endpoint %q", kind, raw)
		}
		c.endpoints[kind] = &endpoint{
			kind:    kind,
			url:     raw,
			breaker: c.newBreaker(kind, opts.Breaker),
			limiter: newLimiter(opts.RequestsPerMinute, opts.Burst),
		}
	}
	return c, nil
}

// Enabled reports whether an endpoint is configured for kind.
func (c *Client) Enabled(kind string) bool {
	if c == nil {
		return false
	}
	_, ok := c.endpoints[kind]
	return ok
}

// State returns the breaker state for kind (closed when unknown).
func (c *Client) State(kind string) gobreaker.State {
	if c == nil || c.endpoints[kind] == nil {
		return gobreaker.StateClosed
	}
	return c.endpoints[kind].breaker.State()
}

func (c *Client) GenerateImage(ctx context.Context, req ai.ImageRequest) (ai.Media, error) {
	return c.generate(ctx, KindImage, req)
}

func (c *Client) GenerateVideo(ctx context.Context, req ai.VideoRequest) (ai.Media, error) {
	return c.generate(ctx, KindVideo, req)
}

func (c *Client) GenerateAudio(ctx context.Context, req ai.AudioRequest) (ai.Media, error) {
	return c.generate(ctx, KindAudio, req)
}

func (c *Client) generate(ctx context.Context, kind string, payload any) (ai.Media, error) {
	if c == nil {
		return ai.Media{}, errors.New("nil generation client")
	}
	ep := c.endpoints[kind]
	if ep == nil {
		return ai.Media{}, fmt.Errorf("%s generation is not configured", kind)
	}
	if err := ep.limiter.Wait(ctx); err != nil {
		return ai.Media{}, err
	}
	started := time.Now()
	media, err := ep.breaker.Execute(func() (ai.Media, error) {
		return c.post(ctx, ep, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ai.Media{}, fmt.Errorf("%s generation circuit open: %w", kind, err)
		}
		return ai.Media{}, err
	}
	c.log.Debug("generation done", "kind", kind, "mime_type", media.MimeType, "bytes", len(media.Data), "duration_ms", time.Since(started).Milliseconds())
	return media, nil
}

type jsonMedia struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

type errorBody struct {
	Error any `json:"error"`
}

// post sends the request as JSON. Services answer with either the raw binary or a JSON
// envelope {"data": base64, "mime_type": "..."}.
func (c *Client) post(ctx context.Context, ep *endpoint, payload any) (ai.Media, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return ai.Media{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return ai.Media{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return ai.Media{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return ai.Media{}, err
	}
	if int64(len(data)) > c.maxBody {
		return ai.Media{}, fmt.Errorf("%s generation response exceeds %d bytes", ep.kind, c.maxBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ai.Media{}, errors.New(upstreamMessage(ep.kind, resp.StatusCode, data))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var env jsonMedia
		if err := json.Unmarshal(data, &env); err != nil {
			return ai.Media{}, fmt.Errorf("invalid %s generation response", ep.kind)
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Data))
		if err != nil || len(decoded) == 0 {
			return ai.Media{}, fmt.Errorf("invalid %s generation response", ep.kind)
		}
		mt := strings.TrimSpace(env.MimeType)
		if mt == "" {
			mt = http.DetectContentType(decoded)
		}
		return ai.Media{Data: decoded, MimeType: mt}, nil
	}
	if len(data) == 0 {
		return ai.Media{}, fmt.Errorf("%s generation returned no data", ep.kind)
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}
	return ai.Media{Data: data, MimeType: mediaType}, nil
}

func upstreamMessage(kind string, status int, body []byte) string {
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != nil {
		switch v := eb.Error.(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case map[string]any:
			if s, _ := v["message"].(string); strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" && len(msg) <= 512 {
		return msg
	}
	return fmt.Sprintf("%s generation failed (status %d)", kind, status)
}

func (c *Client) newBreaker(kind string, cfg BreakerConfig) *gobreaker.CircuitBreaker[ai.Media] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}
	return gobreaker.NewCircuitBreaker[ai.Media](gobreaker.Settings{
		Name:        "generation:" + kind,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// A stopped turn is not a backend failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

func newLimiter(requestsPerMinute int, burst int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerMinute)/60.0, burst)
}
