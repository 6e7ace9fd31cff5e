package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderAnthropic        = "anthropic"

	SearchProviderDuckDuckGo = "duckduckgo"
	SearchProviderBrave      = "brave"
)

const (
	defaultSystemPrompt   = "You are Flower, a helpful desktop assistant. Use the search tool for current facts and the generation tools when the user asks for images, videos or audio."
	defaultConfirmTimeout = 90 * time.Second
	maxConfirmTimeout     = 30 * time.Minute
)

// ModelConfig selects the completion backend.
type ModelConfig struct {
	// Provider is one of: "openai" | "anthropic" | "openai_compatible".
	Provider string `yaml:"provider"`

	// BaseURL overrides the provider endpoint (example: "http://127.0.0.1:11434/v1").
	// Required for openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`

	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// APIKeyEnv names an environment variable consulted when secrets.json has no provider key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`
}

func (m ModelConfig) Validate() error {
	t := strings.TrimSpace(m.Provider)
	switch t {
	case ProviderOpenAI, ProviderAnthropic, ProviderOpenAICompatible:
	default:
		return fmt.Errorf("invalid provider %q", m.Provider)
	}
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("missing name")
	}
	baseURL := strings.TrimSpace(m.BaseURL)
	if t == ProviderOpenAICompatible && baseURL == "" {
		return errors.New("base_url is required for openai_compatible")
	}
	if baseURL != "" {
		if err := validateHTTPURL(baseURL); err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
	}
	if m.MaxOutputTokens < 0 {
		return fmt.Errorf("invalid max_output_tokens %d", m.MaxOutputTokens)
	}
	return nil
}

func (m ModelConfig) EffectiveSystemPrompt() string {
	if s := strings.TrimSpace(m.SystemPrompt); s != "" {
		return s
	}
	return defaultSystemPrompt
}

// EffectiveAPIKeyEnv returns the env var consulted for the provider key.
func (m ModelConfig) EffectiveAPIKeyEnv() string {
	if s := strings.TrimSpace(m.APIKeyEnv); s != "" {
		return s
	}
	switch strings.TrimSpace(m.Provider) {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	default:
		return ""
	}
}

type ToolsConfig struct {
	// SearchEnabled defaults to true.
	SearchEnabled *bool `yaml:"search_enabled,omitempty"`
	// MediaEnabled defaults to true when at least one generation endpoint is configured.
	MediaEnabled *bool `yaml:"media_enabled,omitempty"`
	// ConfirmTimeout is how long a media tool call waits for the user. Defaults to 90s.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout,omitempty"`
}

func (t ToolsConfig) Validate() error {
	if t.ConfirmTimeout < 0 || t.ConfirmTimeout > maxConfirmTimeout {
		return fmt.Errorf("invalid confirm_timeout %s (must be in [0,%s])", t.ConfirmTimeout, maxConfirmTimeout)
	}
	return nil
}

func (t ToolsConfig) EffectiveSearchEnabled() bool {
	if t.SearchEnabled == nil {
		return true
	}
	return *t.SearchEnabled
}

func (t ToolsConfig) EffectiveConfirmTimeout() time.Duration {
	if t.ConfirmTimeout <= 0 {
		return defaultConfirmTimeout
	}
	return t.ConfirmTimeout
}

type SearchConfig struct {
	// Provider is "duckduckgo" (default, keyless) or "brave" (key in secrets.json).
	Provider string `yaml:"provider,omitempty"`
	// Endpoint overrides the provider API URL.
	Endpoint string `yaml:"endpoint,omitempty"`
}

func (s SearchConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case "", SearchProviderDuckDuckGo, SearchProviderBrave:
	default:
		return fmt.Errorf("invalid provider %q", s.Provider)
	}
	if e := strings.TrimSpace(s.Endpoint); e != "" {
		if err := validateHTTPURL(e); err != nil {
			return fmt.Errorf("invalid endpoint: %w", err)
		}
	}
	return nil
}

func (s SearchConfig) EffectiveProvider() string {
	p := strings.ToLower(strings.TrimSpace(s.Provider))
	if p == "" {
		return SearchProviderDuckDuckGo
	}
	return p
}

type GenerationConfig struct {
	ImageEndpoint string `yaml:"image_endpoint,omitempty"`
	VideoEndpoint string `yaml:"video_endpoint,omitempty"`
	AudioEndpoint string `yaml:"audio_endpoint,omitempty"`

	Timeout           time.Duration `yaml:"timeout,omitempty"`
	RequestsPerMinute int           `yaml:"requests_per_minute,omitempty"`
	Burst             int           `yaml:"burst,omitempty"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Interval    time.Duration `yaml:"interval,omitempty"`
}

func (g GenerationConfig) Validate() error {
	for name, e := range map[string]string{
		"image_endpoint": g.ImageEndpoint,
		"video_endpoint": g.VideoEndpoint,
		"audio_endpoint": g.AudioEndpoint,
	} {
		if strings.TrimSpace(e) == "" {
			continue
		}
		if err := validateHTTPURL(strings.TrimSpace(e)); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if g.Timeout < 0 {
		return fmt.Errorf("invalid timeout %s", g.Timeout)
	}
	if g.RequestsPerMinute < 0 || g.Burst < 0 {
		return errors.New("requests_per_minute and burst must not be negative")
	}
	return nil
}

// AnyEndpoint reports whether at least one generation endpoint is configured.
func (g GenerationConfig) AnyEndpoint() bool {
	return strings.TrimSpace(g.ImageEndpoint) != "" || strings.TrimSpace(g.VideoEndpoint) != "" || strings.TrimSpace(g.AudioEndpoint) != ""
}

// EffectiveMediaEnabled reports whether media tools are offered to the model.
func (c *Config) EffectiveMediaEnabled() bool {
	if c == nil {
		return false
	}
	if c.Tools.MediaEnabled != nil {
		return *c.Tools.MediaEnabled && c.Generation.AnyEndpoint()
	}
	return c.Generation.AnyEndpoint()
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return fmt.Errorf("parse %q: %w", raw, err)
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("invalid scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}
