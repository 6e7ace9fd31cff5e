package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ToolDef is a tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CompletionRequest is one completion pass over the conversation.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDef
	// NoToolUse keeps Tools declared (history may hold tool calls) but forbids new calls.
	NoToolUse       bool
	MaxOutputTokens int
}

// Provider streams one completion. onFragment is called in arrival order; returning an
// error from it aborts the stream. Cancellation is cooperative through ctx.
type Provider interface {
	StreamCompletion(ctx context.Context, req CompletionRequest, onFragment func(Fragment) error) error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req CompletionRequest, onFragment func(Fragment) error) error

func (f ProviderFunc) StreamCompletion(ctx context.Context, req CompletionRequest, onFragment func(Fragment) error) error {
	return f(ctx, req, onFragment)
}

const (
	ProviderTypeOpenAI           = "openai"
	ProviderTypeOpenAICompatible = "openai_compatible"
	ProviderTypeAnthropic        = "anthropic"
)

// ProviderOptions configures NewProvider.
type ProviderOptions struct {
	Type    string
	BaseURL string
	APIKey  string
}

// NewProvider builds the SDK-backed adapter for a provider type.
func NewProvider(opts ProviderOptions) (Provider, error) {
	providerType := strings.ToLower(strings.TrimSpace(opts.Type))
	apiKey := strings.TrimSpace(opts.APIKey)
	baseURL := strings.TrimSpace(opts.BaseURL)
	switch providerType {
	case ProviderTypeOpenAI:
		if apiKey == "" {
			return nil, errors.New("missing provider api key")
		}
		return newOpenAIProvider(baseURL, apiKey), nil
	case ProviderTypeOpenAICompatible:
		if baseURL == "" {
			return nil, errors.New("openai_compatible provider requires base_url")
		}
		// Local servers (Ollama, llama.cpp) accept any key.
		if apiKey == "" {
			apiKey = "local"
		}
		return newOpenAIProvider(baseURL, apiKey), nil
	case ProviderTypeAnthropic:
		if apiKey == "" {
			return nil, errors.New("missing provider api key")
		}
		return newAnthropicProvider(baseURL, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", opts.Type)
	}
}

func decodeSchema(raw json.RawMessage) map[string]any {
	schema := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &schema)
	}
	return schema
}

func toStringSlice(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		if ss, ok := raw.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, it := range list {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// upstreamError reports an API failure by the provider's own message. The SDK error stays
// reachable through errors.As.
type upstreamError struct {
	message string
	err     error
}

func (e *upstreamError) Error() string { return e.message }
func (e *upstreamError) Unwrap() error { return e.err }

func newUpstreamError(message string, rawBody string, err error) error {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = apiErrorMessage(rawBody)
	}
	if msg == "" {
		return err
	}
	return &upstreamError{message: msg, err: err}
}

// apiErrorMessage reads the message of an error body shaped {"error":{"message"}} or {"message"}.
func apiErrorMessage(raw string) string {
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal([]byte(raw), &body) != nil {
		return ""
	}
	if len(body.Error) > 0 {
		var inner struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body.Error, &inner) == nil && strings.TrimSpace(inner.Message) != "" {
			return strings.TrimSpace(inner.Message)
		}
	}
	return strings.TrimSpace(body.Message)
}
