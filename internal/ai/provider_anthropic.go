package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

type anthropicProvider struct {
	client anthropic.Client
}

func newAnthropicProvider(baseURL string, apiKey string) *anthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &anthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *anthropicProvider) StreamCompletion(ctx context.Context, req CompletionRequest, onFragment func(Fragment) error) error {
	if p == nil {
		return errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return errors.New("missing model")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: anthropicDefaultMaxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
		if req.NoToolUse {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		}
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if system := strings.TrimSpace(req.SystemPrompt); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()
	// Anthropic numbers content blocks across text and tool_use; tool positions are
	// renumbered densely so the accumulator sees 0..n-1.
	toolIndex := map[int64]int{}
	for stream.Next() {
		event := stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if strings.TrimSpace(variant.ContentBlock.Type) != "tool_use" {
				continue
			}
			idx := len(toolIndex)
			toolIndex[variant.Index] = idx
			err := onFragment(Fragment{ToolCallDeltas: []ToolCallDelta{{
				Index: idx,
				ID:    variant.ContentBlock.ID,
				Name:  variant.ContentBlock.Name,
			}}})
			if err != nil {
				return err
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				if err := onFragment(Fragment{ContentDelta: delta.Text}); err != nil {
					return err
				}
			case anthropic.InputJSONDelta:
				idx, ok := toolIndex[variant.Index]
				if !ok || delta.PartialJSON == "" {
					continue
				}
				if err := onFragment(Fragment{ToolCallDeltas: []ToolCallDelta{{Index: idx, ArgumentsDelta: delta.PartialJSON}}}); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return newUpstreamError("", apiErr.RawJSON(), err)
		}
		return err
	}
	return nil
}

func buildAnthropicTools(defs []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema := decodeSchema(def.InputSchema)
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(strings.TrimSpace(def.Description)),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: schema["properties"], Required: toStringSlice(schema["required"])},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// buildAnthropicMessages folds history into alternating user/assistant messages. Tool
// results become tool_result blocks on a user message; adjacent same-role entries merge.
func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	var role anthropic.MessageParamRole
	var blocks []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
		blocks = nil
	}
	push := func(r anthropic.MessageParamRole, b ...anthropic.ContentBlockParamUnion) {
		if r != role {
			flush()
			role = r
		}
		blocks = append(blocks, b...)
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				if strings.TrimSpace(msg.Content) == "" {
					continue
				}
				push(anthropic.MessageParamRoleAssistant, anthropic.NewTextBlock(msg.Content))
				continue
			}
			for _, call := range msg.ToolCalls {
				push(anthropic.MessageParamRoleAssistant, anthropic.NewToolUseBlock(call.ID, parseArgs(call.RawArguments), call.Name))
			}
		case RoleTool:
			push(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}
	}
	flush()
	return out
}
