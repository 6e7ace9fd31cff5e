package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// openAIProvider speaks the Chat Completions streaming API. It serves OpenAI proper and
// OpenAI-compatible local servers (Ollama, llama.cpp, LM Studio).
type openAIProvider struct {
	client openai.Client
}

func newOpenAIProvider(baseURL string, apiKey string) *openAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAIProvider{client: openai.NewClient(opts...)}
}

func (p *openAIProvider) StreamCompletion(ctx context.Context, req CompletionRequest, onFragment func(Fragment) error) error {
	if p == nil {
		return errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return errors.New("missing model")
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(strings.TrimSpace(req.Model)),
		Messages: buildOpenAIMessages(req.SystemPrompt, req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools)
		if req.NoToolUse {
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openai.String(string(openai.ChatCompletionToolChoiceOptionAutoNone)),
			}
		}
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			frag := Fragment{ContentDelta: choice.Delta.Content}
			for _, tc := range choice.Delta.ToolCalls {
				frag.ToolCallDeltas = append(frag.ToolCallDeltas, ToolCallDelta{
					Index:          int(tc.Index),
					ID:             tc.ID,
					Name:           tc.Function.Name,
					ArgumentsDelta: tc.Function.Arguments,
				})
			}
			if frag.ContentDelta == "" && len(frag.ToolCallDeltas) == 0 {
				continue
			}
			if err := onFragment(frag); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return newUpstreamError(apiErr.Message, apiErr.RawJSON(), err)
		}
		return err
	}
	return nil
}

func buildOpenAITools(defs []ToolDef) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		fn := openai.FunctionDefinitionParam{
			Name:       name,
			Parameters: openai.FunctionParameters(decodeSchema(def.InputSchema)),
		}
		if desc := strings.TrimSpace(def.Description); desc != "" {
			fn.Description = openai.String(desc)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func buildOpenAIMessages(systemPrompt string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if s := strings.TrimSpace(systemPrompt); s != "" {
		out = append(out, openai.SystemMessage(s))
	}
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				// Text immediately followed by the same pass's tool calls is sent as one message.
				if i+1 < len(messages) && messages[i+1].Role == RoleAssistant && len(messages[i+1].ToolCalls) > 0 {
					out = append(out, openAIAssistantToolCalls(msg.Content, messages[i+1].ToolCalls))
					i++
					continue
				}
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			out = append(out, openAIAssistantToolCalls("", msg.ToolCalls))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return out
}

func openAIAssistantToolCalls(text string, calls []ToolCallRequest) openai.ChatCompletionMessageParamUnion {
	asst := openai.ChatCompletionAssistantMessageParam{}
	if strings.TrimSpace(text) != "" {
		asst.Content.OfString = openai.String(text)
	}
	for _, call := range calls {
		args := call.RawArguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: call.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: args,
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}
