package ai

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrTurnInProgress is returned when a turn is started (or history reset) while another turn is active.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	// ErrNoActiveTurn is returned by Stop when nothing is running.
	ErrNoActiveTurn = errors.New("no active turn")
	// ErrTurnEnded rejects confirmation waits that outlive their turn.
	ErrTurnEnded = errors.New("turn ended")
	// ErrMissingPrompt is the validation error for a user-supplied media request without a prompt.
	ErrMissingPrompt = errors.New("missing prompt")
	// ErrEmptyQuery is raised when a search tool call carries no query.
	ErrEmptyQuery = errors.New("empty search query")
	// ErrUnknownTool is raised for tool names outside the catalog.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrSessionClosed is returned when a turn is started after Close.
	ErrSessionClosed = errors.New("session closed")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolName identifies one of the engine's tools.
type ToolName string

const (
	ToolSearch        ToolName = "search"
	ToolGenerateImage ToolName = "generate_image"
	ToolGenerateVideo ToolName = "generate_video"
	ToolGenerateAudio ToolName = "generate_audio"
)

func ParseToolName(raw string) (ToolName, bool) {
	switch ToolName(strings.TrimSpace(raw)) {
	case ToolSearch:
		return ToolSearch, true
	case ToolGenerateImage:
		return ToolGenerateImage, true
	case ToolGenerateVideo:
		return ToolGenerateVideo, true
	case ToolGenerateAudio:
		return ToolGenerateAudio, true
	default:
		return "", false
	}
}

// RequiresConfirmation reports whether the tool produces media and therefore waits for the user.
func (n ToolName) RequiresConfirmation() bool {
	switch n {
	case ToolGenerateImage, ToolGenerateVideo, ToolGenerateAudio:
		return true
	default:
		return false
	}
}

// ToolCallRequest is a fully assembled model tool call. It is never modified after finalization.
type ToolCallRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RawArguments string `json:"arguments"`
}

// Message is one entry of the conversation history.
//
// Notes:
//   - user/assistant messages carry Content.
//   - an assistant message carrying ToolCalls has empty Content.
//   - a tool message carries the JSON result in Content and the answered call id in ToolCallID.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

func AssistantToolCallMessage(calls []ToolCallRequest) Message {
	return Message{Role: RoleAssistant, ToolCalls: append([]ToolCallRequest(nil), calls...)}
}

// ToolResultMessage serializes result as JSON. Strings are wrapped as {"result": "..."}.
func ToolResultMessage(callID string, result any) (Message, error) {
	var payload any = result
	if s, ok := result.(string); ok {
		payload = map[string]string{"result": s}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Role: RoleTool, Content: string(b), ToolCallID: strings.TrimSpace(callID)}, nil
}

func cloneMessages(in []Message) []Message {
	if len(in) == 0 {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m
		if len(m.ToolCalls) > 0 {
			out[i].ToolCalls = append([]ToolCallRequest(nil), m.ToolCalls...)
		}
	}
	return out
}
