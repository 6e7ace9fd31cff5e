package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Origin tells the normalizer who supplied a tool argument payload.
type Origin string

const (
	OriginModel Origin = "model"
	OriginUser  Origin = "user"
)

const (
	ImageModeAuto      = "auto"
	ImageModeFantasy   = "fantasy"
	ImageModeRealistic = "realistic"

	VideoRatio3x2 = "3:2"
	VideoRatio2x3 = "2:3"
	VideoRatio1x1 = "1:1"

	VideoModeNormal = "normal"
	VideoModeFun    = "fun"

	DefaultVideoDuration = 5
	MinVideoDuration     = 1
	MaxVideoDuration     = 30
	MaxVideoImageURLs    = 2
)

// ToolRequest is the normalized, typed argument set of a tool call.
// Concrete types: SearchRequest, ImageRequest, VideoRequest, AudioRequest.
type ToolRequest interface {
	Tool() ToolName
}

type SearchRequest struct {
	Query string `json:"query"`
}

type ImageRequest struct {
	Prompt string `json:"prompt"`
	Mode   string `json:"mode"`
}

type VideoRequest struct {
	Prompt    string   `json:"prompt"`
	Ratio     string   `json:"ratio"`
	Mode      string   `json:"mode"`
	Duration  int      `json:"duration"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

type AudioRequest struct {
	Prompt string `json:"prompt"`
}

func (SearchRequest) Tool() ToolName { return ToolSearch }
func (ImageRequest) Tool() ToolName  { return ToolGenerateImage }
func (VideoRequest) Tool() ToolName  { return ToolGenerateVideo }
func (AudioRequest) Tool() ToolName  { return ToolGenerateAudio }

// Normalize turns a raw JSON argument payload into a typed request, filling defaults.
//
// Malformed JSON is treated as an empty object. The only hard failures are an unknown tool
// and a missing prompt on a user-supplied media request.
func Normalize(tool ToolName, rawArguments string, origin Origin) (ToolRequest, error) {
	args := parseArgs(rawArguments)
	switch tool {
	case ToolSearch:
		return SearchRequest{Query: stringArg(args, "query")}, nil
	case ToolGenerateImage:
		prompt, err := promptArg(args, origin)
		if err != nil {
			return nil, err
		}
		return ImageRequest{
			Prompt: prompt,
			Mode:   enumArg(args, "mode", ImageModeAuto, ImageModeAuto, ImageModeFantasy, ImageModeRealistic),
		}, nil
	case ToolGenerateVideo:
		prompt, err := promptArg(args, origin)
		if err != nil {
			return nil, err
		}
		req := VideoRequest{
			Prompt:   prompt,
			Ratio:    enumArg(args, "ratio", VideoRatio3x2, VideoRatio3x2, VideoRatio2x3, VideoRatio1x1),
			Mode:     enumArg(args, "mode", VideoModeNormal, VideoModeNormal, VideoModeFun),
			Duration: durationArg(args["duration"]),
		}
		// Source images are only accepted from the user, never from the model.
		if origin == OriginUser {
			req.ImageURLs = imageURLsArg(args["image_urls"])
		}
		return req, nil
	case ToolGenerateAudio:
		prompt, err := promptArg(args, origin)
		if err != nil {
			return nil, err
		}
		return AudioRequest{Prompt: prompt}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, string(tool))
	}
}

// NormalizeValue is Normalize for an already decoded payload (for example a JSON body from the UI).
func NormalizeValue(tool ToolName, payload any, origin Origin) (ToolRequest, error) {
	switch v := payload.(type) {
	case nil:
		return Normalize(tool, "", origin)
	case string:
		return Normalize(tool, v, origin)
	case json.RawMessage:
		return Normalize(tool, string(v), origin)
	case []byte:
		return Normalize(tool, string(v), origin)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Normalize(tool, "", origin)
	}
	return Normalize(tool, string(b), origin)
}

func parseArgs(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func promptArg(args map[string]any, origin Origin) (string, error) {
	prompt := stringArg(args, "prompt")
	if prompt == "" && origin == OriginUser {
		return "", ErrMissingPrompt
	}
	return prompt, nil
}

func enumArg(args map[string]any, key string, fallback string, allowed ...string) string {
	v := stringArg(args, key)
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return a
		}
	}
	return fallback
}

func durationArg(raw any) int {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return DefaultVideoDuration
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return DefaultVideoDuration
		}
		f = parsed
	default:
		return DefaultVideoDuration
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return DefaultVideoDuration
	}
	d := int(math.Round(f))
	if d < MinVideoDuration {
		return MinVideoDuration
	}
	if d > MaxVideoDuration {
		return MaxVideoDuration
	}
	return d
}

func imageURLsArg(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	if len(list) > MaxVideoImageURLs {
		list = list[:MaxVideoImageURLs]
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// requestJSON is used for the arguments fields of tool_call events.
func requestJSON(req ToolRequest) string {
	if req == nil {
		return "{}"
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "{}"
	}
	return string(b)
}
