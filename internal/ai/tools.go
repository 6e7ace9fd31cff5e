package ai

import "encoding/json"

// ToolCatalogOptions selects which tools are offered to the model.
type ToolCatalogOptions struct {
	Search bool
	Media  bool
}

// ToolDefinitions returns the tool definitions offered to the model on the first pass.
func ToolDefinitions(opts ToolCatalogOptions) []ToolDef {
	out := make([]ToolDef, 0, 4)
	if opts.Search {
		out = append(out, ToolDef{
			Name:        string(ToolSearch),
			Description: "Search the web for up-to-date facts. Returns an abstract, a heading and related topics.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query."}},"required":["query"],"additionalProperties":false}`),
		})
	}
	if opts.Media {
		out = append(out,
			ToolDef{
				Name:        string(ToolGenerateImage),
				Description: "Generate an image. The user reviews the parameters before generation starts.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string","description":"What the image should show."},"mode":{"type":"string","enum":["auto","fantasy","realistic"]}},"required":["prompt"],"additionalProperties":false}`),
			},
			ToolDef{
				Name:        string(ToolGenerateVideo),
				Description: "Generate a short video clip. The user reviews the parameters before generation starts.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string","description":"What the video should show."},"ratio":{"type":"string","enum":["3:2","2:3","1:1"]},"mode":{"type":"string","enum":["normal","fun"]},"duration":{"type":"integer","minimum":1,"maximum":30,"description":"Length in seconds."}},"required":["prompt"],"additionalProperties":false}`),
			},
			ToolDef{
				Name:        string(ToolGenerateAudio),
				Description: "Generate an audio clip (music or sound). The user reviews the prompt before generation starts.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string","description":"What the audio should sound like."}},"required":["prompt"],"additionalProperties":false}`),
			},
		)
	}
	return out
}
