package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SearchResult is what the search tool returns to the model.
type SearchResult struct {
	Abstract string   `json:"abstract"`
	Heading  string   `json:"heading"`
	Related  []string `json:"related"`
}

type Searcher interface {
	Search(ctx context.Context, query string) (SearchResult, error)
}

// Media is a generated binary with its MIME type.
type Media struct {
	Data     []byte
	MimeType string
}

type MediaGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (Media, error)
	GenerateVideo(ctx context.Context, req VideoRequest) (Media, error)
	GenerateAudio(ctx context.Context, req AudioRequest) (Media, error)
}

// AssetInput is a generated binary handed to the asset store.
type AssetInput struct {
	Kind       string
	MimeType   string
	Data       []byte
	TurnID     string
	ToolCallID string
}

type AssetStore interface {
	StoreAsset(ctx context.Context, in AssetInput) (string, error)
}

const (
	AssetKindImage = "image"
	AssetKindVideo = "video"
	AssetKindAudio = "audio"
)

// ExecutorOptions configures NewToolExecutor.
type ExecutorOptions struct {
	Searcher       Searcher
	Generator      MediaGenerator
	Assets         AssetStore
	Pending        *PendingRegistry
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
}

// ToolExecutor runs finalized tool calls. Media tools wait for the user through the
// pending registry before calling the generation service.
type ToolExecutor struct {
	searcher       Searcher
	generator      MediaGenerator
	assets         AssetStore
	pending        *PendingRegistry
	confirmTimeout time.Duration
	log            *slog.Logger
}

func NewToolExecutor(opts ExecutorOptions) *ToolExecutor {
	x := &ToolExecutor{
		searcher:       opts.Searcher,
		generator:      opts.Generator,
		assets:         opts.Assets,
		pending:        opts.Pending,
		confirmTimeout: opts.ConfirmTimeout,
		log:            opts.Logger,
	}
	if x.pending == nil {
		x.pending = NewPendingRegistry()
	}
	if x.confirmTimeout <= 0 {
		x.confirmTimeout = DefaultConfirmTimeout
	}
	if x.log == nil {
		x.log = slog.New(slog.DiscardHandler)
	}
	return x
}

// Pending exposes the registry used for confirmations.
func (x *ToolExecutor) Pending() *PendingRegistry {
	if x == nil {
		return nil
	}
	return x.pending
}

// Execute runs one tool call and returns the value for the tool message.
//
// A returned error terminates the turn: context errors and ErrTurnEnded mean it was
// canceled, anything else is an upstream failure.
func (x *ToolExecutor) Execute(ctx context.Context, em turnEmitter, call ToolCallRequest) (any, error) {
	if x == nil {
		return nil, errors.New("nil tool executor")
	}
	tool, ok := ParseToolName(call.Name)
	if !ok {
		x.log.Warn("ai tool unknown", "turn_id", em.turnID, "tool_call_id", call.ID, "tool_name", sanitizeLogText(call.Name, 64))
		return map[string]string{"error": fmt.Sprintf("%v: %s", ErrUnknownTool, strings.TrimSpace(call.Name))}, nil
	}
	if tool == ToolSearch {
		return x.search(ctx, em, call)
	}
	return x.generate(ctx, em, call, tool)
}

func (x *ToolExecutor) search(ctx context.Context, em turnEmitter, call ToolCallRequest) (any, error) {
	req, _ := Normalize(ToolSearch, call.RawArguments, OriginModel)
	sreq := req.(SearchRequest)
	if sreq.Query == "" {
		return nil, ErrEmptyQuery
	}
	if x.searcher == nil {
		return nil, errors.New("search is not configured")
	}
	argsJSON := requestJSON(sreq)
	em.toolCall(call, argsJSON, ToolCallPending, "")
	res, err := x.searcher.Search(ctx, sreq.Query)
	if err != nil {
		return nil, err
	}
	em.toolCall(call, argsJSON, ToolCallResolved, argsJSON)
	if res.Related == nil {
		res.Related = []string{}
	}
	return res, nil
}

func (x *ToolExecutor) generate(ctx context.Context, em turnEmitter, call ToolCallRequest, tool ToolName) (any, error) {
	suggested, err := Normalize(tool, call.RawArguments, OriginModel)
	if err != nil {
		return nil, err
	}
	suggestedJSON := requestJSON(suggested)
	req, canceled, err := x.pending.await(ctx, em.turnID, call.ID, suggested, x.confirmTimeout, func() {
		em.toolCall(call, suggestedJSON, ToolCallAwaitingInput, "")
	})
	if err != nil {
		return nil, err
	}
	kind := assetKind(tool)
	if canceled {
		em.toolCall(call, suggestedJSON, ToolCallCanceled, "")
		x.log.Debug("ai tool canceled by user", "turn_id", em.turnID, "tool_call_id", call.ID, "tool_name", string(tool))
		return fmt.Sprintf("The user canceled the %s generation before it ran.", kind), nil
	}

	resolvedJSON := requestJSON(req)
	em.toolCall(call, suggestedJSON, ToolCallPending, resolvedJSON)
	if x.generator == nil {
		return nil, fmt.Errorf("%s generation is not configured", kind)
	}

	var media Media
	switch r := req.(type) {
	case ImageRequest:
		media, err = x.generator.GenerateImage(ctx, r)
	case VideoRequest:
		media, err = x.generator.GenerateVideo(ctx, r)
	case AudioRequest:
		media, err = x.generator.GenerateAudio(ctx, r)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownTool, string(tool))
	}
	if err != nil {
		return nil, err
	}
	if len(media.Data) == 0 {
		return nil, fmt.Errorf("%s generation returned no data", kind)
	}
	if x.assets == nil {
		return nil, errors.New("asset store is not configured")
	}
	ref, err := x.assets.StoreAsset(ctx, AssetInput{
		Kind:       kind,
		MimeType:   media.MimeType,
		Data:       media.Data,
		TurnID:     em.turnID,
		ToolCallID: call.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", kind, err)
	}
	em.newAsset(kind, ref)
	em.toolCall(call, suggestedJSON, ToolCallResolved, resolvedJSON)
	x.log.Debug("ai tool generated asset",
		"turn_id", em.turnID,
		"tool_call_id", call.ID,
		"tool_name", string(tool),
		"asset_id", ref,
		"mime_type", media.MimeType,
		"bytes", len(media.Data),
		"args_preview", previewForLog(redactToolArgsForLog(resolvedJSON), 256),
	)
	return fmt.Sprintf("%s generated successfully and shown to the user.", capitalize(kind)), nil
}

func assetKind(tool ToolName) string {
	switch tool {
	case ToolGenerateImage:
		return AssetKindImage
	case ToolGenerateVideo:
		return AssetKindVideo
	case ToolGenerateAudio:
		return AssetKindAudio
	default:
		return ""
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
