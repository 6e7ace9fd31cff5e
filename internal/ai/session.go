package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/floegence/flowerdesk/internal/tracing"
)

const unfinishedToolResult = "The tool call did not run because the turn ended."

// SessionOptions configures NewSession.
type SessionOptions struct {
	Provider        Provider
	Executor        *ToolExecutor
	Model           string
	SystemPrompt    string
	MaxOutputTokens int
	// Tools are offered to the model on the first pass only.
	Tools  []ToolDef
	Sink   Sink
	Logger *slog.Logger
}

// TurnInfo describes the active turn.
type TurnInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// TurnResult is the terminal outcome of a turn. Outcome is EventDone, EventAborted or EventError.
type TurnResult struct {
	TurnID  string
	Outcome EventType
	Reply   string
	Err     error
}

type activeTurn struct {
	info    TurnInfo
	cancel  context.CancelFunc
	done    chan struct{}
	release sync.Once
}

// Session owns one conversation: its history, the active turn and the tool pipeline.
// At most one turn runs at a time.
type Session struct {
	provider        Provider
	executor        *ToolExecutor
	model           string
	systemPrompt    string
	maxOutputTokens int
	tools           []ToolDef
	sink            Sink
	log             *slog.Logger

	mu      sync.Mutex
	history []Message
	active  *activeTurn
	closed  bool
	wg      sync.WaitGroup
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Provider == nil {
		return nil, errors.New("missing provider")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("missing model")
	}
	s := &Session{
		provider:        opts.Provider,
		executor:        opts.Executor,
		model:           strings.TrimSpace(opts.Model),
		systemPrompt:    strings.TrimSpace(opts.SystemPrompt),
		maxOutputTokens: opts.MaxOutputTokens,
		tools:           append([]ToolDef(nil), opts.Tools...),
		sink:            opts.Sink,
		log:             opts.Logger,
	}
	if s.executor == nil {
		s.executor = NewToolExecutor(ExecutorOptions{Logger: opts.Logger})
	}
	if s.sink == nil {
		s.sink = discardSink{}
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// RunTurn runs one turn to completion on the calling goroutine. The returned error is only
// set when the turn could not start; the turn's own failure is reported in TurnResult.
func (s *Session) RunTurn(ctx context.Context, text string) (TurnResult, error) {
	turn, turnCtx, err := s.beginTurn(ctx, text)
	if err != nil {
		return TurnResult{}, err
	}
	defer s.wg.Done()
	return s.runTurn(turnCtx, turn), nil
}

// StartTurn starts a turn in the background and returns its id. Progress and the terminal
// event are delivered to the sink.
func (s *Session) StartTurn(text string) (string, error) {
	turn, turnCtx, err := s.beginTurn(context.Background(), text)
	if err != nil {
		return "", err
	}
	go func() {
		defer s.wg.Done()
		s.runTurn(turnCtx, turn)
	}()
	return turn.info.ID, nil
}

// Stop cancels the active turn. It reports whether a turn was running.
func (s *Session) Stop() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	turn := s.active
	s.mu.Unlock()
	if turn == nil {
		return false
	}
	turn.cancel()
	s.debug("ai.turn.stop", "turn_id", turn.info.ID)
	return true
}

// Wait blocks until the active turn (if any) has finished.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	turn := s.active
	s.mu.Unlock()
	if turn == nil {
		return nil
	}
	select {
	case <-turn.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset clears the history. It is rejected while a turn is active.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return ErrTurnInProgress
	}
	s.history = nil
	s.debug("ai.session.reset")
	return nil
}

// ResolveToolCall answers a pending confirmation. A nil payload cancels the tool call.
func (s *Session) ResolveToolCall(toolCallID string, payload any) (bool, error) {
	if s == nil {
		return false, nil
	}
	return s.executor.Pending().Resolve(toolCallID, payload)
}

// PendingConfirmations lists the tool calls waiting for the user.
func (s *Session) PendingConfirmations() []PendingConfirmation {
	if s == nil {
		return nil
	}
	return s.executor.Pending().List()
}

func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.history)
}

func (s *Session) ActiveTurn() (TurnInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return TurnInfo{}, false
	}
	return s.active.info, true
}

// Close stops the active turn, rejects every open confirmation and waits for the turn to unwind.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	turn := s.active
	s.mu.Unlock()
	if turn != nil {
		turn.cancel()
	}
	s.executor.Pending().RejectAll()
	s.wg.Wait()
}

func (s *Session) beginTurn(parent context.Context, text string) (*activeTurn, context.Context, error) {
	if s == nil {
		return nil, nil, errors.New("nil session")
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil, errors.New("empty message")
	}
	if parent == nil {
		parent = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrSessionClosed
	}
	if s.active != nil {
		return nil, nil, ErrTurnInProgress
	}
	ctx, cancel := context.WithCancel(parent)
	turn := &activeTurn{
		info:   TurnInfo{ID: "turn_" + uuid.NewString(), StartedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active = turn
	s.history = append(s.history, UserMessage(text))
	s.wg.Add(1)
	return turn, ctx, nil
}

// endTurn releases the turn exactly once.
func (s *Session) endTurn(turn *activeTurn) {
	turn.release.Do(func() {
		turn.cancel()
		s.executor.Pending().RejectTurn(turn.info.ID)
		s.mu.Lock()
		if s.active == turn {
			s.active = nil
		}
		s.mu.Unlock()
		close(turn.done)
	})
}

func (s *Session) runTurn(ctx context.Context, turn *activeTurn) TurnResult {
	em := turnEmitter{turnID: turn.info.ID, sink: s.sink}
	ctx, span := tracing.StartSpan(ctx, "ai.turn", attribute.String("turn_id", turn.info.ID), attribute.String("model", s.model))
	s.debug("ai.turn.start", "turn_id", turn.info.ID, "model", s.model)

	reply, err := s.drive(ctx, em)
	res := TurnResult{TurnID: turn.info.ID, Reply: reply, Err: err}
	switch {
	case err == nil:
		res.Outcome = EventDone
		tracing.End(span, nil)
	case isTurnCanceled(ctx, err):
		res.Outcome = EventAborted
		span.SetAttributes(attribute.Bool("aborted", true))
		tracing.End(span, nil)
	default:
		res.Outcome = EventError
		tracing.End(span, err)
		s.log.Warn("ai turn failed", "turn_id", turn.info.ID, "error", sanitizeLogText(err.Error(), 512))
	}

	// Release before the terminal event so a sink reacting to it can start the next turn.
	s.endTurn(turn)
	switch res.Outcome {
	case EventDone:
		em.emit(Event{Type: EventDone})
	case EventAborted:
		em.emit(Event{Type: EventAborted})
	default:
		em.emit(Event{Type: EventError, Error: err.Error()})
	}
	s.debug("ai.turn.end", "turn_id", turn.info.ID, "outcome", string(res.Outcome), "duration_ms", time.Since(turn.info.StartedAt).Milliseconds())
	return res
}

// drive runs the passes of one turn and returns the final assistant text.
func (s *Session) drive(ctx context.Context, em turnEmitter) (string, error) {
	text, calls, err := s.streamPass(ctx, em, 1, s.tools)
	if err != nil {
		return "", err
	}
	if text != "" {
		s.appendHistory(AssistantMessage(text))
	}
	if len(calls) == 0 {
		return text, nil
	}

	s.appendHistory(AssistantToolCallMessage(calls))
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			s.appendUnfinished(calls[i:])
			return "", err
		}
		result, err := s.executeTool(ctx, em, call)
		if err != nil {
			s.appendUnfinished(calls[i:])
			return "", err
		}
		msg, err := ToolResultMessage(call.ID, result)
		if err != nil {
			s.appendUnfinished(calls[i:])
			return "", fmt.Errorf("encode %s result: %w", call.Name, err)
		}
		s.appendHistory(msg)
	}

	reply, _, err := s.streamPass(ctx, em, 2, s.tools)
	if err != nil {
		return "", err
	}
	if reply != "" {
		s.appendHistory(AssistantMessage(reply))
	}
	return reply, nil
}

func (s *Session) streamPass(ctx context.Context, em turnEmitter, pass int, tools []ToolDef) (string, []ToolCallRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "ai.completion", attribute.Int("pass", pass), attribute.Int("tools", len(tools)))
	req := CompletionRequest{
		Model:           s.model,
		SystemPrompt:    s.systemPrompt,
		Messages:        s.History(),
		Tools:           tools,
		NoToolUse:       pass > 1,
		MaxOutputTokens: s.maxOutputTokens,
	}
	acc := newDeltaAccumulator(em.token)
	err := s.provider.StreamCompletion(ctx, req, func(f Fragment) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		acc.Add(f)
		return nil
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tracing.End(span, err)
		return "", nil, err
	}
	calls := acc.Finalize()
	span.SetAttributes(attribute.Int("tool_calls", len(calls)))
	tracing.End(span, nil)
	s.debug("ai.completion.end", "turn_id", em.turnID, "pass", pass, "text_len", len(acc.Text()), "tool_calls", len(calls))
	return acc.Text(), calls, nil
}

func (s *Session) executeTool(ctx context.Context, em turnEmitter, call ToolCallRequest) (any, error) {
	ctx, span := tracing.StartSpan(ctx, "ai.tool", attribute.String("tool_name", call.Name), attribute.String("tool_call_id", call.ID))
	s.debug("ai.tool.start",
		"turn_id", em.turnID,
		"tool_call_id", call.ID,
		"tool_name", sanitizeLogText(call.Name, 64),
		"args_preview", previewForLog(redactToolArgsForLog(call.RawArguments), 256),
	)
	result, err := s.executor.Execute(ctx, em, call)
	if err != nil && isTurnCanceled(ctx, err) {
		tracing.End(span, nil)
	} else {
		tracing.End(span, err)
	}
	s.debug("ai.tool.end", "turn_id", em.turnID, "tool_call_id", call.ID, "error", errorString(err))
	return result, err
}

func (s *Session) appendHistory(msg Message) {
	s.mu.Lock()
	s.history = append(s.history, msg)
	s.mu.Unlock()
}

// appendUnfinished answers calls that never ran so every tool-call message stays fully answered.
func (s *Session) appendUnfinished(calls []ToolCallRequest) {
	for _, call := range calls {
		msg, err := ToolResultMessage(call.ID, unfinishedToolResult)
		if err != nil {
			continue
		}
		s.appendHistory(msg)
	}
}

func (s *Session) debug(event string, attrs ...any) {
	if s == nil || s.log == nil {
		return
	}
	base := append([]any{"event", event}, attrs...)
	s.log.Debug("ai session", base...)
}

func isTurnCanceled(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTurnEnded) {
		return true
	}
	return ctx != nil && ctx.Err() != nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
