package ai

import "sync"

// EventType is the kind of an outbound presentation event.
type EventType string

const (
	EventToken    EventType = "token"
	EventToolCall EventType = "tool_call"
	EventNewAsset EventType = "new_asset"
	EventDone     EventType = "done"
	EventAborted  EventType = "aborted"
	EventError    EventType = "error"
)

// ToolCallState is the lifecycle state reported on tool_call events.
type ToolCallState string

const (
	ToolCallAwaitingInput ToolCallState = "awaiting_input"
	ToolCallPending       ToolCallState = "pending"
	ToolCallResolved      ToolCallState = "resolved"
	ToolCallCanceled      ToolCallState = "canceled"
)

type ToolCallEvent struct {
	ID                    string        `json:"id"`
	Name                  string        `json:"name"`
	ArgumentsJSON         string        `json:"arguments_json"`
	State                 ToolCallState `json:"state"`
	ResolvedArgumentsJSON string        `json:"resolved_arguments_json,omitempty"`
}

type AssetEvent struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
}

// Event is a single notification to the presentation layer. Exactly one of the payload
// fields is set, matching Type.
type Event struct {
	TurnID   string         `json:"turn_id"`
	Type     EventType      `json:"type"`
	Text     string         `json:"text,omitempty"`
	ToolCall *ToolCallEvent `json:"tool_call,omitempty"`
	Asset    *AssetEvent    `json:"asset,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventDone, EventAborted, EventError:
		return true
	default:
		return false
	}
}

// Sink receives events. Emit must not block for long; it is called from the turn goroutine.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) {
	if f != nil {
		f(ev)
	}
}

type discardSink struct{}

func (discardSink) Emit(Event) {}

// RecordingSink keeps every event in memory. Useful for tests and for replaying a turn.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{notify: make(chan struct{}, 1)}
}

func (s *RecordingSink) Emit(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Changed is signaled (coalesced) whenever a new event is recorded.
func (s *RecordingSink) Changed() <-chan struct{} {
	return s.notify
}

// turnEmitter stamps every event with the owning turn id.
type turnEmitter struct {
	turnID string
	sink   Sink
}

func (e turnEmitter) emit(ev Event) {
	ev.TurnID = e.turnID
	e.sink.Emit(ev)
}

func (e turnEmitter) token(text string) {
	e.emit(Event{Type: EventToken, Text: text})
}

func (e turnEmitter) toolCall(call ToolCallRequest, argsJSON string, state ToolCallState, resolvedJSON string) {
	e.emit(Event{Type: EventToolCall, ToolCall: &ToolCallEvent{
		ID:                    call.ID,
		Name:                  call.Name,
		ArgumentsJSON:         argsJSON,
		State:                 state,
		ResolvedArgumentsJSON: resolvedJSON,
	}})
}

func (e turnEmitter) newAsset(kind string, reference string) {
	e.emit(Event{Type: EventNewAsset, Asset: &AssetEvent{Kind: kind, Reference: reference}})
}
