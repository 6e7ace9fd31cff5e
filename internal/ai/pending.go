package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultConfirmTimeout is how long a media tool call waits for the user before the
// model's suggested parameters are used.
const DefaultConfirmTimeout = 90 * time.Second

// PendingConfirmation describes a tool call waiting for the user.
type PendingConfirmation struct {
	ToolCallID string      `json:"tool_call_id"`
	TurnID     string      `json:"turn_id"`
	Tool       ToolName    `json:"tool"`
	Suggested  ToolRequest `json:"suggested"`
	CreatedAt  time.Time   `json:"created_at"`
	Deadline   time.Time   `json:"deadline"`
}

type confirmOutcome struct {
	req      ToolRequest
	canceled bool
	err      error
}

type pendingEntry struct {
	info PendingConfirmation

	once    sync.Once
	done    chan struct{}
	outcome confirmOutcome
}

// settle assigns the outcome once. It reports whether this call won.
func (e *pendingEntry) settle(o confirmOutcome) bool {
	won := false
	e.once.Do(func() {
		e.outcome = o
		won = true
		close(e.done)
	})
	return won
}

// PendingRegistry tracks tool calls awaiting confirmation, keyed by tool call id.
type PendingRegistry struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	now     func() time.Time
}

func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{
		entries: make(map[string]*pendingEntry),
		now:     time.Now,
	}
}

// Await blocks until the confirmation for toolCallID is resolved.
//
// Returns:
//   - (req, false, nil): the user supplied req, or the timeout elapsed and req is suggested.
//   - (nil, true, nil): the user explicitly canceled.
//   - (nil, false, err): the turn was canceled (ctx error) or the registry tore it down (ErrTurnEnded).
func (r *PendingRegistry) Await(ctx context.Context, turnID string, toolCallID string, suggested ToolRequest, timeout time.Duration) (ToolRequest, bool, error) {
	return r.await(ctx, turnID, toolCallID, suggested, timeout, nil)
}

// await is Await with a hook that runs once the entry is resolvable, so listeners told about
// the confirmation can always resolve it.
func (r *PendingRegistry) await(ctx context.Context, turnID string, toolCallID string, suggested ToolRequest, timeout time.Duration, registered func()) (ToolRequest, bool, error) {
	if r == nil {
		return nil, false, fmt.Errorf("nil pending registry")
	}
	toolCallID = strings.TrimSpace(toolCallID)
	if toolCallID == "" {
		return nil, false, fmt.Errorf("missing tool call id")
	}
	if suggested == nil {
		return nil, false, fmt.Errorf("missing suggested request")
	}
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	created := r.now()
	entry := &pendingEntry{
		info: PendingConfirmation{
			ToolCallID: toolCallID,
			TurnID:     strings.TrimSpace(turnID),
			Tool:       suggested.Tool(),
			Suggested:  suggested,
			CreatedAt:  created,
			Deadline:   created.Add(timeout),
		},
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.entries[toolCallID]; exists {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("tool call %q already awaiting confirmation", toolCallID)
	}
	r.entries[toolCallID] = entry
	r.mu.Unlock()
	defer r.remove(toolCallID, entry)
	if registered != nil {
		registered()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-entry.done:
	case <-ctx.Done():
		entry.settle(confirmOutcome{err: ctx.Err()})
	case <-timer.C:
		entry.settle(confirmOutcome{req: suggested})
	}
	o := entry.outcome
	return o.req, o.canceled, o.err
}

// Resolve settles a pending confirmation. A nil payload cancels the tool call.
// It returns false (and no error) when nothing is pending under toolCallID.
// A validation error leaves the confirmation open.
func (r *PendingRegistry) Resolve(toolCallID string, payload any) (bool, error) {
	if r == nil {
		return false, nil
	}
	r.mu.Lock()
	entry := r.entries[strings.TrimSpace(toolCallID)]
	r.mu.Unlock()
	if entry == nil {
		return false, nil
	}
	if isNullPayload(payload) {
		return entry.settle(confirmOutcome{canceled: true}), nil
	}
	req, err := NormalizeValue(entry.info.Tool, payload, OriginUser)
	if err != nil {
		return false, err
	}
	return entry.settle(confirmOutcome{req: req}), nil
}

// RejectTurn force-rejects every confirmation opened by turnID. It returns the number rejected.
func (r *PendingRegistry) RejectTurn(turnID string) int {
	return r.rejectWhere(func(e *pendingEntry) bool { return e.info.TurnID == strings.TrimSpace(turnID) })
}

// RejectAll force-rejects every open confirmation (process teardown).
func (r *PendingRegistry) RejectAll() int {
	return r.rejectWhere(func(*pendingEntry) bool { return true })
}

func (r *PendingRegistry) rejectWhere(match func(*pendingEntry) bool) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	victims := make([]*pendingEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if match(e) {
			victims = append(victims, e)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, e := range victims {
		if e.settle(confirmOutcome{err: ErrTurnEnded}) {
			n++
		}
	}
	return n
}

// List returns the open confirmations ordered by creation time.
func (r *PendingRegistry) List() []PendingConfirmation {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]PendingConfirmation, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ToolCallID < out[j].ToolCallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *PendingRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *PendingRegistry) remove(toolCallID string, entry *pendingEntry) {
	r.mu.Lock()
	if r.entries[toolCallID] == entry {
		delete(r.entries, toolCallID)
	}
	r.mu.Unlock()
}

func isNullPayload(payload any) bool {
	switch v := payload.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == "null"
	case []byte:
		return strings.TrimSpace(string(v)) == "null"
	case json.RawMessage:
		return strings.TrimSpace(string(v)) == "" || strings.TrimSpace(string(v)) == "null"
	default:
		return false
	}
}
