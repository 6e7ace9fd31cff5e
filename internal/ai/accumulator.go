package ai

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Fragment is one incremental piece of a streamed completion.
type Fragment struct {
	ContentDelta   string
	ToolCallDeltas []ToolCallDelta
}

// ToolCallDelta is a partial tool call keyed by its stable position Index.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

// deltaAccumulator rebuilds assistant text and tool calls from fragments of one pass.
type deltaAccumulator struct {
	onText   func(string)
	text     strings.Builder
	partials map[int]*partialToolCall
	newID    func() string
}

func newDeltaAccumulator(onText func(string)) *deltaAccumulator {
	return &deltaAccumulator{
		onText:   onText,
		partials: make(map[int]*partialToolCall),
		newID:    newToolCallID,
	}
}

func (a *deltaAccumulator) Add(f Fragment) {
	if f.ContentDelta != "" {
		a.text.WriteString(f.ContentDelta)
		if a.onText != nil {
			a.onText(f.ContentDelta)
		}
	}
	for _, d := range f.ToolCallDeltas {
		pc := a.partials[d.Index]
		if pc == nil {
			pc = &partialToolCall{}
			a.partials[d.Index] = pc
		}
		if pc.id == "" {
			pc.id = strings.TrimSpace(d.ID)
		}
		if pc.name == "" {
			pc.name = strings.TrimSpace(d.Name)
		}
		pc.args.WriteString(d.ArgumentsDelta)
	}
}

// Text is the assistant text accumulated so far.
func (a *deltaAccumulator) Text() string {
	return a.text.String()
}

// Finalize returns the tool calls in ascending index order. Indexes without a name are dropped.
func (a *deltaAccumulator) Finalize() []ToolCallRequest {
	indices := make([]int, 0, len(a.partials))
	for idx, pc := range a.partials {
		if pc == nil || pc.name == "" {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := make([]ToolCallRequest, 0, len(indices))
	seen := make(map[string]struct{}, len(indices))
	for _, idx := range indices {
		pc := a.partials[idx]
		id := pc.id
		if _, dup := seen[id]; id == "" || dup {
			id = a.newID()
		}
		seen[id] = struct{}{}
		out = append(out, ToolCallRequest{ID: id, Name: pc.name, RawArguments: pc.args.String()})
	}
	return out
}

func newToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
