package ai

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// scriptedProvider replays one fragment script per completion pass and records requests.
type scriptedProvider struct {
	mu       sync.Mutex
	passes   [][]Fragment
	errs     []error
	requests []CompletionRequest
	// block, when set, makes the pass with that number (1-based) wait for ctx cancellation
	// after emitting its fragments.
	block int
}

func (p *scriptedProvider) StreamCompletion(ctx context.Context, req CompletionRequest, onFragment func(Fragment) error) error {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	var script []Fragment
	if n < len(p.passes) {
		script = p.passes[n]
	}
	var passErr error
	if n < len(p.errs) {
		passErr = p.errs[n]
	}
	block := p.block == n+1
	p.mu.Unlock()

	for _, f := range script {
		if err := onFragment(f); err != nil {
			return err
		}
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return passErr
}

func (p *scriptedProvider) Requests() []CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompletionRequest(nil), p.requests...)
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	result  SearchResult
	err     error
}

func (s *fakeSearcher) Search(_ context.Context, query string) (SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	return s.result, s.err
}

func (s *fakeSearcher) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls []ToolRequest
	err   error
}

func (g *fakeGenerator) record(req ToolRequest, mime string) (Media, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return Media{}, g.err
	}
	return Media{Data: []byte("bytes:" + string(req.Tool())), MimeType: mime}, nil
}

func (g *fakeGenerator) GenerateImage(_ context.Context, req ImageRequest) (Media, error) {
	return g.record(req, "image/png")
}

func (g *fakeGenerator) GenerateVideo(_ context.Context, req VideoRequest) (Media, error) {
	return g.record(req, "video/mp4")
}

func (g *fakeGenerator) GenerateAudio(_ context.Context, req AudioRequest) (Media, error) {
	return g.record(req, "audio/mpeg")
}

func (g *fakeGenerator) Calls() []ToolRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ToolRequest(nil), g.calls...)
}

type memAssets struct {
	mu     sync.Mutex
	inputs []AssetInput
}

func (m *memAssets) StoreAsset(_ context.Context, in AssetInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, in)
	return fmt.Sprintf("asset_%d", len(m.inputs)), nil
}

func (m *memAssets) Inputs() []AssetInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AssetInput(nil), m.inputs...)
}

// waitForEvent blocks until an event matching pred is recorded.
func waitForEvent(t *testing.T, sink *RecordingSink, pred func(Event) bool) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		for _, ev := range sink.Events() {
			if pred(ev) {
				return ev
			}
		}
		select {
		case <-sink.Changed():
		case <-timeout:
			t.Fatalf("timed out waiting for event; got %+v", sink.Events())
		}
	}
}

func toolCallState(state ToolCallState) func(Event) bool {
	return func(ev Event) bool {
		return ev.Type == EventToolCall && ev.ToolCall != nil && ev.ToolCall.State == state
	}
}

func isTerminal(ev Event) bool { return ev.Terminal() }

func textFragments(parts ...string) []Fragment {
	out := make([]Fragment, 0, len(parts))
	for _, p := range parts {
		out = append(out, Fragment{ContentDelta: p})
	}
	return out
}

func toolCallFragments(index int, id string, name string, argChunks ...string) []Fragment {
	out := []Fragment{{ToolCallDeltas: []ToolCallDelta{{Index: index, ID: id, Name: name}}}}
	for _, c := range argChunks {
		out = append(out, Fragment{ToolCallDeltas: []ToolCallDelta{{Index: index, ArgumentsDelta: c}}})
	}
	return out
}
