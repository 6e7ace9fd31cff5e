package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type sessionFixture struct {
	session   *Session
	provider  *scriptedProvider
	searcher  *fakeSearcher
	generator *fakeGenerator
	assets    *memAssets
	sink      *RecordingSink
}

func newSessionFixture(t *testing.T, provider *scriptedProvider, confirmTimeout time.Duration) *sessionFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := &sessionFixture{
		provider:  provider,
		searcher:  &fakeSearcher{result: SearchResult{Abstract: "Go is a language.", Heading: "Go", Related: []string{"Gopher"}}},
		generator: &fakeGenerator{},
		assets:    &memAssets{},
		sink:      NewRecordingSink(),
	}
	exec := NewToolExecutor(ExecutorOptions{
		Searcher:       f.searcher,
		Generator:      f.generator,
		Assets:         f.assets,
		ConfirmTimeout: confirmTimeout,
		Logger:         logger,
	})
	s, err := NewSession(SessionOptions{
		Provider:     provider,
		Executor:     exec,
		Model:        "test-model",
		SystemPrompt: "be brief",
		Tools:        ToolDefinitions(ToolCatalogOptions{Search: true, Media: true}),
		Sink:         f.sink,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	f.session = s
	return f
}

func eventTypes(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Type == EventToolCall {
			out = append(out, string(ev.Type)+":"+string(ev.ToolCall.State))
			continue
		}
		out = append(out, string(ev.Type))
	}
	return out
}

func countTerminal(events []Event) int {
	n := 0
	for _, ev := range events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

func TestSession_PlainReply(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{passes: [][]Fragment{textFragments("Hel", "lo")}}
	f := newSessionFixture(t, p, time.Minute)

	res, err := f.session.RunTurn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != EventDone || res.Reply != "Hello" {
		t.Fatalf("result=%+v, want done/Hello", res)
	}
	if got := strings.Join(eventTypes(f.sink.Events()), ","); got != "token,token,done" {
		t.Fatalf("events=%q", got)
	}
	for _, ev := range f.sink.Events() {
		if ev.TurnID != res.TurnID {
			t.Fatalf("event turn id=%q, want %q", ev.TurnID, res.TurnID)
		}
	}

	h := f.session.History()
	if len(h) != 2 || h[0].Role != RoleUser || h[1].Role != RoleAssistant || h[1].Content != "Hello" {
		t.Fatalf("history=%+v", h)
	}
	reqs := p.Requests()
	if len(reqs) != 1 || len(reqs[0].Tools) != 4 || reqs[0].SystemPrompt != "be brief" {
		t.Fatalf("requests=%+v", reqs)
	}
	if _, active := f.session.ActiveTurn(); active {
		t.Fatalf("turn still active after RunTurn")
	}
}

func TestSession_SearchEndToEnd(t *testing.T) {
	t.Parallel()

	pass1 := append(textFragments("Looking it up. "), toolCallFragments(0, "call_s", "search", `{"que`, `ry":"golang"}`)...)
	p := &scriptedProvider{passes: [][]Fragment{pass1, textFragments("Go is a language.")}}
	f := newSessionFixture(t, p, time.Minute)

	res, err := f.session.RunTurn(context.Background(), "what is go?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != EventDone {
		t.Fatalf("outcome=%s err=%v, want done", res.Outcome, res.Err)
	}

	got := strings.Join(eventTypes(f.sink.Events()), ",")
	want := "token,tool_call:pending,tool_call:resolved,token,done"
	if got != want {
		t.Fatalf("events=%q, want %q", got, want)
	}
	if q := f.searcher.Queries(); len(q) != 1 || q[0] != "golang" {
		t.Fatalf("queries=%v, want [golang]", q)
	}

	h := f.session.History()
	roles := make([]string, 0, len(h))
	for _, m := range h {
		roles = append(roles, string(m.Role))
	}
	if strings.Join(roles, ",") != "user,assistant,assistant,tool,assistant" {
		t.Fatalf("roles=%v", roles)
	}
	toolMsg := h[3]
	if toolMsg.ToolCallID != "call_s" {
		t.Fatalf("tool_call_id=%q, want call_s", toolMsg.ToolCallID)
	}
	var payload SearchResult
	if err := json.Unmarshal([]byte(toolMsg.Content), &payload); err != nil {
		t.Fatalf("tool content %q: %v", toolMsg.Content, err)
	}
	if payload.Heading != "Go" || payload.Abstract != "Go is a language." {
		t.Fatalf("payload=%+v", payload)
	}

	reqs := p.Requests()
	if len(reqs) != 2 {
		t.Fatalf("passes=%d, want 2", len(reqs))
	}
	if reqs[0].NoToolUse {
		t.Fatalf("first pass forbids tool use")
	}
	if len(reqs[1].Tools) != len(reqs[0].Tools) || !reqs[1].NoToolUse {
		t.Fatalf("follow-up pass tools=%d no_tool_use=%v, want %d and true", len(reqs[1].Tools), reqs[1].NoToolUse, len(reqs[0].Tools))
	}
	if len(reqs[1].Messages) != 4 {
		t.Fatalf("follow-up pass saw %d messages, want 4", len(reqs[1].Messages))
	}
}

func TestSession_ImageCanceledByUser(t *testing.T) {
	t.Parallel()

	pass1 := toolCallFragments(0, "call_img", "generate_image", `{"prompt":"a cat","mode":"weird"}`)
	p := &scriptedProvider{passes: [][]Fragment{pass1, textFragments("Okay, no image.")}}
	f := newSessionFixture(t, p, time.Minute)

	if _, err := f.session.StartTurn("draw a cat"); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	awaiting := waitForEvent(t, f.sink, toolCallState(ToolCallAwaitingInput))
	if awaiting.ToolCall.ArgumentsJSON != `{"prompt":"a cat","mode":"auto"}` {
		t.Fatalf("suggested=%s", awaiting.ToolCall.ArgumentsJSON)
	}
	if pending := f.session.PendingConfirmations(); len(pending) != 1 || pending[0].ToolCallID != "call_img" {
		t.Fatalf("pending=%+v", pending)
	}

	ok, err := f.session.ResolveToolCall("call_img", nil)
	if !ok || err != nil {
		t.Fatalf("ResolveToolCall=(%v, %v)", ok, err)
	}
	term := waitForEvent(t, f.sink, isTerminal)
	if term.Type != EventDone {
		t.Fatalf("terminal=%s, want done", term.Type)
	}

	got := strings.Join(eventTypes(f.sink.Events()), ",")
	if got != "tool_call:awaiting_input,tool_call:canceled,token,done" {
		t.Fatalf("events=%q", got)
	}
	if calls := f.generator.Calls(); len(calls) != 0 {
		t.Fatalf("generator called %d times, want 0", len(calls))
	}
	h := f.session.History()
	var toolContent string
	for _, m := range h {
		if m.Role == RoleTool {
			toolContent = m.Content
		}
	}
	if !strings.Contains(toolContent, "canceled") {
		t.Fatalf("tool result=%q, want canceled result", toolContent)
	}
	if len(p.Requests()) != 2 {
		t.Fatalf("passes=%d, want 2", len(p.Requests()))
	}
}

func TestSession_ImageConfirmedWithReplacement(t *testing.T) {
	t.Parallel()

	pass1 := toolCallFragments(0, "call_img", "generate_image", `{"prompt":"a cat"}`)
	p := &scriptedProvider{passes: [][]Fragment{pass1, textFragments("Here it is.")}}
	f := newSessionFixture(t, p, time.Minute)

	if _, err := f.session.StartTurn("draw a cat"); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	waitForEvent(t, f.sink, toolCallState(ToolCallAwaitingInput))

	if ok, err := f.session.ResolveToolCall("call_img", map[string]any{"prompt": ""}); ok || !errors.Is(err, ErrMissingPrompt) {
		t.Fatalf("invalid resolve=(%v, %v), want (false, ErrMissingPrompt)", ok, err)
	}
	if ok, err := f.session.ResolveToolCall("call_img", map[string]any{"prompt": "a dog", "mode": "realistic"}); !ok || err != nil {
		t.Fatalf("ResolveToolCall=(%v, %v)", ok, err)
	}
	term := waitForEvent(t, f.sink, isTerminal)
	if term.Type != EventDone {
		t.Fatalf("terminal=%+v, want done", term)
	}

	got := strings.Join(eventTypes(f.sink.Events()), ",")
	if got != "tool_call:awaiting_input,tool_call:pending,new_asset,tool_call:resolved,token,done" {
		t.Fatalf("events=%q", got)
	}
	calls := f.generator.Calls()
	if len(calls) != 1 || calls[0] != (ImageRequest{Prompt: "a dog", Mode: ImageModeRealistic}) {
		t.Fatalf("generator calls=%+v", calls)
	}
	inputs := f.assets.Inputs()
	if len(inputs) != 1 || inputs[0].Kind != AssetKindImage || inputs[0].MimeType != "image/png" || inputs[0].ToolCallID != "call_img" {
		t.Fatalf("assets=%+v", inputs)
	}
	for _, ev := range f.sink.Events() {
		if ev.Type == EventNewAsset && (ev.Asset.Reference != "asset_1" || ev.Asset.Kind != "image") {
			t.Fatalf("new_asset=%+v", ev.Asset)
		}
		if ev.Type == EventToolCall && ev.ToolCall.State == ToolCallResolved && ev.ToolCall.ResolvedArgumentsJSON != `{"prompt":"a dog","mode":"realistic"}` {
			t.Fatalf("resolved args=%s", ev.ToolCall.ResolvedArgumentsJSON)
		}
	}
}

func TestSession_ConfirmationTimeoutUsesSuggested(t *testing.T) {
	t.Parallel()

	pass1 := toolCallFragments(0, "", "generate_audio", `{"prompt":"rain"}`)
	p := &scriptedProvider{passes: [][]Fragment{pass1, textFragments("Done.")}}
	f := newSessionFixture(t, p, 20*time.Millisecond)

	res, err := f.session.RunTurn(context.Background(), "make rain sounds")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != EventDone {
		t.Fatalf("outcome=%s err=%v", res.Outcome, res.Err)
	}
	calls := f.generator.Calls()
	if len(calls) != 1 || calls[0] != (AudioRequest{Prompt: "rain"}) {
		t.Fatalf("generator calls=%+v", calls)
	}
	// The call had no id from the model; one was generated.
	h := f.session.History()
	if id := h[1].ToolCalls[0].ID; !strings.HasPrefix(id, "call_") {
		t.Fatalf("generated id=%q", id)
	}
}

func TestSession_StopDuringConfirmationAborts(t *testing.T) {
	t.Parallel()

	pass1 := append(
		toolCallFragments(0, "call_a", "generate_image", `{"prompt":"a"}`),
		toolCallFragments(1, "call_b", "generate_video", `{"prompt":"b"}`)...,
	)
	p := &scriptedProvider{passes: [][]Fragment{pass1, textFragments("never")}}
	f := newSessionFixture(t, p, time.Minute)

	if _, err := f.session.StartTurn("two things"); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	waitForEvent(t, f.sink, toolCallState(ToolCallAwaitingInput))

	if !f.session.Stop() {
		t.Fatalf("Stop()=false, want true")
	}
	term := waitForEvent(t, f.sink, isTerminal)
	if term.Type != EventAborted {
		t.Fatalf("terminal=%+v, want aborted", term)
	}
	if err := f.session.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if calls := f.generator.Calls(); len(calls) != 0 {
		t.Fatalf("generator calls=%d, want 0", len(calls))
	}
	if len(p.Requests()) != 1 {
		t.Fatalf("passes=%d, want 1", len(p.Requests()))
	}
	if n := countTerminal(f.sink.Events()); n != 1 {
		t.Fatalf("terminal events=%d, want 1", n)
	}
	if pending := f.session.PendingConfirmations(); len(pending) != 0 {
		t.Fatalf("pending=%+v after abort", pending)
	}
	// Every tool call stays answered so the next pass sees valid history.
	tools := 0
	for _, m := range f.session.History() {
		if m.Role == RoleTool {
			tools++
		}
	}
	if tools != 2 {
		t.Fatalf("tool messages=%d, want 2", tools)
	}
	if f.session.Stop() {
		t.Fatalf("Stop() after abort=true, want false")
	}
}

func TestSession_StopDuringStreamingAborts(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{passes: [][]Fragment{textFragments("partial")}, block: 1}
	f := newSessionFixture(t, p, time.Minute)

	if _, err := f.session.StartTurn("hello"); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	waitForEvent(t, f.sink, func(ev Event) bool { return ev.Type == EventToken })
	f.session.Stop()
	term := waitForEvent(t, f.sink, isTerminal)
	if term.Type != EventAborted {
		t.Fatalf("terminal=%+v, want aborted", term)
	}
}

func TestSession_ConcurrentStartRejected(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{passes: [][]Fragment{textFragments("x")}, block: 1}
	f := newSessionFixture(t, p, time.Minute)

	id, err := f.session.StartTurn("first")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if info, ok := f.session.ActiveTurn(); !ok || info.ID != id {
		t.Fatalf("ActiveTurn=(%+v, %v), want %s", info, ok, id)
	}
	if _, err := f.session.StartTurn("second"); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("second StartTurn err=%v, want ErrTurnInProgress", err)
	}
	if _, err := f.session.RunTurn(context.Background(), "third"); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("RunTurn err=%v, want ErrTurnInProgress", err)
	}
	if err := f.session.Reset(); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("Reset err=%v, want ErrTurnInProgress", err)
	}
	f.session.Stop()
	waitForEvent(t, f.sink, isTerminal)
}

func TestSession_UpstreamFailureEndsInError(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{errs: []error{errors.New("upstream 503: overloaded")}}
	f := newSessionFixture(t, p, time.Minute)

	res, err := f.session.RunTurn(context.Background(), "hi")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Outcome != EventError {
		t.Fatalf("outcome=%s, want error", res.Outcome)
	}
	events := f.sink.Events()
	last := events[len(events)-1]
	if last.Type != EventError || last.Error != "upstream 503: overloaded" {
		t.Fatalf("last event=%+v", last)
	}
}

func TestSession_EmptySearchQueryEndsInError(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{passes: [][]Fragment{toolCallFragments(0, "call_s", "search", `{"query":"  "}`)}}
	f := newSessionFixture(t, p, time.Minute)

	res, _ := f.session.RunTurn(context.Background(), "search nothing")
	if res.Outcome != EventError || !errors.Is(res.Err, ErrEmptyQuery) {
		t.Fatalf("result=%+v, want error/ErrEmptyQuery", res)
	}
	if q := f.searcher.Queries(); len(q) != 0 {
		t.Fatalf("searcher called with %v", q)
	}
}

func TestSession_UnknownToolAnswersWithError(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{passes: [][]Fragment{
		toolCallFragments(0, "call_x", "shell", `{"cmd":"ls"}`),
		textFragments("I can't do that."),
	}}
	f := newSessionFixture(t, p, time.Minute)

	res, _ := f.session.RunTurn(context.Background(), "list files")
	if res.Outcome != EventDone {
		t.Fatalf("outcome=%s err=%v, want done", res.Outcome, res.Err)
	}
	h := f.session.History()
	if h[2].Role != RoleTool || !strings.Contains(h[2].Content, "unknown tool") {
		t.Fatalf("tool message=%+v", h[2])
	}
}

func TestSession_ResetThenReplayIsIndependent(t *testing.T) {
	t.Parallel()

	script := [][]Fragment{textFragments("one"), textFragments("one")}
	p := &scriptedProvider{passes: script}
	f := newSessionFixture(t, p, time.Minute)

	first, _ := f.session.RunTurn(context.Background(), "say one")
	if err := f.session.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if h := f.session.History(); len(h) != 0 {
		t.Fatalf("history after reset=%+v", h)
	}
	second, _ := f.session.RunTurn(context.Background(), "say one")

	if first.Reply != second.Reply || first.Outcome != second.Outcome {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if first.TurnID == second.TurnID {
		t.Fatalf("turn ids repeat: %s", first.TurnID)
	}
	reqs := p.Requests()
	if len(reqs[0].Messages) != len(reqs[1].Messages) {
		t.Fatalf("replay saw %d messages, first saw %d", len(reqs[1].Messages), len(reqs[0].Messages))
	}
}

func TestSession_CloseRejectsNewTurns(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{passes: [][]Fragment{toolCallFragments(0, "call_a", "generate_image", `{"prompt":"a"}`)}}
	f := newSessionFixture(t, p, time.Minute)

	if _, err := f.session.StartTurn("draw"); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	waitForEvent(t, f.sink, toolCallState(ToolCallAwaitingInput))
	f.session.Close()

	if term := waitForEvent(t, f.sink, isTerminal); term.Type != EventAborted {
		t.Fatalf("terminal=%+v, want aborted", term)
	}
	if _, err := f.session.StartTurn("again"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("StartTurn after Close err=%v, want ErrSessionClosed", err)
	}
}
