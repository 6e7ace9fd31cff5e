package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/floegence/flowerdesk/internal/ai"
	"github.com/floegence/flowerdesk/internal/assetstore"
	"github.com/floegence/flowerdesk/internal/auditlog"
	"github.com/floegence/flowerdesk/internal/monitor"
)

type stubGenerator struct {
	mu      sync.Mutex
	prompts []string
}

func (g *stubGenerator) GenerateImage(_ context.Context, req ai.ImageRequest) (ai.Media, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, req.Prompt)
	g.mu.Unlock()
	return ai.Media{Data: []byte("\x89PNG\r\n\x1a\nimg"), MimeType: "image/png"}, nil
}

func (g *stubGenerator) GenerateVideo(context.Context, ai.VideoRequest) (ai.Media, error) {
	return ai.Media{}, errors.New("not configured")
}

func (g *stubGenerator) GenerateAudio(context.Context, ai.AudioRequest) (ai.Media, error) {
	return ai.Media{}, errors.New("not configured")
}

// imageThenReply asks for one image on the first pass and replies with text on the second.
func imageThenReply() ai.Provider {
	var mu sync.Mutex
	pass := 0
	return ai.ProviderFunc(func(ctx context.Context, req ai.CompletionRequest, onFragment func(ai.Fragment) error) error {
		mu.Lock()
		pass++
		n := pass
		mu.Unlock()
		if n == 1 {
			return onFragment(ai.Fragment{ToolCallDeltas: []ai.ToolCallDelta{{
				Index: 0, ID: "call_img", Name: "generate_image", ArgumentsDelta: `{"prompt":"a red fox"}`,
			}}})
		}
		return onFragment(ai.Fragment{ContentDelta: "Here it is."})
	})
}

type testEnv struct {
	srv       *httptest.Server
	session   *ai.Session
	hub       *Hub
	generator *stubGenerator
	assets    *assetstore.Store
}

func newTestEnv(t *testing.T, provider ai.Provider) *testEnv {
	t.Helper()

	store, err := assetstore.Open(filepath.Join(t.TempDir(), "assets.sqlite"))
	if err != nil {
		t.Fatalf("assetstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	audit, err := auditlog.New(auditlog.Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("auditlog.New: %v", err)
	}
	hub := NewHub(nil)
	gen := &stubGenerator{}
	session, err := ai.NewSession(ai.SessionOptions{
		Provider: provider,
		Executor: ai.NewToolExecutor(ai.ExecutorOptions{Generator: gen, Assets: store, ConfirmTimeout: time.Minute}),
		Model:    "test-model",
		Tools:    ai.ToolDefinitions(ai.ToolCatalogOptions{Media: true}),
		Sink: ai.SinkFunc(func(ev ai.Event) {
			audit.Emit(ev)
			hub.Emit(ev)
		}),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(session.Close)

	s, err := New(Options{Session: session, Hub: hub, Assets: store, Audit: audit, Monitor: monitor.NewService(nil), Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, session: session, hub: hub, generator: gen, assets: store}
}

func (e *testEnv) subscribe(t *testing.T) <-chan ai.Event {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type=%q, want text/event-stream", ct)
	}
	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	out := make(chan ai.Event, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev ai.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err == nil {
				out <- ev
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan ai.Event, match func(ai.Event) bool) ai.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func postJSON(t *testing.T, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func TestServer_ImageTurnOverHTTP(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, imageThenReply())
	events := env.subscribe(t)

	resp, body := postJSON(t, env.srv.URL+"/v1/turns", `{"text":"draw a fox"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d, want 202: %v", resp.StatusCode, body)
	}
	turnID, _ := body["turn_id"].(string)
	if turnID == "" {
		t.Fatalf("missing turn_id: %v", body)
	}

	awaiting := nextEvent(t, events, func(ev ai.Event) bool {
		return ev.Type == ai.EventToolCall && ev.ToolCall != nil && ev.ToolCall.State == ai.ToolCallAwaitingInput
	})
	if awaiting.TurnID != turnID || awaiting.ToolCall.ID != "call_img" {
		t.Fatalf("awaiting=%+v", awaiting)
	}

	resp, body = postJSON(t, env.srv.URL+"/v1/turns", `{"text":"again"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("concurrent start status=%d, want 409: %v", resp.StatusCode, body)
	}

	resp, body = postJSON(t, env.srv.URL+"/v1/tool-calls/call_img/resolve", `{"arguments":{"prompt":"a blue fox","mode":"landscape"}}`)
	if resp.StatusCode != http.StatusOK || body["resolved"] != true {
		t.Fatalf("resolve status=%d body=%v", resp.StatusCode, body)
	}

	asset := nextEvent(t, events, func(ev ai.Event) bool { return ev.Type == ai.EventNewAsset })
	if asset.Asset == nil || asset.Asset.Kind != ai.AssetKindImage || asset.Asset.Reference == "" {
		t.Fatalf("asset event=%+v", asset)
	}
	done := nextEvent(t, events, func(ev ai.Event) bool { return ev.Terminal() })
	if done.Type != ai.EventDone {
		t.Fatalf("terminal=%+v, want done", done)
	}

	env.generator.mu.Lock()
	prompts := append([]string(nil), env.generator.prompts...)
	env.generator.mu.Unlock()
	if len(prompts) != 1 || prompts[0] != "a blue fox" {
		t.Fatalf("prompts=%v, want user-reviewed prompt", prompts)
	}

	blob, err := http.Get(env.srv.URL + "/v1/assets/" + asset.Asset.Reference)
	if err != nil {
		t.Fatalf("GET asset: %v", err)
	}
	defer blob.Body.Close()
	if ct := blob.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("asset Content-Type=%q, want image/png", ct)
	}

	histResp, err := http.Get(env.srv.URL + "/v1/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer histResp.Body.Close()
	var hist struct {
		Messages []ai.Message `json:"messages"`
	}
	if err := json.NewDecoder(histResp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	// user, assistant(tool_calls), tool, assistant
	if len(hist.Messages) != 4 || hist.Messages[3].Content != "Here it is." {
		t.Fatalf("history=%+v", hist.Messages)
	}

	auditResp, err := http.Get(env.srv.URL + "/v1/audit?limit=10")
	if err != nil {
		t.Fatalf("GET audit: %v", err)
	}
	defer auditResp.Body.Close()
	var trail struct {
		Entries []auditlog.Entry `json:"entries"`
	}
	if err := json.NewDecoder(auditResp.Body).Decode(&trail); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	actions := make([]string, 0, len(trail.Entries))
	for _, e := range trail.Entries {
		actions = append(actions, e.Action)
	}
	want := "turn_done,tool_call_resolved,asset_created,tool_call_awaiting_input"
	if got := strings.Join(actions, ","); got != want {
		t.Fatalf("audit actions=%q, want %q", got, want)
	}
}

func TestServer_ResolveUnknownAndInvalid(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, imageThenReply())

	resp, body := postJSON(t, env.srv.URL+"/v1/tool-calls/nope/resolve", `{"arguments":null}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404: %v", resp.StatusCode, body)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["type"] != "not_found_error" {
		t.Fatalf("error body=%v", body)
	}

	events := env.subscribe(t)
	if resp, _ := postJSON(t, env.srv.URL+"/v1/turns", `{"text":"draw"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status=%d", resp.StatusCode)
	}
	nextEvent(t, events, func(ev ai.Event) bool {
		return ev.Type == ai.EventToolCall && ev.ToolCall != nil && ev.ToolCall.State == ai.ToolCallAwaitingInput
	})

	resp, body = postJSON(t, env.srv.URL+"/v1/tool-calls/call_img/resolve", `{"arguments":{"prompt":"  "}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid resolve status=%d, want 400: %v", resp.StatusCode, body)
	}
	if n := len(env.session.PendingConfirmations()); n != 1 {
		t.Fatalf("pending=%d, want confirmation kept open", n)
	}

	resp, body = postJSON(t, env.srv.URL+"/v1/tool-calls/call_img/resolve", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status=%d: %v", resp.StatusCode, body)
	}
	canceled := nextEvent(t, events, func(ev ai.Event) bool {
		return ev.Type == ai.EventToolCall && ev.ToolCall != nil && ev.ToolCall.State == ai.ToolCallCanceled
	})
	if canceled.ToolCall.ID != "call_img" {
		t.Fatalf("canceled=%+v", canceled)
	}
	if term := nextEvent(t, events, func(ev ai.Event) bool { return ev.Terminal() }); term.Type != ai.EventDone {
		t.Fatalf("terminal=%+v, want done", term)
	}
	env.generator.mu.Lock()
	called := len(env.generator.prompts)
	env.generator.mu.Unlock()
	if called != 0 {
		t.Fatalf("generator called %d times after cancel", called)
	}
}

func TestServer_StopAndReset(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, imageThenReply())
	events := env.subscribe(t)

	resp, body := postJSON(t, env.srv.URL+"/v1/turns/stop", `{}`)
	if resp.StatusCode != http.StatusOK || body["stopped"] != false {
		t.Fatalf("idle stop status=%d body=%v", resp.StatusCode, body)
	}

	postJSON(t, env.srv.URL+"/v1/turns", `{"text":"draw"}`)
	nextEvent(t, events, func(ev ai.Event) bool {
		return ev.Type == ai.EventToolCall && ev.ToolCall != nil && ev.ToolCall.State == ai.ToolCallAwaitingInput
	})

	active, err := http.Get(env.srv.URL + "/v1/turns/active")
	if err != nil {
		t.Fatalf("GET active: %v", err)
	}
	active.Body.Close()
	if active.StatusCode != http.StatusOK {
		t.Fatalf("active status=%d, want 200", active.StatusCode)
	}

	if resp, _ := postJSON(t, env.srv.URL+"/v1/reset", `{}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("reset during turn status=%d, want 409", resp.StatusCode)
	}

	resp, body = postJSON(t, env.srv.URL+"/v1/turns/stop", `{}`)
	if body["stopped"] != true {
		t.Fatalf("stop body=%v", body)
	}
	if term := nextEvent(t, events, func(ev ai.Event) bool { return ev.Terminal() }); term.Type != ai.EventAborted {
		t.Fatalf("terminal=%+v, want aborted", term)
	}

	if resp, _ := postJSON(t, env.srv.URL+"/v1/reset", `{}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status=%d, want 204", resp.StatusCode)
	}
	if n := len(env.session.History()); n != 0 {
		t.Fatalf("history len=%d after reset", n)
	}
}

func TestServer_BadRequestsAndHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, imageThenReply())

	cases := map[string]string{
		"empty body":   ``,
		"invalid json": `{"text":`,
		"blank text":   `{"text":"   "}`,
		"two objects":  `{"text":"a"}{"text":"b"}`,
	}
	for name, body := range cases {
		resp, out := postJSON(t, env.srv.URL+"/v1/turns", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status=%d, want 400: %v", name, resp.StatusCode, out)
		}
	}

	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var health struct {
		Status  string            `json:"status"`
		Version string            `json:"version"`
		System  *monitor.Snapshot `json:"system"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Version != "test" || health.System == nil {
		t.Fatalf("health=%+v", health)
	}

	missing, err := http.Get(env.srv.URL + "/v1/assets/01HZZZZZZZZZZZZZZZZZZZZZZZ")
	if err != nil {
		t.Fatalf("GET asset: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing asset status=%d, want 404", missing.StatusCode)
	}
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	ch, unsubscribe := h.Subscribe()
	for i := 0; i < subscriberBuffer+1; i++ {
		h.Emit(ai.Event{TurnID: "t", Type: ai.EventToken, Text: "x"})
	}
	if n := h.Subscribers(); n != 0 {
		t.Fatalf("subscribers=%d, want slow subscriber dropped", n)
	}
	count := 0
	for range ch {
		count++
	}
	if count != subscriberBuffer {
		t.Fatalf("buffered=%d, want %d", count, subscriberBuffer)
	}
	unsubscribe()

	late, _ := h.Subscribe()
	h.Close()
	if _, ok := <-late; ok {
		t.Fatalf("channel open after Close")
	}
}
