package ai

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitForPending(t *testing.T, r *PendingRegistry, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("pending=%d, want %d", r.Len(), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type awaitResult struct {
	req      ToolRequest
	canceled bool
	err      error
}

func startAwait(r *PendingRegistry, ctx context.Context, turnID string, id string, suggested ToolRequest, timeout time.Duration) <-chan awaitResult {
	ch := make(chan awaitResult, 1)
	go func() {
		req, canceled, err := r.Await(ctx, turnID, id, suggested, timeout)
		ch <- awaitResult{req: req, canceled: canceled, err: err}
	}()
	return ch
}

func TestPendingRegistry_TimeoutResolvesToSuggested(t *testing.T) {
	t.Parallel()

	r := NewPendingRegistry()
	suggested := ImageRequest{Prompt: "a cat", Mode: ImageModeAuto}
	req, canceled, err := r.Await(context.Background(), "turn_1", "call_1", suggested, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if canceled {
		t.Fatalf("canceled=true, want false")
	}
	if req != suggested {
		t.Fatalf("req=%+v, want %+v", req, suggested)
	}
	if r.Len() != 0 {
		t.Fatalf("pending=%d after timeout, want 0", r.Len())
	}
}

func TestPendingRegistry_ResolveUnknownIDIsNoop(t *testing.T) {
	t.Parallel()

	r := NewPendingRegistry()
	done := startAwait(r, context.Background(), "turn_1", "call_1", AudioRequest{Prompt: "rain"}, time.Minute)
	waitForPending(t, r, 1)

	ok, err := r.Resolve("call_missing", map[string]any{"prompt": "x"})
	if ok || err != nil {
		t.Fatalf("Resolve(unknown)=(%v, %v), want (false, nil)", ok, err)
	}
	if r.Len() != 1 {
		t.Fatalf("pending=%d, want 1", r.Len())
	}

	ok, err = r.Resolve("call_1", map[string]any{"prompt": "thunder"})
	if !ok || err != nil {
		t.Fatalf("Resolve=(%v, %v), want (true, nil)", ok, err)
	}
	res := <-done
	if res.err != nil || res.canceled {
		t.Fatalf("await result=%+v", res)
	}
	if got := res.req.(AudioRequest).Prompt; got != "thunder" {
		t.Fatalf("prompt=%q, want %q", got, "thunder")
	}

	ok, _ = r.Resolve("call_1", nil)
	if ok {
		t.Fatalf("second Resolve returned true after settlement")
	}
}

func TestPendingRegistry_NullPayloadCancels(t *testing.T) {
	t.Parallel()

	r := NewPendingRegistry()
	done := startAwait(r, context.Background(), "turn_1", "call_1", ImageRequest{Prompt: "x", Mode: ImageModeAuto}, time.Minute)
	waitForPending(t, r, 1)

	ok, err := r.Resolve("call_1", nil)
	if !ok || err != nil {
		t.Fatalf("Resolve(nil)=(%v, %v), want (true, nil)", ok, err)
	}
	res := <-done
	if !res.canceled || res.req != nil || res.err != nil {
		t.Fatalf("await result=%+v, want canceled", res)
	}
}

func TestPendingRegistry_ValidationErrorKeepsConfirmationOpen(t *testing.T) {
	t.Parallel()

	r := NewPendingRegistry()
	done := startAwait(r, context.Background(), "turn_1", "call_1", VideoRequest{Prompt: "x"}, time.Minute)
	waitForPending(t, r, 1)

	ok, err := r.Resolve("call_1", map[string]any{"prompt": ""})
	if ok || !errors.Is(err, ErrMissingPrompt) {
		t.Fatalf("Resolve(empty prompt)=(%v, %v), want (false, ErrMissingPrompt)", ok, err)
	}
	if r.Len() != 1 {
		t.Fatalf("pending=%d, want 1", r.Len())
	}

	ok, err = r.Resolve("call_1", `{"prompt":"a river","duration":45,"image_urls":["u1"]}`)
	if !ok || err != nil {
		t.Fatalf("Resolve=(%v, %v), want (true, nil)", ok, err)
	}
	res := <-done
	got := res.req.(VideoRequest)
	if got.Prompt != "a river" || got.Duration != 30 || len(got.ImageURLs) != 1 {
		t.Fatalf("req=%+v", got)
	}
}

func TestPendingRegistry_TurnCancelRejectsAllWaits(t *testing.T) {
	t.Parallel()

	r := NewPendingRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	a := startAwait(r, ctx, "turn_1", "call_a", ImageRequest{Prompt: "a"}, time.Minute)
	b := startAwait(r, ctx, "turn_1", "call_b", AudioRequest{Prompt: "b"}, time.Minute)
	waitForPending(t, r, 2)

	cancel()
	for _, ch := range []<-chan awaitResult{a, b} {
		res := <-ch
		if !errors.Is(res.err, context.Canceled) {
			t.Fatalf("err=%v, want context.Canceled", res.err)
		}
		if res.req != nil {
			t.Fatalf("req=%+v, want nil", res.req)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("pending=%d, want 0", r.Len())
	}
}

func TestPendingRegistry_RejectTurnOnlyTouchesThatTurn(t *testing.T) {
	t.Parallel()

	r := NewPendingRegistry()
	a := startAwait(r, context.Background(), "turn_1", "call_a", ImageRequest{Prompt: "a"}, time.Minute)
	b := startAwait(r, context.Background(), "turn_2", "call_b", ImageRequest{Prompt: "b"}, time.Minute)
	waitForPending(t, r, 2)

	if n := r.RejectTurn("turn_1"); n != 1 {
		t.Fatalf("RejectTurn=%d, want 1", n)
	}
	if res := <-a; !errors.Is(res.err, ErrTurnEnded) {
		t.Fatalf("err=%v, want ErrTurnEnded", res.err)
	}
	list := r.List()
	if len(list) != 1 || list[0].ToolCallID != "call_b" || list[0].Tool != ToolGenerateImage {
		t.Fatalf("List()=%+v", list)
	}

	if n := r.RejectAll(); n != 1 {
		t.Fatalf("RejectAll=%d, want 1", n)
	}
	if res := <-b; !errors.Is(res.err, ErrTurnEnded) {
		t.Fatalf("err=%v, want ErrTurnEnded", res.err)
	}
}

func TestPendingRegistry_DuplicateIDRejected(t *testing.T) {
	t.Parallel()

	r := NewPendingRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = startAwait(r, ctx, "turn_1", "call_1", ImageRequest{Prompt: "a"}, time.Minute)
	waitForPending(t, r, 1)

	if _, _, err := r.Await(ctx, "turn_1", "call_1", ImageRequest{Prompt: "b"}, time.Minute); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestPendingRegistry_RegisteredHookSeesResolvableEntry(t *testing.T) {
	t.Parallel()

	r := NewPendingRegistry()
	resolvedInHook := make(chan bool, 1)
	req, canceled, err := r.await(context.Background(), "turn_1", "call_1", AudioRequest{Prompt: "rain"}, time.Minute, func() {
		ok, err := r.Resolve("call_1", map[string]any{"prompt": "thunder"})
		resolvedInHook <- ok && err == nil
	})
	if err != nil || canceled {
		t.Fatalf("await=(%v, %v, %v)", req, canceled, err)
	}
	if !<-resolvedInHook {
		t.Fatalf("Resolve inside the hook did not find the entry")
	}
	if got := req.(AudioRequest).Prompt; got != "thunder" {
		t.Fatalf("prompt=%q, want %q", got, "thunder")
	}
	if r.Len() != 0 {
		t.Fatalf("entry left behind")
	}
}
