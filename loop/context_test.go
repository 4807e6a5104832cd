package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beam-cloud/fastloop/state"
)

func newTestContext(t *testing.T) (*Context, state.Manager) {
	t.Helper()
	sm := state.NewMemoryManager()
	loop, _, err := sm.GetOrCreateLoop(context.Background(), "test-loop", "", 60)
	if err != nil {
		t.Fatalf("creating loop: %v", err)
	}
	return NewContext(loop.LoopID, nil, sm), sm
}

func TestWaitForDeliversQueuedEvent(t *testing.T) {
	c, sm := newTestContext(t)
	ctx := context.Background()

	want := &state.Event{Type: "msg", LoopID: c.LoopID, Sender: state.SenderClient, Payload: map[string]any{"n": 1}}
	if err := sm.PushEvent(ctx, c.LoopID, want); err != nil {
		t.Fatalf("push: %v", err)
	}

	got, err := c.WaitFor(ctx, "msg", time.Second)
	if err != nil {
		t.Fatalf("wait_for: %v", err)
	}
	if got.Type != "msg" || got.Payload["n"] != 1 {
		t.Fatalf("got %+v", got)
	}
	if !c.EventObserved() {
		t.Fatal("consuming an event must mark the cycle")
	}
}

func TestWaitForWakesOnLatePush(t *testing.T) {
	c, sm := newTestContext(t)
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		sm.PushEvent(ctx, c.LoopID, &state.Event{Type: "msg", LoopID: c.LoopID, Sender: state.SenderClient})
	}()

	start := time.Now()
	if _, err := c.WaitFor(ctx, "msg", 5*time.Second); err != nil {
		t.Fatalf("wait_for: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("delivery took %v, notification path not working", elapsed)
	}
}

func TestWaitForTimeout(t *testing.T) {
	c, _ := newTestContext(t)

	_, err := c.WaitFor(context.Background(), "never", 50*time.Millisecond)
	if !errors.Is(err, ErrEventTimeout) {
		t.Fatalf("err = %v, want ErrEventTimeout", err)
	}
	if c.EventObserved() {
		t.Fatal("a timed-out wait must not mark the cycle")
	}
}

func TestWaitForInvalidTimeout(t *testing.T) {
	c, _ := newTestContext(t)

	for _, timeout := range []time.Duration{0, -time.Second} {
		if _, err := c.WaitFor(context.Background(), "msg", timeout); !errors.Is(err, ErrInvalidTimeout) {
			t.Fatalf("timeout %v: err = %v, want ErrInvalidTimeout", timeout, err)
		}
	}
}

func TestWaitForObservesStopAndPause(t *testing.T) {
	c, _ := newTestContext(t)
	c.Stop()
	if _, err := c.WaitFor(context.Background(), "msg", time.Second); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("err = %v, want ErrLoopStopped", err)
	}

	c2, _ := newTestContext(t)
	c2.Pause()
	if _, err := c2.WaitFor(context.Background(), "msg", time.Second); !errors.Is(err, ErrLoopPaused) {
		t.Fatalf("err = %v, want ErrLoopPaused", err)
	}
}

func TestWaitForIgnoresOtherTypesAndDirections(t *testing.T) {
	c, sm := newTestContext(t)
	ctx := context.Background()

	sm.PushEvent(ctx, c.LoopID, &state.Event{Type: "other", LoopID: c.LoopID, Sender: state.SenderClient})
	sm.PushEvent(ctx, c.LoopID, &state.Event{Type: "msg", LoopID: c.LoopID, Sender: state.SenderServer})

	if _, err := c.WaitFor(ctx, "msg", 50*time.Millisecond); !errors.Is(err, ErrEventTimeout) {
		t.Fatalf("err = %v, want ErrEventTimeout", err)
	}
}

func TestEmitAssignsEnvelopeAndNonce(t *testing.T) {
	c, sm := newTestContext(t)
	ctx := context.Background()

	first := &state.Event{Type: "reply", Payload: map[string]any{"text": "hi"}}
	if err := c.Emit(ctx, first); err != nil {
		t.Fatalf("emit: %v", err)
	}
	second := &state.Event{Type: "reply"}
	if err := c.Emit(ctx, second); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if first.Sender != state.SenderServer || first.LoopID != c.LoopID {
		t.Fatalf("envelope = %+v", first)
	}
	if first.Nonce <= 0 || second.Nonce <= first.Nonce {
		t.Fatalf("nonces %d, %d must be strictly increasing", first.Nonce, second.Nonce)
	}
	if !c.EventObserved() {
		t.Fatal("emitting must mark the cycle")
	}

	got, err := sm.PopEvent(ctx, c.LoopID, "reply", state.SenderServer)
	if err != nil || got == nil {
		t.Fatalf("emitted event not queued: %v", err)
	}
	if got.Payload["text"] != "hi" {
		t.Fatalf("payload = %#v", got.Payload)
	}
}

func TestEmitHistoryMatchesEmissionOrder(t *testing.T) {
	c, _ := newTestContext(t)
	ctx := context.Background()

	var nonces []int64
	for i := 0; i < 3; i++ {
		ev := &state.Event{Type: "reply", Payload: map[string]any{"seq": i}}
		if err := c.Emit(ctx, ev); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
		nonces = append(nonces, ev.Nonce)
	}

	for i := 1; i < len(nonces); i++ {
		if nonces[i] != nonces[i-1]+1 {
			t.Fatalf("nonces = %v, want consecutive", nonces)
		}
	}

	history, err := c.EventHistory(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history has %d events, want 3", len(history))
	}
	for i, ev := range history {
		if ev.Payload["seq"] != i {
			t.Fatalf("history[%d].seq = %v, want %d", i, ev.Payload["seq"], i)
		}
	}
}

func TestContextValuesPersistAcrossInvocations(t *testing.T) {
	c, sm := newTestContext(t)
	ctx := context.Background()

	if err := c.Set(ctx, "count", int64(7)); err != nil {
		t.Fatalf("set: %v", err)
	}

	// A later invocation starts with an empty attribute cache but reads the
	// persisted value.
	next := NewContext(c.LoopID, nil, sm)
	v, err := next.Get(ctx, "count", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != int64(7) {
		t.Fatalf("value = %v, want 7", v)
	}

	if err := next.Delete(ctx, "count"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	v, err = NewContext(c.LoopID, nil, sm).Get(ctx, "count", int64(0))
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if v != int64(0) {
		t.Fatalf("deleted value = %v, want default", v)
	}
}

func TestLocalValuesStayLocal(t *testing.T) {
	c, sm := newTestContext(t)

	c.SetLocal("client", "not-serializable")
	if got := c.GetLocal("client", nil); got != "not-serializable" {
		t.Fatalf("local value = %v", got)
	}

	next := NewContext(c.LoopID, nil, sm)
	if got := next.GetLocal("client", nil); got != nil {
		t.Fatalf("local value leaked to a new invocation: %v", got)
	}

	c.DeleteLocal("client")
	if got := c.GetLocal("client", "gone"); got != "gone" {
		t.Fatalf("deleted local value = %v", got)
	}
}

func TestSleepNotImplemented(t *testing.T) {
	c, _ := newTestContext(t)
	if err := c.Sleep(time.Second); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("err = %v, want ErrNotImplemented", err)
	}
}
