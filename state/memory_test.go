package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestLoop(t *testing.T, m Manager) *LoopState {
	t.Helper()
	loop, created, err := m.GetOrCreateLoop(context.Background(), "test-loop", "", 60)
	if err != nil {
		t.Fatalf("creating loop: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh loop")
	}
	return loop
}

func TestGetOrCreateLoop(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	loop := newTestLoop(t, m)
	if loop.Status != StatusRunning {
		t.Fatalf("new loop status = %s, want RUNNING", loop.Status)
	}
	if loop.LoopID == "" {
		t.Fatal("new loop must get an id")
	}

	again, created, err := m.GetOrCreateLoop(ctx, "other-name", loop.LoopID, 5)
	if err != nil {
		t.Fatalf("fetching existing loop: %v", err)
	}
	if created {
		t.Fatal("existing loop must not be recreated")
	}
	if again.LoopName != "test-loop" || again.IdleTimeout != 60 {
		t.Fatalf("existing record must win, got %+v", again)
	}
}

func TestGetLoopNotFound(t *testing.T) {
	m := NewMemoryManager()
	if _, err := m.GetLoop(context.Background(), "nope"); !errors.Is(err, ErrLoopNotFound) {
		t.Fatalf("err = %v, want ErrLoopNotFound", err)
	}
}

func TestEventQueueFIFOPerDirection(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()
	loop := newTestLoop(t, m)

	for i := 0; i < 3; i++ {
		ev := &Event{
			Type:    "msg",
			LoopID:  loop.LoopID,
			Sender:  SenderClient,
			Payload: map[string]any{"seq": i},
		}
		if err := m.PushEvent(ctx, loop.LoopID, ev); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := m.PushEvent(ctx, loop.LoopID, &Event{Type: "msg", LoopID: loop.LoopID, Sender: SenderServer}); err != nil {
		t.Fatalf("push server event: %v", err)
	}

	for i := 0; i < 3; i++ {
		ev, err := m.PopEvent(ctx, loop.LoopID, "msg", SenderClient)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if ev == nil {
			t.Fatalf("pop %d: queue empty early", i)
		}
		if ev.Payload["seq"] != i {
			t.Fatalf("pop %d returned seq %v, want %d", i, ev.Payload["seq"], i)
		}
	}

	if ev, _ := m.PopEvent(ctx, loop.LoopID, "msg", SenderClient); ev != nil {
		t.Fatalf("client queue should be drained, got %+v", ev)
	}
	if ev, _ := m.PopEvent(ctx, loop.LoopID, "msg", SenderServer); ev == nil {
		t.Fatal("server direction must be queued independently")
	}
}

func TestPushEventRejectsUnknownSender(t *testing.T) {
	m := NewMemoryManager()
	loop := newTestLoop(t, m)

	err := m.PushEvent(context.Background(), loop.LoopID, &Event{Type: "msg", Sender: "BOGUS"})
	if !errors.Is(err, ErrInvalidSender) {
		t.Fatalf("err = %v, want ErrInvalidSender", err)
	}
}

func TestEventHistoryAppendOrder(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()
	loop := newTestLoop(t, m)

	types := []string{"a", "b", "a", "c"}
	for _, typ := range types {
		if err := m.PushEvent(ctx, loop.LoopID, &Event{Type: typ, LoopID: loop.LoopID, Sender: SenderClient}); err != nil {
			t.Fatalf("push %s: %v", typ, err)
		}
	}

	// Popping must not remove events from history.
	if _, err := m.PopEvent(ctx, loop.LoopID, "a", SenderClient); err != nil {
		t.Fatalf("pop: %v", err)
	}

	history, err := m.EventHistory(ctx, loop.LoopID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != len(types) {
		t.Fatalf("history has %d events, want %d", len(history), len(types))
	}
	for i, typ := range types {
		if history[i].Type != typ {
			t.Fatalf("history[%d].Type = %s, want %s", i, history[i].Type, typ)
		}
	}
}

func TestNextNonceMonotonic(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	var prev int64
	for i := 0; i < 10; i++ {
		n, err := m.NextNonce(ctx, "loop-1")
		if err != nil {
			t.Fatalf("nonce: %v", err)
		}
		if n <= prev {
			t.Fatalf("nonce %d not greater than %d", n, prev)
		}
		prev = n
	}

	// Independent per loop.
	n, err := m.NextNonce(ctx, "loop-2")
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if n != 1 {
		t.Fatalf("fresh loop nonce = %d, want 1", n)
	}
}

func TestWithClaimMutualExclusion(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	acquired := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := m.WithClaim(ctx, "loop-1", func(ctx context.Context) error {
			close(acquired)
			<-release
			return nil
		})
		if err != nil {
			t.Errorf("first claim: %v", err)
		}
	}()

	<-acquired
	err := m.WithClaim(ctx, "loop-1", func(ctx context.Context) error {
		t.Error("second holder must not run while the claim is held")
		return nil
	})
	if !errors.Is(err, ErrLoopClaim) {
		t.Fatalf("err = %v, want ErrLoopClaim", err)
	}

	close(release)
	wg.Wait()

	// Released claims are acquirable again.
	if err := m.WithClaim(ctx, "loop-1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestWithClaimDifferentLoopsIndependent(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	err := m.WithClaim(ctx, "loop-1", func(ctx context.Context) error {
		return m.WithClaim(ctx, "loop-2", func(ctx context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("claims on distinct loops must not conflict: %v", err)
	}
}

func TestWithClaimPropagatesError(t *testing.T) {
	m := NewMemoryManager()
	want := fmt.Errorf("handler broke")

	err := m.WithClaim(context.Background(), "loop-1", func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}

	// The claim must be released despite the error.
	if err := m.WithClaim(context.Background(), "loop-1", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("reacquire after error: %v", err)
	}
}

func TestGetAllLoopsFiltersByStatus(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	running := newTestLoop(t, m)
	stopped := newTestLoop(t, m)
	stopped.Status = StatusStopped
	if err := m.UpdateLoop(ctx, stopped.LoopID, stopped); err != nil {
		t.Fatalf("update: %v", err)
	}

	loops, err := m.GetAllLoops(ctx, StatusRunning)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(loops) != 1 || loops[0].LoopID != running.LoopID {
		t.Fatalf("running filter returned %d loops", len(loops))
	}

	all, err := m.GetAllLoops(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all returned %d loops, want 2", len(all))
	}
}

func TestContextValues(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	if v, err := m.GetContextValue(ctx, "loop-1", "missing"); err != nil || v != nil {
		t.Fatalf("missing value = %v, %v; want nil, nil", v, err)
	}

	if err := m.SetContextValue(ctx, "loop-1", "k", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := m.GetContextValue(ctx, "loop-1", "k")
	if err != nil || string(v) != "v1" {
		t.Fatalf("get = %q, %v", v, err)
	}

	// Keys are scoped per loop.
	if v, _ := m.GetContextValue(ctx, "loop-2", "k"); v != nil {
		t.Fatalf("value leaked across loops: %q", v)
	}

	if err := m.DeleteContextValue(ctx, "loop-1", "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if v, _ := m.GetContextValue(ctx, "loop-1", "k"); v != nil {
		t.Fatalf("deleted value still present: %q", v)
	}
}

func TestSubscribeNotifiesOnPush(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()
	loop := newTestLoop(t, m)

	sub, err := m.Subscribe(ctx, loop.LoopID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.PushEvent(ctx, loop.LoopID, &Event{Type: "msg", LoopID: loop.LoopID, Sender: SenderClient})
	}()

	notified, err := sub.Wait(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !notified {
		t.Fatal("expected a notification after push")
	}

	// No further pushes: the wait times out quietly.
	notified, err = sub.Wait(ctx, 50*time.Millisecond)
	if err != nil || notified {
		t.Fatalf("idle wait = %v, %v; want false, nil", notified, err)
	}
}

func TestLoopMappings(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	if v, err := m.GetLoopMapping(ctx, "thread-9"); err != nil || v != "" {
		t.Fatalf("missing mapping = %q, %v", v, err)
	}
	if err := m.SetLoopMapping(ctx, "thread-9", "loop-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := m.GetLoopMapping(ctx, "thread-9")
	if err != nil || v != "loop-1" {
		t.Fatalf("get = %q, %v", v, err)
	}
}
