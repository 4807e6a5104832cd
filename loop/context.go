package loop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beam-cloud/fastloop/observability"
	"github.com/beam-cloud/fastloop/state"
)

// EventPollInterval caps how long wait_for sleeps between queue checks when
// no notification arrives. Notifications are best effort; this is the
// fallback that bounds delivery latency when one is lost.
const EventPollInterval = time.Second

// Context is the only surface a handler uses to interact with the runtime.
// Its lifetime is one handler invocation. Values set through Set are cached
// in-process and persisted through the state manager, so a handler reads its
// own writes immediately and a later invocation reads the last committed
// value.
type Context struct {
	LoopID       string
	InitialEvent *state.Event

	sm state.Manager

	mu    sync.Mutex
	attrs map[string]any

	stopRequested  atomic.Bool
	pauseRequested atomic.Bool
	eventThisCycle atomic.Bool
}

func NewContext(loopID string, initial *state.Event, sm state.Manager) *Context {
	return &Context{
		LoopID:       loopID,
		InitialEvent: initial,
		sm:           sm,
		attrs:        make(map[string]any),
	}
}

// Stop requests the loop to stop at its next suspension point.
func (c *Context) Stop() { c.stopRequested.Store(true) }

// Pause requests the loop to pause at its next suspension point.
func (c *Context) Pause() { c.pauseRequested.Store(true) }

func (c *Context) ShouldStop() bool  { return c.stopRequested.Load() }
func (c *Context) ShouldPause() bool { return c.pauseRequested.Load() }

// EventObserved reports whether this cycle consumed or emitted any event.
func (c *Context) EventObserved() bool { return c.eventThisCycle.Load() }

func (c *Context) beginCycle() { c.eventThisCycle.Store(false) }

// Sleep is declared but has no contract yet.
func (c *Context) Sleep(d time.Duration) error {
	return ErrNotImplemented
}

// WaitFor blocks until the next CLIENT event of eventType arrives, the
// timeout elapses (ErrEventTimeout), or a stop/pause request is observed
// (ErrLoopStopped / ErrLoopPaused). The timeout is wall-clock from entry and
// must be positive. Between queue checks the call parks on the loop's change
// notifications, falling back to EventPollInterval.
func (c *Context) WaitFor(ctx context.Context, eventType string, timeout time.Duration) (*state.Event, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("wait_for %s: %w", eventType, ErrInvalidTimeout)
	}

	sub, err := c.sm.Subscribe(ctx, c.LoopID)
	if err != nil {
		return nil, fmt.Errorf("wait_for %s: %w", eventType, err)
	}
	defer sub.Close()

	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.ShouldPause() {
			return nil, ErrLoopPaused
		}
		if c.ShouldStop() {
			return nil, ErrLoopStopped
		}

		ev, err := c.sm.PopEvent(ctx, c.LoopID, eventType, state.SenderClient)
		if err != nil {
			return nil, fmt.Errorf("wait_for %s: %w", eventType, err)
		}
		if ev != nil {
			c.eventThisCycle.Store(true)
			observability.WaitLatency.Observe(time.Since(start).Seconds())
			return ev, nil
		}

		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			break
		}
		poll := min(EventPollInterval, remaining)
		if _, err := sub.Wait(ctx, poll); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("waiting for event %s: %w", eventType, ErrEventTimeout)
}

// Emit tags ev as a server event for this loop, assigns the next nonce, and
// pushes it to the queues and history. Emitted events become visible to
// external subscribers on the event stream for their type.
func (c *Context) Emit(ctx context.Context, ev *state.Event) error {
	ev.Sender = state.SenderServer
	ev.LoopID = c.LoopID
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	nonce, err := c.sm.NextNonce(ctx, c.LoopID)
	if err != nil {
		return fmt.Errorf("emit %s: %w", ev.Type, err)
	}
	ev.Nonce = nonce
	c.eventThisCycle.Store(true)

	if err := c.sm.PushEvent(ctx, c.LoopID, ev); err != nil {
		return fmt.Errorf("emit %s: %w", ev.Type, err)
	}
	observability.EventsEmitted.WithLabelValues(ev.Type).Inc()
	return nil
}

// Set assigns an in-process attribute and persists it to the context store.
func (c *Context) Set(ctx context.Context, key string, value any) error {
	data, err := state.EncodeValue(value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := c.sm.SetContextValue(ctx, c.LoopID, key, data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	c.setAttr(key, value)
	return nil
}

// SetLocal assigns an in-process attribute without persisting it.
func (c *Context) SetLocal(key string, value any) {
	c.setAttr(key, value)
}

// Get returns the cached attribute when present, otherwise reads the store.
// A missing value yields def; non-nil defaults are cached like a read value.
func (c *Context) Get(ctx context.Context, key string, def any) (any, error) {
	if v, ok := c.getAttr(key); ok {
		return v, nil
	}

	data, err := c.sm.GetContextValue(ctx, c.LoopID, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var value any
	if data != nil {
		value, err = state.DecodeValue(data)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
	} else {
		value = def
	}
	if value != nil {
		c.setAttr(key, value)
	}
	return value, nil
}

// GetLocal returns the cached attribute, or def when absent. It never
// touches the store.
func (c *Context) GetLocal(key string, def any) any {
	if v, ok := c.getAttr(key); ok {
		return v
	}
	return def
}

// Delete removes the attribute and the persisted entry.
func (c *Context) Delete(ctx context.Context, key string) error {
	if err := c.sm.DeleteContextValue(ctx, c.LoopID, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	c.deleteAttr(key)
	return nil
}

// DeleteLocal removes only the in-process attribute.
func (c *Context) DeleteLocal(key string) {
	c.deleteAttr(key)
}

// EventHistory returns every event for this loop in append order.
func (c *Context) EventHistory(ctx context.Context) ([]*state.Event, error) {
	return c.sm.EventHistory(ctx, c.LoopID)
}

func (c *Context) setAttr(key string, value any) {
	c.mu.Lock()
	c.attrs[key] = value
	c.mu.Unlock()
}

func (c *Context) getAttr(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[key]
	return v, ok
}

func (c *Context) deleteAttr(key string) {
	c.mu.Lock()
	delete(c.attrs, key)
	c.mu.Unlock()
}
