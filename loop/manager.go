package loop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/beam-cloud/fastloop/observability"
	"github.com/beam-cloud/fastloop/state"
)

// HandlerFunc is the user-supplied body of a loop. It cooperates with the
// runtime through the Context: it suspends in WaitFor and signals lifecycle
// intent with Stop/Pause.
type HandlerFunc func(ctx context.Context, c *Context) error

// StartHook runs before the handler's first cycle, under the claim. It is
// used to attach shared clients or warm per-loop state.
type StartHook func(ctx context.Context, c *Context) error

// Manager owns execution of loop handlers. At most one invocation per
// loop_id runs anywhere in the fleet: cross-process exclusion comes from the
// state manager's claim, and a local running set avoids spawning duplicate
// goroutines in this process.
type Manager struct {
	sm        state.Manager
	loopDelay time.Duration

	mu      sync.Mutex
	running map[*Context]struct{}

	wg sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewManager(sm state.Manager, loopDelay time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sm:        sm,
		loopDelay: loopDelay,
		running:   make(map[*Context]struct{}),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Start launches a handler invocation for the loop bound to c. Exclusion
// comes from the claim alone: if another invocation is mid-flight its holder
// keeps the claim and this attempt is shelved — the triggering event is
// already queued and will be observed by the running handler's wait_for. An
// invocation that is winding down releases the claim within the acquisition
// window, so a wake that races the wind-down still gets driven.
func (m *Manager) Start(handler HandlerFunc, onStart StartHook, c *Context, loop *state.LoopState) {
	m.mu.Lock()
	m.running[c] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, c)
			m.mu.Unlock()
		}()

		err := m.sm.WithClaim(m.baseCtx, loop.LoopID, func(ctx context.Context) error {
			return m.drive(ctx, handler, onStart, c, loop)
		})
		if errors.Is(err, state.ErrLoopClaim) {
			log.Printf("LoopManager: claim for loop %s held elsewhere, event left queued", loop.LoopID)
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("LoopManager: loop %s finished with error: %v", loop.LoopID, err)
		}
	}()
}

// drive runs the handler under the held claim and applies the resulting
// lifecycle transition. The handler is re-entered after loopDelay as long as
// it returns cleanly, keeps observing events, and requests neither stop nor
// pause; a quiet cycle parks the loop as IDLE until the next start event.
func (m *Manager) drive(ctx context.Context, handler HandlerFunc, onStart StartHook, c *Context, loop *state.LoopState) error {
	// Re-read under the claim: the record may have moved since ingress.
	cur, err := m.sm.GetLoop(ctx, loop.LoopID)
	if err != nil {
		return err
	}
	if cur.Status == state.StatusStopped {
		return nil
	}
	// IDLE and PAUSED loops resume the moment a handler drives them again.
	if cur.Status != state.StatusRunning {
		if err := m.transition(ctx, loop.LoopID, state.StatusRunning); err != nil {
			return err
		}
	}

	if onStart != nil {
		if err := onStart(ctx, c); err != nil {
			log.Printf("LoopManager: on_loop_start failed for loop %s: %v", loop.LoopID, err)
			return m.transition(ctx, loop.LoopID, state.StatusStopped)
		}
	}

	for {
		c.beginCycle()
		err := m.invoke(ctx, handler, c)

		switch {
		case errors.Is(err, ErrLoopStopped) || c.ShouldStop():
			return m.transition(ctx, loop.LoopID, state.StatusStopped)
		case errors.Is(err, ErrLoopPaused) || c.ShouldPause():
			return m.transition(ctx, loop.LoopID, state.StatusPaused)
		case err != nil:
			// Unhandled handler error, including an escaped wait_for timeout.
			log.Printf("LoopManager: handler error in loop %s: %v", loop.LoopID, err)
			return m.transition(ctx, loop.LoopID, state.StatusStopped)
		case !c.EventObserved():
			return m.transition(ctx, loop.LoopID, state.StatusIdle)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.loopDelay):
		}
	}
}

// invoke runs one handler cycle, converting panics into errors so a broken
// handler stops its own loop instead of the process.
func (m *Manager) invoke(ctx context.Context, handler HandlerFunc, c *Context) (err error) {
	start := time.Now()
	defer func() {
		observability.HandlerDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, c)
}

// transition rewrites the loop's status. Callers must hold the claim.
func (m *Manager) transition(ctx context.Context, loopID string, status state.LoopStatus) error {
	// The claim context may already be cancelled during shutdown; the
	// transition still has to land.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	loop, err := m.sm.GetLoop(ctx, loopID)
	if err != nil {
		return fmt.Errorf("transition loop %s: %w", loopID, err)
	}
	if loop.Status == state.StatusStopped {
		// STOPPED is terminal.
		return nil
	}
	loop.Status = status
	if err := m.sm.UpdateLoop(ctx, loopID, loop); err != nil {
		return fmt.Errorf("transition loop %s to %s: %w", loopID, status, err)
	}
	observability.LoopTransitions.WithLabelValues(string(status)).Inc()
	log.Printf("LoopManager: loop %s -> %s", loopID, status)
	return nil
}

// MarkIdle reclassifies a RUNNING loop as IDLE once its idle timeout has
// elapsed. The check is repeated under the claim; if a handler holds the
// claim the attempt fails with ErrLoopClaim and the caller skips this cycle.
func (m *Manager) MarkIdle(ctx context.Context, loopID string) error {
	return m.sm.WithClaim(ctx, loopID, func(ctx context.Context) error {
		loop, err := m.sm.GetLoop(ctx, loopID)
		if err != nil {
			return err
		}
		if loop.Status != state.StatusRunning || !loop.IdleExpired(time.Now()) {
			return nil
		}
		loop.Status = state.StatusIdle
		if err := m.sm.UpdateLoop(ctx, loopID, loop); err != nil {
			return err
		}
		observability.LoopTransitions.WithLabelValues(string(state.StatusIdle)).Inc()
		log.Printf("LoopManager: loop %s is idle", loopID)
		return nil
	})
}

// Events returns a stream of server-emitted events of eventType for the
// loop. The channel closes when the loop reaches STOPPED, the subscription
// fails, or ctx is done. Consuming the stream drains the server-direction
// queue; each event is delivered to exactly one stream.
func (m *Manager) Events(ctx context.Context, loopID, eventType string) (<-chan *state.Event, error) {
	if _, err := m.sm.GetLoop(ctx, loopID); err != nil {
		return nil, err
	}
	sub, err := m.sm.Subscribe(ctx, loopID)
	if err != nil {
		return nil, err
	}

	out := make(chan *state.Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		for {
			for {
				ev, err := m.sm.PopEvent(ctx, loopID, eventType, state.SenderServer)
				if err != nil || ev == nil {
					break
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}

			loop, err := m.sm.GetLoop(ctx, loopID)
			if err != nil || loop.Status == state.StatusStopped {
				return
			}

			if _, err := sub.Wait(ctx, EventPollInterval); err != nil {
				return
			}
		}
	}()
	return out, nil
}

// StopAll cooperatively revokes every in-flight handler: stop flags are set,
// the base context is cancelled so waits unwind, and the call blocks until
// all claims are released or ctx is done.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	for c := range m.running {
		c.Stop()
	}
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
