package state

import (
	"context"
	"time"
)

// Claim tuning. The TTL lets a crashed holder release eventually; holders
// refresh at ttl/3 so work longer than the TTL stays safe.
const (
	ClaimTTL            = 60 * time.Second
	ClaimAcquireTimeout = 5 * time.Second
	ClaimRetryInterval  = 100 * time.Millisecond
)

// Subscription is a registration of interest in change notifications for a
// single loop. Delivery is best effort; missed notifications are tolerated
// because callers re-check queues on every wakeup.
type Subscription interface {
	// Wait blocks until a notification arrives, the timeout elapses, or ctx
	// is done. Returns true only when a notification was received. False
	// wakeups are allowed.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
	Close() error
}

// Manager is the durable store behind the loop runtime: loop records, event
// queues, event history, context key/value, claims, and change notifications.
// The Redis realization is authoritative; Memory is for tests and single-node
// development; Postgres is an alternative durable backend.
type Manager interface {
	// GetOrCreateLoop returns the existing record when loopID is supplied and
	// known (created=false; loopName/idleTimeout are ignored in that case).
	// Otherwise it persists a fresh RUNNING record under a new UUID and adds
	// it to the loop index.
	GetOrCreateLoop(ctx context.Context, loopName, loopID string, idleTimeout float64) (*LoopState, bool, error)

	// GetLoop returns the record for loopID, or ErrLoopNotFound.
	GetLoop(ctx context.Context, loopID string) (*LoopState, error)

	// UpdateLoop overwrites the full loop record. Must be called under the
	// loop's claim.
	UpdateLoop(ctx context.Context, loopID string, loop *LoopState) error

	// WithClaim runs fn while holding the per-loop exclusion token, releasing
	// it on every exit path. Returns ErrLoopClaim when the token cannot be
	// acquired within ClaimAcquireTimeout.
	WithClaim(ctx context.Context, loopID string, fn func(ctx context.Context) error) error

	// GetAllLoops enumerates known loops, optionally filtered by status
	// (empty string means all). Stale index entries are removed as they are
	// discovered.
	GetAllLoops(ctx context.Context, status LoopStatus) ([]*LoopState, error)

	// PushEvent appends ev to the direction queue for its sender and type,
	// appends it to the history log, bumps last_event_at, and publishes a
	// change notification (published last so watchers re-check queues).
	PushEvent(ctx context.Context, loopID string, ev *Event) error

	// PopEvent removes and returns the oldest queued event of the given type
	// and direction, or nil when the queue is empty. FIFO within a
	// (loop, type, sender) tuple.
	PopEvent(ctx context.Context, loopID, eventType string, sender Sender) (*Event, error)

	// EventHistory returns every event for the loop in append order.
	EventHistory(ctx context.Context, loopID string) ([]*Event, error)

	// NextNonce returns a per-loop strictly increasing sequence number,
	// assigned to server-emitted events.
	NextNonce(ctx context.Context, loopID string) (int64, error)

	GetContextValue(ctx context.Context, loopID, key string) ([]byte, error)
	SetContextValue(ctx context.Context, loopID, key string, value []byte) error
	DeleteContextValue(ctx context.Context, loopID, key string) error

	// Subscribe registers interest in change notifications for one loop.
	Subscribe(ctx context.Context, loopID string) (Subscription, error)

	// Loop mappings are a side index used by edge integrations to map
	// external thread/session identifiers onto loop identities.
	SetLoopMapping(ctx context.Context, key, loopID string) error
	// GetLoopMapping returns the mapped loop_id, or "" when absent.
	GetLoopMapping(ctx context.Context, key string) (string, error)

	Close() error
}
