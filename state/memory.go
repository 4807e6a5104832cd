package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager is a process-local Manager used for tests and single-node
// development. It honors the same contracts as the Redis backend, including
// claim TTLs and best-effort notifications.
type MemoryManager struct {
	mu       sync.Mutex
	loops    map[string]*LoopState
	queues   map[string][]*Event
	history  map[string][]*Event
	values   map[string][]byte
	nonces   map[string]int64
	mappings map[string]string
	claims   map[string]*memoryClaim
	subs     map[string]map[*memorySub]struct{}
}

type memoryClaim struct {
	owner     string
	expiresAt time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		loops:    make(map[string]*LoopState),
		queues:   make(map[string][]*Event),
		history:  make(map[string][]*Event),
		values:   make(map[string][]byte),
		nonces:   make(map[string]int64),
		mappings: make(map[string]string),
		claims:   make(map[string]*memoryClaim),
		subs:     make(map[string]map[*memorySub]struct{}),
	}
}

func (m *MemoryManager) GetOrCreateLoop(ctx context.Context, loopName, loopID string, idleTimeout float64) (*LoopState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if loopID != "" {
		if loop, ok := m.loops[loopID]; ok {
			cp := *loop
			return &cp, false, nil
		}
	} else {
		loopID = uuid.NewString()
	}

	now := time.Now().Unix()
	loop := &LoopState{
		LoopID:      loopID,
		LoopName:    loopName,
		Status:      StatusRunning,
		IdleTimeout: idleTimeout,
		LastEventAt: now,
		CreatedAt:   now,
	}
	m.loops[loopID] = loop
	cp := *loop
	return &cp, true, nil
}

func (m *MemoryManager) GetLoop(ctx context.Context, loopID string) (*LoopState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loop, ok := m.loops[loopID]
	if !ok {
		return nil, ErrLoopNotFound
	}
	cp := *loop
	return &cp, nil
}

func (m *MemoryManager) UpdateLoop(ctx context.Context, loopID string, loop *LoopState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *loop
	m.loops[loopID] = &cp
	return nil
}

func (m *MemoryManager) WithClaim(ctx context.Context, loopID string, fn func(ctx context.Context) error) error {
	owner := uuid.NewString()
	if err := m.acquireClaim(ctx, loopID, owner); err != nil {
		return err
	}

	// Refresh the TTL while fn runs so work longer than ClaimTTL stays held.
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	go m.refreshClaim(refreshCtx, loopID, owner)

	defer func() {
		stopRefresh()
		m.mu.Lock()
		if c, ok := m.claims[loopID]; ok && c.owner == owner {
			delete(m.claims, loopID)
		}
		m.mu.Unlock()
	}()

	return fn(ctx)
}

func (m *MemoryManager) acquireClaim(ctx context.Context, loopID, owner string) error {
	deadline := time.Now().Add(ClaimAcquireTimeout)
	for {
		m.mu.Lock()
		c, held := m.claims[loopID]
		if !held || time.Now().After(c.expiresAt) {
			m.claims[loopID] = &memoryClaim{owner: owner, expiresAt: time.Now().Add(ClaimTTL)}
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return ErrLoopClaim
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ClaimRetryInterval):
		}
	}
}

func (m *MemoryManager) refreshClaim(ctx context.Context, loopID, owner string) {
	ticker := time.NewTicker(ClaimTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if c, ok := m.claims[loopID]; ok && c.owner == owner {
				c.expiresAt = time.Now().Add(ClaimTTL)
			}
			m.mu.Unlock()
		}
	}
}

func (m *MemoryManager) GetAllLoops(ctx context.Context, status LoopStatus) ([]*LoopState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*LoopState, 0, len(m.loops))
	for _, loop := range m.loops {
		if status != "" && loop.Status != status {
			continue
		}
		cp := *loop
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryManager) PushEvent(ctx context.Context, loopID string, ev *Event) error {
	if ev.Sender != SenderClient && ev.Sender != SenderServer {
		return ErrInvalidSender
	}

	m.mu.Lock()
	cp := *ev
	key := eventQueueKey(loopID, ev.Type, ev.Sender)
	m.queues[key] = append(m.queues[key], &cp)
	m.history[loopID] = append(m.history[loopID], &cp)
	if loop, ok := m.loops[loopID]; ok {
		loop.LastEventAt = time.Now().Unix()
	}
	subs := m.subs[loopID]
	m.mu.Unlock()

	// Notify after the writes are visible.
	for sub := range subs {
		sub.notify()
	}
	return nil
}

func (m *MemoryManager) PopEvent(ctx context.Context, loopID, eventType string, sender Sender) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := eventQueueKey(loopID, eventType, sender)
	queue := m.queues[key]
	if len(queue) == 0 {
		return nil, nil
	}
	ev := queue[0]
	m.queues[key] = queue[1:]
	return ev, nil
}

func (m *MemoryManager) EventHistory(ctx context.Context, loopID string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.history[loopID]
	result := make([]*Event, len(events))
	for i, ev := range events {
		cp := *ev
		result[i] = &cp
	}
	return result, nil
}

func (m *MemoryManager) NextNonce(ctx context.Context, loopID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nonces[loopID]++
	return m.nonces[loopID], nil
}

func (m *MemoryManager) GetContextValue(ctx context.Context, loopID, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.values[contextKey(loopID, key)]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (m *MemoryManager) SetContextValue(ctx context.Context, loopID, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	m.values[contextKey(loopID, key)] = cp
	return nil
}

func (m *MemoryManager) DeleteContextValue(ctx context.Context, loopID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, contextKey(loopID, key))
	return nil
}

type memorySub struct {
	manager *MemoryManager
	loopID  string
	ch      chan struct{}
	once    sync.Once
}

func (s *memorySub) notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *memorySub) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.manager.mu.Lock()
		if subs, ok := s.manager.subs[s.loopID]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.manager.subs, s.loopID)
			}
		}
		s.manager.mu.Unlock()
	})
	return nil
}

func (m *MemoryManager) Subscribe(ctx context.Context, loopID string) (Subscription, error) {
	sub := &memorySub{manager: m, loopID: loopID, ch: make(chan struct{}, 1)}

	m.mu.Lock()
	if m.subs[loopID] == nil {
		m.subs[loopID] = make(map[*memorySub]struct{})
	}
	m.subs[loopID][sub] = struct{}{}
	m.mu.Unlock()

	return sub, nil
}

func (m *MemoryManager) SetLoopMapping(ctx context.Context, key, loopID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mappings[mappingKey(key)] = loopID
	return nil
}

func (m *MemoryManager) GetLoopMapping(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mappings[mappingKey(key)], nil
}

func (m *MemoryManager) Close() error {
	return nil
}
