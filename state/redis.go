package state

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/beam-cloud/fastloop/observability"
)

// RedisConfig holds connection options for the Redis backend.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database int    `yaml:"database"`
	Password string `yaml:"password"`
	SSL      bool   `yaml:"ssl"`
}

func (c RedisConfig) addr() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// RedisManager is the authoritative Manager realization. Queues are Redis
// lists (LPUSH to append, RPOP to consume), claims are SET NX tokens with a
// TTL, and change notifications ride pub/sub channels keyed by loop_id.
type RedisManager struct {
	client *redis.Client
}

// Lua scripts for owner-checked claim maintenance.
const (
	claimRefreshScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return 0
		end
	`
	claimReleaseScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
)

func NewRedisManager(cfg RedisConfig) (*RedisManager, error) {
	opts := &redis.Options{
		Addr:     cfg.addr(),
		Password: cfg.Password,
		DB:       cfg.Database,
	}
	if cfg.SSL {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.addr(), err)
	}

	return &RedisManager{client: client}, nil
}

func (m *RedisManager) GetOrCreateLoop(ctx context.Context, loopName, loopID string, idleTimeout float64) (*LoopState, bool, error) {
	start := time.Now()
	defer func() {
		observability.StoreLatency.Observe(time.Since(start).Seconds())
	}()

	if loopID == "" {
		loopID = uuid.NewString()
	} else {
		loop, err := m.getLoop(ctx, loopID)
		if err != nil && !errors.Is(err, ErrLoopNotFound) {
			return nil, false, err
		}
		if loop != nil {
			return loop, false, nil
		}
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
	data, err := json.Marshal(loop)
	if err != nil {
		return nil, false, fmt.Errorf("marshal loop %s: %w", loopID, err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, loopStateKey(loopID), data, 0)
	pipe.SAdd(ctx, loopIndexKey(), loopID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("persist loop %s: %w", loopID, err)
	}
	return loop, true, nil
}

func (m *RedisManager) getLoop(ctx context.Context, loopID string) (*LoopState, error) {
	data, err := m.client.Get(ctx, loopStateKey(loopID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrLoopNotFound
	}
	if err != nil {
		return nil, err
	}
	var loop LoopState
	if err := json.Unmarshal(data, &loop); err != nil {
		return nil, fmt.Errorf("unmarshal loop %s: %w", loopID, err)
	}
	return &loop, nil
}

func (m *RedisManager) GetLoop(ctx context.Context, loopID string) (*LoopState, error) {
	return m.getLoop(ctx, loopID)
}

func (m *RedisManager) UpdateLoop(ctx context.Context, loopID string, loop *LoopState) error {
	data, err := json.Marshal(loop)
	if err != nil {
		return fmt.Errorf("marshal loop %s: %w", loopID, err)
	}
	return m.client.Set(ctx, loopStateKey(loopID), data, 0).Err()
}

func (m *RedisManager) WithClaim(ctx context.Context, loopID string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	key := claimKey(loopID)

	if err := m.acquireClaim(ctx, key, token); err != nil {
		return err
	}

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	go m.refreshClaim(refreshCtx, key, token)

	defer func() {
		stopRefresh()
		// Best-effort release on a fresh context: the outer one may be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.client.Eval(releaseCtx, claimReleaseScript, []string{key}, token).Err(); err != nil {
			log.Printf("RedisManager: failed to release claim for loop %s: %v", loopID, err)
		}
	}()

	return fn(ctx)
}

func (m *RedisManager) acquireClaim(ctx context.Context, key, token string) error {
	start := time.Now()
	defer func() {
		observability.StoreLatency.Observe(time.Since(start).Seconds())
	}()

	deadline := time.Now().Add(ClaimAcquireTimeout)
	for {
		ok, err := m.client.SetNX(ctx, key, token, ClaimTTL).Result()
		if err != nil {
			return fmt.Errorf("acquire claim %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			observability.ClaimFailures.Inc()
			return ErrLoopClaim
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ClaimRetryInterval):
		}
	}
}

func (m *RedisManager) refreshClaim(ctx context.Context, key, token string) {
	ticker := time.NewTicker(ClaimTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			res, err := m.client.Eval(refreshCtx, claimRefreshScript, []string{key}, token, int64(ClaimTTL/time.Millisecond)).Result()
			cancel()
			if err != nil {
				log.Printf("RedisManager: claim refresh failed for %s: %v", key, err)
				continue
			}
			if val, ok := res.(int64); ok && val != 1 {
				// Lost the token; nothing more to refresh.
				return
			}
		}
	}
}

func (m *RedisManager) GetAllLoops(ctx context.Context, status LoopStatus) ([]*LoopState, error) {
	loopIDs, err := m.client.SMembers(ctx, loopIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read loop index: %w", err)
	}

	var loops []*LoopState
	for _, loopID := range loopIDs {
		loop, err := m.getLoop(ctx, loopID)
		if errors.Is(err, ErrLoopNotFound) {
			// Stale index entry; drop it.
			m.client.SRem(ctx, loopIndexKey(), loopID)
			continue
		}
		if err != nil {
			log.Printf("RedisManager: skipping unreadable loop %s: %v", loopID, err)
			m.client.SRem(ctx, loopIndexKey(), loopID)
			continue
		}
		if status != "" && loop.Status != status {
			continue
		}
		loops = append(loops, loop)
	}
	return loops, nil
}

func (m *RedisManager) PushEvent(ctx context.Context, loopID string, ev *Event) error {
	start := time.Now()
	defer func() {
		observability.StoreLatency.Observe(time.Since(start).Seconds())
	}()

	if ev.Sender != SenderClient && ev.Sender != SenderServer {
		return ErrInvalidSender
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}

	pipe := m.client.TxPipeline()
	pipe.LPush(ctx, eventQueueKey(loopID, ev.Type, ev.Sender), data)
	pipe.LPush(ctx, eventHistoryKey(loopID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push event %s for loop %s: %w", ev.Type, loopID, err)
	}

	if loop, err := m.getLoop(ctx, loopID); err == nil {
		loop.LastEventAt = time.Now().Unix()
		if err := m.UpdateLoop(ctx, loopID, loop); err != nil {
			log.Printf("RedisManager: failed to bump last_event_at for loop %s: %v", loopID, err)
		}
	}

	// Publish last so watchers that wake always find the queue populated.
	if err := m.client.Publish(ctx, notifyChannel(loopID), ev.Type).Err(); err != nil {
		log.Printf("RedisManager: notification publish failed for loop %s: %v", loopID, err)
	}
	return nil
}

func (m *RedisManager) PopEvent(ctx context.Context, loopID, eventType string, sender Sender) (*Event, error) {
	if sender != SenderClient && sender != SenderServer {
		return nil, ErrInvalidSender
	}
	data, err := m.client.RPop(ctx, eventQueueKey(loopID, eventType, sender)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop event %s for loop %s: %w", eventType, loopID, err)
	}
	return EventFromJSON(data)
}

func (m *RedisManager) EventHistory(ctx context.Context, loopID string) ([]*Event, error) {
	entries, err := m.client.LRange(ctx, eventHistoryKey(loopID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history for loop %s: %w", loopID, err)
	}

	// The log is LPUSHed newest-first; reverse into append order.
	events := make([]*Event, len(entries))
	for i, entry := range entries {
		ev, err := EventFromJSON([]byte(entry))
		if err != nil {
			return nil, err
		}
		events[len(entries)-1-i] = ev
	}
	return events, nil
}

func (m *RedisManager) NextNonce(ctx context.Context, loopID string) (int64, error) {
	return m.client.Incr(ctx, nonceKey(loopID)).Result()
}

func (m *RedisManager) GetContextValue(ctx context.Context, loopID, key string) ([]byte, error) {
	data, err := m.client.Get(ctx, contextKey(loopID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (m *RedisManager) SetContextValue(ctx context.Context, loopID, key string, value []byte) error {
	return m.client.Set(ctx, contextKey(loopID, key), value, 0).Err()
}

func (m *RedisManager) DeleteContextValue(ctx context.Context, loopID, key string) error {
	return m.client.Del(ctx, contextKey(loopID, key)).Err()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

func (s *redisSub) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case _, ok := <-s.ch:
		return ok, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *redisSub) Close() error {
	return s.pubsub.Close()
}

func (m *RedisManager) Subscribe(ctx context.Context, loopID string) (Subscription, error) {
	pubsub := m.client.Subscribe(ctx, notifyChannel(loopID))
	// Force the subscription onto the wire before callers start waiting.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to loop %s: %w", loopID, err)
	}
	return &redisSub{pubsub: pubsub, ch: pubsub.Channel()}, nil
}

func (m *RedisManager) SetLoopMapping(ctx context.Context, key, loopID string) error {
	return m.client.Set(ctx, mappingKey(key), loopID, 0).Err()
}

func (m *RedisManager) GetLoopMapping(ctx context.Context, key string) (string, error) {
	val, err := m.client.Get(ctx, mappingKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (m *RedisManager) Close() error {
	return m.client.Close()
}
