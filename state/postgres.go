package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beam-cloud/fastloop/observability"
)

// PostgresConfig holds connection options for the Postgres backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// PostgresManager realizes Manager on PostgreSQL. Queue pops use
// SKIP LOCKED deletes so concurrent consumers never double-deliver, claims
// live in a table with expiry timestamps, and change notifications ride
// LISTEN/NOTIFY on a shared channel carrying the loop_id as payload.
type PostgresManager struct {
	pool *pgxpool.Pool
}

const pgNotifyChannel = "fastloop_events"

const pgSchema = `
CREATE TABLE IF NOT EXISTS loops (
	loop_id       TEXT PRIMARY KEY,
	loop_name     TEXT NOT NULL,
	status        TEXT NOT NULL,
	idle_timeout  DOUBLE PRECISION NOT NULL,
	last_event_at BIGINT NOT NULL,
	created_at    BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS loop_events (
	id         BIGSERIAL PRIMARY KEY,
	loop_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	sender     TEXT NOT NULL,
	payload    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS loop_events_queue_idx ON loop_events (loop_id, event_type, sender, id);
CREATE TABLE IF NOT EXISTS loop_history (
	id      BIGSERIAL PRIMARY KEY,
	loop_id TEXT NOT NULL,
	payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS loop_history_loop_idx ON loop_history (loop_id, id);
CREATE TABLE IF NOT EXISTS loop_context (
	loop_id TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   BYTEA NOT NULL,
	PRIMARY KEY (loop_id, key)
);
CREATE TABLE IF NOT EXISTS loop_mappings (
	key     TEXT PRIMARY KEY,
	loop_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS loop_nonces (
	loop_id TEXT PRIMARY KEY,
	nonce   BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS loop_claims (
	loop_id    TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

func NewPostgresManager(ctx context.Context, cfg PostgresConfig) (*PostgresManager, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = 50
	poolCfg.MinConns = 5
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresManager{pool: pool}, nil
}

func (m *PostgresManager) GetOrCreateLoop(ctx context.Context, loopName, loopID string, idleTimeout float64) (*LoopState, bool, error) {
	if loopID != "" {
		loop, err := m.GetLoop(ctx, loopID)
		if err != nil && !errors.Is(err, ErrLoopNotFound) {
			return nil, false, err
		}
		if loop != nil {
			return loop, false, nil
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
	tag, err := m.pool.Exec(ctx, `
		INSERT INTO loops (loop_id, loop_name, status, idle_timeout, last_event_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (loop_id) DO NOTHING
	`, loop.LoopID, loop.LoopName, loop.Status, loop.IdleTimeout, loop.LastEventAt, loop.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("create loop %s: %w", loopID, err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a creation race; return the winner's record.
		existing, err := m.GetLoop(ctx, loopID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return loop, true, nil
}

func (m *PostgresManager) GetLoop(ctx context.Context, loopID string) (*LoopState, error) {
	var loop LoopState
	err := m.pool.QueryRow(ctx, `
		SELECT loop_id, loop_name, status, idle_timeout, last_event_at, created_at
		FROM loops WHERE loop_id = $1
	`, loopID).Scan(&loop.LoopID, &loop.LoopName, &loop.Status, &loop.IdleTimeout, &loop.LastEventAt, &loop.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLoopNotFound
	}
	if err != nil {
		return nil, err
	}
	return &loop, nil
}

func (m *PostgresManager) UpdateLoop(ctx context.Context, loopID string, loop *LoopState) error {
	_, err := m.pool.Exec(ctx, `
		UPDATE loops SET loop_name = $2, status = $3, idle_timeout = $4, last_event_at = $5
		WHERE loop_id = $1
	`, loopID, loop.LoopName, loop.Status, loop.IdleTimeout, loop.LastEventAt)
	return err
}

func (m *PostgresManager) WithClaim(ctx context.Context, loopID string, fn func(ctx context.Context) error) error {
	owner := uuid.NewString()

	if err := m.acquireClaim(ctx, loopID, owner); err != nil {
		return err
	}

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	go m.refreshClaim(refreshCtx, loopID, owner)

	defer func() {
		stopRefresh()
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := m.pool.Exec(releaseCtx,
			`DELETE FROM loop_claims WHERE loop_id = $1 AND owner = $2`, loopID, owner); err != nil {
			log.Printf("PostgresManager: failed to release claim for loop %s: %v", loopID, err)
		}
	}()

	return fn(ctx)
}

func (m *PostgresManager) acquireClaim(ctx context.Context, loopID, owner string) error {
	deadline := time.Now().Add(ClaimAcquireTimeout)
	for {
		tag, err := m.pool.Exec(ctx, `
			INSERT INTO loop_claims (loop_id, owner, expires_at)
			VALUES ($1, $2, NOW() + make_interval(secs => $3))
			ON CONFLICT (loop_id) DO UPDATE
			SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
			WHERE loop_claims.expires_at < NOW()
		`, loopID, owner, ClaimTTL.Seconds())
		if err != nil {
			return fmt.Errorf("acquire claim for loop %s: %w", loopID, err)
		}
		if tag.RowsAffected() == 1 {
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

func (m *PostgresManager) refreshClaim(ctx context.Context, loopID, owner string) {
	ticker := time.NewTicker(ClaimTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			tag, err := m.pool.Exec(refreshCtx, `
				UPDATE loop_claims SET expires_at = NOW() + make_interval(secs => $3)
				WHERE loop_id = $1 AND owner = $2
			`, loopID, owner, ClaimTTL.Seconds())
			cancel()
			if err != nil {
				log.Printf("PostgresManager: claim refresh failed for loop %s: %v", loopID, err)
				continue
			}
			if tag.RowsAffected() == 0 {
				return
			}
		}
	}
}

func (m *PostgresManager) GetAllLoops(ctx context.Context, status LoopStatus) ([]*LoopState, error) {
	query := `
		SELECT loop_id, loop_name, status, idle_timeout, last_event_at, created_at
		FROM loops
	`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}

	rows, err := m.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loops []*LoopState
	for rows.Next() {
		var loop LoopState
		if err := rows.Scan(&loop.LoopID, &loop.LoopName, &loop.Status, &loop.IdleTimeout, &loop.LastEventAt, &loop.CreatedAt); err != nil {
			return nil, err
		}
		loops = append(loops, &loop)
	}
	return loops, rows.Err()
}

func (m *PostgresManager) PushEvent(ctx context.Context, loopID string, ev *Event) error {
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

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO loop_events (loop_id, event_type, sender, payload) VALUES ($1, $2, $3, $4)
	`, loopID, ev.Type, ev.Sender, data); err != nil {
		return fmt.Errorf("enqueue event %s for loop %s: %w", ev.Type, loopID, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO loop_history (loop_id, payload) VALUES ($1, $2)
	`, loopID, data); err != nil {
		return fmt.Errorf("append history for loop %s: %w", loopID, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE loops SET last_event_at = $2 WHERE loop_id = $1
	`, loopID, time.Now().Unix()); err != nil {
		return fmt.Errorf("bump last_event_at for loop %s: %w", loopID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	// Notify after commit so listeners always observe the queued row.
	if _, err := m.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, loopID); err != nil {
		log.Printf("PostgresManager: notification failed for loop %s: %v", loopID, err)
	}
	return nil
}

func (m *PostgresManager) PopEvent(ctx context.Context, loopID, eventType string, sender Sender) (*Event, error) {
	if sender != SenderClient && sender != SenderServer {
		return nil, ErrInvalidSender
	}
	var data []byte
	err := m.pool.QueryRow(ctx, `
		DELETE FROM loop_events WHERE id = (
			SELECT id FROM loop_events
			WHERE loop_id = $1 AND event_type = $2 AND sender = $3
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload
	`, loopID, eventType, sender).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop event %s for loop %s: %w", eventType, loopID, err)
	}
	return EventFromJSON(data)
}

func (m *PostgresManager) EventHistory(ctx context.Context, loopID string) ([]*Event, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT payload FROM loop_history WHERE loop_id = $1 ORDER BY id
	`, loopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		ev, err := EventFromJSON(data)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (m *PostgresManager) NextNonce(ctx context.Context, loopID string) (int64, error) {
	var nonce int64
	err := m.pool.QueryRow(ctx, `
		INSERT INTO loop_nonces (loop_id, nonce) VALUES ($1, 1)
		ON CONFLICT (loop_id) DO UPDATE SET nonce = loop_nonces.nonce + 1
		RETURNING nonce
	`, loopID).Scan(&nonce)
	if err != nil {
		return 0, fmt.Errorf("next nonce for loop %s: %w", loopID, err)
	}
	return nonce, nil
}

func (m *PostgresManager) GetContextValue(ctx context.Context, loopID, key string) ([]byte, error) {
	var value []byte
	err := m.pool.QueryRow(ctx, `
		SELECT value FROM loop_context WHERE loop_id = $1 AND key = $2
	`, loopID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return value, err
}

func (m *PostgresManager) SetContextValue(ctx context.Context, loopID, key string, value []byte) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO loop_context (loop_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (loop_id, key) DO UPDATE SET value = EXCLUDED.value
	`, loopID, key, value)
	return err
}

func (m *PostgresManager) DeleteContextValue(ctx context.Context, loopID, key string) error {
	_, err := m.pool.Exec(ctx, `
		DELETE FROM loop_context WHERE loop_id = $1 AND key = $2
	`, loopID, key)
	return err
}

type postgresSub struct {
	conn   *pgxpool.Conn
	loopID string
	closed bool
}

func (s *postgresSub) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		n, err := s.conn.Conn().WaitForNotification(waitCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return false, nil
			}
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, err
		}
		// Shared channel; only wake for our loop. Spurious wakeups from
		// other loops are harmless but filtering keeps polling cheap.
		if n.Payload == s.loopID {
			return true, nil
		}
	}
}

func (s *postgresSub) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.conn.Exec(ctx, `UNLISTEN `+pgNotifyChannel)
	s.conn.Release()
	return err
}

func (m *PostgresManager) Subscribe(ctx context.Context, loopID string) (Subscription, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+pgNotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %s: %w", pgNotifyChannel, err)
	}
	return &postgresSub{conn: conn, loopID: loopID}, nil
}

func (m *PostgresManager) SetLoopMapping(ctx context.Context, key, loopID string) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO loop_mappings (key, loop_id) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET loop_id = EXCLUDED.loop_id
	`, key, loopID)
	return err
}

func (m *PostgresManager) GetLoopMapping(ctx context.Context, key string) (string, error) {
	var loopID string
	err := m.pool.QueryRow(ctx, `
		SELECT loop_id FROM loop_mappings WHERE key = $1
	`, key).Scan(&loopID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return loopID, err
}

func (m *PostgresManager) Close() error {
	m.pool.Close()
	return nil
}
