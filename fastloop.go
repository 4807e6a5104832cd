// Package fastloop is a runtime for durable, event-driven loops: long-lived
// per-session handlers that suspend awaiting named events, mutate persisted
// context, and resume across process restarts. State lives behind a pluggable
// store (memory, Redis, Postgres); events arrive over HTTP and stream back
// out over SSE or WebSocket.
package fastloop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beam-cloud/fastloop/loop"
	"github.com/beam-cloud/fastloop/middleware"
	"github.com/beam-cloud/fastloop/state"
)

// DefaultIdleTimeout applies to loops that do not set their own.
const DefaultIdleTimeout = 60.0

// LoopOptions configures one registered loop.
type LoopOptions struct {
	// StartEvent is the event type allowed to create a new loop instance.
	// Events of other types must carry a loop_id.
	StartEvent string

	// IdleTimeout in seconds; after this long without events a RUNNING loop
	// is parked as IDLE. Zero means DefaultIdleTimeout.
	IdleTimeout float64

	// OnLoopStart, when set, runs before the handler's first cycle.
	OnLoopStart loop.StartHook
}

type loopDef struct {
	name    string
	opts    LoopOptions
	handler loop.HandlerFunc
}

// App wires the state backend, the loop manager, the idle monitor and the
// HTTP surface together.
type App struct {
	cfg Config

	sm      state.Manager
	lm      *loop.Manager
	monitor *loop.Monitor

	mu      sync.RWMutex
	loops   map[string]*loopDef
	schemas map[string]EventSchema

	mux      *http.ServeMux
	limiters *rateLimiters
}

// New builds an App against the configured state backend.
func New(cfg Config) (*App, error) {
	sm, err := newStateManager(cfg.State)
	if err != nil {
		return nil, err
	}

	delay := time.Duration(cfg.LoopDelayS * float64(time.Second))
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	lm := loop.NewManager(sm, delay)

	a := &App{
		cfg:      cfg,
		sm:       sm,
		lm:       lm,
		monitor:  loop.NewMonitor(sm, lm),
		loops:    make(map[string]*loopDef),
		schemas:  make(map[string]EventSchema),
		mux:      http.NewServeMux(),
		limiters: newRateLimiters(),
	}

	a.mux.Handle("GET /health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	a.mux.Handle("GET /metrics", promhttp.Handler())
	a.mux.Handle("GET /events/{loop_id}/history", http.HandlerFunc(a.handleHistory))
	a.mux.Handle("GET /events/{loop_id}/{event_type}", http.HandlerFunc(a.handleSSE))
	a.mux.Handle("GET /events/{loop_id}/{event_type}/ws", http.HandlerFunc(a.handleWS))
	a.mux.Handle("POST /{loop_name}", http.HandlerFunc(a.handleIngest))

	return a, nil
}

func newStateManager(cfg StateConfig) (state.Manager, error) {
	switch cfg.Type {
	case "", "memory":
		return state.NewMemoryManager(), nil
	case "redis":
		return state.NewRedisManager(cfg.Redis)
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return state.NewPostgresManager(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Type)
	}
}

// RegisterEvent declares an event type and its payload schema. Events of
// undeclared types are rejected at the ingress.
func (a *App) RegisterEvent(schema EventSchema) error {
	if schema.Type == "" {
		return errors.New("event schema needs a type")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.schemas[schema.Type]; exists {
		return fmt.Errorf("event type %s already registered", schema.Type)
	}
	a.schemas[schema.Type] = schema
	return nil
}

// Loop registers a named loop handler reachable at POST /{name}.
func (a *App) Loop(name string, opts LoopOptions, handler loop.HandlerFunc) error {
	if name == "" || handler == nil {
		return errors.New("loop needs a name and a handler")
	}
	if opts.StartEvent == "" {
		return fmt.Errorf("loop %s needs a start event type", name)
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.loops[name]; exists {
		return fmt.Errorf("loop %s already registered", name)
	}
	if _, ok := a.schemas[opts.StartEvent]; !ok {
		return fmt.Errorf("loop %s: start event %s is not registered", name, opts.StartEvent)
	}
	a.loops[name] = &loopDef{name: name, opts: opts, handler: handler}
	return nil
}

// AddRoute mounts an extra handler on the app's mux, for edge integrations
// that need their own endpoints next to the event ingress.
func (a *App) AddRoute(pattern string, h http.Handler) {
	a.mux.Handle(pattern, h)
}

// StateManager exposes the backing store, mainly for integrations that keep
// loop mappings.
func (a *App) StateManager() state.Manager {
	return a.sm
}

func (a *App) lookupLoop(name string) *loopDef {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loops[name]
}

func (a *App) lookupSchema(eventType string) (EventSchema, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.schemas[eventType]
	return s, ok
}

// Handler returns the fully wired HTTP handler, middleware included.
// log_level "error" drops the per-request log line.
func (a *App) Handler() http.Handler {
	h := middleware.CORS(a.mux)
	if !strings.EqualFold(a.cfg.LogLevel, "error") {
		h = middleware.RequestLog(h)
	}
	return h
}

// Run serves HTTP until ctx is done, then shuts down gracefully: the idle
// monitor is cancelled, in-flight handlers are stopped and their claims
// released, and the listener drains.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.monitor.Run(runCtx)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("App: listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("App: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := a.lm.StopAll(shutdownCtx); err != nil {
		log.Printf("App: stopping loops: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("App: draining listener: %v", err)
	}
	if err := a.sm.Close(); err != nil {
		log.Printf("App: closing state manager: %v", err)
	}
	return nil
}
