package fastloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/beam-cloud/fastloop/loop"
	"github.com/beam-cloud/fastloop/observability"
	"github.com/beam-cloud/fastloop/state"
)

// Ingest rate limiting, per loop name. Bursty edges (chat platforms, webhook
// retries) are tolerated; sustained storms are shed with a 429.
const (
	ingestRatePerSecond = 50
	ingestBurst         = 100
)

type rateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiters() *rateLimiters {
	return &rateLimiters{limiters: make(map[string]*rate.Limiter)}
}

func (r *rateLimiters) get(name string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(ingestRatePerSecond), ingestBurst)
		r.limiters[name] = l
	}
	return l
}

// handleIngest is POST /{loop_name}: validate the event, find or create the
// target loop, enqueue, and ensure a handler is driving the loop. The
// response is the loop record so clients learn the loop_id to address
// follow-up events to.
func (a *App) handleIngest(w http.ResponseWriter, r *http.Request) {
	loopName := r.PathValue("loop_name")

	def := a.lookupLoop(loopName)
	if def == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown loop %s", loopName))
		return
	}

	if !a.limiters.get(loopName).Allow() {
		observability.IngestRejected.WithLabelValues("rate_limited").Inc()
		observability.APIRateLimited.WithLabelValues(loopName).Inc()
		// Jitter spreads retries from synchronized clients.
		w.Header().Set("Retry-After", fmt.Sprintf("%d", 1+rand.Intn(3)))
		writeError(w, http.StatusTooManyRequests, "Too many events, slow down")
		return
	}

	var ev state.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		observability.IngestRejected.WithLabelValues("invalid_payload").Inc()
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if ev.Type == "" {
		observability.IngestRejected.WithLabelValues("invalid_payload").Inc()
		writeError(w, http.StatusBadRequest, "Event type is required")
		return
	}

	schema, ok := a.lookupSchema(ev.Type)
	if !ok {
		observability.IngestRejected.WithLabelValues("unknown_type").Inc()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown event type %s", ev.Type))
		return
	}

	if errs := schema.Validate(ev.Payload); len(errs) > 0 {
		observability.IngestRejected.WithLabelValues("invalid_payload").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": "Invalid event data",
			"errors":  errs,
		})
		return
	}

	// Without a loop_id only the registered start event may open a new loop.
	if ev.LoopID == "" && ev.Type != def.opts.StartEvent {
		observability.IngestRejected.WithLabelValues("wrong_start_type").Inc()
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Event %s cannot start loop %s; send %s or include a loop_id", ev.Type, loopName, def.opts.StartEvent))
		return
	}

	target, _, err := a.resolveLoop(r.Context(), def, ev.LoopID)
	if err != nil {
		log.Printf("Dispatcher: resolving loop for %s: %v", loopName, err)
		writeError(w, http.StatusInternalServerError, "State backend unavailable")
		return
	}

	if target.Status == state.StatusStopped {
		observability.IngestRejected.WithLabelValues("loop_stopped").Inc()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Loop %s is stopped", target.LoopID))
		return
	}

	ev.LoopID = target.LoopID
	ev.Sender = state.SenderClient
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}

	if err := a.sm.PushEvent(r.Context(), target.LoopID, &ev); err != nil {
		log.Printf("Dispatcher: enqueue %s for loop %s: %v", ev.Type, target.LoopID, err)
		writeError(w, http.StatusInternalServerError, "State backend unavailable")
		return
	}
	observability.EventsIngested.WithLabelValues(loopName, ev.Type).Inc()

	// PAUSED and IDLE loops resume on any accepted event; a fresh or already
	// RUNNING loop just needs a driver. Start is a no-op when the claim is
	// held elsewhere, the queued event will be observed by the holder.
	c := loop.NewContext(target.LoopID, &ev, a.sm)
	a.lm.Start(def.handler, def.opts.OnLoopStart, c, target)

	resp := *target
	resp.Status = state.StatusRunning
	writeJSON(w, http.StatusOK, &resp)
}

// resolveLoop finds the addressed loop or creates a fresh one, retrying
// transient backend failures with bounded exponential backoff.
func (a *App) resolveLoop(ctx context.Context, def *loopDef, loopID string) (*state.LoopState, bool, error) {
	var (
		target  *state.LoopState
		created bool
	)

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		var err error
		target, created, err = a.sm.GetOrCreateLoop(ctx, def.name, loopID, def.opts.IdleTimeout)
		return err
	}, policy)
	return target, created, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Dispatcher: writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
