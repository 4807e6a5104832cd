package fastloop

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/beam-cloud/fastloop/state"
)

// handleSSE is GET /events/{loop_id}/{event_type}: a server-sent-event
// stream of the loop's emitted events of one type. The stream ends when the
// loop stops or the client disconnects.
func (a *App) handleSSE(w http.ResponseWriter, r *http.Request) {
	loopID := r.PathValue("loop_id")
	eventType := r.PathValue("event_type")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	events, err := a.lm.Events(r.Context(), loopID, eventType)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown loop_id %s", loopID))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("SSE: encoding event for loop %s: %v", loopID, err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleHistory is GET /events/{loop_id}/history: the loop's full event log
// in append order.
func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	loopID := r.PathValue("loop_id")

	if _, err := a.sm.GetLoop(r.Context(), loopID); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown loop_id %s", loopID))
		return
	}

	history, err := a.sm.EventHistory(r.Context(), loopID)
	if err != nil {
		log.Printf("History: reading loop %s: %v", loopID, err)
		writeError(w, http.StatusInternalServerError, "State backend unavailable")
		return
	}
	if history == nil {
		history = []*state.Event{}
	}
	writeJSON(w, http.StatusOK, history)
}
