package fastloop

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS policy is enforced by the middleware layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS is GET /events/{loop_id}/{event_type}/ws: the WebSocket mirror of
// the SSE stream. Events are pushed as JSON text messages; the connection
// closes when the loop stops.
func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	loopID := r.PathValue("loop_id")
	eventType := r.PathValue("event_type")

	events, err := a.lm.Events(r.Context(), loopID, eventType)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown loop_id %s", loopID))
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS: upgrade failed for loop %s: %v", loopID, err)
		return
	}
	defer conn.Close()

	// Read pump: discard client frames, but notice closes and pongs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "loop stopped"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
