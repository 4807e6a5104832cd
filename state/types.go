package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// LoopStatus is the lifecycle state of a loop. STOPPED is terminal.
type LoopStatus string

const (
	StatusRunning LoopStatus = "RUNNING"
	StatusIdle    LoopStatus = "IDLE"
	StatusPaused  LoopStatus = "PAUSED"
	StatusStopped LoopStatus = "STOPPED"
)

// Sender is the direction an event travels: CLIENT events arrive at the
// dispatcher, SERVER events are emitted by handlers.
type Sender string

const (
	SenderClient Sender = "CLIENT"
	SenderServer Sender = "SERVER"
)

// LoopState is the durable record for a single loop session.
type LoopState struct {
	LoopID      string     `json:"loop_id"`
	LoopName    string     `json:"loop_name"`
	Status      LoopStatus `json:"status"`
	IdleTimeout float64    `json:"idle_timeout"`
	LastEventAt int64      `json:"last_event_at"`
	CreatedAt   int64      `json:"created_at"`
}

// IdleExpired reports whether the loop has seen no events for at least its
// idle timeout. The boundary (elapsed == timeout) counts as expired.
func (l *LoopState) IdleExpired(now time.Time) bool {
	return float64(now.Unix()-l.LastEventAt) >= l.IdleTimeout
}

// Event is a tagged record routed to a loop. Payload fields are flattened
// into the top-level JSON object on the wire, alongside the envelope fields.
type Event struct {
	Type      string
	LoopID    string
	Sender    Sender
	Nonce     int64
	CreatedAt int64
	Payload   map[string]any
}

// reserved envelope keys, never treated as payload.
var eventEnvelopeKeys = map[string]bool{
	"type":       true,
	"loop_id":    true,
	"sender":     true,
	"nonce":      true,
	"created_at": true,
}

func (e *Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Payload)+5)
	for k, v := range e.Payload {
		if eventEnvelopeKeys[k] {
			continue
		}
		m[k] = v
	}
	m["type"] = e.Type
	m["sender"] = e.Sender
	m["created_at"] = e.CreatedAt
	if e.LoopID != "" {
		m["loop_id"] = e.LoopID
	}
	if e.Nonce > 0 {
		m["nonce"] = e.Nonce
	}
	return json.Marshal(m)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["type"].(string); ok {
		e.Type = v
	}
	if v, ok := m["loop_id"].(string); ok {
		e.LoopID = v
	}
	if v, ok := m["sender"].(string); ok {
		e.Sender = Sender(v)
	}
	if v, ok := m["nonce"].(float64); ok {
		e.Nonce = int64(v)
	}
	if v, ok := m["created_at"].(float64); ok {
		e.CreatedAt = int64(v)
	}
	payload := make(map[string]any)
	for k, v := range m {
		if eventEnvelopeKeys[k] {
			continue
		}
		payload[k] = v
	}
	e.Payload = payload
	return nil
}

// EventFromJSON decodes a single wire-format event.
func EventFromJSON(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}
