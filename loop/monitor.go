package loop

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/beam-cloud/fastloop/observability"
	"github.com/beam-cloud/fastloop/state"
)

// MonitorInterval is how often the monitor sweeps for idle loops.
const MonitorInterval = 5 * time.Second

// Monitor periodically sweeps RUNNING loops and parks the ones whose idle
// timeout has elapsed. Exactly one sweep runs per process; cross-process
// races are settled by the claim inside MarkIdle.
type Monitor struct {
	sm       state.Manager
	lm       *Manager
	interval time.Duration
}

func NewMonitor(sm state.Manager, lm *Manager) *Monitor {
	return &Monitor{sm: sm, lm: lm, interval: MonitorInterval}
}

// Run blocks until ctx is done, sweeping every interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	loops, err := m.sm.GetAllLoops(ctx, state.StatusRunning)
	if err != nil {
		log.Printf("Monitor: listing running loops: %v", err)
		return
	}
	observability.ActiveLoops.WithLabelValues(string(state.StatusRunning)).Set(float64(len(loops)))

	now := time.Now()
	for _, l := range loops {
		if !l.IdleExpired(now) {
			continue
		}
		if err := m.lm.MarkIdle(ctx, l.LoopID); err != nil {
			if errors.Is(err, state.ErrLoopClaim) {
				// A handler holds the claim; it will settle its own status.
				continue
			}
			log.Printf("Monitor: marking loop %s idle: %v", l.LoopID, err)
		}
	}
}
