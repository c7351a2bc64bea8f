package locate

import (
	"sync"
	"time"
)

// healthTracker accumulates per-strategy acquisition outcomes. Embedded by
// the concrete strategies so Health() is uniform across them.
type healthTracker struct {
	mu     sync.Mutex
	health StrategyHealth
}

func (h *healthTracker) recordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.SuccessCount++
	h.health.LastSuccess = time.Now()
	h.health.LastError = ""
	h.finish(latency)
}

func (h *healthTracker) recordFailure(latency time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.health.ErrorCount++
	if err != nil {
		h.health.LastError = err.Error()
	}
	h.finish(latency)
}

func (h *healthTracker) finish(latency time.Duration) {
	total := h.health.SuccessCount + h.health.ErrorCount
	if total > 0 {
		h.health.SuccessRate = float64(h.health.SuccessCount) / float64(total)
	}
	ms := float64(latency.Milliseconds())
	if total <= 1 {
		h.health.AvgLatencyMs = ms
		return
	}
	// Running average weighted by observation count.
	h.health.AvgLatencyMs = (h.health.AvgLatencyMs*float64(total-1) + ms) / float64(total)
}

func (h *healthTracker) snapshot(available bool) StrategyHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.health
	out.Available = available
	return out
}
