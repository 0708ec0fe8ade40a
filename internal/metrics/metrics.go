// Package metrics keeps in-process counters for ensemble runs: per-model
// request totals, failure counts, and latency, plus session-level success
// rate. State is process-local and resets on restart.
package metrics

import (
	"sync"
	"time"
)

type modelStats struct {
	requests     int64
	failures     int64
	totalLatency time.Duration
}

// Collector aggregates counters. Safe for concurrent use.
type Collector struct {
	mu              sync.Mutex
	models          map[string]*modelStats
	sessions        int64
	sessionFailures int64
	started         time.Time
}

func NewCollector() *Collector {
	return &Collector{
		models:  make(map[string]*modelStats),
		started: time.Now(),
	}
}

// RecordModel notes one finished per-model stream.
func (c *Collector) RecordModel(modelID string, elapsed time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.models[modelID]
	if !ok {
		stats = &modelStats{}
		c.models[modelID] = stats
	}
	stats.requests++
	stats.totalLatency += elapsed
	if failed {
		stats.failures++
	}
}

// RecordSession notes one finished ensemble session. A session counts as
// failed when it ended with a session-wide error event.
func (c *Collector) RecordSession(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions++
	if failed {
		c.sessionFailures++
	}
}

// ModelSnapshot is the exported view of one model's counters.
type ModelSnapshot struct {
	ModelID          string  `json:"modelId"`
	Requests         int64   `json:"requests"`
	Failures         int64   `json:"failures"`
	SuccessRate      float64 `json:"successRate"`
	AverageLatencyMs int64   `json:"averageLatencyMs"`
}

// Snapshot is a point-in-time export of all counters.
type Snapshot struct {
	UptimeSeconds      int64           `json:"uptimeSeconds"`
	Sessions           int64           `json:"sessions"`
	SessionFailures    int64           `json:"sessionFailures"`
	SessionSuccessRate float64         `json:"sessionSuccessRate"`
	Models             []ModelSnapshot `json:"models"`
}

// Snapshot exports the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		UptimeSeconds:      int64(time.Since(c.started).Seconds()),
		Sessions:           c.sessions,
		SessionFailures:    c.sessionFailures,
		SessionSuccessRate: successRate(c.sessions, c.sessionFailures),
	}
	for modelID, stats := range c.models {
		m := ModelSnapshot{
			ModelID:     modelID,
			Requests:    stats.requests,
			Failures:    stats.failures,
			SuccessRate: successRate(stats.requests, stats.failures),
		}
		if stats.requests > 0 {
			m.AverageLatencyMs = (stats.totalLatency / time.Duration(stats.requests)).Milliseconds()
		}
		snap.Models = append(snap.Models, m)
	}
	return snap
}

func successRate(total, failures int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(total-failures) / float64(total)
}
