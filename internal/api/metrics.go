package api

import (
	"net/http"
	"runtime"
	"time"
)

// timeLayout is used for timestamps rendered by hand.
const timeLayout = time.RFC3339

// SystemMetrics represents the complete metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	MQTT          MQTTMetrics    `json:"mqtt"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// MQTTMetrics contains session counters.
type MQTTMetrics struct {
	Connected     bool  `json:"connected"`
	Interruptions int64 `json:"interruptions"`
	Resumptions   int64 `json:"resumptions"`
	Replays       int64 `json:"replays"`
	InFlight      int   `json:"in_flight"`
	Subscriptions int   `json:"subscriptions"`
}

// handleMetrics returns runtime and session metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := s.session.Stats()

	writeJSON(w, http.StatusOK, SystemMetrics{
		Timestamp:     time.Now().UTC().Format(timeLayout),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		MQTT: MQTTMetrics{
			Connected:     s.session.HealthCheck(r.Context()) == nil,
			Interruptions: stats.Interruptions,
			Resumptions:   stats.Resumptions,
			Replays:       stats.Replays,
			InFlight:      stats.InFlight,
			Subscriptions: stats.Subscriptions,
		},
	})
}
