package ops

import (
	"context"
	"runtime"
	"time"
)

// SystemStats describes the running process.
type SystemStats struct {
	Version       string        `json:"version"`
	GoVersion     string        `json:"go_version"`
	StartTime     time.Time     `json:"start_time"`
	Uptime        time.Duration `json:"uptime"`
	NumGoroutines int           `json:"num_goroutines"`
	MemAllocMB    float64       `json:"mem_alloc_mb"`
	MemSysMB      float64       `json:"mem_sys_mb"`
	NumGC         uint32        `json:"num_gc"`
}

// RelayStats describes the relay's current load.
type RelayStats struct {
	TotalEvents         int64 `json:"total_events"`
	OpenConnections     int   `json:"open_connections"`
	ActiveSubscriptions int   `json:"active_subscriptions"`
}

// Snapshot is one point-in-time diagnostics report.
type Snapshot struct {
	System SystemStats `json:"system"`
	Relay  RelayStats  `json:"relay"`
}

// EventCounter is the storage surface diagnostics needs.
type EventCounter interface {
	CountEvents(ctx context.Context, kind int) (int64, error)
}

// ConnectionStats is the relay surface diagnostics needs.
type ConnectionStats interface {
	ConnectionCount() int
	SubscriptionCount() int
}

// Diagnostics collects process and relay statistics.
type Diagnostics struct {
	version   string
	startTime time.Time
	store     EventCounter
	relay     ConnectionStats
}

// NewDiagnostics creates a diagnostics collector. store may be nil when
// the storage layer cannot report counts.
func NewDiagnostics(version string, store EventCounter, relay ConnectionStats) *Diagnostics {
	return &Diagnostics{
		version:   version,
		startTime: time.Now(),
		store:     store,
		relay:     relay,
	}
}

// SystemStats reports runtime statistics for the process.
func (d *Diagnostics) SystemStats() SystemStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return SystemStats{
		Version:       d.version,
		GoVersion:     runtime.Version(),
		StartTime:     d.startTime,
		Uptime:        time.Since(d.startTime),
		NumGoroutines: runtime.NumGoroutine(),
		MemAllocMB:    float64(mem.Alloc) / 1024 / 1024,
		MemSysMB:      float64(mem.Sys) / 1024 / 1024,
		NumGC:         mem.NumGC,
	}
}

// RelayStats reports connection, subscription and event counts.
func (d *Diagnostics) RelayStats(ctx context.Context) RelayStats {
	stats := RelayStats{
		OpenConnections:     d.relay.ConnectionCount(),
		ActiveSubscriptions: d.relay.SubscriptionCount(),
	}
	if d.store != nil {
		if total, err := d.store.CountEvents(ctx, -1); err == nil {
			stats.TotalEvents = total
		}
	}
	return stats
}

// Snapshot combines system and relay statistics.
func (d *Diagnostics) Snapshot(ctx context.Context) Snapshot {
	return Snapshot{
		System: d.SystemStats(),
		Relay:  d.RelayStats(ctx),
	}
}
