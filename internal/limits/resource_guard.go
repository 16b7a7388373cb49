package limits

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"kolmodin/internal/monitoring"
)

// ResourceGuard enforces the static capacity limits from config. It
// never measures anything itself; it reads the system monitor's last
// sample and an externally-maintained connection counter, which keeps
// every admission decision cheap and deterministic.
type ResourceGuard struct {
	monitor        *monitoring.SystemMonitor
	logger         zerolog.Logger
	maxConnections int64
	maxGoroutines  int
	cpuThreshold   float64
	memoryLimit    int64

	connections atomic.Int64
}

// NewResourceGuard wires the guard to the shared system monitor. Zero
// thresholds disable the corresponding check.
func NewResourceGuard(monitor *monitoring.SystemMonitor, maxConnections, maxGoroutines int, cpuThreshold float64, memoryLimit int64, logger zerolog.Logger) *ResourceGuard {
	return &ResourceGuard{
		monitor:        monitor,
		logger:         logger.With().Str("component", "resource_guard").Logger(),
		maxConnections: int64(maxConnections),
		maxGoroutines:  maxGoroutines,
		cpuThreshold:   cpuThreshold,
		memoryLimit:    memoryLimit,
	}
}

// AcquireConnection admits one connection, returning a non-empty
// rejection reason otherwise. A successful acquire must be paired with
// ReleaseConnection.
func (g *ResourceGuard) AcquireConnection() (reason string) {
	if n := g.connections.Add(1); n > g.maxConnections {
		g.connections.Add(-1)
		return "max_connections"
	}
	if reason := g.checkSystem(); reason != "" {
		g.connections.Add(-1)
		return reason
	}
	return ""
}

// ReleaseConnection returns a connection slot.
func (g *ResourceGuard) ReleaseConnection() {
	g.connections.Add(-1)
}

// Connections returns the current admitted-connection count.
func (g *ResourceGuard) Connections() int64 {
	return g.connections.Load()
}

// CheckLobbyCreation gates /api/create-lobby with the same system
// checks (but no connection slot).
func (g *ResourceGuard) CheckLobbyCreation() (reason string) {
	return g.checkSystem()
}

func (g *ResourceGuard) checkSystem() string {
	m := g.monitor.GetMetrics()
	if g.cpuThreshold > 0 && m.CPUPercent > g.cpuThreshold {
		g.logger.Warn().Float64("cpu_percent", m.CPUPercent).Msg("Rejecting work: CPU above threshold")
		return "cpu"
	}
	if g.memoryLimit > 0 && m.MemoryBytes > g.memoryLimit {
		g.logger.Warn().Int64("memory_bytes", m.MemoryBytes).Msg("Rejecting work: memory above limit")
		return "memory"
	}
	if g.maxGoroutines > 0 && m.Goroutines > g.maxGoroutines {
		g.logger.Warn().Int("goroutines", m.Goroutines).Msg("Rejecting work: goroutine count above limit")
		return "goroutines"
	}
	return ""
}
