package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent  float64   // Process CPU usage percentage
	MemoryBytes int64     // Resident memory in bytes
	Goroutines  int       // Current goroutine count
	Timestamp   time.Time // When these metrics were captured
}

// SystemMonitor centralizes resource monitoring: one measurement loop,
// many readers (admission control, health endpoint, Prometheus gauges).
type SystemMonitor struct {
	proc   *process.Process
	logger zerolog.Logger

	// Alert thresholds; crossings log once until the value recovers
	// below 90% of the threshold.
	cpuThreshold  float64
	memThreshold  int64
	maxGoroutines int
	cpuAlerted    bool
	memAlerted    bool

	mu      sync.RWMutex
	metrics SystemMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor builds a monitor for the current process.
// cpuThreshold is a percentage, memThreshold bytes; zero disables the
// corresponding alert.
func NewSystemMonitor(logger zerolog.Logger, cpuThreshold float64, memThreshold int64, maxGoroutines int) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Only possible if our own PID vanished; run without CPU sampling.
		logger.Error().Err(err).Msg("Failed to open own process handle")
	}

	return &SystemMonitor{
		proc:          proc,
		logger:        logger.With().Str("component", "system_monitor").Logger(),
		cpuThreshold:  cpuThreshold,
		memThreshold:  memThreshold,
		maxGoroutines: maxGoroutines,
		metrics:       SystemMetrics{Timestamp: time.Now()},
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins periodic metric updates. Call once during startup.
func (sm *SystemMonitor) Start(interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "systemMonitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.logger.Info().Dur("interval", interval).Msg("System monitor started")

		sm.update()

		for {
			select {
			case <-ticker.C:
				sm.update()
			case <-sm.ctx.Done():
				sm.logger.Info().Msg("System monitor stopped")
				return
			}
		}
	}()
}

// update performs a single measurement of all tracked resources.
func (sm *SystemMonitor) update() {
	var cpuPercent float64
	var rss int64

	if sm.proc != nil {
		// Percent(0) measures since the previous call; the first call
		// returns 0 and primes the counter.
		if pct, err := sm.proc.Percent(0); err == nil {
			cpuPercent = pct
		} else {
			sm.logger.Debug().Err(err).Msg("CPU sample failed")
		}
		if mem, err := sm.proc.MemoryInfo(); err == nil {
			rss = int64(mem.RSS)
		}
	}

	goroutines := runtime.NumGoroutine()

	sm.mu.Lock()
	sm.metrics = SystemMetrics{
		CPUPercent:  cpuPercent,
		MemoryBytes: rss,
		Goroutines:  goroutines,
		Timestamp:   time.Now(),
	}
	sm.mu.Unlock()

	CPUUsagePercent.Set(cpuPercent)
	MemoryUsageBytes.Set(float64(rss))
	GoroutinesActive.Set(float64(goroutines))

	sm.checkThresholds(cpuPercent, rss, goroutines)

	sm.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Int64("memory_bytes", rss).
		Int("goroutines", goroutines).
		Msg("System metrics updated")
}

func (sm *SystemMonitor) checkThresholds(cpuPercent float64, rss int64, goroutines int) {
	if sm.cpuThreshold > 0 {
		switch {
		case cpuPercent > sm.cpuThreshold && !sm.cpuAlerted:
			sm.cpuAlerted = true
			sm.logger.Warn().
				Float64("cpu_percent", cpuPercent).
				Float64("threshold", sm.cpuThreshold).
				Msg("CPU usage above threshold")
		case cpuPercent < sm.cpuThreshold*0.9:
			sm.cpuAlerted = false
		}
	}

	if sm.memThreshold > 0 {
		switch {
		case rss > sm.memThreshold && !sm.memAlerted:
			sm.memAlerted = true
			sm.logger.Warn().
				Int64("memory_bytes", rss).
				Int64("threshold", sm.memThreshold).
				Msg("Memory usage above threshold")
		case rss < sm.memThreshold*9/10:
			sm.memAlerted = false
		}
	}

	if sm.maxGoroutines > 0 && goroutines > sm.maxGoroutines {
		sm.logger.Warn().
			Int("goroutines", goroutines).
			Int("max", sm.maxGoroutines).
			Msg("Goroutine count above limit")
	}
}

// GetMetrics returns a copy of the current system metrics.
func (sm *SystemMonitor) GetMetrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// GetCPUPercent returns the current process CPU usage percentage.
func (sm *SystemMonitor) GetCPUPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.CPUPercent
}

// GetMemoryBytes returns the current resident memory in bytes.
func (sm *SystemMonitor) GetMemoryBytes() int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.MemoryBytes
}

// GetGoroutines returns the goroutine count from the last sample.
func (sm *SystemMonitor) GetGoroutines() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics.Goroutines
}

// Shutdown stops the measurement loop and waits for it to exit.
func (sm *SystemMonitor) Shutdown() {
	sm.cancel()
	sm.wg.Wait()
}
