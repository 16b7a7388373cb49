// Package limits holds the admission-control pieces of the gateway:
// connection rate limiting on the upgrade path and the resource guard
// that rejects work when the process is running hot.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	ipBurst        = 10
	ipEntryTTL     = 5 * time.Minute
	globalBurstMul = 3
	cleanupPeriod  = time.Minute
)

// ConnectionRateLimiter applies token-bucket limits to connection
// attempts at two levels: per client IP and process-wide. Per-IP
// buckets are created on demand and dropped after five idle minutes.
type ConnectionRateLimiter struct {
	mu      sync.Mutex
	perIP   map[string]*ipEntry
	ipRate  rate.Limit
	global  *rate.Limiter
	logger  zerolog.Logger
	stop    chan struct{}
	stopped sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnectionRateLimiter builds a limiter allowing perIPRate
// sustained connections per second per IP and globalRate process-wide.
func NewConnectionRateLimiter(perIPRate, globalRate float64, logger zerolog.Logger) *ConnectionRateLimiter {
	l := &ConnectionRateLimiter{
		perIP:  make(map[string]*ipEntry),
		ipRate: rate.Limit(perIPRate),
		global: rate.NewLimiter(rate.Limit(globalRate), int(globalRate)*globalBurstMul),
		logger: logger.With().Str("component", "conn_rate_limiter").Logger(),
		stop:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from ip may proceed.
// Checks the per-IP bucket first so one flooding IP cannot drain the
// global budget for everyone else.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.perIP[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.ipRate, ipBurst)}
		l.perIP[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	if !entry.limiter.Allow() {
		l.logger.Warn().Str("client_ip", ip).Msg("Per-IP connection rate exceeded")
		return false
	}
	if !l.global.Allow() {
		l.logger.Warn().Str("client_ip", ip).Msg("Global connection rate exceeded")
		return false
	}
	return true
}

// Stop ends the cleanup goroutine.
func (l *ConnectionRateLimiter) Stop() {
	l.stopped.Do(func() { close(l.stop) })
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-ipEntryTTL)
			l.mu.Lock()
			for ip, entry := range l.perIP {
				if entry.lastSeen.Before(cutoff) {
					delete(l.perIP, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
