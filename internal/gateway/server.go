// Package gateway is the HTTP and WebSocket surface of the server:
// lobby creation, the admin listing, health and metrics endpoints, and
// the per-connection session pumps binding a WebSocket to a lobby.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"kolmodin/internal/config"
	"kolmodin/internal/limits"
	"kolmodin/internal/lobby"
	"kolmodin/internal/monitoring"
)

// Server owns the HTTP listener and the gateways into the lobby
// manager.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	manager *lobby.Manager
	guard   *limits.ResourceGuard
	limiter *limits.ConnectionRateLimiter
	monitor *monitoring.SystemMonitor

	httpServer   *http.Server
	startedAt    time.Time
	shuttingDown atomic.Bool
}

// New wires the server. Call Run to serve and Shutdown to stop.
func New(cfg *config.Config, manager *lobby.Manager, guard *limits.ResourceGuard, monitor *monitoring.SystemMonitor, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "gateway").Logger(),
		manager:   manager,
		guard:     guard,
		limiter:   limits.NewConnectionRateLimiter(cfg.ConnRatePerIP, cfg.ConnRateGlobal, logger),
		monitor:   monitor,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/create-lobby", s.handleCreateLobby)
	mux.HandleFunc("/api/lobbies", s.handleListLobbies)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", http.HandlerFunc(monitoring.HandleMetrics))

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-Admin-Key"},
	}).Handler(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the listener closes. Returns nil on graceful
// shutdown.
func (s *Server) Run() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting new work and closes the listener. Open
// WebSocket sessions are ended by the lobby manager's own shutdown,
// which closes every client queue.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.limiter.Stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Lobbies       int     `json:"lobbies"`
	Connections   int64   `json:"connections"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   int64   `json:"memory_bytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := s.monitor.GetMetrics()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt) / time.Second),
		Lobbies:       len(s.manager.List()),
		Connections:   s.guard.Connections(),
		Goroutines:    m.Goroutines,
		CPUPercent:    m.CPUPercent,
		MemoryBytes:   m.MemoryBytes,
	})
}

// errorResponse is the JSON error body of the HTTP API.
type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Status: status})
}

// getClientIP resolves the client address, honoring proxy headers the
// way the deployment sets them.
func getClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
