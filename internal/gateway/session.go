package gateway

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"kolmodin/internal/lobby"
	"kolmodin/internal/monitoring"
	"kolmodin/internal/protocol"
)

const (
	// How long the client has to send its ConnectToLobby frame.
	firstFrameWait = 10 * time.Second

	// Read deadline between frames; the 30s server pings keep a live
	// client well inside it.
	readIdleWait = 90 * time.Second

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.limiter.Allow(clientIP) {
		monitoring.ConnectionsRejected.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if reason := s.guard.AcquireConnection(); reason != "" {
		monitoring.ConnectionsRejected.WithLabelValues(reason).Inc()
		s.logger.Warn().Str("client_ip", clientIP).Str("reason", reason).Msg("Connection rejected")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.guard.ReleaseConnection()
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()
	go s.runSession(conn, clientIP)
}

// runSession drives one WebSocket connection from handshake to close.
func (s *Server) runSession(conn net.Conn, clientIP string) {
	defer monitoring.RecoverPanic(s.logger, "session", map[string]any{"client_ip": clientIP})

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }

	defer func() {
		closeConn()
		s.guard.ReleaseConnection()
		monitoring.ConnectionsActive.Dec()
	}()

	lb, clientID, send, ok := s.bindToLobby(conn, clientIP)
	if !ok {
		return
	}

	logger := s.logger.With().
		Str("client_id", clientID.String()).
		Str("lobby_id", lb.ID().String()).
		Logger()
	logger.Debug().Str("client_ip", clientIP).Msg("Session bound to lobby")

	go s.writePump(conn, send, closeConn)
	s.readLoop(conn, lb, clientID)

	lb.ClientDisconnected(clientID)
	logger.Debug().Msg("Session ended")
}

// bindToLobby performs the ConnectToLobby handshake: the first frame
// names the lobby, anything else is answered with a SystemError and
// a close.
func (s *Server) bindToLobby(conn net.Conn, clientIP string) (*lobby.Lobby, uuid.UUID, chan []byte, bool) {
	conn.SetReadDeadline(time.Now().Add(firstFrameWait))
	raw, op, err := wsutil.ReadClientData(conn)
	if err != nil {
		return nil, uuid.Nil, nil, false
	}
	if op != ws.OpText {
		s.refuse(conn, "first frame must be a ConnectToLobby text frame")
		return nil, uuid.Nil, nil, false
	}

	env, err := protocol.ParseClientFrame(raw)
	if err != nil {
		s.refuse(conn, err.Error())
		return nil, uuid.Nil, nil, false
	}
	if env.MessageType != protocol.TypeConnectToLobby {
		s.refuse(conn, "first frame must be ConnectToLobby")
		return nil, uuid.Nil, nil, false
	}

	payload, err := env.ConnectToLobby()
	if err != nil {
		s.refuse(conn, err.Error())
		return nil, uuid.Nil, nil, false
	}
	lobbyID, err := uuid.Parse(payload.LobbyID)
	if err != nil {
		s.refuse(conn, "lobby_id is not a valid UUID")
		return nil, uuid.Nil, nil, false
	}

	lb, err := s.manager.Lookup(lobbyID)
	if err != nil {
		s.refuse(conn, "unknown lobby: "+payload.LobbyID)
		return nil, uuid.Nil, nil, false
	}

	clientID := uuid.New()
	send := lobby.NewClientQueue()
	if err := lb.ClientConnected(clientID, send); err != nil {
		s.refuse(conn, "lobby is closed")
		return nil, uuid.Nil, nil, false
	}
	return lb, clientID, send, true
}

// refuse sends a SystemError then a close frame; used only before the
// session is bound to a lobby.
func (s *Server) refuse(conn net.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if frame, err := protocol.SystemErrorFrame(msg); err == nil {
		wsutil.WriteServerMessage(conn, ws.OpText, frame)
	}
	wsutil.WriteServerMessage(conn, ws.OpClose, nil)
}

// readLoop forwards text frames to the lobby until the socket dies or
// the client closes.
func (s *Server) readLoop(conn net.Conn, lb *lobby.Lobby, clientID uuid.UUID) {
	for {
		conn.SetReadDeadline(time.Now().Add(readIdleWait))
		raw, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}

		switch op {
		case ws.OpText:
			monitoring.MessagesReceived.Inc()
			lb.ClientEvent(clientID, raw)
		case ws.OpClose:
			return
		default:
			// Binary and stray control frames are ignored.
		}
	}
}

// writePump drains the client queue onto the socket, batching what is
// already queued into one flush, and pings on idle. A closed queue
// means the lobby dropped the client: say goodbye and close.
func (s *Server) writePump(conn net.Conn, send <-chan []byte, closeConn func()) {
	defer monitoring.RecoverPanic(s.logger, "writePump", nil)

	writer := bufio.NewWriter(conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		closeConn()
	}()

	for {
		select {
		case frame, ok := <-send:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				return
			}
			// Batch whatever else is already queued into this flush.
			for i := len(send); i > 0; i-- {
				frame, ok = <-send
				if !ok {
					writer.Flush()
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
					return
				}
				if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
