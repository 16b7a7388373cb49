package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kolmodin/internal/config"
	"kolmodin/internal/content"
	"kolmodin/internal/game"
	"kolmodin/internal/limits"
	"kolmodin/internal/lobby"
	"kolmodin/internal/monitoring"
	"kolmodin/internal/protocol"
	"kolmodin/internal/twitch"
	"kolmodin/internal/watch"
)

const testWait = 2 * time.Second

// twitchStub satisfies the lobby manager's subscriber dependency.
type twitchStub struct{}

func (twitchStub) Subscribe(channel string, lobbyID uuid.UUID, chat chan<- twitch.ChatMessage) (*watch.Receiver[twitch.Status], error) {
	_, rx := watch.New(twitch.Connected())
	return rx, nil
}

func (twitchStub) Unsubscribe(channel string, lobbyID uuid.UUID) {}

type testServer struct {
	*Server
	manager *lobby.Manager
	ts      *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Port:            8080,
		AdminAPIKey:     "test-admin-key",
		MaxConnections:  100,
		ConnRatePerIP:   100,
		ConnRateGlobal:  1000,
		ShutdownTimeout: time.Second,
	}

	store, err := content.Load("", zerolog.Nop())
	require.NoError(t, err)

	manager := lobby.NewManager(lobby.ManagerConfig{
		EnabledGames:  []string{game.TagQuiz, game.TagDescribe},
		DefaultGame:   game.TagQuiz,
		Content:       store,
		YouTubeAPIKey: "",
	}, twitchStub{}, zerolog.Nop())

	monitor := monitoring.NewSystemMonitor(zerolog.Nop(), 0, 0, 0)
	guard := limits.NewResourceGuard(monitor, cfg.MaxConnections, 0, 0, 0, zerolog.Nop())

	s := New(cfg, manager, guard, monitor, zerolog.Nop())
	ts := httptest.NewServer(s.httpServer.Handler)

	t.Cleanup(func() {
		ts.Close()
		manager.Shutdown()
		s.limiter.Stop()
	})
	return &testServer{Server: s, manager: manager, ts: ts}
}

func (ts *testServer) createLobby(t *testing.T, body string) (createLobbyResponse, *http.Response) {
	t.Helper()
	resp, err := http.Post(ts.ts.URL+"/api/create-lobby", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out createLobbyResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return out, resp
}

func (ts *testServer) dialWS(t *testing.T) net.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	conn, _, _, err := ws.DefaultDialer.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, messageType string, payload any) {
	t.Helper()
	env := protocol.Envelope{MessageType: messageType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = raw
	}
	frame, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, frame))
}

func readFrame(t *testing.T, conn net.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testWait))
	for {
		raw, op, err := wsutil.ReadServerData(conn)
		require.NoError(t, err)
		if op != ws.OpText {
			continue
		}
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	}
}

func TestCreateLobbyAndPlay(t *testing.T) {
	srv := newTestServer(t)

	created, resp := srv.createLobby(t, `{"game_type":"quiz"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "quiz", created.GameTypeCreated)
	assert.NotEmpty(t, created.LobbyID)
	assert.NotEmpty(t, created.AdminID)
	assert.Empty(t, created.TwitchChannel)

	conn := srv.dialWS(t)
	sendFrame(t, conn, protocol.TypeConnectToLobby, protocol.ConnectToLobbyPayload{LobbyID: created.LobbyID})

	state := readFrame(t, conn)
	assert.Equal(t, protocol.TypeGameSpecificEvent, state.MessageType)
	assert.True(t, bytes.Contains(state.Payload, []byte("FullStateUpdate")))

	status := readFrame(t, conn)
	assert.Equal(t, protocol.TypeGlobalEvent, status.MessageType)
	var ev protocol.EventPayload
	require.NoError(t, json.Unmarshal(status.Payload, &ev))
	require.Equal(t, protocol.EventTwitchStatusUpdate, ev.Name)
	var st protocol.TwitchStatusPayload
	require.NoError(t, json.Unmarshal(ev.Data, &st))
	assert.Equal(t, "Disconnected", st.StatusType)
	assert.Equal(t, "No Twitch channel configured", st.Detail)

	// Leaving closes the socket and retires the lobby.
	sendFrame(t, conn, protocol.TypeLeaveLobby, nil)
	conn.SetReadDeadline(time.Now().Add(testWait))
	awaitClose(t, conn)

	lobbyID, err := uuid.Parse(created.LobbyID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := srv.manager.Lookup(lobbyID)
		return err != nil
	}, time.Second, 10*time.Millisecond, "lobby still registered after leave")
}

func awaitClose(t *testing.T, conn net.Conn) {
	t.Helper()
	for {
		_, op, err := wsutil.ReadServerData(conn)
		if err != nil || op == ws.OpClose {
			return
		}
	}
}

func TestWSUnknownLobby(t *testing.T) {
	srv := newTestServer(t)

	conn := srv.dialWS(t)
	sendFrame(t, conn, protocol.TypeConnectToLobby, protocol.ConnectToLobbyPayload{LobbyID: uuid.NewString()})

	frame := readFrame(t, conn)
	assert.Equal(t, protocol.TypeSystemError, frame.MessageType)
	awaitClose(t, conn)
}

func TestWSFirstFrameMustConnect(t *testing.T) {
	srv := newTestServer(t)

	conn := srv.dialWS(t)
	sendFrame(t, conn, protocol.TypeLeaveLobby, nil)

	frame := readFrame(t, conn)
	assert.Equal(t, protocol.TypeSystemError, frame.MessageType)
	awaitClose(t, conn)
}

func TestCreateLobbyValidation(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"disabled game type", `{"game_type":"clipqueue"}`, http.StatusBadRequest},
		{"unknown falls back to default", `{"game_type":"poker"}`, http.StatusOK},
		{"malformed body", `{"game_type":`, http.StatusBadRequest},
		{"empty body defaults", `{}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp := srv.createLobby(t, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestCreateLobbyMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.ts.URL + "/api/create-lobby")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAdminListing(t *testing.T) {
	srv := newTestServer(t)
	srv.createLobby(t, `{"game_type":"quiz","twitch_channel":"somechannel"}`)

	req, err := http.NewRequest(http.MethodGet, srv.ts.URL+"/api/lobbies", nil)
	require.NoError(t, err)

	// Missing key -> 401.
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("X-Admin-Key", "test-admin-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []lobbyListEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "quiz", entries[0].GameType)
	assert.Equal(t, "somechannel", entries[0].Channel)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr only", nil, "192.0.2.1:4321", "192.0.2.1"},
		{"x-forwarded-for wins", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "192.0.2.1:4321", "203.0.113.9"},
		{"x-real-ip", map[string]string{"X-Real-IP": "203.0.113.7"}, "192.0.2.1:4321", "203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(r))
		})
	}
}
