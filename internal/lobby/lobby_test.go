package lobby

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kolmodin/internal/content"
	"kolmodin/internal/game"
	"kolmodin/internal/protocol"
	"kolmodin/internal/twitch"
	"kolmodin/internal/watch"
)

const testWait = 2 * time.Second

// fakeTwitch satisfies the subscriber interface and lets tests feed
// chat and status into a lobby.
type fakeTwitch struct {
	mu           sync.Mutex
	chat         chan<- twitch.ChatMessage
	statusTx     *watch.Sender[twitch.Status]
	subscribes   int
	unsubscribes int
	subscribeErr error
}

func newFakeTwitch() *fakeTwitch {
	tx, _ := watch.New(twitch.Connected())
	return &fakeTwitch{statusTx: tx}
}

func (f *fakeTwitch) Subscribe(channel string, lobbyID uuid.UUID, chat chan<- twitch.ChatMessage) (*watch.Receiver[twitch.Status], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.chat = chat
	f.subscribes++
	return f.statusTx.Subscribe(), nil
}

func (f *fakeTwitch) Unsubscribe(channel string, lobbyID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes++
}

func (f *fakeTwitch) sendChat(t *testing.T, msg twitch.ChatMessage) {
	t.Helper()
	f.mu.Lock()
	ch := f.chat
	f.mu.Unlock()
	require.NotNil(t, ch, "lobby has not subscribed yet")
	select {
	case ch <- msg:
	case <-time.After(testWait):
		t.Fatal("chat queue full")
	}
}

// newTestLobby wires a quiz lobby without a manager. Tweak fields
// before calling start.
func newTestLobby(t *testing.T, channel string, svc subscriber) *Lobby {
	t.Helper()
	l := newLobby(uuid.New(), uuid.New(), game.TagQuiz, channel, svc, zerolog.Nop())

	store, err := content.Load("", zerolog.Nop())
	require.NoError(t, err)
	engine, err := game.New(game.TagQuiz, game.Deps{Content: store, Logger: zerolog.Nop(), Sink: l})
	require.NoError(t, err)
	l.engine = engine
	return l
}

func nextFrame(t *testing.T, send chan []byte) protocol.Envelope {
	t.Helper()
	select {
	case raw, ok := <-send:
		require.True(t, ok, "send queue closed while a frame was expected")
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a frame")
		return protocol.Envelope{}
	}
}

func awaitClosed(t *testing.T, send chan []byte) {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case _, ok := <-send:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("send queue never closed")
		}
	}
}

func awaitDone(t *testing.T, l *Lobby) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(testWait):
		t.Fatal("lobby never shut down")
	}
}

func frameText(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return string(raw)
}

func TestLobbyFirstClientGetsStateAndStatus(t *testing.T) {
	l := newTestLobby(t, "", newFakeTwitch())
	l.start()
	defer l.Stop()

	send := NewClientQueue()
	require.NoError(t, l.ClientConnected(uuid.New(), send))

	state := nextFrame(t, send)
	assert.Equal(t, protocol.TypeGameSpecificEvent, state.MessageType)
	assert.Contains(t, frameText(t, state), "FullStateUpdate")

	status := nextFrame(t, send)
	assert.Equal(t, protocol.TypeGlobalEvent, status.MessageType)

	var ev protocol.EventPayload
	require.NoError(t, json.Unmarshal(status.Payload, &ev))
	assert.Equal(t, protocol.EventTwitchStatusUpdate, ev.Name)

	var st protocol.TwitchStatusPayload
	require.NoError(t, json.Unmarshal(ev.Data, &st))
	assert.Equal(t, "Disconnected", st.StatusType)
	assert.Equal(t, "No Twitch channel configured", st.Detail)
}

func TestLobbyLeaveShutsDown(t *testing.T) {
	closed := make(chan uuid.UUID, 1)
	l := newTestLobby(t, "", newFakeTwitch())
	l.closed = func(id uuid.UUID) { closed <- id }
	l.start()

	id := uuid.New()
	send := NewClientQueue()
	require.NoError(t, l.ClientConnected(id, send))

	leave, err := json.Marshal(protocol.Envelope{MessageType: protocol.TypeLeaveLobby})
	require.NoError(t, err)
	l.ClientEvent(id, leave)

	awaitClosed(t, send)
	awaitDone(t, l)

	select {
	case got := <-closed:
		assert.Equal(t, l.ID(), got)
	case <-time.After(testWait):
		t.Fatal("manager never notified")
	}
}

func TestLobbyLastDisconnectShutsDown(t *testing.T) {
	l := newTestLobby(t, "", newFakeTwitch())
	l.start()

	a, b := uuid.New(), uuid.New()
	sendA, sendB := NewClientQueue(), NewClientQueue()
	require.NoError(t, l.ClientConnected(a, sendA))
	require.NoError(t, l.ClientConnected(b, sendB))

	l.ClientDisconnected(a)
	select {
	case <-l.Done():
		t.Fatal("lobby shut down with a client still connected")
	case <-time.After(50 * time.Millisecond):
	}

	l.ClientDisconnected(b)
	awaitDone(t, l)
	awaitClosed(t, sendB)
}

func TestLobbyMalformedFrameGetsSystemError(t *testing.T) {
	l := newTestLobby(t, "", newFakeTwitch())
	l.start()
	defer l.Stop()

	id := uuid.New()
	send := NewClientQueue()
	require.NoError(t, l.ClientConnected(id, send))
	nextFrame(t, send) // state
	nextFrame(t, send) // status

	l.ClientEvent(id, []byte("{not json"))
	errFrame := nextFrame(t, send)
	assert.Equal(t, protocol.TypeSystemError, errFrame.MessageType)

	// Connection stays usable afterwards.
	l.ClientEvent(id, []byte(`{"messageType":"GlobalCommand","payload":{"name":"noop"}}`))
	select {
	case <-l.Done():
		t.Fatal("lobby died on a malformed frame")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLobbySubscribesLazilyAndRelaysChat(t *testing.T) {
	ft := newFakeTwitch()
	l := newTestLobby(t, "testchannel", ft)
	l.start()

	ft.mu.Lock()
	subs := ft.subscribes
	ft.mu.Unlock()
	assert.Zero(t, subs, "subscription must wait for the first client")

	id := uuid.New()
	send := NewClientQueue()
	require.NoError(t, l.ClientConnected(id, send))
	nextFrame(t, send) // state
	status := nextFrame(t, send)

	var ev protocol.EventPayload
	require.NoError(t, json.Unmarshal(status.Payload, &ev))
	var st protocol.TwitchStatusPayload
	require.NoError(t, json.Unmarshal(ev.Data, &st))
	assert.Equal(t, "Connected", st.StatusType, "current watch value reaches the new client")

	ft.sendChat(t, twitch.ChatMessage{
		Channel:           "testchannel",
		SenderLogin:       "viewer",
		SenderDisplayName: "Viewer",
		Text:              "hello",
		Timestamp:         time.Now(),
	})

	relay := nextFrame(t, send)
	assert.Equal(t, protocol.TypeTwitchMessageRelay, relay.MessageType)
	assert.Contains(t, frameText(t, relay), "hello")

	// Shutdown unsubscribes exactly once.
	l.ClientDisconnected(id)
	awaitDone(t, l)
	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.subscribes)
	assert.Equal(t, 1, ft.unsubscribes)
}

func TestLobbyBroadcastsStatusChanges(t *testing.T) {
	ft := newFakeTwitch()
	l := newTestLobby(t, "testchannel", ft)
	l.start()
	defer l.Stop()

	id := uuid.New()
	send := NewClientQueue()
	require.NoError(t, l.ClientConnected(id, send))
	nextFrame(t, send) // state
	nextFrame(t, send) // initial status

	ft.statusTx.Send(twitch.Reconnecting("Read error", 2, 4*time.Second))

	update := nextFrame(t, send)
	var ev protocol.EventPayload
	require.NoError(t, json.Unmarshal(update.Payload, &ev))
	var st protocol.TwitchStatusPayload
	require.NoError(t, json.Unmarshal(ev.Data, &st))
	assert.Equal(t, "Reconnecting", st.StatusType)
	assert.Equal(t, "Read error", st.Detail)
	assert.Equal(t, 2, st.Attempt)
	assert.Equal(t, 4, st.RetryInSeconds)
}

func TestLobbySlowClientEvicted(t *testing.T) {
	ft := newFakeTwitch()
	l := newTestLobby(t, "testchannel", ft)
	l.start()

	id := uuid.New()
	send := NewClientQueue()
	require.NoError(t, l.ClientConnected(id, send))

	// Never drain the queue; enough chat relays overflow it, the
	// client is evicted, and the now-empty lobby shuts down.
	for i := 0; i < clientQueueCap+8; i++ {
		ft.sendChat(t, twitch.ChatMessage{
			Channel:     "testchannel",
			SenderLogin: "spammer",
			Text:        "spam",
			Timestamp:   time.Now(),
		})
	}

	awaitDone(t, l)
}

func TestLobbyInactivityTimeout(t *testing.T) {
	l := newTestLobby(t, "", newFakeTwitch())
	l.inactivityTimeout = 150 * time.Millisecond
	l.start()

	id := uuid.New()
	send := NewClientQueue()
	require.NoError(t, l.ClientConnected(id, send))

	// Client events keep the lobby alive.
	frame, err := json.Marshal(protocol.Envelope{MessageType: protocol.TypeGlobalCommand,
		Payload: json.RawMessage(`{"name":"noop"}`)})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		time.Sleep(80 * time.Millisecond)
		l.ClientEvent(id, frame)
		select {
		case <-l.Done():
			t.Fatal("lobby timed out despite client activity")
		default:
		}
	}

	// Silence lets the timer fire.
	awaitDone(t, l)
	awaitClosed(t, send)
}

func TestLobbyConnectResetsInactivityTimer(t *testing.T) {
	l := newTestLobby(t, "", newFakeTwitch())
	l.inactivityTimeout = 300 * time.Millisecond
	l.start()

	// Join shortly before the empty lobby's timer would fire; joining
	// counts as activity.
	time.Sleep(200 * time.Millisecond)
	send := NewClientQueue()
	require.NoError(t, l.ClientConnected(uuid.New(), send))

	time.Sleep(150 * time.Millisecond) // past the pre-join deadline
	select {
	case <-l.Done():
		t.Fatal("lobby timed out against the deadline armed before the client joined")
	default:
	}

	awaitDone(t, l)
	awaitClosed(t, send)
}

// faultyEngine stands in for a game implementation bug.
type faultyEngine struct {
	game.Engine
}

func (faultyEngine) HandleCommand(uuid.UUID, protocol.Envelope) game.Outcome {
	panic("engine bug")
}

func TestLobbyEnginePanicStillReaped(t *testing.T) {
	closed := make(chan uuid.UUID, 1)
	ft := newFakeTwitch()
	l := newTestLobby(t, "testchannel", ft)
	l.engine = faultyEngine{l.engine}
	l.closed = func(id uuid.UUID) { closed <- id }
	l.start()

	id := uuid.New()
	send := NewClientQueue()
	require.NoError(t, l.ClientConnected(id, send))
	nextFrame(t, send) // state
	nextFrame(t, send) // status

	l.ClientEvent(id, []byte(`{"messageType":"GlobalCommand","payload":{"name":"noop"}}`))

	// The loop dies, but the client queue still closes, the manager is
	// still notified, and the subscription is still released.
	awaitDone(t, l)
	awaitClosed(t, send)
	select {
	case got := <-closed:
		assert.Equal(t, l.ID(), got)
	case <-time.After(testWait):
		t.Fatal("manager never notified after the handler panic")
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.unsubscribes)
}

func TestLobbyRejectsForeignGameCommand(t *testing.T) {
	l := newTestLobby(t, "", newFakeTwitch())
	l.start()
	defer l.Stop()

	id := uuid.New()
	send := NewClientQueue()
	require.NoError(t, l.ClientConnected(id, send))
	nextFrame(t, send) // state
	nextFrame(t, send) // status

	l.ClientEvent(id, []byte(`{"messageType":"GameSpecificCommand","payload":{"game_type":"describe","data":{}}}`))
	errFrame := nextFrame(t, send)
	assert.Equal(t, protocol.TypeSystemError, errFrame.MessageType)
}

func TestLobbyConnectAfterCloseFails(t *testing.T) {
	l := newTestLobby(t, "", newFakeTwitch())
	l.start()
	l.Stop()
	awaitDone(t, l)

	err := l.ClientConnected(uuid.New(), NewClientQueue())
	assert.ErrorIs(t, err, errLobbyClosed)
}
