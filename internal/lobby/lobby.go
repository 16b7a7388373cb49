// Package lobby implements the per-lobby coordinator agent and the
// process-wide lobby manager. A lobby owns its game engine, the
// downstream queues of its WebSocket clients, and (lazily) one Twitch
// channel subscription; everything it owns is touched only from its
// handler loop.
package lobby

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kolmodin/internal/game"
	"kolmodin/internal/monitoring"
	"kolmodin/internal/protocol"
	"kolmodin/internal/twitch"
	"kolmodin/internal/watch"
)

const (
	lobbyQueueCap = 32

	// Per-lobby chat queue. The channel agent try-sends into it and
	// evicts us when it overflows, so it must absorb chat bursts.
	defaultChatQueueCap = 64

	// Per-client downstream queue drained by the session's write pump.
	clientQueueCap = 64

	defaultInactivityTimeout = time.Hour
)

// noChannelDetail is the Disconnected reason shown to clients of a
// lobby created without a Twitch channel.
const noChannelDetail = "No Twitch channel configured"

var errLobbyClosed = errors.New("lobby is closed")

type lobbyMsg interface{ isLobbyMsg() }

type clientConnected struct {
	clientID uuid.UUID
	send     chan []byte
	reply    chan<- error
}

type clientDisconnected struct {
	clientID uuid.UUID
}

type clientEvent struct {
	clientID uuid.UUID
	raw      []byte
}

type chatArrived struct {
	msg twitch.ChatMessage
}

type statusArrived struct {
	status twitch.Status
}

type stopLobby struct{}

func (clientConnected) isLobbyMsg()    {}
func (clientDisconnected) isLobbyMsg() {}
func (clientEvent) isLobbyMsg()        {}
func (chatArrived) isLobbyMsg()        {}
func (statusArrived) isLobbyMsg()      {}
func (stopLobby) isLobbyMsg()          {}

// Lobby is one live game session. The manager constructs it; the
// gateway talks to it through the Client* methods; the run loop owns
// every mutable field below the queue.
type Lobby struct {
	id        uuid.UUID
	adminID   uuid.UUID
	gameType  string
	channel   string // normalized, "" = no Twitch
	createdAt time.Time

	svc     subscriber
	logger  zerolog.Logger
	queue   chan lobbyMsg
	done    chan struct{}
	closed  func(id uuid.UUID) // notifies the manager, set before start
	clients map[uuid.UUID]chan []byte
	engine  game.Engine

	chatQueueCap      int
	inactivityTimeout time.Duration

	subscribed     bool
	chat           chan twitch.ChatMessage
	listenerCancel context.CancelFunc
	lastStatus     twitch.Status

	// dropped collects clients whose queue overflowed mid-handler;
	// their disconnects run after the current turn to keep engine
	// calls non-reentrant.
	dropped []uuid.UUID

	// finished marks that shutdown already ran, so the exit path does
	// not tear down twice when the loop ends normally.
	finished bool

	everConnected bool
	clientCount   atomic.Int64
}

// subscriber is the slice of the Twitch service the lobby uses.
type subscriber interface {
	Subscribe(channel string, lobbyID uuid.UUID, chat chan<- twitch.ChatMessage) (*watch.Receiver[twitch.Status], error)
	Unsubscribe(channel string, lobbyID uuid.UUID)
}

// newLobby builds the lobby shell. The manager attaches the engine
// (which needs the lobby as its sink) and the closed callback, then
// calls start.
func newLobby(id, adminID uuid.UUID, gameType, channel string, svc subscriber, logger zerolog.Logger) *Lobby {
	l := &Lobby{
		id:                id,
		adminID:           adminID,
		gameType:          gameType,
		channel:           channel,
		createdAt:         time.Now(),
		svc:               svc,
		logger:            logger.With().Str("component", "lobby").Str("lobby_id", id.String()).Logger(),
		queue:             make(chan lobbyMsg, lobbyQueueCap),
		done:              make(chan struct{}),
		clients:           make(map[uuid.UUID]chan []byte),
		chatQueueCap:      defaultChatQueueCap,
		inactivityTimeout: defaultInactivityTimeout,
		lastStatus:        twitch.Disconnected(noChannelDetail),
	}
	return l
}

func (l *Lobby) start() {
	go l.run()
}

// ID returns the lobby identifier.
func (l *Lobby) ID() uuid.UUID { return l.id }

// AdminID returns the admin credential minted at creation.
func (l *Lobby) AdminID() uuid.UUID { return l.adminID }

// GameType returns the engine's tag.
func (l *Lobby) GameType() string { return l.gameType }

// Channel returns the subscribed Twitch channel, "" if none.
func (l *Lobby) Channel() string { return l.channel }

// CreatedAt returns the creation timestamp.
func (l *Lobby) CreatedAt() time.Time { return l.createdAt }

// ClientCount returns the number of connected clients. Readable from
// any goroutine; the handler loop is the only writer.
func (l *Lobby) ClientCount() int { return int(l.clientCount.Load()) }

// Done closes once the lobby has fully shut down.
func (l *Lobby) Done() <-chan struct{} { return l.done }

// NewClientQueue allocates the downstream queue for one session. The
// lobby becomes its owner on ClientConnected and closes it when the
// client is dropped; the session's write pump is the reader.
func NewClientQueue() chan []byte {
	return make(chan []byte, clientQueueCap)
}

// ClientConnected binds a session to the lobby. On success the lobby
// owns send and will close it to end the session.
func (l *Lobby) ClientConnected(clientID uuid.UUID, send chan []byte) error {
	reply := make(chan error, 1)
	select {
	case l.queue <- clientConnected{clientID: clientID, send: send, reply: reply}:
	case <-l.done:
		return errLobbyClosed
	}
	select {
	case err := <-reply:
		return err
	case <-l.done:
		select {
		case err := <-reply:
			return err
		default:
			return errLobbyClosed
		}
	}
}

// ClientDisconnected reports that a session's socket is gone.
func (l *Lobby) ClientDisconnected(clientID uuid.UUID) {
	select {
	case l.queue <- clientDisconnected{clientID: clientID}:
	case <-l.done:
	}
}

// ClientEvent delivers one text frame received from a session.
func (l *Lobby) ClientEvent(clientID uuid.UUID, raw []byte) {
	select {
	case l.queue <- clientEvent{clientID: clientID, raw: raw}:
	case <-l.done:
	}
}

// Stop shuts the lobby down regardless of connected clients. Used by
// graceful server shutdown.
func (l *Lobby) Stop() {
	select {
	case l.queue <- stopLobby{}:
	case <-l.done:
	}
}

func (l *Lobby) run() {
	defer close(l.done)
	defer l.finalize()
	defer monitoring.RecoverPanic(l.logger, "lobbyLoop", map[string]any{"lobby_id": l.id.String()})

	inactivity := time.NewTimer(l.inactivityTimeout)
	defer inactivity.Stop()

	for {
		select {
		case msg := <-l.queue:
			reason, shutdown := l.handle(msg, inactivity)
			if !shutdown {
				reason, shutdown = l.handleDropped()
			}
			if shutdown {
				l.shutdown(reason)
				return
			}

		case <-inactivity.C:
			l.logger.Info().Dur("timeout", l.inactivityTimeout).Msg("Lobby inactive, shutting down")
			l.shutdown("inactivity")
			return
		}
	}
}

// handle processes one message. A true second return means the lobby
// must shut down with the given reason.
func (l *Lobby) handle(msg lobbyMsg, inactivity *time.Timer) (string, bool) {
	switch m := msg.(type) {
	case clientConnected:
		resetTimer(inactivity, l.inactivityTimeout)
		l.onClientConnected(m)

	case clientDisconnected:
		if _, ok := l.clients[m.clientID]; ok {
			l.dropClient(m.clientID)
		}
		l.engine.ClientDisconnected(m.clientID)
		if l.engine.IsEmpty() {
			return "empty", true
		}

	case clientEvent:
		resetTimer(inactivity, l.inactivityTimeout)
		return l.onClientEvent(m)

	case chatArrived:
		l.relayChat(m.msg)
		l.engine.HandleChat(m.msg)

	case statusArrived:
		l.lastStatus = m.status
		if frame, err := protocol.TwitchStatusFrame(statusPayload(m.status)); err == nil {
			l.Broadcast(frame)
		}

	case stopLobby:
		return "stopped", true
	}
	return "", false
}

func (l *Lobby) onClientConnected(m clientConnected) {
	if !l.everConnected {
		l.everConnected = true
		l.subscribe()
	}

	l.clients[m.clientID] = m.send
	l.clientCount.Store(int64(len(l.clients)))
	m.reply <- nil

	l.engine.ClientConnected(m.clientID)
	if frame, err := protocol.TwitchStatusFrame(statusPayload(l.lastStatus)); err == nil {
		l.ToClient(m.clientID, frame)
	}

	l.logger.Debug().
		Str("client_id", m.clientID.String()).
		Int("clients", len(l.clients)).
		Msg("Client joined lobby")
}

func (l *Lobby) onClientEvent(m clientEvent) (string, bool) {
	env, err := protocol.ParseClientFrame(m.raw)
	if err != nil {
		l.systemError(m.clientID, err.Error())
		return "", false
	}

	switch env.MessageType {
	case protocol.TypeConnectToLobby:
		l.systemError(m.clientID, "already connected to a lobby")
		return "", false

	case protocol.TypeLeaveLobby:
		l.disconnect(m.clientID)
		if l.engine.IsEmpty() {
			return "leave", true
		}
		return "", false

	case protocol.TypeGameSpecificCommand:
		gc, err := env.GameCommand()
		if err != nil {
			l.systemError(m.clientID, err.Error())
			return "", false
		}
		if gc.GameType != l.gameType {
			l.systemError(m.clientID, "command for game "+gc.GameType+" sent to "+l.gameType+" lobby")
			return "", false
		}
	}

	if l.engine.HandleCommand(m.clientID, env) == game.RequestDisconnect {
		l.disconnect(m.clientID)
		if l.engine.IsEmpty() {
			return "empty", true
		}
	}
	return "", false
}

// disconnect runs the full disconnect path for one client.
func (l *Lobby) disconnect(clientID uuid.UUID) {
	if _, ok := l.clients[clientID]; ok {
		l.dropClient(clientID)
	}
	l.engine.ClientDisconnected(clientID)
}

// dropClient closes the client's queue (ending its session) and
// removes it from the map. Engine notification is the caller's job.
func (l *Lobby) dropClient(clientID uuid.UUID) {
	send := l.clients[clientID]
	delete(l.clients, clientID)
	l.clientCount.Store(int64(len(l.clients)))
	close(send)
}

// handleDropped runs the deferred disconnects queued by ToClient and
// Broadcast overflow evictions.
func (l *Lobby) handleDropped() (string, bool) {
	for len(l.dropped) > 0 {
		batch := l.dropped
		l.dropped = nil
		for _, id := range batch {
			l.engine.ClientDisconnected(id)
		}
	}
	if l.everConnected && l.engine.IsEmpty() {
		return "empty", true
	}
	return "", false
}

// subscribe lazily opens the Twitch subscription and spawns the two
// listener goroutines bridging chat and status into the lobby queue.
func (l *Lobby) subscribe() {
	if l.channel == "" {
		return
	}

	l.chat = make(chan twitch.ChatMessage, l.chatQueueCap)
	statusRx, err := l.svc.Subscribe(l.channel, l.id, l.chat)
	if err != nil {
		l.logger.Warn().Err(err).Str("channel", l.channel).Msg("Twitch subscription failed")
		l.lastStatus = twitch.Disconnected("Twitch subscription failed")
		return
	}
	l.subscribed = true
	l.lastStatus = statusRx.Peek()

	ctx, cancel := context.WithCancel(context.Background())
	l.listenerCancel = cancel

	go func() {
		defer monitoring.RecoverPanic(l.logger, "chatListener", nil)
		for {
			select {
			case msg := <-l.chat:
				select {
				case l.queue <- chatArrived{msg: msg}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer monitoring.RecoverPanic(l.logger, "statusListener", nil)
		for {
			st, err := statusRx.Next(ctx)
			if err != nil {
				return
			}
			select {
			case l.queue <- statusArrived{status: st}:
			case <-ctx.Done():
				return
			}
		}
	}()

	l.logger.Info().Str("channel", l.channel).Msg("Subscribed to Twitch channel")
}

// relayChat forwards a chat message to clients for display.
func (l *Lobby) relayChat(msg twitch.ChatMessage) {
	frame, err := protocol.ChatRelayFrame(protocol.ChatRelayPayload{
		Channel:           msg.Channel,
		SenderLogin:       msg.SenderLogin,
		SenderDisplayName: msg.SenderDisplayName,
		SenderUserID:      msg.SenderUserID,
		Text:              msg.Text,
		Badges:            msg.Badges,
		IsModerator:       msg.IsModerator,
		IsSubscriber:      msg.IsSubscriber,
		MessageID:         msg.MessageID,
		Timestamp:         msg.Timestamp,
	})
	if err != nil {
		return
	}
	l.Broadcast(frame)
}

// ToClient implements game.Sink. Overflow marks the client for the
// deferred disconnect path instead of blocking the lobby.
func (l *Lobby) ToClient(clientID uuid.UUID, frame []byte) {
	send, ok := l.clients[clientID]
	if !ok {
		return
	}
	select {
	case send <- frame:
		monitoring.MessagesSent.Inc()
	default:
		l.evictSlow(clientID)
	}
}

// Broadcast implements game.Sink.
func (l *Lobby) Broadcast(frame []byte) {
	monitoring.BroadcastFanout.Observe(float64(len(l.clients)))
	for id, send := range l.clients {
		select {
		case send <- frame:
			monitoring.MessagesSent.Inc()
		default:
			l.evictSlow(id)
		}
	}
}

func (l *Lobby) evictSlow(clientID uuid.UUID) {
	monitoring.SendQueueDrops.Inc()
	monitoring.DisconnectsTotal.WithLabelValues("slow_client", "server").Inc()
	l.logger.Warn().Str("client_id", clientID.String()).Msg("Client send queue full, dropping client")
	l.dropClient(clientID)
	l.dropped = append(l.dropped, clientID)
}

func (l *Lobby) systemError(clientID uuid.UUID, msg string) {
	if frame, err := protocol.SystemErrorFrame(msg); err == nil {
		l.ToClient(clientID, frame)
	}
}

// finalize runs on every loop exit. When the handler panicked the
// normal shutdown never ran, so tear down here; either way the manager
// must learn the lobby is gone or its registry entry leaks and
// Shutdown waits forever.
func (l *Lobby) finalize() {
	if !l.finished {
		l.shutdown("panic")
	}
	if l.closed != nil {
		l.closed(l.id)
	}
}

// shutdown tears the lobby down: Twitch subscription, listeners,
// client queues. The manager notification happens in finalize.
func (l *Lobby) shutdown(reason string) {
	l.finished = true
	if l.subscribed {
		l.subscribed = false
		l.svc.Unsubscribe(l.channel, l.id)
	}
	if l.listenerCancel != nil {
		l.listenerCancel()
	}

	for id, send := range l.clients {
		delete(l.clients, id)
		close(send)
	}
	l.clientCount.Store(0)

	// Answer whatever is still queued so no caller blocks.
	for {
		select {
		case msg := <-l.queue:
			if m, ok := msg.(clientConnected); ok {
				m.reply <- errLobbyClosed
			}
		default:
			monitoring.LobbiesClosed.WithLabelValues(reason).Inc()
			l.logger.Info().Str("reason", reason).Msg("Lobby shut down")
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// statusPayload converts an upstream status into its wire form.
func statusPayload(st twitch.Status) protocol.TwitchStatusPayload {
	return protocol.TwitchStatusPayload{
		StatusType:     st.Kind.String(),
		Detail:         st.Reason,
		Attempt:        st.Attempt,
		RetryInSeconds: int(st.RetryIn / time.Second),
	}
}
