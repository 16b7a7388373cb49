package lobby

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kolmodin/internal/content"
	"kolmodin/internal/game"
	"kolmodin/internal/monitoring"
	"kolmodin/internal/twitch"
)

const managerQueueCap = 32

var (
	// ErrLobbyNotFound means the id names no live lobby.
	ErrLobbyNotFound = errors.New("lobby not found")

	// ErrGameTypeDisabled means the requested tag exists but is not in
	// the enabled set.
	ErrGameTypeDisabled = errors.New("game type not enabled")

	// ErrChannelNotAllowed means the requested Twitch channel is
	// outside the content pack's allow-list.
	ErrChannelNotAllowed = errors.New("twitch channel not allowed")

	errManagerClosed = errors.New("lobby manager is shut down")
)

// ManagerConfig carries the manager's collaborators and policy.
type ManagerConfig struct {
	EnabledGames  []string
	DefaultGame   string
	Content       *content.Store
	YouTubeAPIKey string
}

// Details is the creation result returned to the HTTP layer.
type Details struct {
	LobbyID       uuid.UUID
	AdminID       uuid.UUID
	GameType      string
	TwitchChannel string // "" if none
}

// Info is one row of the admin lobby listing.
type Info struct {
	LobbyID     uuid.UUID
	GameType    string
	Channel     string
	ClientCount int
	CreatedAt   int64 // unix seconds
}

type managerMsg interface{ isManagerMsg() }

type createReq struct {
	gameType string
	channel  string
	reply    chan<- createResult
}

type createResult struct {
	details Details
	err     error
}

type lookupReq struct {
	id    uuid.UUID
	reply chan<- *Lobby
}

type listReq struct {
	reply chan<- []Info
}

type lobbyExited struct {
	id uuid.UUID
}

type managerShutdown struct {
	reply chan<- struct{}
}

func (createReq) isManagerMsg()       {}
func (lookupReq) isManagerMsg()       {}
func (listReq) isManagerMsg()         {}
func (lobbyExited) isManagerMsg()     {}
func (managerShutdown) isManagerMsg() {}

// Manager is the registry of live lobbies. It is the sole creator and
// retirer; lookups hand out the lobby handle for the gateway to talk
// to directly.
type Manager struct {
	cfg    ManagerConfig
	svc    subscriber
	logger zerolog.Logger
	queue  chan managerMsg
	done   chan struct{}
}

// NewManager starts the registry loop.
func NewManager(cfg ManagerConfig, svc subscriber, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		svc:    svc,
		logger: logger.With().Str("component", "lobby_manager").Logger(),
		queue:  make(chan managerMsg, managerQueueCap),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Create builds a lobby for the requested game type and optional
// Twitch channel. Unknown tags fall back to the default game type;
// known-but-disabled tags are rejected.
func (m *Manager) Create(gameType, twitchChannel string) (Details, error) {
	reply := make(chan createResult, 1)
	select {
	case m.queue <- createReq{gameType: gameType, channel: twitchChannel, reply: reply}:
	case <-m.done:
		return Details{}, errManagerClosed
	}
	select {
	case res := <-reply:
		return res.details, res.err
	case <-m.done:
		select {
		case res := <-reply:
			return res.details, res.err
		default:
			return Details{}, errManagerClosed
		}
	}
}

// Lookup returns the lobby handle for id, or ErrLobbyNotFound.
func (m *Manager) Lookup(id uuid.UUID) (*Lobby, error) {
	reply := make(chan *Lobby, 1)
	select {
	case m.queue <- lookupReq{id: id, reply: reply}:
	case <-m.done:
		return nil, errManagerClosed
	}
	select {
	case l := <-reply:
		if l == nil {
			return nil, ErrLobbyNotFound
		}
		return l, nil
	case <-m.done:
		return nil, errManagerClosed
	}
}

// List snapshots the registry for the admin endpoint.
func (m *Manager) List() []Info {
	reply := make(chan []Info, 1)
	select {
	case m.queue <- listReq{reply: reply}:
	case <-m.done:
		return nil
	}
	select {
	case infos := <-reply:
		return infos
	case <-m.done:
		return nil
	}
}

// Shutdown stops every lobby and blocks until the registry has exited.
func (m *Manager) Shutdown() {
	reply := make(chan struct{}, 1)
	select {
	case m.queue <- managerShutdown{reply: reply}:
	case <-m.done:
		return
	}
	select {
	case <-reply:
	case <-m.done:
	}
}

func (m *Manager) run() {
	defer close(m.done)

	registry := make(map[uuid.UUID]*Lobby)
	closing := false
	var shutdownReplies []chan<- struct{}

	for {
		switch msg := (<-m.queue).(type) {
		case createReq:
			if closing {
				msg.reply <- createResult{err: errManagerClosed}
				continue
			}
			details, err := m.create(registry, msg.gameType, msg.channel)
			msg.reply <- createResult{details: details, err: err}
			monitoring.LobbiesActive.Set(float64(len(registry)))

		case lookupReq:
			msg.reply <- registry[msg.id]

		case listReq:
			infos := make([]Info, 0, len(registry))
			for _, l := range registry {
				infos = append(infos, Info{
					LobbyID:     l.ID(),
					GameType:    l.GameType(),
					Channel:     l.Channel(),
					ClientCount: l.ClientCount(),
					CreatedAt:   l.CreatedAt().Unix(),
				})
			}
			msg.reply <- infos

		case lobbyExited:
			delete(registry, msg.id)
			monitoring.LobbiesActive.Set(float64(len(registry)))
			m.logger.Debug().Str("lobby_id", msg.id.String()).Msg("Lobby removed from registry")
			if closing && len(registry) == 0 {
				deliverAll(shutdownReplies)
				return
			}

		case managerShutdown:
			shutdownReplies = append(shutdownReplies, msg.reply)
			if len(registry) == 0 {
				deliverAll(shutdownReplies)
				return
			}
			if closing {
				continue
			}
			closing = true
			m.logger.Info().Int("lobbies", len(registry)).Msg("Stopping all lobbies")
			for _, l := range registry {
				l.Stop()
			}
		}
	}
}

// create runs inside the registry loop.
func (m *Manager) create(registry map[uuid.UUID]*Lobby, gameType, channel string) (Details, error) {
	tag, err := m.resolveGameType(gameType)
	if err != nil {
		return Details{}, err
	}

	normalized := ""
	if channel != "" {
		normalized = twitch.NormalizeChannel(channel)
		if normalized == "" {
			return Details{}, fmt.Errorf("%w: %q", ErrChannelNotAllowed, channel)
		}
		if !m.cfg.Content.ChannelAllowed(normalized) {
			return Details{}, fmt.Errorf("%w: %q", ErrChannelNotAllowed, normalized)
		}
	}

	id := uuid.New()
	adminID := uuid.New()

	l := newLobby(id, adminID, tag, normalized, m.svc, m.logger)
	engine, err := game.New(tag, game.Deps{
		Content:       m.cfg.Content,
		YouTubeAPIKey: m.cfg.YouTubeAPIKey,
		Logger:        l.logger,
		Sink:          l,
	})
	if err != nil {
		return Details{}, err
	}
	l.engine = engine
	l.closed = m.notifyExited
	l.start()

	registry[id] = l
	monitoring.LobbiesCreated.Inc()
	m.logger.Info().
		Str("lobby_id", id.String()).
		Str("game_type", tag).
		Str("channel", normalized).
		Msg("Lobby created")

	return Details{LobbyID: id, AdminID: adminID, GameType: tag, TwitchChannel: normalized}, nil
}

// resolveGameType applies the enabled-set policy: empty and unknown
// tags fall back to the default (when the default itself is enabled),
// known tags must be enabled.
func (m *Manager) resolveGameType(tag string) (string, error) {
	if tag != "" && game.KnownTag(tag) {
		if !m.enabled(tag) {
			return "", fmt.Errorf("%w: %q", ErrGameTypeDisabled, tag)
		}
		return tag, nil
	}
	if !m.enabled(m.cfg.DefaultGame) {
		return "", fmt.Errorf("%w: default %q", ErrGameTypeDisabled, m.cfg.DefaultGame)
	}
	return m.cfg.DefaultGame, nil
}

func (m *Manager) enabled(tag string) bool {
	for _, g := range m.cfg.EnabledGames {
		if g == tag {
			return true
		}
	}
	return false
}

// notifyExited is handed to every lobby as its shutdown notification
// capability. Called from the lobby's goroutine.
func (m *Manager) notifyExited(id uuid.UUID) {
	select {
	case m.queue <- lobbyExited{id: id}:
	case <-m.done:
	}
}

func deliverAll(replies []chan<- struct{}) {
	for _, r := range replies {
		r <- struct{}{}
	}
}
