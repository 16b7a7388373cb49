// Package game holds the engine contract every game type satisfies and
// the three built-in engines: quiz, describe, and clipqueue. Engines
// are plain single-threaded state machines; the owning lobby agent
// serializes every call, so no engine needs a lock.
package game

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kolmodin/internal/content"
	"kolmodin/internal/protocol"
	"kolmodin/internal/twitch"
)

// Game type tags accepted by /api/create-lobby.
const (
	TagQuiz      = "quiz"
	TagDescribe  = "describe"
	TagClipQueue = "clipqueue"
)

var (
	// ErrUnknownGameType means the tag names no registered engine.
	ErrUnknownGameType = errors.New("unknown game type")

	// ErrCredentialMissing means the engine needs an external
	// credential the server was not configured with.
	ErrCredentialMissing = errors.New("required credential not configured")
)

// Outcome is an engine's verdict on one upstream command.
type Outcome int

const (
	// Handled: the command was consumed, the session continues.
	Handled Outcome = iota
	// RequestDisconnect: the engine wants this client gone; the lobby
	// runs the disconnect path.
	RequestDisconnect
)

// Sink is how an engine reaches its lobby's clients. Implemented by
// the lobby agent; every call happens inside the lobby's handler turn.
// Delivery is best-effort: a client whose queue is full is dropped by
// the lobby, not the engine.
type Sink interface {
	// ToClient queues one frame for a single client.
	ToClient(clientID uuid.UUID, frame []byte)
	// Broadcast queues one frame for every connected client.
	Broadcast(frame []byte)
}

// Engine is the contract the lobby agent drives. Calls are never
// concurrent.
type Engine interface {
	// GameType returns the engine's tag.
	GameType() string
	// ClientConnected admits a client; the engine typically pushes its
	// full state to the newcomer through the sink.
	ClientConnected(id uuid.UUID)
	// ClientDisconnected removes a client.
	ClientDisconnected(id uuid.UUID)
	// HandleCommand processes one GlobalCommand or GameSpecificCommand
	// frame from a client.
	HandleCommand(id uuid.UUID, env protocol.Envelope) Outcome
	// HandleChat processes one Twitch chat message.
	HandleChat(msg twitch.ChatMessage)
	// IsEmpty reports whether no clients remain; the lobby shuts down
	// when it turns true.
	IsEmpty() bool
}

// Deps carries the collaborators an engine factory may need.
type Deps struct {
	Content       *content.Store
	YouTubeAPIKey string
	Logger        zerolog.Logger
	Sink          Sink
}

// New constructs the engine for tag. Returns ErrUnknownGameType for
// unregistered tags and ErrCredentialMissing when the tag needs a
// credential the deps lack.
func New(tag string, deps Deps) (Engine, error) {
	switch tag {
	case TagQuiz:
		return newQuiz(deps), nil
	case TagDescribe:
		return newDescribe(deps), nil
	case TagClipQueue:
		if deps.YouTubeAPIKey == "" {
			return nil, fmt.Errorf("game type %s: %w", tag, ErrCredentialMissing)
		}
		return newClipQueue(deps), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownGameType, tag)
	}
}

// KnownTag reports whether tag names a built-in engine.
func KnownTag(tag string) bool {
	switch tag {
	case TagQuiz, TagDescribe, TagClipQueue:
		return true
	}
	return false
}

// broadcastState marshals data as a FullStateUpdate game event and
// broadcasts it. A marshal failure on our own state types is a bug;
// it is logged and the update skipped.
func broadcastState(sink Sink, logger zerolog.Logger, gameType string, data any) {
	frame, err := protocol.GameEventFrame(gameType, data)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal state update")
		return
	}
	sink.Broadcast(frame)
}

// sendState is broadcastState for a single client.
func sendState(sink Sink, logger zerolog.Logger, gameType string, id uuid.UUID, data any) {
	frame, err := protocol.GameEventFrame(gameType, data)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal state update")
		return
	}
	sink.ToClient(id, frame)
}

// sendError pushes a SystemError frame to one client.
func sendError(sink Sink, id uuid.UUID, msg string) {
	frame, err := protocol.SystemErrorFrame(msg)
	if err != nil {
		return
	}
	sink.ToClient(id, frame)
}
