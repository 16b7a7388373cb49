// Package protocol defines the JSON frames exchanged with WebSocket
// clients. Payloads ride as json.RawMessage so frames are decoded in
// two steps: envelope first, payload once the type is known. Outgoing
// frames are marshaled once and fanned out as bytes.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client-to-server message types.
const (
	TypeConnectToLobby      = "ConnectToLobby"
	TypeLeaveLobby          = "LeaveLobby"
	TypeGlobalCommand       = "GlobalCommand"
	TypeGameSpecificCommand = "GameSpecificCommand"
)

// Server-to-client message types.
const (
	TypeGlobalEvent        = "GlobalEvent"
	TypeGameSpecificEvent  = "GameSpecificEvent"
	TypeSystemError        = "SystemError"
	TypeTwitchMessageRelay = "TwitchMessageRelay"
)

// EventTwitchStatusUpdate is the GlobalEvent name carrying a
// TwitchStatusPayload; pushed to every lobby client on each upstream
// status change.
const EventTwitchStatusUpdate = "TwitchStatusUpdate"

// Envelope is the outer frame shared by both directions.
type Envelope struct {
	MessageType string          `json:"messageType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ConnectToLobbyPayload must arrive as the first frame of a session.
type ConnectToLobbyPayload struct {
	LobbyID string `json:"lobby_id"`
}

// CommandPayload is the body of a GlobalCommand frame.
type CommandPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// GameCommandPayload is the body of a GameSpecificCommand frame.
type GameCommandPayload struct {
	GameType string          `json:"game_type"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// EventPayload is the body of a GlobalEvent frame.
type EventPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// GameEventPayload is the body of a GameSpecificEvent frame.
type GameEventPayload struct {
	GameType string          `json:"game_type"`
	Data     json.RawMessage `json:"data"`
}

// SystemErrorPayload is the body of a SystemError frame.
type SystemErrorPayload struct {
	Message string `json:"message"`
}

// TwitchStatusPayload mirrors the upstream connection status for
// clients. StatusType is one of Initializing, Connecting,
// Authenticating, Connected, Reconnecting, Disconnected, Terminated.
type TwitchStatusPayload struct {
	StatusType     string `json:"status_type"`
	Detail         string `json:"detail,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
	RetryInSeconds int    `json:"retry_in_seconds,omitempty"`
}

// ChatRelayPayload is the body of a TwitchMessageRelay frame.
type ChatRelayPayload struct {
	Channel           string    `json:"channel"`
	SenderLogin       string    `json:"sender_login"`
	SenderDisplayName string    `json:"sender_display_name"`
	SenderUserID      string    `json:"sender_user_id,omitempty"`
	Text              string    `json:"text"`
	Badges            []string  `json:"badges,omitempty"`
	IsModerator       bool      `json:"is_moderator"`
	IsSubscriber      bool      `json:"is_subscriber"`
	MessageID         string    `json:"message_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// ParseClientFrame decodes one frame received from a client and checks
// the type tag is one a client may send. The payload stays raw.
func ParseClientFrame(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.MessageType {
	case TypeConnectToLobby, TypeLeaveLobby, TypeGlobalCommand, TypeGameSpecificCommand:
		return env, nil
	case "":
		return Envelope{}, fmt.Errorf("frame missing messageType")
	default:
		return Envelope{}, fmt.Errorf("unknown messageType %q", env.MessageType)
	}
}

// ConnectToLobby decodes the payload of a ConnectToLobby frame.
func (e Envelope) ConnectToLobby() (ConnectToLobbyPayload, error) {
	var p ConnectToLobbyPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("bad ConnectToLobby payload: %w", err)
	}
	if p.LobbyID == "" {
		return p, fmt.Errorf("ConnectToLobby payload missing lobby_id")
	}
	return p, nil
}

// GlobalCommand decodes the payload of a GlobalCommand frame.
func (e Envelope) GlobalCommand() (CommandPayload, error) {
	var p CommandPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("bad GlobalCommand payload: %w", err)
	}
	if p.Name == "" {
		return p, fmt.Errorf("GlobalCommand payload missing name")
	}
	return p, nil
}

// GameCommand decodes the payload of a GameSpecificCommand frame.
func (e Envelope) GameCommand() (GameCommandPayload, error) {
	var p GameCommandPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("bad GameSpecificCommand payload: %w", err)
	}
	if p.GameType == "" {
		return p, fmt.Errorf("GameSpecificCommand payload missing game_type")
	}
	return p, nil
}

func marshalFrame(messageType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", messageType, err)
	}
	return json.Marshal(Envelope{MessageType: messageType, Payload: raw})
}

// SystemErrorFrame builds a SystemError frame.
func SystemErrorFrame(message string) ([]byte, error) {
	return marshalFrame(TypeSystemError, SystemErrorPayload{Message: message})
}

// GlobalEventFrame builds a GlobalEvent frame with an arbitrary data
// payload.
func GlobalEventFrame(name string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s data: %w", name, err)
	}
	return marshalFrame(TypeGlobalEvent, EventPayload{Name: name, Data: raw})
}

// GameEventFrame builds a GameSpecificEvent frame.
func GameEventFrame(gameType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal game event data: %w", err)
	}
	return marshalFrame(TypeGameSpecificEvent, GameEventPayload{GameType: gameType, Data: raw})
}

// TwitchStatusFrame builds the GlobalEvent that announces an upstream
// status change.
func TwitchStatusFrame(p TwitchStatusPayload) ([]byte, error) {
	return GlobalEventFrame(EventTwitchStatusUpdate, p)
}

// ChatRelayFrame builds a TwitchMessageRelay frame.
func ChatRelayFrame(p ChatRelayPayload) ([]byte, error) {
	return marshalFrame(TypeTwitchMessageRelay, p)
}
