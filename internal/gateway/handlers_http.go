package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"kolmodin/internal/game"
	"kolmodin/internal/lobby"
)

type createLobbyRequest struct {
	GameType      string `json:"game_type"`
	TwitchChannel string `json:"twitch_channel"`
}

type createLobbyResponse struct {
	LobbyID         string `json:"lobby_id"`
	AdminID         string `json:"admin_id"`
	GameTypeCreated string `json:"game_type_created"`
	TwitchChannel   string `json:"twitch_channel_subscribed,omitempty"`
}

func (s *Server) handleCreateLobby(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.shuttingDown.Load() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	if reason := s.guard.CheckLobbyCreation(); reason != "" {
		writeError(w, http.StatusServiceUnavailable, "server overloaded")
		return
	}

	var req createLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	details, err := s.manager.Create(req.GameType, req.TwitchChannel)
	if err != nil {
		switch {
		case errors.Is(err, lobby.ErrGameTypeDisabled),
			errors.Is(err, lobby.ErrChannelNotAllowed),
			errors.Is(err, game.ErrUnknownGameType),
			errors.Is(err, game.ErrCredentialMissing):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error().Err(err).Msg("Lobby creation failed")
			writeError(w, http.StatusInternalServerError, "failed to create lobby")
		}
		return
	}

	s.logger.Info().
		Str("lobby_id", details.LobbyID.String()).
		Str("game_type", details.GameType).
		Str("channel", details.TwitchChannel).
		Str("client_ip", getClientIP(r)).
		Msg("Lobby created via API")

	writeJSON(w, http.StatusOK, createLobbyResponse{
		LobbyID:         details.LobbyID.String(),
		AdminID:         details.AdminID.String(),
		GameTypeCreated: details.GameType,
		TwitchChannel:   details.TwitchChannel,
	})
}

type lobbyListEntry struct {
	LobbyID     string `json:"lobby_id"`
	GameType    string `json:"game_type"`
	Channel     string `json:"twitch_channel,omitempty"`
	ClientCount int    `json:"client_count"`
	CreatedAt   int64  `json:"created_at"`
}

// handleListLobbies is the admin registry snapshot, gated by the
// configured API key.
func (s *Server) handleListLobbies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	key := r.Header.Get("X-Admin-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid admin key")
		return
	}

	infos := s.manager.List()
	entries := make([]lobbyListEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, lobbyListEntry{
			LobbyID:     info.LobbyID.String(),
			GameType:    info.GameType,
			Channel:     info.Channel,
			ClientCount: info.ClientCount,
			CreatedAt:   info.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}
