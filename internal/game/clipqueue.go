package game

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kolmodin/internal/protocol"
	"kolmodin/internal/twitch"
)

const clipCommandPrefix = "!clip"

// maxQueuedClips bounds the queue so a spamming chat cannot grow it
// without limit.
const maxQueuedClips = 200

var youtubeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// clipQueue collects YouTube submissions from chat ("!clip <url>") into
// an admin-ordered queue. Construction requires the YouTube API key:
// the web client uses it to embed and validate the videos it plays.
type clipQueue struct {
	sink   Sink
	logger zerolog.Logger

	clients map[uuid.UUID]struct{}

	queue      []clipEntry
	nowPlaying *clipEntry
	submitted  map[string]struct{} // video IDs ever queued, for dedup
}

type clipEntry struct {
	VideoID     string    `json:"video_id"`
	Submitter   string    `json:"submitter"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func newClipQueue(deps Deps) *clipQueue {
	return &clipQueue{
		sink:      deps.Sink,
		logger:    deps.Logger.With().Str("game", TagClipQueue).Logger(),
		clients:   make(map[uuid.UUID]struct{}),
		submitted: make(map[string]struct{}),
	}
}

func (c *clipQueue) GameType() string { return TagClipQueue }
func (c *clipQueue) IsEmpty() bool    { return len(c.clients) == 0 }

func (c *clipQueue) ClientConnected(id uuid.UUID) {
	c.clients[id] = struct{}{}
	sendState(c.sink, c.logger, TagClipQueue, id, c.stateUpdate())
}

func (c *clipQueue) ClientDisconnected(id uuid.UUID) {
	delete(c.clients, id)
}

// clipCommand is the data of a clipqueue GameSpecificCommand.
type clipCommand struct {
	Action  string `json:"action"` // next, remove, promote, clear
	VideoID string `json:"video_id,omitempty"`
}

func (c *clipQueue) HandleCommand(id uuid.UUID, env protocol.Envelope) Outcome {
	if env.MessageType != protocol.TypeGameSpecificCommand {
		return Handled
	}
	gc, err := env.GameCommand()
	if err != nil {
		sendError(c.sink, id, err.Error())
		return Handled
	}

	var cmd clipCommand
	if err := json.Unmarshal(gc.Data, &cmd); err != nil {
		sendError(c.sink, id, "bad clipqueue command: "+err.Error())
		return Handled
	}

	switch cmd.Action {
	case "next":
		if len(c.queue) == 0 {
			c.nowPlaying = nil
		} else {
			next := c.queue[0]
			c.queue = c.queue[1:]
			c.nowPlaying = &next
		}
		broadcastState(c.sink, c.logger, TagClipQueue, c.stateUpdate())
	case "remove":
		if !c.remove(cmd.VideoID) {
			sendError(c.sink, id, "video not in queue: "+cmd.VideoID)
			return Handled
		}
		broadcastState(c.sink, c.logger, TagClipQueue, c.stateUpdate())
	case "promote":
		if !c.promote(cmd.VideoID) {
			sendError(c.sink, id, "video not in queue: "+cmd.VideoID)
			return Handled
		}
		broadcastState(c.sink, c.logger, TagClipQueue, c.stateUpdate())
	case "clear":
		c.queue = nil
		c.submitted = make(map[string]struct{})
		broadcastState(c.sink, c.logger, TagClipQueue, c.stateUpdate())
	default:
		sendError(c.sink, id, "unknown clipqueue action: "+cmd.Action)
	}
	return Handled
}

func (c *clipQueue) remove(videoID string) bool {
	for i, e := range c.queue {
		if e.VideoID == videoID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (c *clipQueue) promote(videoID string) bool {
	for i, e := range c.queue {
		if e.VideoID == videoID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.queue = append([]clipEntry{e}, c.queue...)
			return true
		}
	}
	return false
}

func (c *clipQueue) HandleChat(msg twitch.ChatMessage) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(strings.ToLower(text), clipCommandPrefix) {
		return
	}
	arg := strings.TrimSpace(text[len(clipCommandPrefix):])
	videoID, ok := ParseYouTubeVideoID(arg)
	if !ok {
		return
	}
	if _, seen := c.submitted[videoID]; seen {
		return
	}
	if len(c.queue) >= maxQueuedClips {
		c.logger.Debug().Str("video_id", videoID).Msg("Clip queue full, submission dropped")
		return
	}

	c.submitted[videoID] = struct{}{}
	c.queue = append(c.queue, clipEntry{
		VideoID:     videoID,
		Submitter:   msg.SenderDisplayName,
		SubmittedAt: msg.Timestamp,
	})
	broadcastState(c.sink, c.logger, TagClipQueue, c.stateUpdate())
}

type clipQueueState struct {
	Kind       string      `json:"kind"` // always FullStateUpdate
	NowPlaying *clipEntry  `json:"now_playing,omitempty"`
	Queue      []clipEntry `json:"queue"`
}

func (c *clipQueue) stateUpdate() clipQueueState {
	queue := c.queue
	if queue == nil {
		queue = []clipEntry{}
	}
	return clipQueueState{
		Kind:       "FullStateUpdate",
		NowPlaying: c.nowPlaying,
		Queue:      queue,
	}
}

// ParseYouTubeVideoID extracts the 11-character video ID from the URL
// shapes chat actually pastes: watch?v=, youtu.be/, shorts/, embed/,
// or a bare ID.
func ParseYouTubeVideoID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if youtubeIDPattern.MatchString(raw) {
		return raw, true
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtu.be":
		return validateID(strings.TrimPrefix(u.Path, "/"))
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if id := u.Query().Get("v"); id != "" {
			return validateID(id)
		}
		for _, prefix := range []string{"/shorts/", "/embed/", "/live/"} {
			if strings.HasPrefix(u.Path, prefix) {
				rest := strings.TrimPrefix(u.Path, prefix)
				id, _, _ := strings.Cut(rest, "/")
				return validateID(id)
			}
		}
	}
	return "", false
}

func validateID(id string) (string, bool) {
	if youtubeIDPattern.MatchString(id) {
		return id, true
	}
	return "", false
}
