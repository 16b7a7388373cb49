package game

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog"

	"kolmodin/internal/protocol"
	"kolmodin/internal/twitch"
)

// Describe phases.
const (
	describeIdle     = "Idle"
	describeGuessing = "Guessing"
	describeSolved   = "Solved"
)

const describeRoundPoints = 1

// describe is the word-guessing game: the streamer sets a secret word
// and describes it on stream, chat guesses. Guesses are matched
// fuzzily so close misspellings still count.
type describe struct {
	sink   Sink
	logger zerolog.Logger

	clients map[uuid.UUID]struct{}

	phase  string
	word   string // lowercased
	winner string
	board  *scoreboard
}

func newDescribe(deps Deps) *describe {
	return &describe{
		sink:    deps.Sink,
		logger:  deps.Logger.With().Str("game", TagDescribe).Logger(),
		clients: make(map[uuid.UUID]struct{}),
		phase:   describeIdle,
		board:   newScoreboard(),
	}
}

func (d *describe) GameType() string { return TagDescribe }
func (d *describe) IsEmpty() bool    { return len(d.clients) == 0 }

func (d *describe) ClientConnected(id uuid.UUID) {
	d.clients[id] = struct{}{}
	sendState(d.sink, d.logger, TagDescribe, id, d.stateUpdate(true))
}

func (d *describe) ClientDisconnected(id uuid.UUID) {
	delete(d.clients, id)
}

// describeCommand is the data of a describe GameSpecificCommand.
type describeCommand struct {
	Action string `json:"action"` // set_word, reveal, end, reset_scores
	Word   string `json:"word,omitempty"`
}

func (d *describe) HandleCommand(id uuid.UUID, env protocol.Envelope) Outcome {
	if env.MessageType != protocol.TypeGameSpecificCommand {
		return Handled
	}
	gc, err := env.GameCommand()
	if err != nil {
		sendError(d.sink, id, err.Error())
		return Handled
	}

	var cmd describeCommand
	if err := json.Unmarshal(gc.Data, &cmd); err != nil {
		sendError(d.sink, id, "bad describe command: "+err.Error())
		return Handled
	}

	switch cmd.Action {
	case "set_word":
		word := strings.ToLower(strings.TrimSpace(cmd.Word))
		if word == "" {
			sendError(d.sink, id, "set_word needs a non-empty word")
			return Handled
		}
		d.word = word
		d.winner = ""
		d.phase = describeGuessing
		d.broadcastBoth()
	case "reveal":
		if d.phase != describeGuessing {
			sendError(d.sink, id, "no round to reveal")
			return Handled
		}
		// Reveal without a winner: nobody guessed it.
		d.phase = describeSolved
		d.broadcastBoth()
	case "end":
		d.phase = describeIdle
		d.word = ""
		d.winner = ""
		d.broadcastBoth()
	case "reset_scores":
		d.board.Reset()
		d.broadcastBoth()
	default:
		sendError(d.sink, id, "unknown describe action: "+cmd.Action)
	}
	return Handled
}

func (d *describe) HandleChat(msg twitch.ChatMessage) {
	if d.phase != describeGuessing {
		return
	}
	guess := strings.ToLower(strings.TrimSpace(msg.Text))
	if !d.matches(guess) {
		return
	}

	d.phase = describeSolved
	d.winner = msg.SenderDisplayName
	d.board.Award(msg.SenderLogin, msg.SenderDisplayName, describeRoundPoints)
	d.broadcastBoth()
}

// matches accepts the exact word or a close misspelling: Levenshtein
// distance scaled to word length, at most 2.
func (d *describe) matches(guess string) bool {
	if guess == "" {
		return false
	}
	if guess == d.word {
		return true
	}
	allowed := len(d.word) / 5
	if allowed > 2 {
		allowed = 2
	}
	if allowed == 0 {
		return false
	}
	return fuzzy.LevenshteinDistance(guess, d.word) <= allowed
}

// broadcastBoth sends the admin view (with the word) to every client.
// Admin clients are the only WebSocket participants; chat players see
// the game through the stream, so there is no spoiler channel here.
func (d *describe) broadcastBoth() {
	broadcastState(d.sink, d.logger, TagDescribe, d.stateUpdate(true))
}

type describeState struct {
	Kind   string       `json:"kind"` // always FullStateUpdate
	Phase  string       `json:"phase"`
	Word   string       `json:"word,omitempty"`
	Winner string       `json:"winner,omitempty"`
	Scores []scoreEntry `json:"scores"`
}

func (d *describe) stateUpdate(withWord bool) describeState {
	st := describeState{
		Kind:   "FullStateUpdate",
		Phase:  d.phase,
		Winner: d.winner,
		Scores: d.board.Entries(),
	}
	if withWord {
		st.Word = d.word
	}
	return st
}
