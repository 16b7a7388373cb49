package game

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kolmodin/internal/content"
	"kolmodin/internal/protocol"
	"kolmodin/internal/twitch"
)

// Quiz phases.
const (
	quizIdle     = "Idle"     // between rounds
	quizQuestion = "Question" // answers accepted from chat
	quizRevealed = "Revealed" // answer shown, scoring closed
)

const defaultQuestionPoints = 1

// quiz runs question rounds against Twitch chat: the admin steps
// through a pack, viewers answer in chat, every correct answer before
// the reveal scores once.
type quiz struct {
	sink   Sink
	logger zerolog.Logger

	clients map[uuid.UUID]struct{}
	packs   []content.Pack

	phase    string
	pack     *content.Pack
	index    int
	answered map[string]struct{} // user logins scored this question
	board    *scoreboard
}

func newQuiz(deps Deps) *quiz {
	return &quiz{
		sink:    deps.Sink,
		logger:  deps.Logger.With().Str("game", TagQuiz).Logger(),
		clients: make(map[uuid.UUID]struct{}),
		packs:   deps.Content.QuizPacks(),
		phase:   quizIdle,
		board:   newScoreboard(),
	}
}

func (q *quiz) GameType() string { return TagQuiz }
func (q *quiz) IsEmpty() bool    { return len(q.clients) == 0 }

func (q *quiz) ClientConnected(id uuid.UUID) {
	q.clients[id] = struct{}{}
	sendState(q.sink, q.logger, TagQuiz, id, q.stateUpdate())
}

func (q *quiz) ClientDisconnected(id uuid.UUID) {
	delete(q.clients, id)
}

// quizCommand is the data of a quiz GameSpecificCommand.
type quizCommand struct {
	Action string `json:"action"` // start, next, reveal, end, reset_scores
	Pack   string `json:"pack,omitempty"`
}

func (q *quiz) HandleCommand(id uuid.UUID, env protocol.Envelope) Outcome {
	if env.MessageType != protocol.TypeGameSpecificCommand {
		return Handled
	}
	gc, err := env.GameCommand()
	if err != nil {
		sendError(q.sink, id, err.Error())
		return Handled
	}

	var cmd quizCommand
	if err := json.Unmarshal(gc.Data, &cmd); err != nil {
		sendError(q.sink, id, "bad quiz command: "+err.Error())
		return Handled
	}

	switch cmd.Action {
	case "start":
		q.start(id, cmd.Pack)
	case "next":
		q.next(id)
	case "reveal":
		if q.phase != quizQuestion {
			sendError(q.sink, id, "no open question to reveal")
			return Handled
		}
		q.phase = quizRevealed
		broadcastState(q.sink, q.logger, TagQuiz, q.stateUpdate())
	case "end":
		q.phase = quizIdle
		q.pack = nil
		broadcastState(q.sink, q.logger, TagQuiz, q.stateUpdate())
	case "reset_scores":
		q.board.Reset()
		broadcastState(q.sink, q.logger, TagQuiz, q.stateUpdate())
	default:
		sendError(q.sink, id, "unknown quiz action: "+cmd.Action)
	}
	return Handled
}

func (q *quiz) start(id uuid.UUID, packName string) {
	pack := q.findPack(packName)
	if pack == nil {
		sendError(q.sink, id, "unknown question pack: "+packName)
		return
	}
	// The loader rejects empty packs, but the engine must not trust that.
	if len(pack.Questions) == 0 {
		sendError(q.sink, id, "question pack has no questions: "+pack.Name)
		return
	}
	q.pack = pack
	q.index = 0
	q.openQuestion()
}

func (q *quiz) next(id uuid.UUID) {
	if q.pack == nil {
		sendError(q.sink, id, "no round in progress")
		return
	}
	if q.index+1 >= len(q.pack.Questions) {
		q.phase = quizIdle
		q.pack = nil
		broadcastState(q.sink, q.logger, TagQuiz, q.stateUpdate())
		return
	}
	q.index++
	q.openQuestion()
}

func (q *quiz) openQuestion() {
	q.phase = quizQuestion
	q.answered = make(map[string]struct{})
	broadcastState(q.sink, q.logger, TagQuiz, q.stateUpdate())
}

func (q *quiz) findPack(name string) *content.Pack {
	if name == "" && len(q.packs) > 0 {
		return &q.packs[0]
	}
	for i := range q.packs {
		if q.packs[i].Name == name {
			return &q.packs[i]
		}
	}
	return nil
}

func (q *quiz) HandleChat(msg twitch.ChatMessage) {
	if q.phase != quizQuestion || q.pack == nil {
		return
	}
	if _, done := q.answered[msg.SenderLogin]; done {
		return
	}

	question := q.pack.Questions[q.index]
	guess := strings.ToLower(strings.TrimSpace(msg.Text))
	correct := false
	for _, a := range question.Answers {
		if guess == strings.ToLower(a) {
			correct = true
			break
		}
	}
	if !correct {
		return
	}

	points := question.Points
	if points <= 0 {
		points = defaultQuestionPoints
	}
	q.answered[msg.SenderLogin] = struct{}{}
	total := q.board.Award(msg.SenderLogin, msg.SenderDisplayName, points)

	frame, err := protocol.GameEventFrame(TagQuiz, quizCorrectAnswer{
		Kind:   "CorrectAnswer",
		Player: msg.SenderDisplayName,
		Points: points,
		Total:  total,
	})
	if err != nil {
		q.logger.Error().Err(err).Msg("Failed to marshal answer event")
		return
	}
	q.sink.Broadcast(frame)
}

type quizCorrectAnswer struct {
	Kind   string `json:"kind"`
	Player string `json:"player"`
	Points int    `json:"points"`
	Total  int    `json:"total"`
}

type quizState struct {
	Kind          string       `json:"kind"` // always FullStateUpdate
	Phase         string       `json:"phase"`
	PackName      string       `json:"pack_name,omitempty"`
	QuestionIndex int          `json:"question_index"`
	QuestionTotal int          `json:"question_total"`
	Prompt        string       `json:"prompt,omitempty"`
	Answer        string       `json:"answer,omitempty"`
	Scores        []scoreEntry `json:"scores"`
}

func (q *quiz) stateUpdate() quizState {
	st := quizState{
		Kind:   "FullStateUpdate",
		Phase:  q.phase,
		Scores: q.board.Entries(),
	}
	if q.pack != nil {
		st.PackName = q.pack.Name
		st.QuestionIndex = q.index
		st.QuestionTotal = len(q.pack.Questions)
		st.Prompt = q.pack.Questions[q.index].Prompt
		if q.phase == quizRevealed && len(q.pack.Questions[q.index].Answers) > 0 {
			st.Answer = q.pack.Questions[q.index].Answers[0]
		}
	}
	return st
}
