package game

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kolmodin/internal/content"
)

func startedQuiz(t *testing.T) (*quiz, *recordSink, uuid.UUID) {
	t.Helper()
	sink := newRecordSink()
	q := newQuiz(testDeps(t, sink))
	admin := uuid.New()
	q.ClientConnected(admin)
	q.HandleCommand(admin, gameCommand(t, TagQuiz, quizCommand{Action: "start"}))
	return q, sink, admin
}

func TestQuizRoundFlow(t *testing.T) {
	q, sink, admin := startedQuiz(t)

	var st quizState
	sink.lastBroadcastData(t, &st)
	assert.Equal(t, quizQuestion, st.Phase)
	assert.Equal(t, 0, st.QuestionIndex)
	assert.NotEmpty(t, st.Prompt)
	assert.Empty(t, st.Answer, "answer hidden until reveal")

	q.HandleCommand(admin, gameCommand(t, TagQuiz, quizCommand{Action: "reveal"}))
	sink.lastBroadcastData(t, &st)
	assert.Equal(t, quizRevealed, st.Phase)
	assert.NotEmpty(t, st.Answer)

	q.HandleCommand(admin, gameCommand(t, TagQuiz, quizCommand{Action: "next"}))
	sink.lastBroadcastData(t, &st)
	assert.Equal(t, quizQuestion, st.Phase)
	assert.Equal(t, 1, st.QuestionIndex)
}

func TestQuizChatScoring(t *testing.T) {
	q, sink, admin := startedQuiz(t)

	answer := q.pack.Questions[0].Answers[0]

	q.HandleChat(chatMsg("alice", "wrong guess"))
	q.HandleChat(chatMsg("alice", answer))
	q.HandleChat(chatMsg("alice", answer)) // second correct answer does not double-score
	q.HandleChat(chatMsg("bob", "  "+answer+"  "))

	q.HandleCommand(admin, gameCommand(t, TagQuiz, quizCommand{Action: "reveal"}))
	q.HandleChat(chatMsg("carol", answer)) // too late

	var st quizState
	sink.lastBroadcastData(t, &st)
	require.Len(t, st.Scores, 2)
	assert.Equal(t, scoreEntry{Player: "alice", Points: 1}, st.Scores[0])
	assert.Equal(t, scoreEntry{Player: "bob", Points: 1}, st.Scores[1])
}

func TestQuizScoresSurviveRounds(t *testing.T) {
	q, sink, admin := startedQuiz(t)

	q.HandleChat(chatMsg("alice", q.pack.Questions[0].Answers[0]))
	q.HandleCommand(admin, gameCommand(t, TagQuiz, quizCommand{Action: "next"}))
	q.HandleChat(chatMsg("alice", q.pack.Questions[1].Answers[0]))

	q.HandleCommand(admin, gameCommand(t, TagQuiz, quizCommand{Action: "end"}))
	var st quizState
	sink.lastBroadcastData(t, &st)
	assert.Equal(t, quizIdle, st.Phase)
	require.Len(t, st.Scores, 1)
	assert.Equal(t, 2, st.Scores[0].Points)

	q.HandleCommand(admin, gameCommand(t, TagQuiz, quizCommand{Action: "reset_scores"}))
	sink.lastBroadcastData(t, &st)
	assert.Empty(t, st.Scores)
}

func TestQuizRejectsBadCommands(t *testing.T) {
	sink := newRecordSink()
	q := newQuiz(testDeps(t, sink))
	admin := uuid.New()
	q.ClientConnected(admin)

	before := len(sink.direct[admin])
	q.HandleCommand(admin, gameCommand(t, TagQuiz, quizCommand{Action: "juggle"}))
	assert.Len(t, sink.direct[admin], before+1, "unknown action answered with SystemError")

	q.HandleCommand(admin, gameCommand(t, TagQuiz, quizCommand{Action: "next"}))
	assert.Len(t, sink.direct[admin], before+2, "next without a round is an error")
}

func TestQuizStartUnknownPack(t *testing.T) {
	sink := newRecordSink()
	q := newQuiz(testDeps(t, sink))
	admin := uuid.New()
	q.ClientConnected(admin)

	q.HandleCommand(admin, gameCommand(t, TagQuiz, quizCommand{Action: "start", Pack: "nope"}))
	assert.Equal(t, quizIdle, q.phase)
	assert.Empty(t, sink.broadcasts)
}

func TestQuizStartEmptyPack(t *testing.T) {
	sink := newRecordSink()
	q := newQuiz(testDeps(t, sink))
	q.packs = []content.Pack{{Name: "hollow"}}
	admin := uuid.New()
	q.ClientConnected(admin)

	before := len(sink.direct[admin])
	q.HandleCommand(admin, gameCommand(t, TagQuiz, quizCommand{Action: "start"}))

	assert.Equal(t, quizIdle, q.phase, "a pack with no questions cannot start a round")
	assert.Nil(t, q.pack)
	assert.Len(t, sink.direct[admin], before+1, "admin told why the round did not start")

	q.HandleChat(chatMsg("alice", "anything"))
	assert.Empty(t, sink.broadcasts)
}
