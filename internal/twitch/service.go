package twitch

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kolmodin/internal/monitoring"
	"kolmodin/internal/watch"
)

const serviceQueueCap = 32

var (
	errInvalidChannel = errors.New("invalid channel name")
	errServiceClosed  = errors.New("twitch service is shut down")
)

// NormalizeChannel canonicalizes a user-supplied channel name: trims
// whitespace, drops a leading '#', lowercases. Returns "" for names
// that are empty after cleanup.
func NormalizeChannel(raw string) string {
	c := strings.TrimSpace(raw)
	c = strings.TrimPrefix(c, "#")
	return strings.ToLower(c)
}

type serviceMsg interface{ isServiceMsg() }

type subscribeReq struct {
	channel string // already normalized
	lobbyID uuid.UUID
	chat    chan<- ChatMessage
	reply   chan<- subscribeResult
}

type subscribeResult struct {
	status *watch.Receiver[Status]
	err    error
}

type unsubscribeReq struct {
	channel string
	lobbyID uuid.UUID
}

type agentExited struct {
	channel string
	agent   *ChannelAgent
}

type shutdownReq struct {
	reply chan<- struct{}
}

func (subscribeReq) isServiceMsg()   {}
func (unsubscribeReq) isServiceMsg() {}
func (agentExited) isServiceMsg()    {}
func (shutdownReq) isServiceMsg()    {}

// Service is the registry of channel agents. Lobbies subscribe by
// channel name; the service lazily creates one agent per channel,
// shares it between lobbies watching the same channel, and removes it
// when it terminates.
type Service struct {
	addr   string
	tokens *TokenProvider
	queue  chan serviceMsg
	done   chan struct{}
	logger zerolog.Logger
}

// NewService starts the registry against Twitch's production IRC
// endpoint.
func NewService(tokens *TokenProvider, logger zerolog.Logger) *Service {
	return newServiceWithAddr(DefaultIRCAddr, tokens, logger)
}

func newServiceWithAddr(addr string, tokens *TokenProvider, logger zerolog.Logger) *Service {
	s := &Service{
		addr:   addr,
		tokens: tokens,
		queue:  make(chan serviceMsg, serviceQueueCap),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "twitch_service").Logger(),
	}
	go s.run()
	return s
}

// Subscribe routes a lobby's chat queue to the agent for channel,
// creating the agent on first use. The returned receiver follows the
// channel's connection status; its initial value counts as observed,
// so callers should Peek before waiting.
func (s *Service) Subscribe(channel string, lobbyID uuid.UUID, chat chan<- ChatMessage) (*watch.Receiver[Status], error) {
	normalized := NormalizeChannel(channel)
	if normalized == "" {
		return nil, errInvalidChannel
	}

	reply := make(chan subscribeResult, 1)
	select {
	case s.queue <- subscribeReq{channel: normalized, lobbyID: lobbyID, chat: chat, reply: reply}:
	case <-s.done:
		return nil, errServiceClosed
	}

	select {
	case res := <-reply:
		return res.status, res.err
	case <-s.done:
		select {
		case res := <-reply:
			return res.status, res.err
		default:
			return nil, errServiceClosed
		}
	}
}

// Unsubscribe detaches a lobby from a channel. Fire-and-forget; the
// agent cleans up after itself once nobody is subscribed.
func (s *Service) Unsubscribe(channel string, lobbyID uuid.UUID) {
	normalized := NormalizeChannel(channel)
	if normalized == "" {
		return
	}
	select {
	case s.queue <- unsubscribeReq{channel: normalized, lobbyID: lobbyID}:
	case <-s.done:
	}
}

// Shutdown stops every channel agent and blocks until all of them,
// and the registry itself, have exited.
func (s *Service) Shutdown() {
	reply := make(chan struct{}, 1)
	select {
	case s.queue <- shutdownReq{reply: reply}:
	case <-s.done:
		return
	}
	select {
	case <-reply:
	case <-s.done:
	}
}

func (s *Service) run() {
	defer close(s.done)

	registry := make(map[string]*ChannelAgent)
	closing := false
	var shutdownReplies []chan<- struct{}

	for {
		switch m := (<-s.queue).(type) {
		case subscribeReq:
			if closing {
				m.reply <- subscribeResult{err: errServiceClosed}
				continue
			}
			status, err := s.subscribe(registry, m)
			m.reply <- subscribeResult{status: status, err: err}
			monitoring.ChannelAgentsActive.Set(float64(len(registry)))

		case unsubscribeReq:
			if agent, ok := registry[m.channel]; ok {
				agent.RemoveSubscriber(m.lobbyID)
			}

		case agentExited:
			// Pointer compare: a replacement agent may already hold
			// this channel's slot.
			if registry[m.channel] == m.agent {
				delete(registry, m.channel)
				s.logger.Debug().Str("channel", m.channel).Msg("Channel agent removed from registry")
			}
			monitoring.ChannelAgentsActive.Set(float64(len(registry)))
			if closing && len(registry) == 0 {
				deliverAll(shutdownReplies)
				return
			}

		case shutdownReq:
			shutdownReplies = append(shutdownReplies, m.reply)
			if len(registry) == 0 {
				deliverAll(shutdownReplies)
				return
			}
			if closing {
				continue
			}
			closing = true
			s.logger.Info().Int("agents", len(registry)).Msg("Stopping all channel agents")
			for _, agent := range registry {
				agent.Stop()
			}
		}
	}
}

// subscribe runs inside the registry loop. A terminated agent whose
// exit notification is still in flight is replaced on the spot.
func (s *Service) subscribe(registry map[string]*ChannelAgent, req subscribeReq) (*watch.Receiver[Status], error) {
	if agent, ok := registry[req.channel]; ok {
		if err := agent.AddSubscriber(req.lobbyID, req.chat); err == nil {
			return agent.WatchStatus(), nil
		}
		delete(registry, req.channel)
	}

	agent := newChannelAgent(req.channel, s.addr, s.tokens, s.logger)
	registry[req.channel] = agent
	s.supervise(req.channel, agent)
	s.logger.Info().Str("channel", req.channel).Msg("Channel agent started")

	if err := agent.AddSubscriber(req.lobbyID, req.chat); err != nil {
		return nil, err
	}
	return agent.WatchStatus(), nil
}

// supervise forwards the agent's completion into the registry mailbox.
func (s *Service) supervise(channel string, agent *ChannelAgent) {
	go func() {
		<-agent.Done()
		select {
		case s.queue <- agentExited{channel: channel, agent: agent}:
		case <-s.done:
		}
	}()
}

func deliverAll(replies []chan<- struct{}) {
	for _, r := range replies {
		r <- struct{}{}
	}
}
