package twitch

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kolmodin/internal/monitoring"
	"kolmodin/internal/watch"
)

// agentQueueCap is sized for IRC burst traffic: the worker forwards raw
// lines into this mailbox alongside control messages.
const agentQueueCap = 512

var errAgentTerminated = errors.New("channel agent terminated")

// agentMsg is the channel agent's mailbox union.
type agentMsg interface{ isAgentMsg() }

type addSubscriber struct {
	lobbyID uuid.UUID
	queue   chan<- ChatMessage
	reply   chan<- error
}

type removeSubscriber struct {
	lobbyID uuid.UUID
}

type lineReceived struct {
	line string
}

// statusChanged carries worker status transitions. final marks the
// worker's last message before its goroutine exits; the agent uses it
// to decide between restarting the worker and terminating itself.
type statusChanged struct {
	status Status
	final  bool
}

type stopAgent struct{}

func (addSubscriber) isAgentMsg()    {}
func (removeSubscriber) isAgentMsg() {}
func (lineReceived) isAgentMsg()     {}
func (statusChanged) isAgentMsg()    {}
func (stopAgent) isAgentMsg()        {}

// ChannelAgent owns one Twitch channel: it supervises the IRC worker
// for that channel and fans incoming chat out to subscriber queues.
// The agent keeps the worker alive while it has subscribers, stops it
// when the last one leaves, and terminates itself once the worker is
// gone with nobody waiting.
type ChannelAgent struct {
	channel  string
	addr     string
	tokens   *TokenProvider
	queue    chan agentMsg
	done     chan struct{} // closed when the agent loop has exited
	statusTx *watch.Sender[Status]
	logger   zerolog.Logger
}

func newChannelAgent(channel, addr string, tokens *TokenProvider, logger zerolog.Logger) *ChannelAgent {
	statusTx, _ := watch.New(Initializing())
	a := &ChannelAgent{
		channel:  channel,
		addr:     addr,
		tokens:   tokens,
		queue:    make(chan agentMsg, agentQueueCap),
		done:     make(chan struct{}),
		statusTx: statusTx,
		logger:   logger.With().Str("component", "channel_agent").Str("channel", channel).Logger(),
	}
	go a.run()
	return a
}

// AddSubscriber registers queue to receive this channel's chat. A
// second subscription for the same lobby replaces the first. Returns
// errAgentTerminated if the agent is already gone.
func (a *ChannelAgent) AddSubscriber(lobbyID uuid.UUID, queue chan<- ChatMessage) error {
	reply := make(chan error, 1)
	select {
	case a.queue <- addSubscriber{lobbyID: lobbyID, queue: queue, reply: reply}:
	case <-a.done:
		return errAgentTerminated
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		// The answer may have been posted just before the agent exited.
		select {
		case err := <-reply:
			return err
		default:
			return errAgentTerminated
		}
	}
}

// RemoveSubscriber is fire-and-forget: the caller does not learn
// whether it was the last subscriber.
func (a *ChannelAgent) RemoveSubscriber(lobbyID uuid.UUID) {
	select {
	case a.queue <- removeSubscriber{lobbyID: lobbyID}:
	case <-a.done:
	}
}

// WatchStatus returns a fresh receiver over the connection status.
func (a *ChannelAgent) WatchStatus() *watch.Receiver[Status] {
	return a.statusTx.Subscribe()
}

// Stop asks the agent to terminate. Await Done for completion.
func (a *ChannelAgent) Stop() {
	select {
	case a.queue <- stopAgent{}:
	case <-a.done:
	}
}

// Done closes when the agent and its worker have fully exited.
func (a *ChannelAgent) Done() <-chan struct{} {
	return a.done
}

func (a *ChannelAgent) run() {
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic_value", r).Msg("Channel agent panicked")
			a.statusTx.Send(Terminated())
		}
	}()

	subscribers := make(map[uuid.UUID]chan<- ChatMessage)

	var (
		workerCancel context.CancelFunc
		workerDone   <-chan struct{}
	)
	startWorker := func() {
		ctx, cancel := context.WithCancel(context.Background())
		workerCancel = cancel
		workerDone = startConnWorker(ctx, a.channel, a.addr, a.tokens, a.queue, a.logger)
	}
	startWorker()
	defer func() { workerCancel() }()
	workerStopping := false

	stopWorkerIfIdle := func() {
		if len(subscribers) == 0 && !workerStopping {
			a.logger.Info().Msg("No subscribers left, stopping IRC worker")
			workerStopping = true
			workerCancel()
		}
	}

	for {
		switch m := (<-a.queue).(type) {
		case addSubscriber:
			subscribers[m.lobbyID] = m.queue
			m.reply <- nil
			a.logger.Debug().
				Str("lobby_id", m.lobbyID.String()).
				Int("subscribers", len(subscribers)).
				Msg("Subscriber added")

		case removeSubscriber:
			delete(subscribers, m.lobbyID)
			stopWorkerIfIdle()

		case lineReceived:
			irc, err := ParseLine(m.line)
			if err != nil {
				continue
			}
			chat, ok := ChatFromMessage(irc, a.channel)
			if !ok {
				continue
			}
			monitoring.ChatMessagesTotal.Inc()
			for id, q := range subscribers {
				select {
				case q <- chat:
				default:
					// A subscriber that cannot keep up loses its
					// subscription rather than stalling the channel.
					delete(subscribers, id)
					monitoring.SubscribersEvicted.Inc()
					a.logger.Warn().
						Str("lobby_id", id.String()).
						Msg("Evicted subscriber with full chat queue")
				}
			}
			stopWorkerIfIdle()

		case statusChanged:
			a.statusTx.Send(m.status)
			if !m.final {
				continue
			}

			// The worker is exiting. Drain until its goroutine is gone,
			// then decide: restart for the subscribers that remain, or
			// terminate.
			stopRequested := a.awaitWorker(workerDone, subscribers)
			workerStopping = false

			switch {
			case stopRequested || m.status.Reason == ReasonPersistentAuthFailure:
				a.finish()
				return
			case len(subscribers) > 0:
				a.logger.Info().
					Int("subscribers", len(subscribers)).
					Str("last_status", m.status.String()).
					Msg("Restarting IRC worker")
				workerCancel()
				startWorker()
			default:
				a.finish()
				return
			}

		case stopAgent:
			workerCancel()
			a.awaitWorker(workerDone, subscribers)
			a.finish()
			return
		}
	}
}

// awaitWorker drains the mailbox until the worker goroutine has fully
// exited. Subscription changes are applied so the restart decision sees
// them; chat lines from the dying connection are dropped. Reports
// whether a stop request arrived during the drain.
func (a *ChannelAgent) awaitWorker(workerDone <-chan struct{}, subscribers map[uuid.UUID]chan<- ChatMessage) (stopRequested bool) {
	for {
		select {
		case <-workerDone:
			return stopRequested
		case msg := <-a.queue:
			switch m := msg.(type) {
			case addSubscriber:
				subscribers[m.lobbyID] = m.queue
				m.reply <- nil
			case removeSubscriber:
				delete(subscribers, m.lobbyID)
			case lineReceived:
			case statusChanged:
				a.statusTx.Send(m.status)
			case stopAgent:
				stopRequested = true
			}
		}
	}
}

// finish publishes the terminal status and answers whatever is still
// queued so no caller blocks on a dead agent.
func (a *ChannelAgent) finish() {
	a.statusTx.Send(Terminated())
	a.logger.Info().Msg("Channel agent terminated")
	for {
		select {
		case msg := <-a.queue:
			if m, ok := msg.(addSubscriber); ok {
				m.reply <- errAgentTerminated
			}
		default:
			return
		}
	}
}
