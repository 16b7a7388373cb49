package twitch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kolmodin/internal/monitoring"
)

// DefaultIRCAddr is Twitch's cleartext chat endpoint.
const DefaultIRCAddr = "irc.chat.twitch.tv:6667"

const (
	tcpDialTimeout  = 15 * time.Second
	ircReadSlice    = 5 * time.Second
	ircWriteTimeout = 5 * time.Second

	// A connection with no inbound bytes for this long is dead.
	maxSilence = 4 * time.Minute

	// Health PING cadence and how long a PONG may take.
	healthPingInterval = 60 * time.Second
	pongWait           = 15 * time.Second
	healthCheckToken   = "health-check"

	// Rate-drop detection: every rateCheckInterval, compare the message
	// rate over rateWindowSpan to the rate over rateRecentSpan; a short
	// rate below rateDropRatio of the long rate on a busy channel means
	// the connection may be half-open.
	rateCheckInterval = 10 * time.Second
	rateWindowSpan    = 30 * time.Second
	rateRecentSpan    = 10 * time.Second
	rateMinMessages   = 10
	rateDropRatio     = 0.7
	ratePingGuard     = 15 * time.Second

	// Reconnect governance.
	baseBackoff                = 2 * time.Second
	maxBackoff                 = 300 * time.Second
	maxConsecutiveAuthFailures = 3
)

const capRequest = "CAP REQ :twitch.tv/membership twitch.tv/tags twitch.tv/commands"

// connWorker owns exactly one TCP connection to Twitch for one
// channel's lifetime: it authenticates, joins, keeps the link alive,
// and surfaces every other line to its channel agent. The outer run
// loop reconnects with backoff until stopped or authentication fails
// three times in a row.
type connWorker struct {
	channel string // lowercase, no '#'
	addr    string
	tokens  *TokenProvider
	agent   chan<- agentMsg
	ctx     context.Context // cancelled = shutdown requested
	logger  zerolog.Logger
}

type attemptKind int

const (
	attemptReconnect attemptKind = iota // server asked us to reconnect
	attemptShutdown                     // stop signal observed
	attemptAuthFailure
	attemptFailed
)

type attemptResult struct {
	kind   attemptKind
	reason string
}

// startConnWorker launches the worker goroutine. The returned channel
// closes when the worker has fully exited; cancel ctx to stop it.
func startConnWorker(ctx context.Context, channel, addr string, tokens *TokenProvider, agent chan<- agentMsg, logger zerolog.Logger) <-chan struct{} {
	w := &connWorker{
		channel: channel,
		addr:    addr,
		tokens:  tokens,
		agent:   agent,
		ctx:     ctx,
		logger:  logger.With().Str("component", "irc_worker").Str("channel", channel).Logger(),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().Interface("panic_value", r).Msg("IRC worker panicked")
				w.reportFinal(Disconnected("Worker crashed"))
			}
		}()
		w.run()
	}()
	return done
}

func (w *connWorker) run() {
	reconnectAttempts := 0
	authFailures := 0

	for {
		if w.stopped() {
			w.reportFinal(Disconnected("Stopped"))
			return
		}

		reconnectAttempts++
		if reconnectAttempts > 1 {
			monitoring.IRCReconnects.Inc()
		}

		res := w.attempt(reconnectAttempts)
		switch res.kind {
		case attemptShutdown:
			w.reportFinal(Disconnected("Stopped"))
			return

		case attemptReconnect:
			// Clean exit resets all failure accounting.
			w.logger.Info().Msg("Server requested reconnect")
			reconnectAttempts = 0
			authFailures = 0

		case attemptAuthFailure:
			authFailures++
			monitoring.IRCAuthFailures.Inc()
			w.logger.Warn().
				Int("consecutive_failures", authFailures).
				Str("notice", res.reason).
				Msg("IRC authentication failed")

			// The token we hold is bad; get a fresh one before retrying.
			w.tokens.SignalRefresh()

			if authFailures >= maxConsecutiveAuthFailures {
				w.reportFinal(Disconnected(ReasonPersistentAuthFailure))
				return
			}
			delay := time.Duration(1<<(authFailures-1)) * time.Second
			w.report(Reconnecting("Authentication failed", reconnectAttempts, delay))
			if !w.sleep(delay) {
				w.reportFinal(Disconnected("Stopped"))
				return
			}

		case attemptFailed:
			authFailures = 0
			delay := backoffFor(reconnectAttempts)
			w.logger.Warn().
				Str("reason", res.reason).
				Int("failed_attempt", reconnectAttempts).
				Dur("retry_in", delay).
				Msg("IRC connection lost, reconnecting")
			w.report(Reconnecting(res.reason, reconnectAttempts, delay))
			if !w.sleep(delay) {
				w.reportFinal(Disconnected("Stopped"))
				return
			}
		}
	}
}

// backoffFor returns 2·2^(n−1) seconds capped at maxBackoff.
func backoffFor(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	if failedAttempt > 8 {
		// 2·2^7 = 256s; anything beyond hits the cap anyway and the
		// shift would overflow for very large counts.
		return maxBackoff
	}
	d := baseBackoff << (failedAttempt - 1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// connState is the per-connection mutable state of one attempt.
type connState struct {
	conn   net.Conn
	lr     *lineReader
	nick   string
	joined bool

	lastActivity time.Time

	pendingPong  bool
	pongDeadline time.Time
	lastPing     time.Time

	lastRateCheck time.Time
	lastRatePing  time.Time
	privmsgTimes  []time.Time
}

// attempt runs one full connection lifetime: dial, authenticate, join,
// then the steady-state read loop.
func (w *connWorker) attempt(attemptNo int) attemptResult {
	w.report(Connecting(attemptNo))
	w.logger.Debug().Int("attempt", attemptNo).Str("addr", w.addr).Msg("Dialing Twitch IRC")

	dialer := net.Dialer{Timeout: tcpDialTimeout}
	conn, err := dialer.DialContext(w.ctx, "tcp", w.addr)
	if err != nil {
		if w.stopped() {
			return attemptResult{kind: attemptShutdown}
		}
		w.logger.Warn().Err(err).Msg("TCP dial failed")
		w.report(Disconnected("TCP error"))
		return attemptResult{kind: attemptFailed, reason: "TCP error"}
	}
	defer conn.Close()

	st := &connState{
		conn:          conn,
		lr:            newLineReader(conn),
		nick:          fmt.Sprintf("justinfan%d", rand.Intn(99000)+1000),
		lastActivity:  time.Now(),
		lastRateCheck: time.Now(),
	}

	if err := w.send(conn, capRequest); err != nil {
		return attemptResult{kind: attemptFailed, reason: "Write error"}
	}
	if err := w.send(conn, "PASS oauth:"+w.tokens.Current()); err != nil {
		return attemptResult{kind: attemptFailed, reason: "Write error"}
	}
	if err := w.send(conn, "NICK "+st.nick); err != nil {
		return attemptResult{kind: attemptFailed, reason: "Write error"}
	}

	w.report(Authenticating(attemptNo))

	if res, ok := w.awaitWelcome(st); !ok {
		return res
	}

	w.report(Connected())
	w.logger.Info().Int("attempt", attemptNo).Msg("IRC connection authenticated")

	if err := w.send(conn, "JOIN #"+w.channel); err != nil {
		return attemptResult{kind: attemptFailed, reason: "Write error"}
	}

	return w.readLoop(st)
}

// awaitWelcome reads until the 001 welcome or a terminal auth NOTICE.
func (w *connWorker) awaitWelcome(st *connState) (attemptResult, bool) {
	for {
		if w.stopped() {
			return attemptResult{kind: attemptShutdown}, false
		}

		line, err := st.lr.readLine()
		if err != nil {
			if isTimeout(err) {
				if time.Since(st.lastActivity) >= maxSilence {
					return attemptResult{kind: attemptFailed, reason: "Silence timeout"}, false
				}
				continue
			}
			return attemptResult{kind: attemptFailed, reason: "Read error"}, false
		}
		st.lastActivity = time.Now()

		msg, perr := ParseLine(line)
		if perr != nil {
			continue
		}

		switch {
		case msg.Command == "001":
			return attemptResult{}, true
		case isAuthFailureNotice(msg):
			return attemptResult{kind: attemptAuthFailure, reason: msg.Trailing}, false
		case msg.Command == "PING":
			if err := w.pong(st.conn, msg); err != nil {
				return attemptResult{kind: attemptFailed, reason: "Write error"}, false
			}
		}
	}
}

// readLoop is the steady state: read one line per 5s slice, run the
// liveness timers on idle slices, surface everything interesting to
// the channel agent.
func (w *connWorker) readLoop(st *connState) attemptResult {
	for {
		if w.stopped() {
			return attemptResult{kind: attemptShutdown}
		}

		line, err := st.lr.readLine()
		now := time.Now()

		if err != nil {
			if !isTimeout(err) {
				return attemptResult{kind: attemptFailed, reason: "Read error"}
			}
			if reason := w.idleMaintenance(st, now); reason != "" {
				return attemptResult{kind: attemptFailed, reason: reason}
			}
			continue
		}

		st.lastActivity = now

		msg, perr := ParseLine(line)
		if perr != nil {
			w.logger.Debug().Str("line", line).Msg("Skipping unparseable IRC line")
			continue
		}

		switch {
		case msg.Command == "PING":
			if err := w.pong(st.conn, msg); err != nil {
				return attemptResult{kind: attemptFailed, reason: "Write error"}
			}

		case msg.Command == "PONG" && msg.Trailing == healthCheckToken:
			st.pendingPong = false

		case msg.Command == "RECONNECT":
			return attemptResult{kind: attemptReconnect}

		case isAuthFailureNotice(msg):
			return attemptResult{kind: attemptAuthFailure, reason: msg.Trailing}

		default:
			if msg.Command == "PRIVMSG" {
				st.privmsgTimes = append(st.privmsgTimes, now)
			}
			if !st.joined && msg.Command == "JOIN" && msg.Nick() == st.nick {
				st.joined = true
				w.logger.Info().Msg("Joined channel")
			}
			if !w.forwardLine(line) {
				return attemptResult{kind: attemptShutdown}
			}
		}

		if st.pendingPong && now.After(st.pongDeadline) {
			return attemptResult{kind: attemptFailed, reason: "PONG timeout"}
		}
		if reason := w.rateCheck(st, now); reason != "" {
			return attemptResult{kind: attemptFailed, reason: reason}
		}
	}
}

// idleMaintenance runs the liveness timers when a read slice expires
// with no data. A non-empty return is the death reason.
func (w *connWorker) idleMaintenance(st *connState, now time.Time) string {
	if now.Sub(st.lastActivity) >= maxSilence {
		return "Silence timeout"
	}
	if st.pendingPong && now.After(st.pongDeadline) {
		return "PONG timeout"
	}
	if !st.pendingPong &&
		now.Sub(st.lastActivity) >= healthPingInterval &&
		now.Sub(st.lastPing) >= healthPingInterval {
		if reason := w.healthPing(st, "interval", now); reason != "" {
			return reason
		}
	}
	return w.rateCheck(st, now)
}

// rateCheck implements rate-drop detection over the PRIVMSG timestamp
// window. Runs at most once per rateCheckInterval.
func (w *connWorker) rateCheck(st *connState, now time.Time) string {
	if now.Sub(st.lastRateCheck) < rateCheckInterval {
		return ""
	}
	st.lastRateCheck = now

	cutoff := now.Add(-rateWindowSpan)
	i := 0
	for i < len(st.privmsgTimes) && st.privmsgTimes[i].Before(cutoff) {
		i++
	}
	st.privmsgTimes = st.privmsgTimes[i:]

	if len(st.privmsgTimes) < rateMinMessages {
		return ""
	}

	longRate := float64(len(st.privmsgTimes)) / rateWindowSpan.Seconds()
	recentCutoff := now.Add(-rateRecentSpan)
	recent := 0
	for _, ts := range st.privmsgTimes {
		if !ts.Before(recentCutoff) {
			recent++
		}
	}
	shortRate := float64(recent) / rateRecentSpan.Seconds()

	if shortRate < longRate*rateDropRatio &&
		now.Sub(st.lastRatePing) >= ratePingGuard &&
		!st.pendingPong {
		w.logger.Debug().
			Float64("long_rate", longRate).
			Float64("short_rate", shortRate).
			Msg("Message rate dropped, probing connection")
		st.lastRatePing = now
		return w.healthPing(st, "rate_drop", now)
	}
	return ""
}

// healthPing sends PING :health-check and arms the PONG deadline.
func (w *connWorker) healthPing(st *connState, trigger string, now time.Time) string {
	if err := w.send(st.conn, "PING :"+healthCheckToken); err != nil {
		return "Write error"
	}
	st.pendingPong = true
	st.pongDeadline = now.Add(pongWait)
	st.lastPing = now
	monitoring.HealthPings.WithLabelValues(trigger).Inc()
	w.logger.Debug().Str("trigger", trigger).Msg("Health PING sent")
	return ""
}

// pong answers a server PING with the same token.
func (w *connWorker) pong(conn net.Conn, ping Message) error {
	token := ping.Trailing
	if token == "" {
		token = ping.Param(0)
	}
	return w.send(conn, "PONG :"+token)
}

func (w *connWorker) send(conn net.Conn, line string) error {
	conn.SetWriteDeadline(time.Now().Add(ircWriteTimeout))
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		w.logger.Warn().Err(err).Msg("IRC write failed")
		return err
	}
	return nil
}

// forwardLine pushes a raw line to the channel agent. Blocking is
// intentional: a full agent queue stalls the reader and lets TCP flow
// control push back on Twitch. Returns false when stopped instead.
func (w *connWorker) forwardLine(line string) bool {
	select {
	case w.agent <- lineReceived{line: line}:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// report sends a non-final status transition to the agent.
func (w *connWorker) report(st Status) {
	select {
	case w.agent <- statusChanged{status: st}:
	case <-w.ctx.Done():
	}
}

// reportFinal is the worker's last word before exiting. Delivery is
// unconditional: the agent drains its queue while awaiting worker
// completion, so this cannot deadlock, and the agent needs the final
// status to decide restart versus terminate.
func (w *connWorker) reportFinal(st Status) {
	w.agent <- statusChanged{status: st, final: true}
}

func (w *connWorker) stopped() bool {
	select {
	case <-w.ctx.Done():
		return true
	default:
		return false
	}
}

func (w *connWorker) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// lineReader reads CRLF-terminated lines with a fresh 5s deadline per
// read. A slice that times out mid-line keeps the partial bytes and
// resumes on the next call.
type lineReader struct {
	conn    net.Conn
	r       *bufio.Reader
	partial string
}

func newLineReader(conn net.Conn) *lineReader {
	return &lineReader{conn: conn, r: bufio.NewReaderSize(conn, 4096)}
}

func (lr *lineReader) readLine() (string, error) {
	if err := lr.conn.SetReadDeadline(time.Now().Add(ircReadSlice)); err != nil {
		return "", err
	}
	chunk, err := lr.r.ReadString('\n')
	if err != nil {
		lr.partial += chunk
		return "", err
	}
	line := lr.partial + chunk
	lr.partial = ""
	return strings.TrimRight(line, "\r\n"), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
