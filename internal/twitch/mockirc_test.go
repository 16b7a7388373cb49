package twitch

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kolmodin/internal/watch"
)

// mockIRC is a scriptable stand-in for the Twitch IRC endpoint. It
// plays the server half of the handshake (CAP/PASS/NICK, 001 welcome,
// JOIN echo), answers client PINGs, and lets tests push raw lines on
// the most recently accepted connection.
type mockIRC struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	accepted int
	current  net.Conn
	authFn   func(pass string) bool
}

func newMockIRC(t *testing.T) *mockIRC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m := &mockIRC{t: t, ln: ln}
	go m.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return m
}

// newIRCBench wires a mock IRC endpoint to a working token provider.
func newIRCBench(t *testing.T) (*mockIRC, *TokenProvider) {
	t.Helper()
	irc := newMockIRC(t)
	fake := &fakeTokenEndpoint{t: t, tokens: []string{"tok-1"}}
	tokens, err := newTestProvider(t, fake.handler())
	require.NoError(t, err)
	return irc, tokens
}

func (m *mockIRC) addr() string { return m.ln.Addr().String() }

// setAuth installs the PASS check; nil accepts everything.
func (m *mockIRC) setAuth(fn func(pass string) bool) {
	m.mu.Lock()
	m.authFn = fn
	m.mu.Unlock()
}

func (m *mockIRC) acceptedConns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

func (m *mockIRC) acceptLoop() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.accepted++
		m.current = conn
		m.mu.Unlock()
		go m.serve(conn)
	}
}

func (m *mockIRC) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	var pass, nick string
	for nick == "" {
		line, err := readIRCLine(r)
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(line, "PASS "):
			pass = strings.TrimPrefix(line, "PASS ")
		case strings.HasPrefix(line, "NICK "):
			nick = strings.TrimPrefix(line, "NICK ")
		}
	}

	m.mu.Lock()
	authFn := m.authFn
	m.mu.Unlock()
	if authFn != nil && !authFn(pass) {
		fmt.Fprint(conn, ":tmi.twitch.tv NOTICE * :Login authentication failed\r\n")
		return
	}

	fmt.Fprintf(conn, ":tmi.twitch.tv 001 %s :Welcome, GLHF!\r\n", nick)

	for {
		line, err := readIRCLine(r)
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(line, "JOIN "):
			channel := strings.TrimPrefix(line, "JOIN ")
			fmt.Fprintf(conn, ":%s!%s@%s.tmi.twitch.tv JOIN %s\r\n", nick, nick, nick, channel)
		case strings.HasPrefix(line, "PING"):
			token := strings.TrimPrefix(strings.TrimPrefix(line, "PING"), " ")
			token = strings.TrimPrefix(token, ":")
			fmt.Fprintf(conn, ":tmi.twitch.tv PONG tmi.twitch.tv :%s\r\n", token)
		}
	}
}

func readIRCLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// sendRaw pushes one line on the most recently accepted connection.
func (m *mockIRC) sendRaw(line string) {
	m.mu.Lock()
	conn := m.current
	m.mu.Unlock()
	require.NotNil(m.t, conn, "no connection accepted yet")
	_, err := fmt.Fprintf(conn, "%s\r\n", line)
	require.NoError(m.t, err)
}

// privmsg pushes a tagged chat line for channel.
func (m *mockIRC) privmsg(channel, login, text string) {
	m.sendRaw(fmt.Sprintf(
		"@badges=;display-name=%s;mod=0;subscriber=0;user-id=100;id=aa-bb;tmi-sent-ts=%d :%s!%s@%s.tmi.twitch.tv PRIVMSG #%s :%s",
		login, time.Now().UnixMilli(), login, login, login, channel, text))
}

// awaitStatusKind consumes the receiver until the wanted kind shows up.
func awaitStatusKind(t *testing.T, rx *watch.Receiver[Status], kind StatusKind) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if st := rx.Peek(); st.Kind == kind {
		return st
	}
	for {
		st, err := rx.Next(ctx)
		require.NoError(t, err, "gave up waiting for status %s", kind)
		if st.Kind == kind {
			return st
		}
	}
}

// awaitWorkerStatus reads a raw worker mailbox until a status of the
// wanted kind arrives; intervening lines and statuses are skipped.
func awaitWorkerStatus(t *testing.T, queue <-chan agentMsg, kind StatusKind) statusChanged {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case msg := <-queue:
			if sc, ok := msg.(statusChanged); ok && sc.status.Kind == kind {
				return sc
			}
		case <-deadline:
			t.Fatalf("gave up waiting for worker status %s", kind)
		}
	}
}

// awaitFinalStatus reads a raw worker mailbox until the final status.
func awaitFinalStatus(t *testing.T, queue <-chan agentMsg) statusChanged {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case msg := <-queue:
			if sc, ok := msg.(statusChanged); ok && sc.final {
				return sc
			}
		case <-deadline:
			t.Fatal("worker never sent its final status")
		}
	}
}

func recvChat(t *testing.T, ch <-chan ChatMessage) ChatMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("chat message never arrived")
		return ChatMessage{}
	}
}
