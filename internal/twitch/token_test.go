package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokenEndpoint serves the client_credentials grant. Each response
// body is popped from the queue; the last entry repeats.
type fakeTokenEndpoint struct {
	t        *testing.T
	requests atomic.Int64
	tokens   []string
}

func (f *fakeTokenEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := f.requests.Add(1)
		require.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(f.t, "cid", r.Form.Get("client_id"))
		assert.Equal(f.t, "csecret", r.Form.Get("client_secret"))

		idx := int(n) - 1
		if idx >= len(f.tokens) {
			idx = len(f.tokens) - 1
		}
		// Comfortably beyond the 1h refresh grace so the loop sleeps
		// between fetches.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": f.tokens[idx],
			"expires_in":   7200,
			"token_type":   "bearer",
		})
	}
}

func newTestProvider(t *testing.T, handler http.Handler) (*TokenProvider, error) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewTokenProvider(context.Background(), TokenProviderConfig{
		ClientID:     "cid",
		ClientSecret: "csecret",
		TokenURL:     srv.URL,
	}, zerolog.Nop())
	if p != nil {
		t.Cleanup(p.Stop)
	}
	return p, err
}

func TestTokenProviderInitialFetch(t *testing.T) {
	fake := &fakeTokenEndpoint{t: t, tokens: []string{"tok-1"}}

	p, err := newTestProvider(t, fake.handler())
	require.NoError(t, err)

	assert.Equal(t, "tok-1", p.Current())
	assert.NotEmpty(t, p.Current(), "token must be non-empty after construction")

	// Deadline sits just short of expires_in.
	dl := p.deadline()
	assert.WithinDuration(t, time.Now().Add(7200*time.Second-tokenExpirySkew), dl, 5*time.Second)
}

func TestTokenProviderInitialFetchFailureIsFatal(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})

	_, err := newTestProvider(t, handler)
	assert.Error(t, err)
}

func TestTokenProviderSignalRefresh(t *testing.T) {
	fake := &fakeTokenEndpoint{t: t, tokens: []string{"tok-1", "tok-2"}}

	p, err := newTestProvider(t, fake.handler())
	require.NoError(t, err)
	require.Equal(t, "tok-1", p.Current())

	p.SignalRefresh()

	require.Eventually(t, func() bool {
		return p.Current() == "tok-2"
	}, 2*time.Second, 10*time.Millisecond, "refresh signal should replace the token")
}

func TestTokenProviderSignalsCoalesce(t *testing.T) {
	fake := &fakeTokenEndpoint{t: t, tokens: []string{"tok-1", "tok-2"}}

	p, err := newTestProvider(t, fake.handler())
	require.NoError(t, err)

	// Fire a burst before the loop wakes; at most one extra fetch may
	// result from a signal arriving mid-refresh.
	for i := 0; i < 10; i++ {
		p.SignalRefresh()
	}

	require.Eventually(t, func() bool {
		return p.Current() == "tok-2"
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, fake.requests.Load(), int64(3), "burst of signals must coalesce")
}

func TestTokenProviderServesStaleTokenWhileFailing(t *testing.T) {
	var failing atomic.Bool
	fake := &fakeTokenEndpoint{t: t, tokens: []string{"tok-1"}}
	inner := fake.handler()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		inner(w, r)
	})

	p, err := newTestProvider(t, handler)
	require.NoError(t, err)

	failing.Store(true)
	p.SignalRefresh()

	// The failed refresh must not clobber the existing token.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "tok-1", p.Current())
}
