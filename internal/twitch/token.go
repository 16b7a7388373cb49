package twitch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"kolmodin/internal/monitoring"
)

const (
	// DefaultTokenURL is Twitch's app-token endpoint
	// (client_credentials grant).
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

	// The stored deadline is the reported expiry minus this skew.
	tokenExpirySkew = 10 * time.Second

	// refreshGrace is how long before expiry the background refresh
	// fires.
	refreshGrace = time.Hour

	tokenFetchTimeout   = 15 * time.Second
	tokenRetryDelay     = 30 * time.Second
	tokenRetryCount     = 3
	tokenFailureBackoff = 5 * time.Minute
)

// TokenProviderConfig configures the app-token provider. TokenURL is
// overridable for tests; empty means Twitch's endpoint.
type TokenProviderConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// TokenProvider maintains a currently-valid Twitch app access token.
// One background task is the sole writer; IRC workers read the current
// secret and signal an immediate refresh when Twitch rejects it.
type TokenProvider struct {
	cc     clientcredentials.Config
	logger zerolog.Logger

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	refresh  chan struct{} // capacity 1: pending signals coalesce
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewTokenProvider fetches an initial token synchronously (failure is
// fatal to startup) and spawns the refresh loop.
func NewTokenProvider(ctx context.Context, cfg TokenProviderConfig, logger zerolog.Logger) (*TokenProvider, error) {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	p := &TokenProvider{
		cc: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			// Twitch wants credentials in the POST body, not basic auth.
			AuthStyle: oauth2.AuthStyleInParams,
		},
		logger:  logger.With().Str("component", "token_provider").Logger(),
		refresh: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if err := p.fetch(ctx); err != nil {
		return nil, fmt.Errorf("initial token fetch: %w", err)
	}
	p.logger.Info().Time("expires_at", p.deadline()).Msg("Initial app token acquired")

	go p.refreshLoop()

	return p, nil
}

// Current returns the current token secret. The value may be expired
// if refreshes have been failing; callers observing an authentication
// failure call SignalRefresh instead of polling.
func (p *TokenProvider) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// SignalRefresh requests an immediate refresh. Edge-triggered: signals
// arriving while one is pending coalesce into a single fetch.
func (p *TokenProvider) SignalRefresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Stop terminates the refresh loop. The last-served token stays
// readable.
func (p *TokenProvider) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *TokenProvider) deadline() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.expiresAt
}

func (p *TokenProvider) refreshLoop() {
	defer close(p.done)
	defer monitoring.RecoverPanic(p.logger, "tokenRefreshLoop", nil)

	for {
		wait := time.Until(p.deadline().Add(-refreshGrace))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-timer.C:
		case <-p.refresh:
			timer.Stop()
			p.logger.Info().Msg("Immediate token refresh requested")
		case <-p.stop:
			timer.Stop()
			return
		}

		if !p.fetchWithRetries() {
			// Keep serving the stale token and try again later.
			p.logger.Error().
				Dur("retry_in", tokenFailureBackoff).
				Msg("Token refresh failed after retries, keeping stale token")
			select {
			case <-time.After(tokenFailureBackoff):
			case <-p.stop:
				return
			}
		}
	}
}

// fetchWithRetries attempts one refresh cycle: up to tokenRetryCount
// fetches spaced tokenRetryDelay apart.
func (p *TokenProvider) fetchWithRetries() bool {
	for attempt := 1; attempt <= tokenRetryCount; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), tokenFetchTimeout)
		err := p.fetch(ctx)
		cancel()

		if err == nil {
			monitoring.TokenRefreshes.WithLabelValues("success").Inc()
			p.logger.Info().Time("expires_at", p.deadline()).Msg("App token refreshed")
			return true
		}

		monitoring.TokenRefreshes.WithLabelValues("failure").Inc()
		p.logger.Warn().Err(err).Int("attempt", attempt).Msg("Token fetch failed")

		if attempt < tokenRetryCount {
			select {
			case <-time.After(tokenRetryDelay):
			case <-p.stop:
				return false
			}
		}
	}
	return false
}

// fetch performs one POST to the token endpoint and atomically
// replaces the stored token. Only the refresh loop and the constructor
// call it, so at most one fetch is in flight.
func (p *TokenProvider) fetch(ctx context.Context) error {
	tok, err := p.cc.Token(ctx)
	if err != nil {
		return err
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("token endpoint returned empty access_token")
	}

	expiresAt := tok.Expiry.Add(-tokenExpirySkew)
	if tok.Expiry.IsZero() {
		// No expires_in in the response; re-check daily rather than
		// spinning on an already-passed deadline.
		expiresAt = time.Now().Add(24 * time.Hour)
	}

	p.mu.Lock()
	p.token = tok.AccessToken
	p.expiresAt = expiresAt
	p.mu.Unlock()

	return nil
}
