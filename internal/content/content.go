// Package content loads the JSON content pack: the Twitch channel
// allow-list consumed by the lobby manager and the question packs
// consumed by the quiz engine. An unset source falls back to built-in
// defaults so the server runs without any pack on disk.
package content

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Question is one quiz prompt with its accepted answers.
type Question struct {
	Prompt  string   `json:"prompt"`
	Answers []string `json:"answers"`
	Points  int      `json:"points,omitempty"`
}

// Pack is a named set of questions.
type Pack struct {
	Name      string     `json:"name"`
	Questions []Question `json:"questions"`
}

type packFile struct {
	AllowedChannels []string `json:"allowed_channels"`
	QuizPacks       []Pack   `json:"quiz_packs"`
}

// Store holds the loaded content. Reload swaps the whole pack
// atomically; readers always see a consistent snapshot.
type Store struct {
	source string
	logger zerolog.Logger

	mu      sync.RWMutex
	allowed map[string]struct{} // lowercased; empty = unrestricted
	packs   []Pack
}

// Load reads the pack at source. An empty source yields the built-in
// defaults; a set source that fails to load is an error (a configured
// pack that silently falls back would mask a deploy mistake).
func Load(source string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		source: source,
		logger: logger.With().Str("component", "content").Logger(),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the configured source and swaps the snapshot.
func (s *Store) Reload() error {
	if s.source == "" {
		s.install(nil, defaultPacks())
		s.logger.Info().Msg("No content source configured, using built-in defaults")
		return nil
	}

	data, err := os.ReadFile(s.source)
	if err != nil {
		return fmt.Errorf("read content pack %s: %w", s.source, err)
	}

	var pf packFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse content pack %s: %w", s.source, err)
	}
	for _, p := range pf.QuizPacks {
		if len(p.Questions) == 0 {
			return fmt.Errorf("content pack %s: quiz pack %q has no questions", s.source, p.Name)
		}
	}

	packs := pf.QuizPacks
	if len(packs) == 0 {
		packs = defaultPacks()
	}
	s.install(pf.AllowedChannels, packs)

	s.logger.Info().
		Str("source", s.source).
		Int("allowed_channels", len(pf.AllowedChannels)).
		Int("quiz_packs", len(packs)).
		Msg("Content pack loaded")
	return nil
}

func (s *Store) install(allowed []string, packs []Pack) {
	set := make(map[string]struct{}, len(allowed))
	for _, c := range allowed {
		c = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(c, "#")))
		if c != "" {
			set[c] = struct{}{}
		}
	}

	s.mu.Lock()
	s.allowed = set
	s.packs = packs
	s.mu.Unlock()
}

// ChannelAllowed reports whether a lobby may subscribe to channel. An
// empty allow-list permits every channel.
func (s *Store) ChannelAllowed(channel string) bool {
	channel = strings.ToLower(strings.TrimPrefix(channel, "#"))

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[channel]
	return ok
}

// QuizPacks returns the current question packs. Callers must not
// mutate the returned slice.
func (s *Store) QuizPacks() []Pack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packs
}

// defaultPacks is the built-in question set used when no pack is
// configured or the configured pack carries no questions.
func defaultPacks() []Pack {
	return []Pack{{
		Name: "general",
		Questions: []Question{
			{Prompt: "What is the capital of France?", Answers: []string{"paris"}},
			{Prompt: "How many continents are there?", Answers: []string{"7", "seven"}},
			{Prompt: "What year did the first human land on the Moon?", Answers: []string{"1969"}},
			{Prompt: "What is the chemical symbol for gold?", Answers: []string{"au"}},
			{Prompt: "Which planet is known as the Red Planet?", Answers: []string{"mars"}},
		},
	}}
}
