package game

import "sort"

// scoreEntry is one scoreboard row.
type scoreEntry struct {
	Player string `json:"player"`
	Points int    `json:"points"`
}

// scoreboard tracks points per Twitch login, remembering the display
// name that last scored so the board shows names, not logins.
type scoreboard struct {
	points map[string]int
	names  map[string]string
}

func newScoreboard() *scoreboard {
	return &scoreboard{
		points: make(map[string]int),
		names:  make(map[string]string),
	}
}

// Award adds points for login and returns the new total.
func (b *scoreboard) Award(login, displayName string, points int) int {
	b.names[login] = displayName
	b.points[login] += points
	return b.points[login]
}

// Reset clears all points (names are kept).
func (b *scoreboard) Reset() {
	b.points = make(map[string]int)
}

// Entries returns the board ordered by points descending, names
// ascending as the tie break.
func (b *scoreboard) Entries() []scoreEntry {
	entries := make([]scoreEntry, 0, len(b.points))
	for login, points := range b.points {
		name := b.names[login]
		if name == "" {
			name = login
		}
		entries = append(entries, scoreEntry{Player: name, Points: points})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Points != entries[j].Points {
			return entries[i].Points > entries[j].Points
		}
		return entries[i].Player < entries[j].Player
	})
	return entries
}
