package twitch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Message is one parsed IRC line: optional @tags, optional :prefix, a
// command (word or three-digit numeric), middle params, and an
// optional trailing param introduced by " :".
type Message struct {
	Tags     map[string]string
	Prefix   string
	Command  string
	Params   []string
	Trailing string
}

// ParseLine parses one IRC line (without its CRLF terminator).
func ParseLine(line string) (Message, error) {
	var msg Message
	rest := line

	if strings.HasPrefix(rest, "@") {
		end := strings.Index(rest, " ")
		if end < 0 {
			return msg, fmt.Errorf("irc: tags without command: %q", line)
		}
		msg.Tags = parseTags(rest[1:end])
		rest = strings.TrimLeft(rest[end+1:], " ")
	}

	if strings.HasPrefix(rest, ":") {
		end := strings.Index(rest, " ")
		if end < 0 {
			return msg, fmt.Errorf("irc: prefix without command: %q", line)
		}
		msg.Prefix = rest[1:end]
		rest = strings.TrimLeft(rest[end+1:], " ")
	}

	if trail := strings.Index(rest, " :"); trail >= 0 {
		msg.Trailing = rest[trail+2:]
		rest = rest[:trail]
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return msg, fmt.Errorf("irc: missing command: %q", line)
	}
	msg.Command = fields[0]
	msg.Params = fields[1:]

	return msg, nil
}

// parseTags splits "a=1;b=2" into a map, undoing IRCv3 value escapes
// (\: \s \\ \r \n).
func parseTags(block string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(block, ";") {
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			tags[key] = ""
			continue
		}
		tags[key] = unescapeTagValue(value)
	}
	return tags
}

func unescapeTagValue(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i == len(v)-1 {
			b.WriteByte(v[i])
			continue
		}
		i++
		switch v[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

// Nick returns the nick portion of the prefix ("nick!user@host").
func (m Message) Nick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	return nick
}

// Param returns the i-th middle param or "".
func (m Message) Param(i int) string {
	if i < len(m.Params) {
		return m.Params[i]
	}
	return ""
}

// ChatMessage is the parsed form of one PRIVMSG, delivered to every
// lobby subscribed to the channel.
type ChatMessage struct {
	Channel           string
	SenderLogin       string
	SenderDisplayName string
	SenderUserID      string
	Text              string
	Badges            []string
	IsModerator       bool
	IsSubscriber      bool
	MessageID         string
	RawTags           map[string]string
	Timestamp         time.Time
}

// ChatFromMessage extracts a chat message when m is a PRIVMSG addressed
// to the given channel (lowercase, no '#'). The second return reports
// whether the line qualified.
func ChatFromMessage(m Message, channel string) (ChatMessage, bool) {
	if m.Command != "PRIVMSG" {
		return ChatMessage{}, false
	}
	target := strings.ToLower(strings.TrimPrefix(m.Param(0), "#"))
	if target != channel {
		return ChatMessage{}, false
	}

	login := m.Nick()
	display := m.Tags["display-name"]
	if display == "" {
		display = login
	}

	var badges []string
	if raw := m.Tags["badges"]; raw != "" {
		badges = strings.Split(raw, ",")
	}

	chat := ChatMessage{
		Channel:           channel,
		SenderLogin:       login,
		SenderDisplayName: display,
		SenderUserID:      m.Tags["user-id"],
		Text:              CleanMessageText(m.Trailing),
		Badges:            badges,
		IsModerator:       m.Tags["mod"] == "1" || hasBadge(badges, "broadcaster"),
		IsSubscriber:      m.Tags["subscriber"] == "1",
		MessageID:         m.Tags["id"],
		RawTags:           m.Tags,
		Timestamp:         chatTimestamp(m.Tags),
	}
	return chat, true
}

func hasBadge(badges []string, name string) bool {
	for _, b := range badges {
		if b == name || strings.HasPrefix(b, name+"/") {
			return true
		}
	}
	return false
}

// chatTimestamp prefers Twitch's tmi-sent-ts tag (milliseconds since
// epoch) over local receive time.
func chatTimestamp(tags map[string]string) time.Time {
	if ts := tags["tmi-sent-ts"]; ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return time.Now()
}

// CleanMessageText trims ASCII whitespace from both ends, then strips
// from the end every control character, Unicode space, zero-width
// character (U+200B/C/D), variation selector U+FE0F, and anything in
// the Unicode Tags block U+E0000..U+E007F. Twitch clients append these
// to defeat duplicate-message detection.
func CleanMessageText(s string) string {
	s = strings.Trim(s, " \t\r\n\v\f")
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r == utf8.RuneError && size <= 1 {
			break
		}
		if !isStrippableTrailing(r) {
			break
		}
		s = s[:len(s)-size]
	}
	return s
}

func isStrippableTrailing(r rune) bool {
	switch {
	case unicode.IsControl(r), unicode.IsSpace(r):
		return true
	case r == '​', r == '‌', r == '‍', r == '️':
		return true
	case r >= 0xE0000 && r <= 0xE007F:
		return true
	}
	return false
}

// authFailureTexts are the NOTICE bodies Twitch sends for credential
// problems; any other NOTICE is informational.
var authFailureTexts = []string{
	"Login authentication failed",
	"Improperly formatted auth",
	"Invalid NICK",
}

func isAuthFailureNotice(m Message) bool {
	if m.Command != "NOTICE" {
		return false
	}
	for _, t := range authFailureTexts {
		if strings.Contains(m.Trailing, t) {
			return true
		}
	}
	return false
}
