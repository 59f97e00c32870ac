// Package irc is the line-protocol adapter: a TCP listener speaking the
// classic \r\n-framed command protocol, translating between wire frames and
// engine events.
package irc

import (
	"strings"
)

// MaxLineBytes bounds one inbound line, terminator included. A peer that
// sends more without a newline is protocol-broken and gets disconnected.
const MaxLineBytes = 4096

// Message is one parsed wire frame:
//
//	[@tags] [:prefix] COMMAND [params...] [:trailing]
type Message struct {
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string
}

// ParseLine decodes a single frame. The command comes back uppercased;
// a trailing parameter keeps its internal spaces. Empty input returns ok
// false and should be ignored by the caller.
func ParseLine(line string) (Message, bool) {
	line = strings.TrimRight(line, "\r\n")
	var m Message

	if strings.HasPrefix(line, "@") {
		rawTags, rest, found := strings.Cut(line[1:], " ")
		if !found {
			return m, false
		}
		m.Tags = parseTags(rawTags)
		line = rest
	}
	if strings.HasPrefix(line, ":") {
		prefix, rest, found := strings.Cut(line[1:], " ")
		if !found {
			return m, false
		}
		m.Prefix = prefix
		line = rest
	}

	line = strings.TrimLeft(line, " ")
	if line == "" {
		return m, false
	}

	head, trailing, hasTrailing := strings.Cut(line, " :")
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return m, false
	}
	m.Command = strings.ToUpper(fields[0])
	if len(fields) > 1 {
		m.Params = fields[1:]
	}
	if hasTrailing {
		m.Params = append(m.Params, trailing)
	}
	return m, true
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		tags[k] = v
	}
	return tags
}

// Param returns the i-th parameter or "" when absent.
func (m Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Trailing returns the last parameter or "".
func (m Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// scrub replaces frame terminators inside user-supplied text with spaces so
// interpolated values cannot inject extra frames.
func scrub(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}

// buildLine renders one outbound frame without the terminator. tags may be
// empty. The final param is always sent as trailing (colon-prefixed), so it
// may carry spaces or be empty.
func buildLine(tags, prefix, command string, params ...string) string {
	var b strings.Builder
	if tags != "" {
		b.WriteString("@")
		b.WriteString(tags)
		b.WriteString(" ")
	}
	if prefix != "" {
		b.WriteString(":")
		b.WriteString(prefix)
		b.WriteString(" ")
	}
	b.WriteString(command)
	for i, p := range params {
		b.WriteString(" ")
		if i == len(params)-1 {
			b.WriteString(":")
		}
		b.WriteString(scrub(p))
	}
	return b.String()
}
