// Package validate holds the input checks that run before any engine state
// mutation. All functions are pure: they inspect their argument and return
// either nil or an error carrying a short human-readable reason.
package validate

import (
	"fmt"
	"strings"
	"unicode"
)

// Limits for user-supplied identifiers and content.
const (
	MaxNickLength        = 32
	MinChannelNameLength = 2
	MaxChannelNameLength = 50
	MaxServerNameLength  = 100
	MaxMessageBytes      = 2000
	MaxTopicLength       = 500
)

// Nickname checks a nickname: 1..32 characters, each Unicode letter, digit,
// '_' or '-'. Control characters, whitespace, punctuation and emoji are all
// rejected.
func Nickname(nick string) error {
	if nick == "" {
		return fmt.Errorf("nickname must not be empty")
	}
	runes := []rune(nick)
	if len(runes) > MaxNickLength {
		return fmt.Errorf("nickname must not exceed %d characters", MaxNickLength)
	}
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			continue
		}
		return fmt.Errorf("nickname contains invalid character %q", r)
	}
	return nil
}

// NormalizeChannelName lowercases name and prepends '#' if absent. It does
// not validate; callers run ChannelName on the result.
func NormalizeChannelName(name string) string {
	name = strings.ToLower(name)
	if !strings.HasPrefix(name, "#") {
		name = "#" + name
	}
	return name
}

// ChannelName checks an already-normalized channel name: 2..50 characters
// and no spaces.
func ChannelName(name string) error {
	runes := []rune(name)
	if len(runes) < MinChannelNameLength {
		return fmt.Errorf("channel name too short")
	}
	if len(runes) > MaxChannelNameLength {
		return fmt.Errorf("channel name must not exceed %d characters", MaxChannelNameLength)
	}
	if strings.ContainsRune(name, ' ') {
		return fmt.Errorf("channel name must not contain spaces")
	}
	return nil
}

// ServerName trims name and checks the result is 1..100 characters. The
// trimmed value is returned so callers store what was validated.
func ServerName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("server name must not be empty")
	}
	if len([]rune(name)) > MaxServerNameLength {
		return "", fmt.Errorf("server name must not exceed %d characters", MaxServerNameLength)
	}
	return name, nil
}

// MessageContent checks a message body: 1..2000 bytes, and not blank after
// trimming.
func MessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message must not be empty")
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("message must not exceed %d bytes", MaxMessageBytes)
	}
	return nil
}

// Topic checks a channel topic. The empty string is valid and clears the
// topic.
func Topic(topic string) error {
	if len([]rune(topic)) > MaxTopicLength {
		return fmt.Errorf("topic must not exceed %d characters", MaxTopicLength)
	}
	return nil
}
