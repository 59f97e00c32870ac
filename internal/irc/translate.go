package irc

import (
	"strings"

	"concord/server/internal/protocol"
)

// capSet holds the capabilities a connection negotiated.
type capSet struct {
	serverTime  bool
	messageTags bool
	sasl        bool
}

func (c capSet) any() bool { return c.serverTime || c.messageTags }

// userPrefix renders the :nick!nick@host prefix for user-originated frames.
func userPrefix(nick, serverName string) string {
	return nick + "!" + nick + "@" + serverName
}

// translateEvent maps one domain event to zero or more wire frames (without
// terminators). viewer is the receiving connection's nickname; events with
// no representation in this protocol yield nil.
func translateEvent(ev protocol.Event, viewer, serverName string, caps capSet) []string {
	switch ev.Type {
	case protocol.TypeMessage:
		return translateMessage(ev, serverName, caps)

	case protocol.TypeJoin:
		return []string{buildLine("", userPrefix(ev.From, serverName), "JOIN", ev.Channel)}

	case protocol.TypePart:
		if ev.Reason != "" {
			return []string{buildLine("", userPrefix(ev.From, serverName), "PART", ev.Channel, ev.Reason)}
		}
		return []string{buildLine("", userPrefix(ev.From, serverName), "PART", ev.Channel)}

	case protocol.TypeQuit:
		reason := ev.Reason
		if reason == "" {
			reason = "Quit"
		}
		return []string{buildLine("", userPrefix(ev.From, serverName), "QUIT", reason)}

	case protocol.TypeTopic:
		if ev.Topic == "" {
			return []string{buildLine("", serverName, rplNoTopic, viewer, ev.Channel, "No topic is set")}
		}
		return []string{buildLine("", serverName, rplTopic, viewer, ev.Channel, ev.Topic)}

	case protocol.TypeTopicChange:
		return []string{buildLine("", userPrefix(ev.SetBy, serverName), "TOPIC", ev.Channel, ev.Topic)}

	case protocol.TypeNames:
		nicks := make([]string, 0, len(ev.Members))
		for _, m := range ev.Members {
			nicks = append(nicks, m.Nick)
		}
		return []string{
			buildLine("", serverName, rplNamReply, viewer, "=", ev.Channel, strings.Join(nicks, " ")),
			buildLine("", serverName, rplEndOfNames, viewer, ev.Channel, "End of /NAMES list"),
		}

	case protocol.TypeNickChange:
		return []string{buildLine("", userPrefix(ev.OldNick, serverName), "NICK", ev.NewNick)}

	case protocol.TypeNotice:
		return []string{buildLine("", serverName, "NOTICE", viewer, ev.Content)}

	case protocol.TypeInvite:
		return []string{buildLine("", userPrefix(ev.From, serverName), "INVITE", viewer, ev.Channel)}

	case protocol.TypeError:
		return []string{buildLine("", serverName, "NOTICE", viewer, ev.Error)}
	}

	// Everything else (acks, typing indicators, rich list responses) has no
	// line-protocol representation.
	return nil
}

func translateMessage(ev protocol.Event, serverName string, caps capSet) []string {
	target := ev.Target
	if target == "" {
		target = ev.Channel
	}

	var tags string
	if caps.any() {
		var parts []string
		if caps.serverTime && !ev.Timestamp.IsZero() {
			parts = append(parts, "time="+ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"))
		}
		if caps.messageTags && ev.ID != "" {
			parts = append(parts, "msgid="+ev.ID)
		}
		tags = strings.Join(parts, ";")
	}

	content := ev.Content
	if rest, ok := strings.CutPrefix(content, "/me "); ok {
		content = "\x01ACTION " + rest + "\x01"
	}

	prefix := userPrefix(ev.From, serverName)
	frames := []string{buildLine(tags, prefix, "PRIVMSG", target, content)}
	for _, url := range ev.Files {
		frames = append(frames, buildLine(tags, prefix, "PRIVMSG", target, url))
	}
	return frames
}
