package irc

import (
	"strings"
	"testing"
	"time"

	"concord/server/internal/protocol"
)

func TestTranslateMessageWithNegotiatedTags(t *testing.T) {
	ev := protocol.Event{
		Type:      protocol.TypeMessage,
		ID:        "abc123",
		Channel:   "#general",
		Target:    "#general",
		From:      "alice",
		Content:   "hi",
		Timestamp: time.Date(2025, 6, 1, 12, 30, 45, 120_000_000, time.UTC),
	}

	frames := translateEvent(ev, "bob", "concord", capSet{serverTime: true, messageTags: true})
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	want := "@time=2025-06-01T12:30:45.120Z;msgid=abc123 :alice!alice@concord PRIVMSG #general :hi"
	if frames[0] != want {
		t.Fatalf("frame = %q, want %q", frames[0], want)
	}

	// Without negotiated caps the same event carries no tag prefix.
	frames = translateEvent(ev, "bob", "concord", capSet{})
	if strings.HasPrefix(frames[0], "@") {
		t.Fatalf("frame has tags without caps: %q", frames[0])
	}
}

func TestTranslateMessageCTCPAction(t *testing.T) {
	ev := protocol.Event{
		Type: protocol.TypeMessage, Target: "#dev", From: "alice", Content: "/me waves",
	}
	frames := translateEvent(ev, "bob", "concord", capSet{})
	want := ":alice!alice@concord PRIVMSG #dev :\x01ACTION waves\x01"
	if len(frames) != 1 || frames[0] != want {
		t.Fatalf("frames = %q, want [%q]", frames, want)
	}
}

func TestTranslateMessageAttachmentsAsExtraFrames(t *testing.T) {
	ev := protocol.Event{
		Type: protocol.TypeMessage, Target: "#dev", From: "alice", Content: "look",
		Files: []string{"https://cdn.example/a.png", "https://cdn.example/b.png"},
	}
	frames := translateEvent(ev, "bob", "concord", capSet{})
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if !strings.HasSuffix(frames[1], ":https://cdn.example/a.png") ||
		!strings.HasSuffix(frames[2], ":https://cdn.example/b.png") {
		t.Fatalf("attachment frames wrong: %q", frames[1:])
	}
}

func TestTranslateJoinTopicNames(t *testing.T) {
	join := translateEvent(protocol.Event{
		Type: protocol.TypeJoin, Channel: "#dev", From: "charlie",
	}, "charlie", "concord", capSet{})
	if len(join) != 1 || join[0] != ":charlie!charlie@concord JOIN :#dev" {
		t.Fatalf("join = %q", join)
	}

	topic := translateEvent(protocol.Event{
		Type: protocol.TypeTopic, Channel: "#dev", Topic: "Welcome",
	}, "charlie", "concord", capSet{})
	if len(topic) != 1 || topic[0] != ":concord 332 charlie #dev :Welcome" {
		t.Fatalf("topic = %q", topic)
	}

	names := translateEvent(protocol.Event{
		Type: protocol.TypeNames, Channel: "#dev",
		Members: []protocol.Member{{Nick: "alice"}, {Nick: "charlie"}},
	}, "charlie", "concord", capSet{})
	if len(names) != 2 {
		t.Fatalf("names = %q", names)
	}
	if names[0] != ":concord 353 charlie = #dev :alice charlie" {
		t.Fatalf("names[0] = %q", names[0])
	}
	if !strings.HasPrefix(names[1], ":concord 366 charlie #dev") {
		t.Fatalf("names[1] = %q", names[1])
	}
}

func TestTranslateQuitPartNick(t *testing.T) {
	quit := translateEvent(protocol.Event{Type: protocol.TypeQuit, From: "alice"}, "bob", "concord", capSet{})
	if len(quit) != 1 || quit[0] != ":alice!alice@concord QUIT :Quit" {
		t.Fatalf("quit = %q", quit)
	}
	part := translateEvent(protocol.Event{
		Type: protocol.TypePart, Channel: "#dev", From: "alice", Reason: "bye",
	}, "bob", "concord", capSet{})
	if len(part) != 1 || part[0] != ":alice!alice@concord PART #dev :bye" {
		t.Fatalf("part = %q", part)
	}
	nick := translateEvent(protocol.Event{
		Type: protocol.TypeNickChange, OldNick: "alice", NewNick: "alicia",
	}, "bob", "concord", capSet{})
	if len(nick) != 1 || nick[0] != ":alice!alice@concord NICK :alicia" {
		t.Fatalf("nick = %q", nick)
	}
}

func TestTranslateUnrepresentableEventsProduceNoFrames(t *testing.T) {
	for _, typ := range []string{protocol.TypeAck, "typing", "reaction_add", "read_state"} {
		if frames := translateEvent(protocol.Event{Type: typ}, "bob", "concord", capSet{}); len(frames) != 0 {
			t.Errorf("event %q produced frames %q, want none", typ, frames)
		}
	}
}

func TestTranslateScrubsUserContent(t *testing.T) {
	frames := translateEvent(protocol.Event{
		Type: protocol.TypeMessage, Target: "#dev", From: "alice",
		Content: "sneaky\r\nQUIT :bye",
	}, "bob", "concord", capSet{})
	if strings.ContainsAny(frames[0], "\r\n") {
		t.Fatalf("frame contains terminator: %q", frames[0])
	}
}
