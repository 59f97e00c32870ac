package irc

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"concord/server/internal/core"
	"concord/server/internal/protocol"
)

// dialTestServer wires a pipe to a fresh single-tenant server and returns
// the client side plus a line reader over it.
func dialTestServer(t *testing.T, motd []string) (*core.Engine, string, net.Conn, *bufio.Reader) {
	t.Helper()
	engine := core.NewEngine(nil)
	serverID, err := engine.EnsureDefaultServer(context.Background(), "concord")
	if err != nil {
		t.Fatalf("ensure default server: %v", err)
	}
	srv := NewServer(engine, serverID, "concord", motd)

	client, serverSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	go newConn(srv, serverSide).run(ctx)

	return engine, serverID, client, bufio.NewReader(client)
}

func send(t *testing.T, c net.Conn, lines ...string) {
	t.Helper()
	for _, line := range lines {
		c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.Write([]byte(line + "\r\n")); err != nil {
			t.Fatalf("write %q: %v", line, err)
		}
	}
}

func recvLine(t *testing.T, rd *bufio.Reader, c net.Conn) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// recvUntil reads frames until one contains marker, returning everything
// read in order.
func recvUntil(t *testing.T, rd *bufio.Reader, c net.Conn, marker string) []string {
	t.Helper()
	var lines []string
	for {
		line := recvLine(t, rd, c)
		lines = append(lines, line)
		if strings.Contains(line, marker) {
			return lines
		}
	}
}

func TestRegistrationWelcomeBurst(t *testing.T) {
	_, _, client, rd := dialTestServer(t, []string{"line one", "line two"})

	send(t, client, "NICK alice", "USER alice 0 * :Alice")
	lines := recvUntil(t, rd, client, " 376 ")

	wantOrder := []string{" 001 ", " 002 ", " 003 ", " 004 ", " 375 ", " 372 ", " 372 ", " 376 "}
	if len(lines) != len(wantOrder) {
		t.Fatalf("got %d frames, want %d: %q", len(lines), len(wantOrder), lines)
	}
	for i, code := range wantOrder {
		if !strings.Contains(lines[i], code) {
			t.Errorf("frame %d = %q, want numeric %q", i, lines[i], code)
		}
	}
	if !strings.Contains(lines[0], "alice") {
		t.Errorf("welcome does not address the nick: %q", lines[0])
	}
}

func TestRegistrationWithoutMotd(t *testing.T) {
	_, _, client, rd := dialTestServer(t, nil)
	send(t, client, "NICK alice", "USER alice 0 * :Alice")
	lines := recvUntil(t, rd, client, " 422 ")
	if len(lines) != 5 {
		t.Fatalf("got %q, want 001-004 then 422", lines)
	}
}

func TestUnknownCommandBeforeRegistration(t *testing.T) {
	_, _, client, rd := dialTestServer(t, nil)
	send(t, client, "WHOIS somebody")
	if line := recvLine(t, rd, client); !strings.Contains(line, " 451 ") {
		t.Fatalf("got %q, want 451", line)
	}
}

func TestCapNegotiationDelaysRegistration(t *testing.T) {
	engine, _, client, rd := dialTestServer(t, nil)

	send(t, client, "CAP LS 302")
	if line := recvLine(t, rd, client); !strings.Contains(line, "LS") ||
		!strings.Contains(line, "server-time") || !strings.Contains(line, "sasl") {
		t.Fatalf("CAP LS reply = %q", line)
	}

	send(t, client, "NICK alice", "USER alice 0 * :Alice")
	// Registration is held open until CAP END; the nickname must not be
	// live yet.
	if _, ok := engine.SessionByNick("alice"); ok {
		t.Fatal("session registered before CAP END")
	}

	send(t, client, "CAP REQ :server-time message-tags")
	if line := recvLine(t, rd, client); !strings.Contains(line, "ACK") {
		t.Fatalf("CAP REQ reply = %q", line)
	}

	send(t, client, "CAP END")
	recvUntil(t, rd, client, " 422 ")
	if _, ok := engine.SessionByNick("alice"); !ok {
		t.Fatal("session not registered after CAP END")
	}
}

func TestNegotiatedTagsOnDeliveredMessage(t *testing.T) {
	engine, serverID, client, rd := dialTestServer(t, nil)

	send(t, client, "CAP REQ :server-time message-tags")
	recvLine(t, rd, client) // CAP ACK
	send(t, client, "NICK alice", "USER alice 0 * :Alice", "CAP END")
	recvUntil(t, rd, client, " 422 ")

	send(t, client, "JOIN #general")
	recvUntil(t, rd, client, " 366 ")

	bobSID, _, err := engine.Connect("", "bob", protocol.ProtoFrame, "")
	if err != nil {
		t.Fatalf("connect bob: %v", err)
	}
	if err := engine.JoinChannel(bobSID, serverID, "#general"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	recvLine(t, rd, client) // bob's JOIN
	if _, err := engine.SendMessage(bobSID, serverID, "#general", "hi", ""); err != nil {
		t.Fatalf("bob send: %v", err)
	}

	line := recvLine(t, rd, client)
	if !strings.HasPrefix(line, "@time=") || !strings.Contains(line, "msgid=") ||
		!strings.Contains(line, ":bob!bob@concord PRIVMSG #general :hi") {
		t.Fatalf("delivered frame = %q", line)
	}
}

func TestJoinPrivmsgTopicFlow(t *testing.T) {
	engine, serverID, client, rd := dialTestServer(t, nil)
	send(t, client, "NICK alice", "USER alice 0 * :Alice")
	recvUntil(t, rd, client, " 422 ")

	send(t, client, "JOIN #general")
	lines := recvUntil(t, rd, client, " 366 ")
	if !strings.Contains(lines[0], "JOIN") || !strings.Contains(lines[0], "alice") {
		t.Fatalf("first frame after JOIN = %q, want own JOIN", lines[0])
	}

	send(t, client, "TOPIC #general :release day")
	if line := recvLine(t, rd, client); !strings.Contains(line, "TOPIC #general :release day") {
		t.Fatalf("topic broadcast = %q", line)
	}

	// The sender does not hear its own PRIVMSG back.
	send(t, client, "PRIVMSG #general :hello", "PING token")
	if line := recvLine(t, rd, client); !strings.Contains(line, "PONG") {
		t.Fatalf("got %q, want only the PONG", line)
	}

	// A second engine-side member receives it.
	bobSID, bobQ, err := engine.Connect("", "bob", protocol.ProtoFrame, "")
	if err != nil {
		t.Fatalf("connect bob: %v", err)
	}
	if err := engine.JoinChannel(bobSID, serverID, "#general"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	recvLine(t, rd, client) // bob's JOIN
	send(t, client, "PRIVMSG #general :for bob")
	waitEvent(t, bobQ, protocol.TypeMessage)
}

func TestPrivmsgToUnknownTargets(t *testing.T) {
	_, _, client, rd := dialTestServer(t, nil)
	send(t, client, "NICK alice", "USER alice 0 * :Alice")
	recvUntil(t, rd, client, " 422 ")

	send(t, client, "PRIVMSG #nowhere :hi")
	if line := recvLine(t, rd, client); !strings.Contains(line, " 403 ") {
		t.Fatalf("got %q, want 403", line)
	}
	send(t, client, "PRIVMSG ghost :hi")
	if line := recvLine(t, rd, client); !strings.Contains(line, " 401 ") {
		t.Fatalf("got %q, want 401", line)
	}
}

func TestOverlongLineClosesConnection(t *testing.T) {
	_, _, client, rd := dialTestServer(t, nil)

	go client.Write([]byte(strings.Repeat("a", MaxLineBytes+1000)))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := rd.ReadString('\n'); err == nil {
		t.Fatal("connection survived an unterminated overlong line")
	}
}

func TestNickRenameAndCollision(t *testing.T) {
	engine, _, client, rd := dialTestServer(t, nil)
	if _, _, err := engine.Connect("", "bob", protocol.ProtoFrame, ""); err != nil {
		t.Fatalf("connect bob: %v", err)
	}

	send(t, client, "NICK alice", "USER alice 0 * :Alice")
	recvUntil(t, rd, client, " 422 ")

	send(t, client, "NICK bob")
	if line := recvLine(t, rd, client); !strings.Contains(line, " 433 ") {
		t.Fatalf("got %q, want 433", line)
	}
	send(t, client, "NICK alicia")
	if line := recvLine(t, rd, client); !strings.Contains(line, "NICK :alicia") {
		t.Fatalf("got %q, want NICK broadcast", line)
	}
	if _, ok := engine.SessionByNick("alicia"); !ok {
		t.Fatal("rename not applied")
	}
}

func TestNickRenameDuringMessageStream(t *testing.T) {
	engine, serverID, client, rd := dialTestServer(t, nil)
	send(t, client, "NICK alice", "USER alice 0 * :Alice")
	recvUntil(t, rd, client, " 422 ")
	send(t, client, "JOIN #general")
	recvUntil(t, rd, client, " 366 ")

	bobSID, _, err := engine.Connect("", "bob", protocol.ProtoFrame, "")
	if err != nil {
		t.Fatalf("connect bob: %v", err)
	}
	if err := engine.JoinChannel(bobSID, serverID, "#general"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	recvLine(t, rd, client) // bob's JOIN

	// Bob keeps the writer loop busy translating events while the reader
	// goroutine applies renames. Both touch the connection's nickname.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 8; i++ {
			if _, err := engine.SendMessage(bobSID, serverID, "#general", "tick", ""); err != nil {
				t.Errorf("bob send %d: %v", i, err)
			}
		}
	}()
	send(t, client, "NICK alicia", "NICK alice2", "NICK alice")
	<-done

	var msgs, nicks int
	for msgs < 8 || nicks < 3 {
		switch line := recvLine(t, rd, client); {
		case strings.Contains(line, "PRIVMSG"):
			msgs++
		case strings.Contains(line, "NICK :"):
			nicks++
		default:
			t.Fatalf("unexpected frame %q", line)
		}
	}
	if _, ok := engine.SessionByNick("alice"); !ok {
		t.Fatal("final rename not applied")
	}
}

func waitEvent(t *testing.T, q *core.Queue, typ string) protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		ev, ok := q.Next(ctx)
		if !ok {
			t.Fatalf("queue closed waiting for %q", typ)
		}
		if ev.Type == typ {
			return ev
		}
	}
}
