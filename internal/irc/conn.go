package irc

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"concord/server/internal/core"
	"concord/server/internal/protocol"
	"concord/server/internal/ratelimit"
)

// IdleTimeout is the hard deadline between inbound reads.
const IdleTimeout = 300 * time.Second

// Per-connection command bucket. Registration commands pass through it too,
// which throttles password probing.
const (
	commandBurst  = 10
	commandRefill = 2.0
)

var errLineTooLong = errors.New("line exceeds maximum length")

type conn struct {
	srv *Server
	nc  net.Conn
	rd  *bufio.Reader

	wmu sync.Mutex // one frame at a time on the wire

	limiter *ratelimit.Bucket
	caps    capSet

	// Registration state. A connection registers once it has a nickname,
	// has seen USER, finished any CAP negotiation, and any presented
	// password validated.
	registered     bool
	capNegotiating bool
	saslPending    bool
	userSeen       bool
	pass           string
	userID         string

	// nick is written by NICK on the reader goroutine and read by the
	// writer loop and the async command goroutines.
	nickMu sync.Mutex
	nick   string

	sessionID string
	queue     *core.Queue
	cancel    context.CancelFunc
}

func newConn(srv *Server, nc net.Conn) *conn {
	return &conn{
		srv:     srv,
		nc:      nc,
		rd:      bufio.NewReaderSize(nc, MaxLineBytes),
		limiter: ratelimit.NewBucket(commandBurst, commandRefill),
	}
}

func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer c.teardown()

	for {
		line, err := c.readLine()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				slog.Warn("closing protocol-broken connection", "remote", c.nc.RemoteAddr())
			}
			return
		}
		msg, ok := ParseLine(line)
		if !ok {
			continue
		}
		if !c.limiter.Allow() {
			slog.Warn("command dropped by rate limit", "remote", c.nc.RemoteAddr(), "command", msg.Command)
			continue
		}

		if !c.registered {
			if closed := c.handlePreReg(ctx, msg); closed {
				return
			}
			continue
		}
		if closed := c.handleCommand(ctx, msg); closed {
			return
		}
	}
}

// readLine returns one line without its terminator. A line that overflows
// the buffer without a newline is a protocol violation.
func (c *conn) readLine() (string, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(IdleTimeout)); err != nil {
		return "", err
	}
	raw, err := c.rd.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", errLineTooLong
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (c *conn) nickname() string {
	c.nickMu.Lock()
	defer c.nickMu.Unlock()
	return c.nick
}

func (c *conn) setNickname(nick string) {
	c.nickMu.Lock()
	c.nick = nick
	c.nickMu.Unlock()
}

func (c *conn) teardown() {
	c.cancel()
	if c.sessionID != "" {
		c.srv.engine.Disconnect(c.sessionID)
	}
	c.nc.Close()
}

// writeLine appends the terminator and writes one frame.
func (c *conn) writeLine(line string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if _, err := c.nc.Write([]byte(line + "\r\n")); err != nil {
		slog.Debug("write failed", "remote", c.nc.RemoteAddr(), "err", err)
	}
}

// numeric writes a server-originated numeric reply addressed to this
// connection's nickname ("*" before one is set).
func (c *conn) numeric(code string, params ...string) {
	target := c.nickname()
	if target == "" {
		target = "*"
	}
	c.writeLine(buildLine("", c.srv.name, code, append([]string{target}, params...)...))
}

// handlePreReg drives the unregistered state machine. Returns true when the
// connection must close.
func (c *conn) handlePreReg(ctx context.Context, msg Message) bool {
	switch msg.Command {
	case "CAP":
		c.handleCap(msg)
	case "PASS":
		if len(msg.Params) == 0 {
			c.numeric(errNeedMoreParams, "PASS", "Not enough parameters")
			return false
		}
		c.pass = msg.Param(0)
	case "NICK":
		if len(msg.Params) == 0 {
			c.numeric(errNoNicknameGiven, "No nickname given")
			return false
		}
		c.setNickname(msg.Param(0))
	case "USER":
		if len(msg.Params) < 4 {
			c.numeric(errNeedMoreParams, "USER", "Not enough parameters")
			return false
		}
		c.userSeen = true
	case "AUTHENTICATE":
		return c.handleAuthenticate(ctx, msg)
	case "PING":
		c.writeLine(buildLine("", c.srv.name, "PONG", c.srv.name, msg.Param(0)))
	case "QUIT":
		return true
	default:
		c.numeric(errNotRegistered, "You have not registered")
		return false
	}
	return c.tryRegister(ctx)
}

func (c *conn) handleCap(msg Message) {
	const offered = "server-time message-tags sasl"
	sub := strings.ToUpper(msg.Param(0))
	switch sub {
	case "LS":
		c.capNegotiating = true
		c.writeLine(buildLine("", c.srv.name, "CAP", "*", "LS", offered))
	case "REQ":
		c.capNegotiating = true
		requested := strings.Fields(msg.Trailing())
		granted := capSet{}
		for _, name := range requested {
			switch name {
			case "server-time":
				granted.serverTime = true
			case "message-tags":
				granted.messageTags = true
			case "sasl":
				granted.sasl = true
			default:
				c.writeLine(buildLine("", c.srv.name, "CAP", "*", "NAK", msg.Trailing()))
				return
			}
		}
		c.caps.serverTime = c.caps.serverTime || granted.serverTime
		c.caps.messageTags = c.caps.messageTags || granted.messageTags
		c.caps.sasl = c.caps.sasl || granted.sasl
		c.writeLine(buildLine("", c.srv.name, "CAP", "*", "ACK", msg.Trailing()))
	case "END":
		c.capNegotiating = false
	}
}

// handleAuthenticate implements the SASL PLAIN exchange. Returns true when
// the connection must close.
func (c *conn) handleAuthenticate(ctx context.Context, msg Message) bool {
	arg := msg.Param(0)
	switch {
	case arg == "*":
		c.saslPending = false
		c.numeric(errSaslAborted, "SASL authentication aborted")
	case !c.caps.sasl:
		c.numeric(errSaslFail, "SASL authentication failed")
	case strings.EqualFold(arg, "PLAIN"):
		c.saslPending = true
		c.writeLine("AUTHENTICATE +")
	case c.saslPending:
		c.saslPending = false
		decoded, err := base64.StdEncoding.DecodeString(arg)
		if err != nil {
			c.numeric(errSaslFail, "SASL authentication failed")
			return false
		}
		parts := strings.Split(string(decoded), "\x00")
		if len(parts) != 3 {
			c.numeric(errSaslFail, "SASL authentication failed")
			return false
		}
		nick, password := parts[1], parts[2]
		st := c.srv.engine.Store()
		if st == nil {
			c.numeric(errSaslFail, "SASL authentication failed")
			return false
		}
		tokenID, userID, err := st.VerifyIRCToken(ctx, nick, password)
		if err != nil {
			c.numeric(errSaslFail, "SASL authentication failed")
			return false
		}
		c.userID = userID
		if c.nickname() == "" {
			c.setNickname(nick)
		}
		st.Async("touch token", func(ctx context.Context) error {
			return st.TouchIRCToken(ctx, tokenID)
		})
		me := c.nickname()
		c.numeric(rplLoggedIn, me+"!"+me+"@"+c.srv.name, me, "You are now logged in as "+me)
		c.numeric(rplSaslSuccess, "SASL authentication successful")
	default:
		c.numeric(errSaslFail, "SASL authentication failed")
	}
	return false
}

// tryRegister completes registration once every precondition holds. Returns
// true when the connection must close (bad password).
func (c *conn) tryRegister(ctx context.Context) bool {
	nick := c.nickname()
	if c.registered || c.capNegotiating || nick == "" || !c.userSeen {
		return false
	}

	// PASS carries a bearer token scoped to the nickname. SASL may already
	// have bound an identity; a stale PASS is then ignored.
	if c.pass != "" && c.userID == "" {
		st := c.srv.engine.Store()
		if st == nil {
			c.numeric(errPasswdMismatch, "Password incorrect")
			return true
		}
		tokenID, userID, err := st.VerifyIRCToken(ctx, nick, c.pass)
		if err != nil {
			c.numeric(errPasswdMismatch, "Password incorrect")
			return true
		}
		c.userID = userID
		st.Async("touch token", func(ctx context.Context) error {
			return st.TouchIRCToken(ctx, tokenID)
		})
	}
	c.pass = ""

	sessionID, queue, err := c.srv.engine.Connect(c.userID, nick, protocol.ProtoLine, "")
	if err != nil {
		c.numeric(errErroneousNickname, nick, "Erroneous nickname")
		return true
	}
	c.sessionID = sessionID
	c.queue = queue
	c.registered = true

	go c.writerLoop(ctx)
	c.welcome()
	return false
}

func (c *conn) welcome() {
	c.numeric(rplWelcome, "Welcome to "+c.srv.name+", "+c.nickname())
	c.numeric(rplYourHost, "Your host is "+c.srv.name)
	c.numeric(rplCreated, "This server was created "+c.srv.started.UTC().Format(time.RFC1123))
	c.numeric(rplMyInfo, c.srv.name, serverVersion, "", "")
	c.sendMotd()
}

func (c *conn) sendMotd() {
	if len(c.srv.motd) == 0 {
		c.numeric(errNoMotd, "MOTD File is missing")
		return
	}
	c.numeric(rplMotdStart, "- "+c.srv.name+" Message of the day -")
	for _, line := range c.srv.motd {
		c.numeric(rplMotd, "- "+line)
	}
	c.numeric(rplEndOfMotd, "End of /MOTD command")
}

// writerLoop drains the session's outbound queue onto the wire until the
// queue closes or the connection context is cancelled.
func (c *conn) writerLoop(ctx context.Context) {
	for {
		ev, ok := c.queue.Next(ctx)
		if !ok {
			return
		}
		for _, frame := range translateEvent(ev, c.nickname(), c.srv.name, c.caps) {
			c.writeLine(frame)
		}
	}
}

// notify pushes a server notice straight onto this connection's queue.
func (c *conn) notify(text string) {
	c.srv.engine.NotifySession(c.sessionID, protocol.Event{
		Type:    protocol.TypeNotice,
		Content: text,
	})
}
