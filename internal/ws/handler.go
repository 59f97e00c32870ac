// Package ws is the frame-JSON adapter: one JSON object per websocket
// message, engine events serialized as-is on the way out.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"concord/server/internal/core"
	"concord/server/internal/protocol"
)

const writeTimeout = 5 * time.Second

// Frame is one inbound client request. Type selects the operation; the
// other fields are populated per type.
type Frame struct {
	Type     string `json:"type"`
	Nick     string `json:"nick,omitempty"`      // hello
	ServerID string `json:"server_id,omitempty"` // hello: tenant override
	Channel  string `json:"channel,omitempty"`
	Target   string `json:"target,omitempty"` // send: channel name or nick
	Content  string `json:"content,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`
	Topic    string `json:"topic,omitempty"`
	NewNick  string `json:"new_nick,omitempty"`
	Before   string `json:"before,omitempty"` // history: RFC 3339 cursor
	Limit    int    `json:"limit,omitempty"`
	TS       int64  `json:"ts,omitempty"` // ping echo
}

// Inbound frame types. Outbound frames are protocol.Event plus the reply
// envelopes below.
const (
	frameHello   = "hello"
	framePing    = "ping"
	frameJoin    = "join"
	framePart    = "part"
	frameSend    = "send"
	frameTopic   = "topic"
	frameNames   = "names"
	frameList    = "list"
	frameHistory = "history"
	frameSearch  = "search"
	frameNick    = "nick"
)

// reply is an adapter-level response that is not a domain event: pongs,
// history pages, channel lists and errors.
type reply struct {
	Type     string                     `json:"type"`
	TS       int64                      `json:"ts,omitempty"`
	Channel  string                     `json:"channel,omitempty"`
	Messages []protocol.HistoryMessage  `json:"messages,omitempty"`
	HasMore  bool                       `json:"has_more,omitempty"`
	Channels []protocol.ChannelSnapshot `json:"channels,omitempty"`
	Members  []protocol.Member          `json:"members,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

const defaultHistoryLimit = 50

// wsConn serializes writes to one websocket connection. The queue-fed
// writer goroutine and the read loop's direct replies both go through it;
// the underlying connection supports only one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Handler owns websocket transport for the engine.
type Handler struct {
	engine          *core.Engine
	defaultServerID string
	upgrader        websocket.Upgrader
}

// NewHandler creates a websocket handler. Connections that send no tenant
// in their hello land in defaultServerID.
func NewHandler(engine *core.Engine, defaultServerID string) *Handler {
	return &Handler{
		engine:          engine,
		defaultServerID: defaultServerID,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn)
	return nil
}

func (h *Handler) serveConn(ctx context.Context, raw *websocket.Conn) {
	defer raw.Close()

	_ = raw.SetReadDeadline(time.Time{})
	raw.SetReadLimit(1 << 20)
	conn := &wsConn{conn: raw}

	var hello Frame
	if err := raw.ReadJSON(&hello); err != nil {
		return
	}
	if hello.Type != frameHello {
		h.writeError(conn, "first frame must be hello")
		return
	}
	serverID := hello.ServerID
	if serverID == "" {
		serverID = h.defaultServerID
	}

	sessionID, queue, err := h.engine.Connect("", hello.Nick, protocol.ProtoFrame, "")
	if err != nil {
		h.writeError(conn, err.Error())
		return
	}
	defer h.engine.Disconnect(sessionID)

	go func() {
		for {
			ev, ok := queue.Next(ctx)
			if !ok {
				return
			}
			if err := conn.writeJSON(ev); err != nil {
				return
			}
		}
	}()

	for {
		var in Frame
		if err := raw.ReadJSON(&in); err != nil {
			return
		}
		h.handleInbound(ctx, conn, sessionID, serverID, in)
	}
}

// handleInbound runs one client request. Errors come back as JSON error
// frames on the same connection and never close it.
func (h *Handler) handleInbound(ctx context.Context, conn *wsConn, sessionID, serverID string, in Frame) {
	switch in.Type {
	case framePing:
		h.writeReply(conn, reply{Type: "pong", TS: in.TS})

	case frameJoin:
		if err := h.engine.JoinChannel(sessionID, serverID, in.Channel); err != nil {
			h.sendError(sessionID, err.Error())
		}

	case framePart:
		if err := h.engine.PartChannel(sessionID, serverID, in.Channel, in.Content); err != nil {
			h.sendError(sessionID, err.Error())
		}

	case frameSend:
		ev, err := h.engine.SendMessage(sessionID, serverID, in.Target, in.Content, in.ReplyTo)
		if err != nil {
			h.sendError(sessionID, err.Error())
			return
		}
		// The sender is excluded from the broadcast; the ack carries the
		// assigned id and timestamp back instead.
		ack := ev
		ack.Type = protocol.TypeAck
		h.engine.NotifySession(sessionID, ack)

	case frameTopic:
		if err := h.engine.SetTopic(sessionID, serverID, in.Channel, in.Topic); err != nil {
			h.sendError(sessionID, err.Error())
		}

	case frameNames:
		members, err := h.engine.Members(serverID, in.Channel)
		if err != nil {
			h.sendError(sessionID, err.Error())
			return
		}
		h.writeReply(conn, reply{Type: "names", Channel: in.Channel, Members: members})

	case frameList:
		h.writeReply(conn, reply{Type: "list", Channels: h.engine.ListChannels(serverID)})

	case frameHistory:
		var before time.Time
		if in.Before != "" {
			parsed, err := time.Parse(time.RFC3339, in.Before)
			if err != nil {
				h.sendError(sessionID, "invalid history cursor")
				return
			}
			before = parsed
		}
		limit := in.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		msgs, hasMore, err := h.engine.FetchHistory(ctx, serverID, in.Channel, before, limit)
		if err != nil {
			h.sendError(sessionID, err.Error())
			return
		}
		h.writeReply(conn, reply{Type: "history", Channel: in.Channel, Messages: msgs, HasMore: hasMore})

	case frameSearch:
		msgs, err := h.engine.SearchMessages(ctx, serverID, in.Content, in.Limit)
		if err != nil {
			h.sendError(sessionID, err.Error())
			return
		}
		h.writeReply(conn, reply{Type: "search", Messages: msgs})

	case frameNick:
		if err := h.engine.RenameNick(sessionID, in.NewNick); err != nil {
			h.sendError(sessionID, err.Error())
		}

	default:
		h.sendError(sessionID, "unsupported frame type")
	}
}

func (h *Handler) sendError(sessionID, errMsg string) {
	h.engine.NotifySession(sessionID, protocol.Event{Type: protocol.TypeError, Error: errMsg})
}

func (h *Handler) writeReply(conn *wsConn, r reply) {
	_ = conn.writeJSON(r)
}

func (h *Handler) writeError(conn *wsConn, errMsg string) {
	_ = conn.writeJSON(reply{Type: "error", Error: errMsg})
}
