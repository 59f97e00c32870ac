package irc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"concord/server/internal/core"
)

const serverVersion = "concord-0.1"

// Server accepts line-protocol connections and binds each one to the
// engine's default tenant.
type Server struct {
	engine   *core.Engine
	serverID string // default tenant every connection lands in
	name     string // display name used in frame prefixes
	motd     []string
	started  time.Time

	ln net.Listener
}

// NewServer wires a listener-less server. serverID must name an existing
// tenant (see Engine.EnsureDefaultServer).
func NewServer(engine *core.Engine, serverID, name string, motd []string) *Server {
	return &Server{
		engine:   engine,
		serverID: serverID,
		name:     name,
		motd:     motd,
		started:  time.Now(),
	}
}

// ListenAndServe accepts connections on addr until ctx is cancelled. Each
// connection gets a reader goroutine; live connections drain on their own
// timeouts after shutdown begins.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("irc listen on %s: %w", addr, err)
	}
	s.ln = ln
	slog.Info("irc listening", "addr", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("accept failed", "err", err)
			continue
		}
		slog.Debug("irc connection", "remote", nc.RemoteAddr())
		go newConn(s, nc).run(ctx)
	}
}
