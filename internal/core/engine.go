// Package core is the protocol-agnostic chat engine: the session registry,
// the tenant/channel graph, broadcast fan-out, rate limiting and the public
// operations both wire adapters drive.
//
// Locking: sessions and the nickname index live under sessMu; servers,
// channels and the name index under graphMu. Operations snapshot what they
// need under one lock, release it, then touch the other — the two are never
// held together. Enqueueing to a session queue never blocks, so fan-out is
// safe under a read lock.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"concord/server/internal/protocol"
	"concord/server/internal/ratelimit"
	"concord/server/internal/store"
	"concord/server/internal/validate"
)

// Message limiter parameters: per nickname, burst 10 refilling 1/s.
// Disconnect and rename forget their buckets eagerly; limiterIdleAfter is
// the backstop for anything that slipped past, swept on connect.
const (
	messageBurst     = 10
	messageRefill    = 1.0
	limiterIdleAfter = 10 * time.Minute
)

type session struct {
	id     string
	nick   string
	userID string
	avatar string
	proto  protocol.Proto
	queue  *Queue
}

type server struct {
	id       string
	name     string
	ownerID  string
	icon     string
	members  map[string]struct{} // user ids
	channels map[string]struct{} // channel ids
}

type channel struct {
	id         string
	serverID   string
	name       string
	topic      string
	topicSetBy string
	topicSetAt time.Time
	members    map[string]struct{} // session ids
	persisted  bool
}

type chanKey struct {
	serverID string
	name     string
}

// Engine is the authoritative in-memory chat state.
type Engine struct {
	st      *store.Store // nil = no persistence configured
	metrics *Metrics

	// connectMu serializes Connect so nickname displacement fully tears
	// down the old session before the new one becomes visible.
	connectMu sync.Mutex

	sessMu   sync.RWMutex
	sessions map[string]*session
	nicks    map[string]string // nickname → session id

	graphMu   sync.RWMutex
	servers   map[string]*server
	channels  map[string]*channel
	chanNames map[chanKey]string // (server id, channel name) → channel id

	msgLimiter *ratelimit.Keyed
}

// NewEngine returns an empty engine. st may be nil for a purely in-memory
// instance (tests, ephemeral servers).
func NewEngine(st *store.Store) *Engine {
	return &Engine{
		st:         st,
		metrics:    newMetrics(),
		sessions:   make(map[string]*session),
		nicks:      make(map[string]string),
		servers:    make(map[string]*server),
		channels:   make(map[string]*channel),
		chanNames:  make(map[chanKey]string),
		msgLimiter: ratelimit.NewKeyed(messageBurst, messageRefill),
	}
}

// Store exposes the persistence handle for collaborators running their own
// queries. The engine never reads state it holds in memory through it.
func (e *Engine) Store() *store.Store { return e.st }

// Metrics exposes the engine's Prometheus registry.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// LoadState rebuilds the in-memory graph from the store. Called once during
// startup, before any connection is accepted.
func (e *Engine) LoadState(ctx context.Context) error {
	if e.st == nil {
		return nil
	}
	rows, err := e.st.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("load servers: %w", err)
	}

	e.graphMu.Lock()
	defer e.graphMu.Unlock()

	// Install servers first, collecting ids, then walk the collected slice
	// to attach channels: attaching mutates the server records, so the
	// server map must not be mid-iteration.
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		members, err := e.st.ListServerMembers(ctx, row.ID)
		if err != nil {
			return fmt.Errorf("load members of %s: %w", row.ID, err)
		}
		sv := &server{
			id:       row.ID,
			name:     row.Name,
			ownerID:  row.OwnerID,
			icon:     row.Icon,
			members:  make(map[string]struct{}, len(members)),
			channels: make(map[string]struct{}),
		}
		for _, m := range members {
			sv.members[m] = struct{}{}
		}
		e.servers[row.ID] = sv
		ids = append(ids, row.ID)
	}

	for _, serverID := range ids {
		chans, err := e.st.ListChannels(ctx, serverID)
		if err != nil {
			return fmt.Errorf("load channels of %s: %w", serverID, err)
		}
		sv := e.servers[serverID]
		for _, row := range chans {
			ch := &channel{
				id:         row.ID,
				serverID:   row.ServerID,
				name:       row.Name,
				topic:      row.Topic,
				topicSetBy: row.TopicSetBy,
				topicSetAt: row.TopicSetAt,
				members:    make(map[string]struct{}),
				persisted:  true,
			}
			e.channels[ch.id] = ch
			e.chanNames[chanKey{serverID, ch.name}] = ch.id
			sv.channels[ch.id] = struct{}{}
		}
	}
	slog.Info("state loaded", "servers", len(e.servers), "channels", len(e.channels))
	return nil
}

// Connect registers a live session. If the nickname is already bound, the
// older session is fully disconnected (maps updated, Quit events fanned out)
// before the new one is installed. Returns the session id and the consumer
// side of its outbound queue.
func (e *Engine) Connect(userID, nick string, proto protocol.Proto, avatar string) (string, *Queue, error) {
	if err := validate.Nickname(nick); err != nil {
		e.metrics.rejections.WithLabelValues("connect").Inc()
		return "", nil, err
	}

	e.connectMu.Lock()
	defer e.connectMu.Unlock()

	e.msgLimiter.Prune(limiterIdleAfter)

	e.sessMu.RLock()
	oldID, displaced := e.nicks[nick]
	e.sessMu.RUnlock()
	if displaced {
		slog.Info("displacing stale session", "nick", nick, "session", oldID)
		e.Disconnect(oldID)
	}

	s := &session{
		id:     uuid.NewString(),
		nick:   nick,
		userID: userID,
		avatar: avatar,
		proto:  proto,
		queue:  newQueue(),
	}
	e.sessMu.Lock()
	e.sessions[s.id] = s
	e.nicks[nick] = s.id
	e.sessMu.Unlock()

	e.metrics.sessions.Inc()
	slog.Debug("session connected", "nick", nick, "session", s.id, "proto", proto)
	return s.id, s.queue, nil
}

// Disconnect tears down a session: removes it from the registry and every
// channel member set, then fans a Quit out to everyone who shared a channel
// with it. Always completes; unknown ids are a no-op.
func (e *Engine) Disconnect(sessionID string) {
	e.sessMu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		e.sessMu.Unlock()
		return
	}
	delete(e.sessions, sessionID)
	if e.nicks[s.nick] == sessionID {
		delete(e.nicks, s.nick)
	}
	e.sessMu.Unlock()

	e.msgLimiter.Forget(s.nick)

	// Remove from every channel the session was in; membership maps must be
	// consistent before any Quit is observable.
	witnesses := make(map[string]struct{})
	e.graphMu.Lock()
	for _, ch := range e.channels {
		if _, member := ch.members[sessionID]; !member {
			continue
		}
		delete(ch.members, sessionID)
		for sid := range ch.members {
			witnesses[sid] = struct{}{}
		}
		e.maybeEvictLocked(ch)
	}
	e.graphMu.Unlock()

	quit := protocol.Event{Type: protocol.TypeQuit, From: s.nick}
	for sid := range witnesses {
		e.sendToSession(sid, quit)
	}

	s.queue.Close()
	e.metrics.sessions.Dec()
	slog.Debug("session disconnected", "nick", s.nick, "session", sessionID)
}

// RenameNick rebinds a session to a new nickname and notifies every session
// sharing a channel with it (plus the session itself).
func (e *Engine) RenameNick(sessionID, newNick string) error {
	if err := validate.Nickname(newNick); err != nil {
		e.metrics.rejections.WithLabelValues("nick").Inc()
		return err
	}

	e.sessMu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		e.sessMu.Unlock()
		return fmt.Errorf("unknown session")
	}
	if takenBy, taken := e.nicks[newNick]; taken && takenBy != sessionID {
		e.sessMu.Unlock()
		e.metrics.rejections.WithLabelValues("nick").Inc()
		return fmt.Errorf("nickname in use")
	}
	oldNick := s.nick
	delete(e.nicks, oldNick)
	e.nicks[newNick] = sessionID
	s.nick = newNick
	e.sessMu.Unlock()

	e.msgLimiter.Forget(oldNick)

	recipients := e.channelPeers(sessionID)
	recipients[sessionID] = struct{}{}
	ev := protocol.Event{Type: protocol.TypeNickChange, OldNick: oldNick, NewNick: newNick}
	for sid := range recipients {
		e.sendToSession(sid, ev)
	}
	return nil
}

// SessionByNick resolves a live nickname to its session id.
func (e *Engine) SessionByNick(nick string) (string, bool) {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	id, ok := e.nicks[nick]
	return id, ok
}

// SessionInfo returns the nickname and bound user identity of a session.
func (e *Engine) SessionInfo(sessionID string) (nick, userID string, ok bool) {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return "", "", false
	}
	return s.nick, s.userID, true
}

// NotifySession delivers a single event to one session's queue.
func (e *Engine) NotifySession(sessionID string, ev protocol.Event) bool {
	return e.sendToSession(sessionID, ev)
}

// channelPeers returns the set of session ids sharing at least one channel
// with sessionID (excluding sessionID itself).
func (e *Engine) channelPeers(sessionID string) map[string]struct{} {
	peers := make(map[string]struct{})
	e.graphMu.RLock()
	for _, ch := range e.channels {
		if _, member := ch.members[sessionID]; !member {
			continue
		}
		for sid := range ch.members {
			if sid != sessionID {
				peers[sid] = struct{}{}
			}
		}
	}
	e.graphMu.RUnlock()
	return peers
}

// ChannelsOfSession returns the wire names of every channel the session is
// currently joined to.
func (e *Engine) ChannelsOfSession(sessionID string) []string {
	var names []string
	e.graphMu.RLock()
	for _, ch := range e.channels {
		if _, member := ch.members[sessionID]; member {
			names = append(names, ch.name)
		}
	}
	e.graphMu.RUnlock()
	return names
}

// sendToSession enqueues ev on one session's queue. Drops with a warning if
// the session is gone or its queue is closed.
func (e *Engine) sendToSession(sessionID string, ev protocol.Event) bool {
	e.sessMu.RLock()
	s, ok := e.sessions[sessionID]
	e.sessMu.RUnlock()
	if !ok || !s.queue.push(ev) {
		e.metrics.eventsDropped.Inc()
		slog.Warn("event dropped, session queue gone", "session", sessionID, "type", ev.Type)
		return false
	}
	return true
}

// broadcastChannel fans ev out to every member of a channel, minus exclude
// (pass "" to include everyone). Enqueue order equals observation order on
// each recipient queue.
func (e *Engine) broadcastChannel(channelID string, ev protocol.Event, exclude string) {
	e.graphMu.RLock()
	ch, ok := e.channels[channelID]
	if !ok {
		e.graphMu.RUnlock()
		return
	}
	members := make([]string, 0, len(ch.members))
	for sid := range ch.members {
		if sid != exclude {
			members = append(members, sid)
		}
	}
	e.graphMu.RUnlock()

	for _, sid := range members {
		e.sendToSession(sid, ev)
	}
}
