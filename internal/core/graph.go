package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"

	"concord/server/internal/permission"
	"concord/server/internal/protocol"
	"concord/server/internal/store"
	"concord/server/internal/validate"
)

// DefaultChannelName is materialized in every new server.
const DefaultChannelName = "#general"

// CreateServer allocates a new tenant with its default channel. Persistence
// is awaited: the in-memory records appear only after the rows are durable.
func (e *Engine) CreateServer(ctx context.Context, name, ownerUserID, icon string) (string, error) {
	name, err := validate.ServerName(name)
	if err != nil {
		e.metrics.rejections.WithLabelValues("create_server").Inc()
		return "", err
	}

	serverID := uuid.NewString()
	channelID := uuid.NewString()
	if e.st != nil {
		err := e.st.CreateServer(ctx,
			store.ServerRow{ID: serverID, Name: name, OwnerID: ownerUserID, Icon: icon},
			store.ChannelRow{ID: channelID, ServerID: serverID, Name: DefaultChannelName})
		if err != nil {
			return "", fmt.Errorf("persist server: %w", err)
		}
	}

	sv := &server{
		id:       serverID,
		name:     name,
		ownerID:  ownerUserID,
		icon:     icon,
		members:  make(map[string]struct{}),
		channels: make(map[string]struct{}),
	}
	if ownerUserID != "" {
		sv.members[ownerUserID] = struct{}{}
	}
	ch := &channel{
		id:        channelID,
		serverID:  serverID,
		name:      DefaultChannelName,
		members:   make(map[string]struct{}),
		persisted: true,
	}

	e.graphMu.Lock()
	e.servers[serverID] = sv
	e.channels[channelID] = ch
	e.chanNames[chanKey{serverID, DefaultChannelName}] = channelID
	sv.channels[channelID] = struct{}{}
	e.graphMu.Unlock()

	return serverID, nil
}

// DeleteServer removes a tenant and every channel in it, then persists the
// deletion (the store cascades members, roles, bans and invites).
func (e *Engine) DeleteServer(ctx context.Context, serverID string) error {
	e.graphMu.Lock()
	sv, ok := e.servers[serverID]
	if !ok {
		e.graphMu.Unlock()
		return fmt.Errorf("unknown server")
	}
	for chID := range sv.channels {
		if ch, ok := e.channels[chID]; ok {
			delete(e.chanNames, chanKey{serverID, ch.name})
			delete(e.channels, chID)
		}
	}
	delete(e.servers, serverID)
	e.graphMu.Unlock()

	if e.st != nil {
		if err := e.st.DeleteServer(ctx, serverID); err != nil {
			return fmt.Errorf("persist server deletion: %w", err)
		}
	}
	return nil
}

// JoinServer records a user identity as a member of a server.
func (e *Engine) JoinServer(serverID, userID string) error {
	if userID == "" {
		return fmt.Errorf("user identity required")
	}
	e.graphMu.Lock()
	sv, ok := e.servers[serverID]
	if !ok {
		e.graphMu.Unlock()
		return fmt.Errorf("unknown server")
	}
	sv.members[userID] = struct{}{}
	e.graphMu.Unlock()

	if e.st != nil {
		e.st.Async("add server member", func(ctx context.Context) error {
			return e.st.AddServerMember(ctx, serverID, userID)
		})
	}
	return nil
}

// LeaveServer removes a user identity from a server's member set.
func (e *Engine) LeaveServer(serverID, userID string) error {
	e.graphMu.Lock()
	sv, ok := e.servers[serverID]
	if !ok {
		e.graphMu.Unlock()
		return fmt.Errorf("unknown server")
	}
	delete(sv.members, userID)
	e.graphMu.Unlock()

	if e.st != nil {
		e.st.Async("remove server member", func(ctx context.Context) error {
			return e.st.RemoveServerMember(ctx, serverID, userID)
		})
	}
	return nil
}

// EnsureDefaultServer returns the id of the server with the given display
// name, creating it (with no owner) if absent. The line adapter binds every
// connection to this tenant.
func (e *Engine) EnsureDefaultServer(ctx context.Context, name string) (string, error) {
	e.graphMu.RLock()
	for id, sv := range e.servers {
		if sv.name == name {
			e.graphMu.RUnlock()
			return id, nil
		}
	}
	e.graphMu.RUnlock()
	return e.CreateServer(ctx, name, "", "")
}

// CreateChannel explicitly creates a channel. The row is persisted before
// the in-memory insert, so callers observe only durable channels.
func (e *Engine) CreateChannel(ctx context.Context, serverID, name string) (string, error) {
	name = validate.NormalizeChannelName(name)
	if err := validate.ChannelName(name); err != nil {
		e.metrics.rejections.WithLabelValues("create_channel").Inc()
		return "", err
	}

	e.graphMu.RLock()
	_, serverOK := e.servers[serverID]
	_, nameTaken := e.chanNames[chanKey{serverID, name}]
	e.graphMu.RUnlock()
	if !serverOK {
		return "", fmt.Errorf("unknown server")
	}
	if nameTaken {
		e.metrics.rejections.WithLabelValues("create_channel").Inc()
		return "", fmt.Errorf("channel already exists")
	}

	channelID := uuid.NewString()
	if e.st != nil {
		if err := e.st.CreateChannel(ctx, store.ChannelRow{ID: channelID, ServerID: serverID, Name: name}); err != nil {
			return "", fmt.Errorf("persist channel: %w", err)
		}
	}

	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	sv, ok := e.servers[serverID]
	if !ok {
		return "", fmt.Errorf("unknown server")
	}
	if _, taken := e.chanNames[chanKey{serverID, name}]; taken {
		// Lost a race to a concurrent create; the persisted row is the
		// canonical one either way.
		return e.chanNames[chanKey{serverID, name}], nil
	}
	ch := &channel{
		id:        channelID,
		serverID:  serverID,
		name:      name,
		members:   make(map[string]struct{}),
		persisted: true,
	}
	e.channels[channelID] = ch
	e.chanNames[chanKey{serverID, name}] = channelID
	sv.channels[channelID] = struct{}{}
	return channelID, nil
}

// DeleteChannel removes a channel from its server and persists the removal.
func (e *Engine) DeleteChannel(ctx context.Context, serverID, name string) error {
	name = validate.NormalizeChannelName(name)

	e.graphMu.Lock()
	chID, ok := e.chanNames[chanKey{serverID, name}]
	if !ok {
		e.graphMu.Unlock()
		return fmt.Errorf("no such channel")
	}
	delete(e.chanNames, chanKey{serverID, name})
	delete(e.channels, chID)
	if sv, ok := e.servers[serverID]; ok {
		delete(sv.channels, chID)
	}
	e.graphMu.Unlock()

	if e.st != nil {
		if err := e.st.DeleteChannel(ctx, chID); err != nil {
			return fmt.Errorf("persist channel deletion: %w", err)
		}
	}
	return nil
}

// JoinChannel adds a session to a channel, creating the channel on demand.
// The joiner receives the Join broadcast too, followed by the channel topic
// (when set) and the member list.
func (e *Engine) JoinChannel(sessionID, serverID, name string) error {
	name = validate.NormalizeChannelName(name)
	if err := validate.ChannelName(name); err != nil {
		e.metrics.rejections.WithLabelValues("join").Inc()
		return err
	}

	nick, _, ok := e.SessionInfo(sessionID)
	if !ok {
		return fmt.Errorf("unknown session")
	}
	avatar := e.sessionAvatar(sessionID)

	e.graphMu.Lock()
	sv, serverOK := e.servers[serverID]
	if !serverOK {
		e.graphMu.Unlock()
		return fmt.Errorf("unknown server")
	}
	chID, exists := e.chanNames[chanKey{serverID, name}]
	var implicit bool
	if !exists {
		chID = uuid.NewString()
		e.channels[chID] = &channel{
			id:       chID,
			serverID: serverID,
			name:     name,
			members:  make(map[string]struct{}),
		}
		e.chanNames[chanKey{serverID, name}] = chID
		sv.channels[chID] = struct{}{}
		implicit = true
	}
	ch := e.channels[chID]
	ch.members[sessionID] = struct{}{}
	topic := ch.topic
	memberIDs := make([]string, 0, len(ch.members))
	for sid := range ch.members {
		memberIDs = append(memberIDs, sid)
	}
	e.graphMu.Unlock()

	if implicit && e.st != nil {
		// Best-effort persistence; the in-memory channel id stays
		// authoritative for this process lifetime either way.
		e.st.Async("ensure channel", func(ctx context.Context) error {
			_, err := e.st.EnsureChannel(ctx, store.ChannelRow{ID: chID, ServerID: serverID, Name: name})
			if err == nil {
				e.markChannelPersisted(chID)
			}
			return err
		})
	}

	e.broadcastChannel(chID, protocol.Event{
		Type:     protocol.TypeJoin,
		ServerID: serverID,
		Channel:  name,
		From:     nick,
		Avatar:   avatar,
	}, "")

	if topic != "" {
		e.sendToSession(sessionID, protocol.Event{
			Type:     protocol.TypeTopic,
			ServerID: serverID,
			Channel:  name,
			Topic:    topic,
		})
	}
	e.sendToSession(sessionID, protocol.Event{
		Type:     protocol.TypeNames,
		ServerID: serverID,
		Channel:  name,
		Members:  e.memberSnapshots(memberIDs),
	})
	return nil
}

// PartChannel removes a session from a channel. The parting session hears
// its own Part first, then the remaining members do. An implicitly created,
// never-persisted channel is evicted when its last member parts.
func (e *Engine) PartChannel(sessionID, serverID, name, reason string) error {
	name = validate.NormalizeChannelName(name)
	nick, _, ok := e.SessionInfo(sessionID)
	if !ok {
		return fmt.Errorf("unknown session")
	}

	e.graphMu.Lock()
	chID, found := e.chanNames[chanKey{serverID, name}]
	if !found {
		e.graphMu.Unlock()
		return fmt.Errorf("no such channel")
	}
	ch := e.channels[chID]
	if _, member := ch.members[sessionID]; !member {
		e.graphMu.Unlock()
		e.metrics.rejections.WithLabelValues("part").Inc()
		return fmt.Errorf("not in channel")
	}
	delete(ch.members, sessionID)
	e.maybeEvictLocked(ch)
	e.graphMu.Unlock()

	ev := protocol.Event{
		Type:     protocol.TypePart,
		ServerID: serverID,
		Channel:  name,
		From:     nick,
		Reason:   reason,
	}
	e.sendToSession(sessionID, ev)
	e.broadcastChannel(chID, ev, sessionID)
	return nil
}

// maybeEvictLocked drops an empty, never-persisted channel from the graph.
// Caller holds graphMu for writing.
func (e *Engine) maybeEvictLocked(ch *channel) {
	if len(ch.members) > 0 || ch.persisted {
		return
	}
	delete(e.channels, ch.id)
	delete(e.chanNames, chanKey{ch.serverID, ch.name})
	if sv, ok := e.servers[ch.serverID]; ok {
		delete(sv.channels, ch.id)
	}
}

func (e *Engine) markChannelPersisted(channelID string) {
	e.graphMu.Lock()
	if ch, ok := e.channels[channelID]; ok {
		ch.persisted = true
	}
	e.graphMu.Unlock()
}

// SendMessage routes a message to a channel (target starts with '#') or to
// a live nickname. Channel messages are broadcast to every member except
// the sender; the composed event is returned so adapters can acknowledge.
func (e *Engine) SendMessage(sessionID, serverID, target, content, replyTo string) (protocol.Event, error) {
	if err := validate.MessageContent(content); err != nil {
		e.metrics.rejections.WithLabelValues("send").Inc()
		return protocol.Event{}, err
	}
	nick, userID, ok := e.SessionInfo(sessionID)
	if !ok {
		return protocol.Event{}, fmt.Errorf("unknown session")
	}
	if !e.msgLimiter.Allow(nick) {
		e.metrics.rejections.WithLabelValues("send").Inc()
		return protocol.Event{}, fmt.Errorf("rate limit exceeded")
	}

	ev := protocol.Event{
		Type:      protocol.TypeMessage,
		ID:        shortuuid.New(),
		ServerID:  serverID,
		From:      nick,
		Avatar:    e.sessionAvatar(sessionID),
		Content:   content,
		ReplyTo:   replyTo,
		Timestamp: time.Now().UTC(),
	}

	if strings.HasPrefix(target, "#") {
		name := validate.NormalizeChannelName(target)
		ev.Target = name
		ev.Channel = name

		e.graphMu.RLock()
		chID, found := e.chanNames[chanKey{serverID, name}]
		var member bool
		if found {
			_, member = e.channels[chID].members[sessionID]
		}
		e.graphMu.RUnlock()
		if !found {
			e.metrics.rejections.WithLabelValues("send").Inc()
			return protocol.Event{}, fmt.Errorf("no such channel")
		}
		if !member {
			e.metrics.rejections.WithLabelValues("send").Inc()
			return protocol.Event{}, fmt.Errorf("not in channel")
		}

		if e.st != nil {
			row := store.MessageRow{
				ID:         ev.ID,
				ServerID:   serverID,
				ChannelID:  chID,
				SenderID:   userID,
				SenderNick: nick,
				Content:    content,
				ReplyTo:    replyTo,
				CreatedAt:  ev.Timestamp,
			}
			e.st.Async("save message", func(ctx context.Context) error {
				return e.st.SaveMessage(ctx, row)
			})
		}
		e.broadcastChannel(chID, ev, sessionID)
		e.metrics.messages.WithLabelValues("channel").Inc()
		return ev, nil
	}

	// Direct message: target is a live nickname.
	ev.Target = target
	targetSID, found := e.SessionByNick(target)
	if !found {
		e.metrics.rejections.WithLabelValues("send").Inc()
		return protocol.Event{}, fmt.Errorf("no such nick")
	}
	if e.st != nil {
		_, targetUser, _ := e.SessionInfo(targetSID)
		recipient := targetUser
		if recipient == "" {
			recipient = target
		}
		row := store.MessageRow{
			ID:          ev.ID,
			RecipientID: recipient,
			SenderID:    userID,
			SenderNick:  nick,
			Content:     content,
			ReplyTo:     replyTo,
			CreatedAt:   ev.Timestamp,
		}
		e.st.Async("save direct message", func(ctx context.Context) error {
			return e.st.SaveMessage(ctx, row)
		})
	}
	e.sendToSession(targetSID, ev)
	e.metrics.messages.WithLabelValues("direct").Inc()
	return ev, nil
}

// SetTopic updates a channel topic and broadcasts the change to every
// member, the setter included.
func (e *Engine) SetTopic(sessionID, serverID, name, topic string) error {
	if err := validate.Topic(topic); err != nil {
		e.metrics.rejections.WithLabelValues("topic").Inc()
		return err
	}
	name = validate.NormalizeChannelName(name)
	nick, _, ok := e.SessionInfo(sessionID)
	if !ok {
		return fmt.Errorf("unknown session")
	}

	e.graphMu.Lock()
	chID, found := e.chanNames[chanKey{serverID, name}]
	if !found {
		e.graphMu.Unlock()
		return fmt.Errorf("no such channel")
	}
	ch := e.channels[chID]
	if _, member := ch.members[sessionID]; !member {
		e.graphMu.Unlock()
		e.metrics.rejections.WithLabelValues("topic").Inc()
		return fmt.Errorf("not in channel")
	}
	now := time.Now().UTC()
	ch.topic = topic
	ch.topicSetBy = nick
	ch.topicSetAt = now
	e.graphMu.Unlock()

	if e.st != nil {
		e.st.Async("set topic", func(ctx context.Context) error {
			return e.st.SetChannelTopic(ctx, chID, topic, nick, now)
		})
	}

	e.broadcastChannel(chID, protocol.Event{
		Type:     protocol.TypeTopicChange,
		ServerID: serverID,
		Channel:  name,
		SetBy:    nick,
		Topic:    topic,
	}, "")
	return nil
}

// Topic returns the current topic of a channel ("" when unset).
func (e *Engine) Topic(serverID, name string) (string, error) {
	name = validate.NormalizeChannelName(name)
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	chID, found := e.chanNames[chanKey{serverID, name}]
	if !found {
		return "", fmt.Errorf("no such channel")
	}
	return e.channels[chID].topic, nil
}

// FetchHistory returns up to limit persisted messages from a channel,
// newest first, older than before (zero = latest). Without a store it
// returns an empty page.
func (e *Engine) FetchHistory(ctx context.Context, serverID, name string, before time.Time, limit int) ([]protocol.HistoryMessage, bool, error) {
	name = validate.NormalizeChannelName(name)
	e.graphMu.RLock()
	chID, found := e.chanNames[chanKey{serverID, name}]
	e.graphMu.RUnlock()
	if !found {
		return nil, false, fmt.Errorf("no such channel")
	}
	if e.st == nil {
		return nil, false, nil
	}
	return e.st.History(ctx, chID, before, limit)
}

// SearchMessages runs a full-text query over a server's persisted messages.
// Hit channel ids are translated back to wire names where still known.
func (e *Engine) SearchMessages(ctx context.Context, serverID, query string, limit int) ([]protocol.HistoryMessage, error) {
	if e.st == nil {
		return nil, nil
	}
	hits, err := e.st.SearchMessages(ctx, serverID, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.HistoryMessage, 0, len(hits))
	for _, h := range hits {
		out = append(out, protocol.HistoryMessage{
			ID:        h.ID,
			From:      h.From,
			Content:   h.Content,
			CreatedAt: h.CreatedAt,
		})
	}
	return out, nil
}

// ListChannels returns a read-only projection of every in-memory channel of
// a server, sorted by name.
func (e *Engine) ListChannels(serverID string) []protocol.ChannelSnapshot {
	e.graphMu.RLock()
	out := make([]protocol.ChannelSnapshot, 0)
	for _, ch := range e.channels {
		if ch.serverID != serverID {
			continue
		}
		out = append(out, protocol.ChannelSnapshot{
			ID:          ch.id,
			Name:        ch.name,
			Topic:       ch.topic,
			MemberCount: len(ch.members),
		})
	}
	e.graphMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Members returns the nickname/avatar of every session in a channel.
func (e *Engine) Members(serverID, name string) ([]protocol.Member, error) {
	name = validate.NormalizeChannelName(name)
	e.graphMu.RLock()
	chID, found := e.chanNames[chanKey{serverID, name}]
	if !found {
		e.graphMu.RUnlock()
		return nil, fmt.Errorf("no such channel")
	}
	ch := e.channels[chID]
	memberIDs := make([]string, 0, len(ch.members))
	for sid := range ch.members {
		memberIDs = append(memberIDs, sid)
	}
	e.graphMu.RUnlock()

	return e.memberSnapshots(memberIDs), nil
}

// PermissionsFor computes a user's effective permission bits in a channel,
// loading role grants and overrides from the store. Anonymous users and
// storeless engines fall back to the default everyone profile.
func (e *Engine) PermissionsFor(ctx context.Context, serverID, name, userID string) (permission.Bits, error) {
	e.graphMu.RLock()
	sv, serverOK := e.servers[serverID]
	var isOwner bool
	if serverOK {
		isOwner = userID != "" && sv.ownerID == userID
	}
	chID := e.chanNames[chanKey{serverID, validate.NormalizeChannelName(name)}]
	e.graphMu.RUnlock()
	if !serverOK {
		return 0, fmt.Errorf("unknown server")
	}
	if isOwner {
		return permission.All, nil
	}
	if e.st == nil {
		return permission.DefaultEveryone, nil
	}

	base, everyoneRoleID, roles, err := e.st.RolesForMember(ctx, serverID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return permission.DefaultEveryone, nil
	}
	if err != nil {
		return 0, err
	}
	var overrides []permission.Override
	if chID != "" {
		overrides, err = e.st.ChannelOverrides(ctx, chID)
		if err != nil {
			return 0, err
		}
	}
	return permission.Evaluate(base, roles, overrides, everyoneRoleID, userID, false), nil
}

// ServerOwner returns the owning user identity of a server.
func (e *Engine) ServerOwner(serverID string) (string, bool) {
	e.graphMu.RLock()
	defer e.graphMu.RUnlock()
	sv, ok := e.servers[serverID]
	if !ok {
		return "", false
	}
	return sv.ownerID, true
}

func (e *Engine) sessionAvatar(sessionID string) string {
	e.sessMu.RLock()
	defer e.sessMu.RUnlock()
	if s, ok := e.sessions[sessionID]; ok {
		return s.avatar
	}
	return ""
}

// memberSnapshots maps session ids to Member records, skipping ids whose
// session vanished between snapshot and lookup, sorted by nickname.
func (e *Engine) memberSnapshots(sessionIDs []string) []protocol.Member {
	out := make([]protocol.Member, 0, len(sessionIDs))
	e.sessMu.RLock()
	for _, sid := range sessionIDs {
		if s, ok := e.sessions[sid]; ok {
			out = append(out, protocol.Member{Nick: s.nick, Avatar: s.avatar})
		}
	}
	e.sessMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out
}
