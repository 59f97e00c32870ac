package irc

import (
	"context"
	"strconv"
	"strings"

	"concord/server/internal/permission"
	"concord/server/internal/protocol"
)

// handleCommand dispatches one post-registration command. Returns true when
// the connection must close.
func (c *conn) handleCommand(ctx context.Context, msg Message) bool {
	switch msg.Command {
	case "JOIN":
		c.cmdJoin(msg)
	case "PART":
		c.cmdPart(msg)
	case "PRIVMSG":
		c.cmdPrivmsg(msg)
	case "TOPIC":
		c.cmdTopic(msg)
	case "NAMES":
		c.cmdNames(msg)
	case "LIST":
		c.cmdList()
	case "NICK":
		c.cmdNick(msg)
	case "MODE":
		// Accepted silently; channel modes have no engine counterpart.
	case "PING":
		c.writeLine(buildLine("", c.srv.name, "PONG", c.srv.name, msg.Param(0)))
	case "PONG":
	case "MOTD":
		c.sendMotd()
	case "QUIT":
		return true

	// These read persisted state; run off the reader goroutine so a slow
	// query cannot stall inbound command processing.
	case "KICK":
		go c.cmdKick(ctx, msg)
	case "AWAY":
		go c.cmdAway(ctx, msg)
	case "INVITE":
		go c.cmdInvite(ctx, msg)
	case "WHOIS":
		go c.cmdWhois(ctx, msg)

	default:
		c.numeric(errUnknownCommand, msg.Command, "Unknown command")
	}
	return false
}

func (c *conn) cmdJoin(msg Message) {
	if len(msg.Params) == 0 {
		c.numeric(errNeedMoreParams, "JOIN", "Not enough parameters")
		return
	}
	for _, name := range strings.Split(msg.Param(0), ",") {
		if err := c.srv.engine.JoinChannel(c.sessionID, c.srv.serverID, name); err != nil {
			c.numeric(errNoSuchChannel, name, err.Error())
		}
	}
}

func (c *conn) cmdPart(msg Message) {
	if len(msg.Params) == 0 {
		c.numeric(errNeedMoreParams, "PART", "Not enough parameters")
		return
	}
	reason := ""
	if len(msg.Params) > 1 {
		reason = msg.Trailing()
	}
	for _, name := range strings.Split(msg.Param(0), ",") {
		err := c.srv.engine.PartChannel(c.sessionID, c.srv.serverID, name, reason)
		switch {
		case err == nil:
		case err.Error() == "not in channel":
			c.numeric(errNotOnChannel, name, "You're not on that channel")
		default:
			c.numeric(errNoSuchChannel, name, err.Error())
		}
	}
}

func (c *conn) cmdPrivmsg(msg Message) {
	if len(msg.Params) < 2 {
		c.numeric(errNeedMoreParams, "PRIVMSG", "Not enough parameters")
		return
	}
	target, content := msg.Param(0), msg.Trailing()
	_, err := c.srv.engine.SendMessage(c.sessionID, c.srv.serverID, target, content, "")
	if err == nil {
		return
	}
	switch err.Error() {
	case "no such nick":
		c.numeric(errNoSuchNick, target, "No such nick/channel")
	case "no such channel":
		c.numeric(errNoSuchChannel, target, "No such channel")
	case "not in channel":
		c.numeric(errNotOnChannel, target, "You're not on that channel")
	default:
		c.notify(err.Error())
	}
}

func (c *conn) cmdTopic(msg Message) {
	if len(msg.Params) == 0 {
		c.numeric(errNeedMoreParams, "TOPIC", "Not enough parameters")
		return
	}
	name := msg.Param(0)

	// One param reads the topic; a second (the trailing text) sets it.
	if len(msg.Params) == 1 {
		topic, err := c.srv.engine.Topic(c.srv.serverID, name)
		if err != nil {
			c.numeric(errNoSuchChannel, name, "No such channel")
			return
		}
		if topic == "" {
			c.numeric(rplNoTopic, name, "No topic is set")
			return
		}
		c.numeric(rplTopic, name, topic)
		return
	}

	err := c.srv.engine.SetTopic(c.sessionID, c.srv.serverID, name, msg.Trailing())
	switch {
	case err == nil:
	case err.Error() == "not in channel":
		c.numeric(errNotOnChannel, name, "You're not on that channel")
	case err.Error() == "no such channel":
		c.numeric(errNoSuchChannel, name, "No such channel")
	default:
		c.notify(err.Error())
	}
}

func (c *conn) cmdNames(msg Message) {
	if len(msg.Params) == 0 {
		c.numeric(errNeedMoreParams, "NAMES", "Not enough parameters")
		return
	}
	name := msg.Param(0)
	members, err := c.srv.engine.Members(c.srv.serverID, name)
	if err != nil {
		c.numeric(errNoSuchChannel, name, "No such channel")
		return
	}
	nicks := make([]string, 0, len(members))
	for _, m := range members {
		nicks = append(nicks, m.Nick)
	}
	c.numeric(rplNamReply, "=", name, strings.Join(nicks, " "))
	c.numeric(rplEndOfNames, name, "End of /NAMES list")
}

func (c *conn) cmdList() {
	for _, ch := range c.srv.engine.ListChannels(c.srv.serverID) {
		c.numeric(rplList, ch.Name, strconv.Itoa(ch.MemberCount), ch.Topic)
	}
	c.numeric(rplListEnd, "End of /LIST")
}

func (c *conn) cmdNick(msg Message) {
	if len(msg.Params) == 0 {
		c.numeric(errNoNicknameGiven, "No nickname given")
		return
	}
	newNick := msg.Param(0)
	err := c.srv.engine.RenameNick(c.sessionID, newNick)
	switch {
	case err == nil:
		c.setNickname(newNick)
	case err.Error() == "nickname in use":
		c.numeric(errNicknameInUse, newNick, "Nickname is already in use")
	default:
		c.numeric(errErroneousNickname, newNick, "Erroneous nickname")
	}
}

func (c *conn) cmdKick(ctx context.Context, msg Message) {
	if len(msg.Params) < 2 {
		c.numeric(errNeedMoreParams, "KICK", "Not enough parameters")
		return
	}
	name, targetNick := msg.Param(0), msg.Param(1)
	reason := "Kicked by " + c.nickname()
	if len(msg.Params) > 2 {
		reason = msg.Trailing()
	}

	if !c.hasPermission(ctx, name, permission.KickMembers) {
		c.numeric(errChanOpPrivsNeeded, name, "You're not channel operator")
		return
	}
	targetSID, ok := c.srv.engine.SessionByNick(targetNick)
	if !ok {
		c.numeric(errNoSuchNick, targetNick, "No such nick/channel")
		return
	}
	if err := c.srv.engine.PartChannel(targetSID, c.srv.serverID, name, reason); err != nil {
		c.numeric(errNotOnChannel, name, "They aren't on that channel")
	}
}

func (c *conn) cmdAway(ctx context.Context, msg Message) {
	text := msg.Trailing()
	if st := c.srv.engine.Store(); st != nil && c.userID != "" {
		if err := st.SetAway(ctx, c.userID, text); err != nil {
			c.notify("away status not saved")
			return
		}
	}
	if text == "" {
		c.numeric(rplUnaway, "You are no longer marked as being away")
	} else {
		c.numeric(rplNowAway, "You have been marked as being away")
	}
}

func (c *conn) cmdInvite(ctx context.Context, msg Message) {
	if len(msg.Params) < 2 {
		c.numeric(errNeedMoreParams, "INVITE", "Not enough parameters")
		return
	}
	targetNick, name := msg.Param(0), msg.Param(1)
	targetSID, ok := c.srv.engine.SessionByNick(targetNick)
	if !ok {
		c.numeric(errNoSuchNick, targetNick, "No such nick/channel")
		return
	}
	c.srv.engine.NotifySession(targetSID, protocol.Event{
		Type:     protocol.TypeInvite,
		ServerID: c.srv.serverID,
		Channel:  name,
		From:     c.nickname(),
	})
	c.numeric(rplInviting, targetNick, name)
}

func (c *conn) cmdWhois(ctx context.Context, msg Message) {
	if len(msg.Params) == 0 {
		c.numeric(errNeedMoreParams, "WHOIS", "Not enough parameters")
		return
	}
	targetNick := msg.Param(0)
	targetSID, ok := c.srv.engine.SessionByNick(targetNick)
	if !ok {
		c.numeric(errNoSuchNick, targetNick, "No such nick/channel")
		c.numeric(rplEndOfWhois, targetNick, "End of /WHOIS list")
		return
	}

	c.numeric(rplWhoisUser, targetNick, targetNick, c.srv.name, "*", targetNick)
	c.numeric(rplWhoisServer, targetNick, c.srv.name, c.srv.name)
	if chans := c.srv.engine.ChannelsOfSession(targetSID); len(chans) > 0 {
		c.numeric(rplWhoisChannels, targetNick, strings.Join(chans, " "))
	}
	if st := c.srv.engine.Store(); st != nil {
		if _, targetUser, ok := c.srv.engine.SessionInfo(targetSID); ok && targetUser != "" {
			if away, err := st.Away(ctx, targetUser); err == nil && away != "" {
				c.numeric(rplAway, targetNick, away)
			}
		}
	}
	c.numeric(rplEndOfWhois, targetNick, "End of /WHOIS list")
}

// hasPermission checks one permission bit for this connection's bound user.
func (c *conn) hasPermission(ctx context.Context, channelName string, bit permission.Bits) bool {
	perms, err := c.srv.engine.PermissionsFor(ctx, c.srv.serverID, channelName, c.userID)
	if err != nil {
		return false
	}
	return perms.Has(bit)
}
