// Package protocol defines the protocol-agnostic domain events the engine
// emits, plus the snapshot types shared by both wire adapters. The JSON tags
// double as the frame-JSON wire schema; the line adapter translates the same
// events into RFC 2812 style frames.
package protocol

import "time"

// Proto tags which wire protocol a session speaks.
type Proto string

const (
	ProtoLine  Proto = "line"
	ProtoFrame Proto = "frame"
)

// Event types.
const (
	TypeMessage     = "message"
	TypeJoin        = "join"
	TypePart        = "part"
	TypeQuit        = "quit"
	TypeTopic       = "topic"        // sent to a single joiner
	TypeTopicChange = "topic_change" // broadcast after SetTopic
	TypeNames       = "names"        // sent to a single joiner
	TypeNickChange  = "nick_change"
	TypeNotice      = "notice"
	TypeInvite      = "invite"
	TypeError       = "error"
	TypeAck         = "ack" // delivery confirmation for the sender's own message
)

// Member is one channel member in a Names event or member listing.
type Member struct {
	Nick   string `json:"nick"`
	Avatar string `json:"avatar,omitempty"`
}

// Event is the envelope for every domain event. Fields are populated per
// Type; unused fields stay zero and are omitted from JSON.
type Event struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`        // message: opaque message id
	ServerID  string    `json:"server_id,omitempty"` // tenant
	Channel   string    `json:"channel,omitempty"`   // wire channel name ("#general")
	From      string    `json:"from,omitempty"`      // sender/actor nickname
	Target    string    `json:"target,omitempty"`    // message: channel name or recipient nick
	Content   string    `json:"content,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	SetBy     string    `json:"set_by,omitempty"` // topic_change: setter nickname
	Reason    string    `json:"reason,omitempty"` // part/quit
	OldNick   string    `json:"old_nick,omitempty"`
	NewNick   string    `json:"new_nick,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	Members   []Member  `json:"members,omitempty"`
	Files     []string  `json:"files,omitempty"` // attachment URLs
	Timestamp time.Time `json:"ts,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// ChannelSnapshot is the read-only projection returned by ListChannels.
type ChannelSnapshot struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Topic       string `json:"topic,omitempty"`
	MemberCount int    `json:"member_count"`
}

// HistoryMessage is one persisted message returned by FetchHistory.
type HistoryMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	EditedAt  time.Time `json:"edited_at,omitzero"`
}
