package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"concord/server/internal/protocol"
)

// MessageRow is one message to persist. Exactly one of ChannelID and
// RecipientID must be non-empty.
type MessageRow struct {
	ID          string
	ServerID    string
	ChannelID   string
	RecipientID string
	SenderID    string
	SenderNick  string
	Content     string
	ReplyTo     string
	CreatedAt   time.Time
}

// SaveMessage inserts one message row. Called from the background writer
// pool for both channel messages and direct messages.
func (s *Store) SaveMessage(ctx context.Context, m MessageRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, server_id, channel_id, recipient_id, sender_id,
			sender_nick, content, reply_to, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ServerID, nullable(m.ChannelID), nullable(m.RecipientID),
		m.SenderID, m.SenderNick, m.Content, nullable(m.ReplyTo),
		m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// History returns up to limit messages from a channel with created_at before
// the given cursor (zero time = unbounded), newest first, excluding deleted
// rows. The second return reports whether older messages remain.
func (s *Store) History(ctx context.Context, channelID string, before time.Time, limit int) ([]protocol.HistoryMessage, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	cursor := int64(1<<62 - 1)
	if !before.IsZero() {
		cursor = before.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_nick, content, reply_to, created_at, edited_at
		 FROM messages
		 WHERE channel_id = ? AND created_at < ? AND deleted_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT ?`,
		channelID, cursor, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []protocol.HistoryMessage
	for rows.Next() {
		var m protocol.HistoryMessage
		var replyTo sql.NullString
		var createdAt int64
		var editedAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.From, &m.Content, &replyTo, &createdAt, &editedAt); err != nil {
			return nil, false, err
		}
		m.ReplyTo = replyTo.String
		m.CreatedAt = time.UnixMilli(createdAt)
		if editedAt.Valid {
			m.EditedAt = time.UnixMilli(editedAt.Int64)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// EditMessage replaces a message's content and stamps edited_at. The FTS
// index follows via trigger.
func (s *Store) EditMessage(ctx context.Context, id, content string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited_at = ? WHERE id = ? AND deleted_at IS NULL`,
		content, at.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteMessage tombstones a message. The row remains but is excluded
// from history; its content is dropped from the search index.
func (s *Store) SoftDeleteMessage(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	defer tx.Rollback()

	var rowid int64
	err = tx.QueryRowContext(ctx,
		`SELECT rowid FROM messages WHERE id = ? AND deleted_at IS NULL`, id,
	).Scan(&rowid)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resolve message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET deleted_at = ? WHERE rowid = ?`, at.UnixMilli(), rowid,
	); err != nil {
		return fmt.Errorf("tombstone message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages_fts(messages_fts, rowid, content)
		 SELECT 'delete', rowid, content FROM messages WHERE rowid = ?`, rowid,
	); err != nil {
		return fmt.Errorf("drop from search index: %w", err)
	}
	return tx.Commit()
}

// SearchHit is one full-text search result.
type SearchHit struct {
	ID        string
	ChannelID string
	From      string
	Content   string
	CreatedAt time.Time
}

// SearchMessages runs a full-text query over a server's messages, newest
// first, excluding deleted rows. The user-supplied query is sanitized so
// FTS operators in it are matched literally.
func (s *Store) SearchMessages(ctx context.Context, serverID, query string, limit int) ([]SearchHit, error) {
	query = sanitizeFTSQuery(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.channel_id, m.sender_nick, m.content, m.created_at
		 FROM messages_fts f
		 JOIN messages m ON m.rowid = f.rowid
		 WHERE messages_fts MATCH ?
		   AND m.server_id = ? AND m.deleted_at IS NULL AND m.channel_id IS NOT NULL
		 ORDER BY m.created_at DESC
		 LIMIT ?`,
		query, serverID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		var createdAt int64
		if err := rows.Scan(&h.ID, &h.ChannelID, &h.From, &h.Content, &createdAt); err != nil {
			return nil, err
		}
		h.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// sanitizeFTSQuery splits the raw query on whitespace, quotes every token
// (doubling embedded double quotes) and rejoins. FTS5 operators such as OR,
// NOT, NEAR and the * prefix then match literally instead of being parsed.
func sanitizeFTSQuery(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}
