package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"concord/server/internal/permission"
)

// ServerRow is a persisted server (tenant).
type ServerRow struct {
	ID      string
	Name    string
	OwnerID string
	Icon    string
}

// ChannelRow is a persisted channel.
type ChannelRow struct {
	ID         string
	ServerID   string
	Name       string
	Topic      string
	TopicSetBy string
	TopicSetAt time.Time
}

// ListServers returns every persisted server. Used once at startup.
func (s *Store) ListServers(ctx context.Context) ([]ServerRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, owner_id, icon FROM servers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []ServerRow
	for rows.Next() {
		var sv ServerRow
		if err := rows.Scan(&sv.ID, &sv.Name, &sv.OwnerID, &sv.Icon); err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

// ListServerMembers returns the user ids belonging to a server.
func (s *Store) ListServerMembers(ctx context.Context, serverID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM server_members WHERE server_id = ?`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list server members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListChannels returns every persisted channel of a server.
func (s *Store) ListChannels(ctx context.Context, serverID string) ([]ChannelRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, name, topic, topic_set_by, topic_set_at
		 FROM channels WHERE server_id = ? AND archived = 0
		 ORDER BY created_at ASC`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []ChannelRow
	for rows.Next() {
		var ch ChannelRow
		var setAt sql.NullInt64
		if err := rows.Scan(&ch.ID, &ch.ServerID, &ch.Name, &ch.Topic, &ch.TopicSetBy, &setAt); err != nil {
			return nil, err
		}
		if setAt.Valid {
			ch.TopicSetAt = time.UnixMilli(setAt.Int64)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// CreateServer persists a server together with its owner membership, its
// default "@everyone" role and its default channel, in one transaction.
// The engine blocks on this before installing the in-memory record.
func (s *Store) CreateServer(ctx context.Context, sv ServerRow, defaultChannel ChannelRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO servers(id, name, owner_id, icon) VALUES(?, ?, ?, ?)`,
		sv.ID, sv.Name, sv.OwnerID, sv.Icon,
	); err != nil {
		return fmt.Errorf("insert server: %w", err)
	}
	if sv.OwnerID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO server_members(server_id, user_id) VALUES(?, ?)`,
			sv.ID, sv.OwnerID,
		); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO roles(id, server_id, name, position, permissions, is_default)
		 VALUES(?, ?, '@everyone', 0, ?, 1)`,
		uuid.NewString(), sv.ID, permission.DefaultEveryone.Stored(),
	); err != nil {
		return fmt.Errorf("insert default role: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channels(id, server_id, name) VALUES(?, ?, ?)`,
		defaultChannel.ID, defaultChannel.ServerID, defaultChannel.Name,
	); err != nil {
		return fmt.Errorf("insert default channel: %w", err)
	}
	return tx.Commit()
}

// DeleteServer removes a server row; channels, roles, members, bans and
// invites cascade via foreign keys.
func (s *Store) DeleteServer(ctx context.Context, serverID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return nil
}

// CreateChannel persists an explicitly created channel.
func (s *Store) CreateChannel(ctx context.Context, ch ChannelRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(id, server_id, name) VALUES(?, ?, ?)`,
		ch.ID, ch.ServerID, ch.Name,
	)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// DeleteChannel removes one channel row.
func (s *Store) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

// EnsureChannel persists an on-demand channel if no channel with that name
// exists in the server yet, and returns the canonical id either way
// (first-writer-wins).
func (s *Store) EnsureChannel(ctx context.Context, ch ChannelRow) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(id, server_id, name) VALUES(?, ?, ?)
		 ON CONFLICT(server_id, name) DO NOTHING`,
		ch.ID, ch.ServerID, ch.Name,
	)
	if err != nil {
		return "", fmt.Errorf("ensure channel: %w", err)
	}
	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM channels WHERE server_id = ? AND name = ?`,
		ch.ServerID, ch.Name,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("resolve ensured channel: %w", err)
	}
	return id, nil
}

// SetChannelTopic records a topic change.
func (s *Store) SetChannelTopic(ctx context.Context, channelID, topic, setBy string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET topic = ?, topic_set_by = ?, topic_set_at = ? WHERE id = ?`,
		topic, setBy, at.UnixMilli(), channelID,
	)
	if err != nil {
		return fmt.Errorf("set channel topic: %w", err)
	}
	return nil
}

// AddServerMember records a user joining a server. Idempotent.
func (s *Store) AddServerMember(ctx context.Context, serverID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_members(server_id, user_id) VALUES(?, ?)
		 ON CONFLICT(server_id, user_id) DO NOTHING`,
		serverID, userID,
	)
	return err
}

// RemoveServerMember records a user leaving a server.
func (s *Store) RemoveServerMember(ctx context.Context, serverID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM server_members WHERE server_id = ? AND user_id = ?`,
		serverID, userID,
	)
	return err
}

// RolesForMember loads the permission inputs for one user in one server:
// the @everyone base grant and role id, plus the user's other roles.
func (s *Store) RolesForMember(ctx context.Context, serverID, userID string) (base permission.Bits, everyoneRoleID string, roles []permission.RoleBits, err error) {
	var stored int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id, permissions FROM roles WHERE server_id = ? AND is_default = 1`,
		serverID,
	).Scan(&everyoneRoleID, &stored)
	if err == sql.ErrNoRows {
		return 0, "", nil, ErrNotFound
	}
	if err != nil {
		return 0, "", nil, fmt.Errorf("load default role: %w", err)
	}
	base = permission.FromStored(stored)

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.permissions
		 FROM roles r JOIN user_roles ur ON ur.role_id = r.id
		 WHERE r.server_id = ? AND ur.user_id = ? AND r.is_default = 0
		 ORDER BY r.position DESC`,
		serverID, userID,
	)
	if err != nil {
		return 0, "", nil, fmt.Errorf("load user roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rb permission.RoleBits
		var bits int64
		if err := rows.Scan(&rb.RoleID, &bits); err != nil {
			return 0, "", nil, err
		}
		rb.Bits = permission.FromStored(bits)
		roles = append(roles, rb)
	}
	return base, everyoneRoleID, roles, rows.Err()
}

// ChannelOverrides loads the per-channel permission overrides.
func (s *Store) ChannelOverrides(ctx context.Context, channelID string) ([]permission.Override, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_kind, target_id, allow, deny
		 FROM channel_overrides WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, fmt.Errorf("load channel overrides: %w", err)
	}
	defer rows.Close()

	var out []permission.Override
	for rows.Next() {
		var kind string
		var ov permission.Override
		var allow, deny int64
		if err := rows.Scan(&kind, &ov.TargetID, &allow, &deny); err != nil {
			return nil, err
		}
		if kind == "user" {
			ov.Kind = permission.OverrideUser
		} else {
			ov.Kind = permission.OverrideRole
		}
		ov.Allow = permission.FromStored(allow)
		ov.Deny = permission.FromStored(deny)
		out = append(out, ov)
	}
	return out, rows.Err()
}

// SetChannelOverride upserts one override row.
func (s *Store) SetChannelOverride(ctx context.Context, channelID string, ov permission.Override) error {
	kind := "role"
	if ov.Kind == permission.OverrideUser {
		kind = "user"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_overrides(channel_id, target_kind, target_id, allow, deny)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id, target_kind, target_id)
		 DO UPDATE SET allow = excluded.allow, deny = excluded.deny`,
		channelID, kind, ov.TargetID, ov.Allow.Stored(), ov.Deny.Stored(),
	)
	return err
}

// CreateRole inserts a role and returns its id.
func (s *Store) CreateRole(ctx context.Context, serverID, name string, position int, perms permission.Bits) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roles(id, server_id, name, position, permissions) VALUES(?, ?, ?, ?, ?)`,
		id, serverID, name, position, perms.Stored(),
	)
	if err != nil {
		return "", fmt.Errorf("insert role: %w", err)
	}
	return id, nil
}

// AssignRole grants a role to a user. Idempotent.
func (s *Store) AssignRole(ctx context.Context, roleID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_roles(role_id, user_id) VALUES(?, ?)
		 ON CONFLICT(role_id, user_id) DO NOTHING`,
		roleID, userID,
	)
	return err
}
