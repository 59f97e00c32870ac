package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// ErrInvalidToken is returned when no stored token matches the presented
// plaintext for a nickname.
var ErrInvalidToken = errors.New("invalid token")

// Argon2id parameters (OWASP recommended).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// hashToken derives an encoded argon2id hash of the plaintext.
func hashToken(plaintext string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// verifyToken checks plaintext against an encoded hash. The key comparison
// is constant-time.
func verifyToken(plaintext, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var mem, iters uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(plaintext), salt, iters, mem, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// CreateIRCToken stores a bearer token hash scoped to a nickname and returns
// the token row id.
func (s *Store) CreateIRCToken(ctx context.Context, userID, nickname, plaintext string) (string, error) {
	hash, err := hashToken(plaintext)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO irc_tokens(id, user_id, nickname, token_hash) VALUES(?, ?, ?, ?)`,
		id, userID, nickname, hash,
	); err != nil {
		return "", fmt.Errorf("insert irc token: %w", err)
	}
	return id, nil
}

// VerifyIRCToken checks plaintext against every token hash stored for
// nickname. The lookup is nickname-scoped, never global. On success it
// returns the matching token id and its owning user id.
func (s *Store) VerifyIRCToken(ctx context.Context, nickname, plaintext string) (tokenID, userID string, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, token_hash FROM irc_tokens WHERE nickname = ?`, nickname)
	if err != nil {
		return "", "", fmt.Errorf("load tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, uid, hash string
		if err := rows.Scan(&id, &uid, &hash); err != nil {
			return "", "", err
		}
		if verifyToken(plaintext, hash) {
			return id, uid, nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", "", err
	}
	return "", "", ErrInvalidToken
}

// TouchIRCToken stamps last_used_at. Called from the background writer pool
// after a successful login.
func (s *Store) TouchIRCToken(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE irc_tokens SET last_used_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), tokenID,
	)
	return err
}

// EnsureUser inserts a user row if absent.
func (s *Store) EnsureUser(ctx context.Context, id, username, avatar string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, avatar_url) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, username, avatar,
	)
	return err
}

// UserIDByUsername resolves a stored username to its user id.
func (s *Store) UserIDByUsername(ctx context.Context, username string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE username = ?`, username).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// SetAway upserts a user's away message; an empty message clears it.
func (s *Store) SetAway(ctx context.Context, userID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence(user_id, away_message, last_seen_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE
		 SET away_message = excluded.away_message, last_seen_at = excluded.last_seen_at`,
		userID, message, time.Now().UnixMilli(),
	)
	return err
}

// Away returns a user's away message; empty means not away.
func (s *Store) Away(ctx context.Context, userID string) (string, error) {
	var msg string
	err := s.db.QueryRowContext(ctx,
		`SELECT away_message FROM presence WHERE user_id = ?`, userID).Scan(&msg)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return msg, err
}

// SetNotificationSetting upserts one notification setting. serverID and
// channelID may be empty (stored as NULL). SQLite treats distinct NULLs as
// unequal inside UNIQUE constraints, so a plain upsert would stack duplicate
// rows for the same scope; DELETE-then-INSERT in one transaction emulates
// "NULL equals NULL" instead.
func (s *Store) SetNotificationSetting(ctx context.Context, userID, serverID, channelID, level string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set notification setting: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM notification_settings
		 WHERE user_id = ? AND server_id IS ? AND channel_id IS ?`,
		userID, nullable(serverID), nullable(channelID),
	); err != nil {
		return fmt.Errorf("clear notification setting: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO notification_settings(user_id, server_id, channel_id, level)
		 VALUES(?, ?, ?, ?)`,
		userID, nullable(serverID), nullable(channelID), level,
	); err != nil {
		return fmt.Errorf("insert notification setting: %w", err)
	}
	return tx.Commit()
}

// NotificationSetting returns the stored level for a scope, or "" when none
// is set.
func (s *Store) NotificationSetting(ctx context.Context, userID, serverID, channelID string) (string, error) {
	var level string
	err := s.db.QueryRowContext(ctx,
		`SELECT level FROM notification_settings
		 WHERE user_id = ? AND server_id IS ? AND channel_id IS ?`,
		userID, nullable(serverID), nullable(channelID),
	).Scan(&level)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return level, err
}
