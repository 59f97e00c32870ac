package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestIRCTokenVerifyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureUser(ctx, "u1", "alice", ""); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	tokenID, err := s.CreateIRCToken(ctx, "u1", "alice", "s3cret-token")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	gotID, gotUser, err := s.VerifyIRCToken(ctx, "alice", "s3cret-token")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if gotID != tokenID || gotUser != "u1" {
		t.Fatalf("verify returned id=%q user=%q", gotID, gotUser)
	}

	if _, _, err := s.VerifyIRCToken(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong token err = %v, want ErrInvalidToken", err)
	}
	// The lookup is nickname-scoped: the right token under another nickname
	// must not match.
	if _, _, err := s.VerifyIRCToken(ctx, "bob", "s3cret-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("cross-nick token err = %v, want ErrInvalidToken", err)
	}
}

func TestIRCTokenMultipleHashesPerNick(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureUser(ctx, "u1", "alice", ""); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if _, err := s.CreateIRCToken(ctx, "u1", "alice", "first"); err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := s.CreateIRCToken(ctx, "u1", "alice", "second")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	gotID, _, err := s.VerifyIRCToken(ctx, "alice", "second")
	if err != nil {
		t.Fatalf("verify second: %v", err)
	}
	if gotID != second {
		t.Fatalf("matched token %q, want %q", gotID, second)
	}
}

func TestTouchIRCToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureUser(ctx, "u1", "alice", ""); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	tokenID, err := s.CreateIRCToken(ctx, "u1", "alice", "tok")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if err := s.TouchIRCToken(ctx, tokenID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	var lastUsed sql.NullInt64
	if err := s.db.QueryRow(
		`SELECT last_used_at FROM irc_tokens WHERE id = ?`, tokenID,
	).Scan(&lastUsed); err != nil {
		t.Fatalf("read last_used_at: %v", err)
	}
	if !lastUsed.Valid || lastUsed.Int64 == 0 {
		t.Fatal("last_used_at not stamped")
	}
}

func TestVerifyTokenRejectsMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plaintext",
		"$argon2id$v=19$bogus",
		"$bcrypt$whatever$x$y$z",
	} {
		if verifyToken("anything", encoded) {
			t.Errorf("verifyToken accepted malformed hash %q", encoded)
		}
	}
}

func TestAwayClearedByEmptyMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetAway(ctx, "u1", "lunch"); err != nil {
		t.Fatalf("set away: %v", err)
	}
	if msg, _ := s.Away(ctx, "u1"); msg != "lunch" {
		t.Fatalf("away = %q, want lunch", msg)
	}
	if err := s.SetAway(ctx, "u1", ""); err != nil {
		t.Fatalf("clear away: %v", err)
	}
	if msg, _ := s.Away(ctx, "u1"); msg != "" {
		t.Fatalf("away = %q, want empty", msg)
	}
}
