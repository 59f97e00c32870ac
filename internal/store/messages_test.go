package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func seedChannel(t *testing.T, s *Store) {
	t.Helper()
	err := s.CreateServer(context.Background(),
		ServerRow{ID: "srv-1", Name: "Test", OwnerID: "u1"},
		ChannelRow{ID: "ch-1", ServerID: "srv-1", Name: "#general"})
	if err != nil {
		t.Fatalf("seed server: %v", err)
	}
}

func channelMsg(id, content string, at time.Time) MessageRow {
	return MessageRow{
		ID:         id,
		ServerID:   "srv-1",
		ChannelID:  "ch-1",
		SenderNick: "alice",
		Content:    content,
		CreatedAt:  at,
	}
}

func TestHistoryNewestFirstWithCursor(t *testing.T) {
	s := openTestStore(t)
	seedChannel(t, s)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		msg := channelMsg(fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Second))
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("save m%d: %v", i, err)
		}
	}

	msgs, hasMore, err := s.History(ctx, "ch-1", time.Time{}, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 3 || !hasMore {
		t.Fatalf("got %d msgs hasMore=%v, want 3 true", len(msgs), hasMore)
	}
	if msgs[0].ID != "m4" || msgs[2].ID != "m2" {
		t.Fatalf("wrong order: %s .. %s", msgs[0].ID, msgs[2].ID)
	}

	// Page older than the oldest of the first page.
	msgs, hasMore, err = s.History(ctx, "ch-1", msgs[2].CreatedAt, 3)
	if err != nil {
		t.Fatalf("history page 2: %v", err)
	}
	if len(msgs) != 2 || hasMore {
		t.Fatalf("page 2: got %d msgs hasMore=%v, want 2 false", len(msgs), hasMore)
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m0" {
		t.Fatalf("page 2 wrong order: %s, %s", msgs[0].ID, msgs[1].ID)
	}
}

func TestSoftDeleteExcludesFromHistoryAndSearch(t *testing.T) {
	s := openTestStore(t)
	seedChannel(t, s)
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_000)
	if err := s.SaveMessage(ctx, channelMsg("m1", "keep this one", at)); err != nil {
		t.Fatalf("save m1: %v", err)
	}
	if err := s.SaveMessage(ctx, channelMsg("m2", "delete this one", at.Add(time.Second))); err != nil {
		t.Fatalf("save m2: %v", err)
	}

	if err := s.SoftDeleteMessage(ctx, "m2", at.Add(2*time.Second)); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	msgs, _, err := s.History(ctx, "ch-1", time.Time{}, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("deleted message still in history: %#v", msgs)
	}

	hits, err := s.SearchMessages(ctx, "srv-1", "delete", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("deleted message still in search: %#v", hits)
	}

	// Deleting twice reports not found: the tombstone is final.
	if err := s.SoftDeleteMessage(ctx, "m2", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestEditMessageUpdatesContentAndIndex(t *testing.T) {
	s := openTestStore(t)
	seedChannel(t, s)
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_000)
	if err := s.SaveMessage(ctx, channelMsg("m1", "original words", at)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.EditMessage(ctx, "m1", "revised words", at.Add(time.Minute)); err != nil {
		t.Fatalf("edit: %v", err)
	}

	msgs, _, err := s.History(ctx, "ch-1", time.Time{}, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "revised words" || msgs[0].EditedAt.IsZero() {
		t.Fatalf("edit not reflected: %#v", msgs)
	}

	if hits, _ := s.SearchMessages(ctx, "srv-1", "original", 10); len(hits) != 0 {
		t.Fatalf("stale content still indexed: %#v", hits)
	}
	if hits, _ := s.SearchMessages(ctx, "srv-1", "revised", 10); len(hits) != 1 {
		t.Fatalf("new content not indexed: %#v", hits)
	}
}

func TestSearchTreatsOperatorsAsLiterals(t *testing.T) {
	s := openTestStore(t)
	seedChannel(t, s)
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_000)
	if err := s.SaveMessage(ctx, channelMsg("m1", "pick tea OR coffee", at)); err != nil {
		t.Fatalf("save m1: %v", err)
	}
	if err := s.SaveMessage(ctx, channelMsg("m2", "just tea here", at.Add(time.Second))); err != nil {
		t.Fatalf("save m2: %v", err)
	}

	// As a raw FTS query, `tea OR coffee` would match both rows. Quoted per
	// token it requires the literal token "OR", which only m1 contains.
	hits, err := s.SearchMessages(ctx, "srv-1", "tea OR coffee", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "m1" {
		t.Fatalf("operator not neutralized: %#v", hits)
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	cases := map[string]string{
		"hello":          `"hello"`,
		"tea OR coffee":  `"tea" "OR" "coffee"`,
		`say "hi"`:       `"say" """hi"""`,
		"prefix*":        `"prefix*"`,
		"  spaced   out": `"spaced" "out"`,
		"":               "",
		"   ":            "",
	}
	for in, want := range cases {
		if got := sanitizeFTSQuery(in); got != want {
			t.Errorf("sanitizeFTSQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDirectMessageRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dm := MessageRow{
		ID:          "dm-1",
		RecipientID: "bob",
		SenderNick:  "alice",
		Content:     "psst",
		CreatedAt:   time.UnixMilli(1_700_000_000_000),
	}
	if err := s.SaveMessage(ctx, dm); err != nil {
		t.Fatalf("save dm: %v", err)
	}

	// A row with both targets set violates the messages CHECK constraint.
	bad := dm
	bad.ID = "dm-2"
	bad.ChannelID = "ch-1"
	if err := s.SaveMessage(ctx, bad); err == nil {
		t.Fatal("row with both channel and recipient accepted")
	}
}
