package core

import (
	"context"
	"testing"
	"time"

	"concord/server/internal/protocol"
)

func TestQueueOrderPreserved(t *testing.T) {
	q := newQueue()
	for _, id := range []string{"a", "b", "c"} {
		if !q.push(protocol.Event{ID: id}) {
			t.Fatalf("push %s refused", id)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		ev, ok := q.TryNext()
		if !ok || ev.ID != want {
			t.Fatalf("got %q ok=%v, want %q", ev.ID, ok, want)
		}
	}
	if _, ok := q.TryNext(); ok {
		t.Fatal("TryNext on empty queue returned an event")
	}
}

func TestQueueNextWakesOnPush(t *testing.T) {
	q := newQueue()
	done := make(chan protocol.Event, 1)
	go func() {
		ev, _ := q.Next(context.Background())
		done <- ev
	}()
	time.Sleep(10 * time.Millisecond)
	q.push(protocol.Event{ID: "x"})

	select {
	case ev := <-done:
		if ev.ID != "x" {
			t.Fatalf("got %q, want x", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Next never woke up")
	}
}

func TestQueueCloseDropsPushesButDrains(t *testing.T) {
	q := newQueue()
	q.push(protocol.Event{ID: "pending"})
	q.Close()

	if q.push(protocol.Event{ID: "late"}) {
		t.Fatal("push after Close accepted")
	}
	if ev, ok := q.TryNext(); !ok || ev.ID != "pending" {
		t.Fatalf("pending event not drainable: %v %v", ev, ok)
	}
	if _, ok := q.Next(context.Background()); ok {
		t.Fatal("Next on closed drained queue returned an event")
	}
}

func TestQueueNextRespectsContext(t *testing.T) {
	q := newQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := q.Next(ctx); ok {
		t.Fatal("Next returned an event from an empty queue")
	}
}
