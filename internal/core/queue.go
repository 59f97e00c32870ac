package core

import (
	"context"
	"sync"

	"concord/server/internal/protocol"
)

// Queue is a session's outbound event buffer. Producers (engine operations
// running on arbitrary goroutines) push without ever blocking; the single
// consumer is the connection's writer goroutine. The queue is unbounded — a
// slow consumer accumulates memory, an acknowledged limitation.
type Queue struct {
	mu     sync.Mutex
	events []protocol.Event
	closed bool
	wake   chan struct{} // capacity 1, coalesced wake-up signal
}

func newQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// push appends ev and wakes the consumer. Returns false when the queue has
// been closed (receiver gone); the caller drops the event.
func (q *Queue) push(ev protocol.Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// TryNext pops the oldest pending event without blocking.
func (q *Queue) TryNext() (protocol.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return protocol.Event{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// Next blocks until an event is available, the queue is closed and drained,
// or ctx is done. The second return is false when no more events will come.
func (q *Queue) Next(ctx context.Context) (protocol.Event, bool) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			q.mu.Unlock()
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return protocol.Event{}, false
		}

		select {
		case <-ctx.Done():
			return protocol.Event{}, false
		case <-q.wake:
		}
	}
}

// Close marks the queue dead. Pending events remain drainable via TryNext;
// subsequent pushes are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
