package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPopTimeout is returned by Pop when no event arrived within the wait
// window. The transport uses it to drive keep-alives; it is not terminal.
var ErrPopTimeout = errors.New("event queue read timed out")

// Queue is an unbounded FIFO of events for one query. Push never blocks.
type Queue struct {
	mu    sync.Mutex
	items []Event
	wake  chan struct{}
}

func newQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

func (q *Queue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) tryPop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	// Keep the wake channel armed while events remain, so a single signal
	// cannot be lost between two concurrent consumers.
	if len(q.items) > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return ev, true
}

// Pop returns the next event, waiting up to timeout. It returns
// ErrPopTimeout on a bare timeout and ctx.Err() if the context ends first.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Event, error) {
	if ev, ok := q.tryPop(); ok {
		return ev, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-timer.C:
			return Event{}, ErrPopTimeout
		case <-q.wake:
			if ev, ok := q.tryPop(); ok {
				return ev, nil
			}
		}
	}
}

// Len reports the number of undelivered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
