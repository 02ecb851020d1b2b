package pool

import "time"

type waitResult struct {
	lease *Lease
	err   error
}

// waiter is a caller blocked in Lease. ch is buffered so delivery never
// blocks the pool; a waiter receives at most one result.
type waiter struct {
	key        Key
	enqueuedAt time.Time
	timeout    time.Duration
	ch         chan waitResult
	// abandoned is set under Pool.mu when the caller stopped listening.
	abandoned bool
}

func newWaiter(key Key, now time.Time, timeout time.Duration) *waiter {
	return &waiter{key: key, enqueuedAt: now, timeout: timeout, ch: make(chan waitResult, 1)}
}

func (w *waiter) deliver(r waitResult) { w.ch <- r }

// waitQueue is a FIFO of waiters for one key. Guarded by Pool.mu.
type waitQueue struct {
	items []*waiter
}

func (q *waitQueue) Len() int { return len(q.items) }

func (q *waitQueue) push(w *waiter) { q.items = append(q.items, w) }

func (q *waitQueue) peek() *waiter {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *waitQueue) pop() *waiter {
	if len(q.items) == 0 {
		return nil
	}
	w := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return w
}

// remove drops w regardless of its position and reports whether it was queued.
func (q *waitQueue) remove(w *waiter) bool {
	for i, x := range q.items {
		if x == w {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

func (q *waitQueue) drain() []*waiter {
	out := q.items
	q.items = nil
	return out
}
