// Package serial runs callbacks one at a time on a single goroutine.
package serial

import "sync"

// Queue is an unbounded FIFO of callbacks drained by Run. Post never blocks,
// so transport and network goroutines can hand work over without waiting
// on the consumer.
type Queue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	drop   bool
	wake   chan struct{}
	done   chan struct{}
}

// New returns an empty queue. The caller starts Run.
func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// Post appends fn. It reports false once the queue is closed.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting callbacks. Queued ones still run before Run returns.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Discard stops accepting callbacks and drops the queued ones. A callback
// already running finishes; it may call Discard itself.
func (q *Queue) Discard() {
	q.mu.Lock()
	q.closed = true
	q.drop = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

// Done is closed when Run returns.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Run executes callbacks in posting order until the queue is closed and
// drained.
func (q *Queue) Run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if q.drop {
			q.items = nil
		}
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		fn()
	}
}
