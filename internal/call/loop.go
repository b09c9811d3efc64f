package call

import "github.com/corvino/connectsphere/internal/serial"

// loop serializes every state change of a session onto one goroutine.
// Transport and channel callbacks post to it; public methods call into it.
type loop struct {
	q *serial.Queue
}

func newLoop() *loop {
	l := &loop{q: serial.New()}
	go l.q.Run()
	return l
}

// post queues fn. It reports false once the loop is stopping.
func (l *loop) post(fn func()) bool { return l.q.Post(fn) }

// call runs fn on the loop and waits for it. It reports false when the loop
// stopped before fn ran.
func (l *loop) call(fn func()) bool {
	ran := make(chan struct{})
	if !l.post(func() { defer close(ran); fn() }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.q.Done():
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// stop is called from the loop goroutine. Queued work is dropped once the
// current callback returns.
func (l *loop) stop() { l.q.Discard() }
