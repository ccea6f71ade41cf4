package server

import "sync"

// loop runs every state change of one session on a single goroutine.
//
// Goroutines doing blocking work (reading the control connection, dialing,
// accepting, copying data) never touch session state directly; they post a
// continuation and the loop runs it in order. Because only the loop goroutine
// reads or writes session fields, the session needs no lock.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

func newLoop() *loop {
	return &loop{wake: make(chan struct{}, 1)}
}

// post schedules fn to run on the loop goroutine. It reports false if the
// loop has been stopped, in which case fn will never run and the caller owns
// any resources fn would have released.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// run executes posted functions until the loop is stopped and its queue is
// empty. Functions accepted before stop still run so they can release what
// they carry.
func (l *loop) run() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			stopped := l.stopped
			l.mu.Unlock()
			if stopped {
				return
			}
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// stop makes further posts fail. run returns once the queue drains.
func (l *loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}
