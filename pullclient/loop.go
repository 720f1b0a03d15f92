package pullclient

import (
	"sync"
	"time"

	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/errors"
	"github.com/Sparky-web/bx24-smart-fields-2024-sub001/pkg/clock"
)

// loop runs posted closures one at a time on a single goroutine. Posting
// never blocks, so transport callbacks and timers can hand work over from
// any goroutine, including the loop itself.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	started bool
}

func newLoop() *loop {
	return &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *loop) start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true
	go l.run()
}

// post queues fn and reports false once the loop is closed.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
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

// do runs fn on the loop and waits for it. Calling do from the loop
// goroutine deadlocks.
func (l *loop) do(fn func()) error {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return errors.ErrShuttingDown
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return errors.ErrShuttingDown
	}
}

// settle waits until the queue is empty, including work posted by the
// closures that ran meanwhile.
func (l *loop) settle() {
	for {
		empty := false
		if err := l.do(func() {
			l.mu.Lock()
			empty = len(l.queue) == 0
			l.mu.Unlock()
		}); err != nil || empty {
			return
		}
	}
}

// close stops accepting work, runs what is already queued and waits for
// the loop goroutine to exit.
func (l *loop) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	started := l.started
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	if !started {
		close(l.done)
		return
	}
	<-l.done
}

func (l *loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

// timerSet owns the named timers of a client. Every method runs on the
// loop; a timer that fires after being replaced or cancelled is a no-op.
type timerSet struct {
	clock  clock.Clock
	post   func(func()) bool
	timers map[string]*clock.Timer
	seq    map[string]uint64
}

func newTimerSet(c clock.Clock, post func(func()) bool) *timerSet {
	return &timerSet{
		clock:  c,
		post:   post,
		timers: make(map[string]*clock.Timer),
		seq:    make(map[string]uint64),
	}
}

// schedule runs fn on the loop after d, replacing a pending timer with the
// same name.
func (t *timerSet) schedule(name string, d time.Duration, fn func()) {
	t.cancel(name)
	t.seq[name]++
	id := t.seq[name]
	t.timers[name] = t.clock.AfterFunc(d, func() {
		t.post(func() {
			if t.seq[name] != id {
				return
			}
			delete(t.timers, name)
			fn()
		})
	})
}

func (t *timerSet) cancel(name string) {
	if timer, ok := t.timers[name]; ok {
		timer.Stop()
		delete(t.timers, name)
	}
	t.seq[name]++
}

func (t *timerSet) active(name string) bool {
	_, ok := t.timers[name]
	return ok
}

func (t *timerSet) cancelAll() {
	for name := range t.timers {
		t.cancel(name)
	}
}
