package sync

import (
	"sync"
	"time"
)

// runLoop executes engine state changes one at a time on a single
// goroutine. The clipboard monitor, transport readers and discovery
// callbacks all hand their work here instead of touching engine state
// from their own goroutines.
type runLoop struct {
	tasks   chan func()
	stopped chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newRunLoop() *runLoop {
	rl := &runLoop{
		tasks:   make(chan func(), 64),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go rl.run()
	return rl
}

func (rl *runLoop) run() {
	defer close(rl.done)

	for {
		// Stop wins over queued work: anything still pending when the
		// loop is stopped is cancelled, not executed.
		select {
		case <-rl.stopped:
			return
		default:
		}

		select {
		case task := <-rl.tasks:
			task()
		case <-rl.stopped:
			return
		}
	}
}

// Submit queues work on the loop. It reports false once the loop has been
// stopped; callers drop the work and log instead of blocking.
func (rl *runLoop) Submit(task func()) bool {
	select {
	case <-rl.stopped:
		return false
	default:
	}

	select {
	case rl.tasks <- task:
		return true
	case <-rl.stopped:
		return false
	}
}

// SubmitWait queues work and waits for it to finish, up to the timeout.
func (rl *runLoop) SubmitWait(task func(), timeout time.Duration) bool {
	doneCh := make(chan struct{})
	if !rl.Submit(func() {
		task()
		close(doneCh)
	}) {
		return false
	}

	select {
	case <-doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop cancels pending work and exits the loop. Safe to call more than
// once.
func (rl *runLoop) Stop() {
	rl.once.Do(func() { close(rl.stopped) })
}

// Join waits for the loop goroutine to finish, up to the timeout.
func (rl *runLoop) Join(timeout time.Duration) bool {
	select {
	case <-rl.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
