package document

import (
	"sync"
	"time"
)

// deferredTask debounces a unit of work behind a quiet interval. Each
// Schedule call restarts the interval; RunNow cancels any pending timer and
// executes the work synchronously in the caller's goroutine, which is what
// lets eviction force a flush before dropping a live instance.
type deferredTask struct {
	delay time.Duration
	run   func()

	mu    sync.Mutex
	timer *time.Timer
}

func newDeferredTask(delay time.Duration, run func()) *deferredTask {
	return &deferredTask{delay: delay, run: run}
}

// Schedule arms the task, restarting the quiet interval if already armed.
func (t *deferredTask) Schedule() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		t.timer = time.AfterFunc(t.delay, t.run)
		return
	}
	t.timer.Reset(t.delay)
}

// Cancel stops any pending execution. Work already started is not interrupted.
func (t *deferredTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

// RunNow cancels the pending timer and executes the work synchronously.
func (t *deferredTask) RunNow() {
	t.Cancel()
	t.run()
}
