package schedule

import (
	"sync"
	"time"
)

// Debouncer fires fn once, window after the last Trigger.
type Debouncer struct {
	exec   Executor
	window time.Duration
	fn     func()

	mu      sync.Mutex
	pending *Handle
}

func NewDebouncer(exec Executor, window time.Duration, fn func()) *Debouncer {
	return &Debouncer{exec: exec, window: window, fn: fn}
}

func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending.Cancel()
	d.pending = after(d.exec, d.window, func(h *Handle) {
		d.mu.Lock()
		if d.pending == h {
			d.pending = nil
		}
		d.mu.Unlock()
		d.fn()
	})
}

func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ok := d.pending.Cancel()
	d.pending = nil
	return ok
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Pending()
}

// Throttler runs fn at most once per interval. A Trigger while idle fires on
// the next turn of the executor; triggers inside the interval collapse into
// one trailing fire, so the last state is never lost.
type Throttler struct {
	exec     Executor
	interval time.Duration
	fn       func()
	now      func() time.Time

	mu      sync.Mutex
	last    time.Time
	pending *Handle
}

func NewThrottler(exec Executor, interval time.Duration, fn func()) *Throttler {
	return &Throttler{exec: exec, interval: interval, fn: fn, now: time.Now}
}

func (t *Throttler) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending.Pending() {
		return
	}
	wait := time.Duration(0)
	if !t.last.IsZero() {
		wait = t.interval - t.now().Sub(t.last)
	}
	t.pending = after(t.exec, wait, func(h *Handle) {
		t.mu.Lock()
		if t.pending == h {
			t.pending = nil
		}
		t.last = t.now()
		t.mu.Unlock()
		t.fn()
	})
}

func (t *Throttler) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ok := t.pending.Cancel()
	t.pending = nil
	return ok
}

func (t *Throttler) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.Pending()
}
