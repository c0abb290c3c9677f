// Package schedule provides cancellable timer handles. Every callback is
// dispatched through an Executor so the owning component decides which
// goroutine runs it; the cancellation check happens on that goroutine too,
// which means a Cancel issued by the owner always beats a fire that is
// already queued behind it.
package schedule

import (
	"sync"
	"time"
)

// Executor runs fn on the owner's goroutine.
type Executor func(fn func())

// Inline runs fn on the timer goroutine. Only for owners that lock their own state.
func Inline(fn func()) { fn() }

type Handle struct {
	mu        sync.Mutex
	timer     *time.Timer
	stop      chan struct{}
	cancelled bool
	fired     bool
}

func after(exec Executor, d time.Duration, fn func(h *Handle)) *Handle {
	if d < 0 {
		d = 0
	}
	h := &Handle{}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timer = time.AfterFunc(d, func() {
		exec(func() {
			if h.claim() {
				fn(h)
			}
		})
	})
	return h
}

// After runs fn once after d unless cancelled first.
func After(exec Executor, d time.Duration, fn func()) *Handle {
	return after(exec, d, func(*Handle) { fn() })
}

// Every runs fn every d until cancelled.
func Every(exec Executor, d time.Duration, fn func()) *Handle {
	h := &Handle{stop: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				exec(func() {
					if !h.Cancelled() {
						fn()
					}
				})
			}
		}
	}()
	return h
}

func (h *Handle) claim() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.fired {
		return false
	}
	h.fired = true
	return true
}

// Cancel reports whether it prevented a pending fire.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.cancelled = true
	if h.stop != nil {
		close(h.stop)
		return true
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	return !h.fired
}

func (h *Handle) Cancelled() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Pending is true while a one-shot handle can still fire, or a repeating one
// is still running.
func (h *Handle) Pending() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.cancelled && !h.fired
}
