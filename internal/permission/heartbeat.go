package permission

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/schedule"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

// Heartbeat re-reads the authoritative role while the session is read-only,
// to recover from grant broadcasts that never arrived. Ticks and results run
// on exec; the fetch itself runs on its own goroutine.
type Heartbeat struct {
	exec     schedule.Executor
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	// Active reports whether polling is still needed.
	Active func() bool
	Fetch  func(ctx context.Context) (types.Role, error)
	// Fatal errors stop polling, e.g. an unauthorized response.
	Fatal func(err error) bool
	Apply func(role types.Role)

	handle   *schedule.Handle
	inflight bool
	stopped  bool
}

func NewHeartbeat(exec schedule.Executor, interval time.Duration, log *zap.Logger) *Heartbeat {
	return &Heartbeat{exec: exec, interval: interval, timeout: interval, log: log}
}

// Start must be called on the owner's loop.
func (h *Heartbeat) Start(ctx context.Context) {
	if h.handle != nil || h.stopped {
		return
	}
	h.handle = schedule.Every(h.exec, h.interval, func() { h.tick(ctx) })
}

func (h *Heartbeat) Stop() {
	h.stopped = true
	h.handle.Cancel()
}

func (h *Heartbeat) Running() bool {
	return h.handle != nil && !h.stopped
}

func (h *Heartbeat) tick(ctx context.Context) {
	if h.stopped {
		return
	}
	if !h.Active() {
		h.log.Debug("role heartbeat no longer needed")
		h.Stop()
		return
	}
	if h.inflight {
		return
	}
	h.inflight = true
	go func() {
		fctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		role, err := h.Fetch(fctx)
		h.exec(func() { h.result(role, err) })
	}()
}

func (h *Heartbeat) result(role types.Role, err error) {
	h.inflight = false
	if h.stopped {
		return
	}
	if err != nil {
		if h.Fatal != nil && h.Fatal(err) {
			h.log.Info("role heartbeat stopped", zap.Error(err))
			h.Stop()
			return
		}
		h.log.Debug("role heartbeat failed", zap.Error(err))
		return
	}
	h.Apply(role)
	if !h.Active() {
		h.Stop()
	}
}
