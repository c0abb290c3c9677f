// Package persist writes the canonical snapshot to the durable Project Store.
// Saves are debounced and best effort: a failed save is logged and forgotten,
// the next local change schedules another.
package persist

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/schedule"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

type Saver interface {
	SaveDiagram(ctx context.Context, projectID string, s types.DiagramSnapshotV1) error
}

type Scheduler struct {
	projectID string
	saver     Saver
	timeout   time.Duration
	log       *zap.Logger
	ctx       context.Context

	// Snapshot supplies the state to save at fire time.
	Snapshot func() (types.DiagramSnapshotV1, bool)
	// Allowed gates saving on the session's credential and role.
	Allowed func() bool
	// OnResult, if set, is called on the saving goroutine after every attempt.
	OnResult func(err error)

	debounce *schedule.Debouncer
}

func NewScheduler(ctx context.Context, exec schedule.Executor, window time.Duration, projectID string, saver Saver, log *zap.Logger) *Scheduler {
	s := &Scheduler{projectID: projectID, saver: saver, timeout: 10 * time.Second, log: log, ctx: ctx}
	s.debounce = schedule.NewDebouncer(exec, window, s.fire)
	return s
}

// ScheduleSave (re)starts the debounce window.
func (s *Scheduler) ScheduleSave() {
	if s.Allowed != nil && !s.Allowed() {
		return
	}
	s.debounce.Trigger()
}

func (s *Scheduler) Pending() bool { return s.debounce.Pending() }

func (s *Scheduler) Stop() { s.debounce.Cancel() }

func (s *Scheduler) fire() {
	if s.Allowed != nil && !s.Allowed() {
		return
	}
	snap, ok := s.Snapshot()
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		err := s.saver.SaveDiagram(ctx, s.projectID, snap)
		if err != nil {
			s.log.Info("save deferred", zap.String("project", s.projectID), zap.Error(err))
		} else {
			s.log.Debug("saved diagram", zap.String("project", s.projectID), zap.Int("nodes", len(snap.Nodes)))
		}
		if s.OnResult != nil {
			s.OnResult(err)
		}
	}()
}
