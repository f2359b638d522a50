// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"

	"github.com/cockroachdb/altsched/pkg/sched/cpumask"
	"github.com/cockroachdb/altsched/pkg/util/log"
)

// SetStopTask installs t as cpu's stop slot. The stop slot bypasses the
// priority queue: whenever it is marked pending it is picked before any
// queued task. Pass nil to clear.
func (s *Scheduler) SetStopTask(cpu int, t *Task) {
	rq := s.rqs[cpu]
	rq.lock()
	defer rq.unlock()
	rq.stop = t
	if t != nil {
		t.cpu.Store(int32(cpu))
	}
}

// MarkStopPending flags or unflags cpu's stop slot as runnable and requests
// a reschedule when setting it.
func (s *Scheduler) MarkStopPending(cpu int, pending bool) {
	rq := s.rqs[cpu]
	rq.lock()
	defer rq.unlock()
	rq.stopPending = pending && rq.stop != nil
	if rq.stopPending {
		rq.reschedCurr(-1)
	}
}

// chooseNextTask returns the task cpu should run next. Called with rq
// locked; may drop and retake the lock to pull work or push a misplaced
// task.
func (s *Scheduler) chooseNextTask(ctx context.Context, rq *runqueue) *Task {
	if rq.stopPending {
		return rq.stop
	}
	for {
		next := rq.firstQueued()
		if next == rq.idle {
			if rq.online && s.takeOtherRQTasks(ctx, rq) {
				continue
			}
			return rq.idle
		}
		if next == rq.curr.Load() || (rq.online && next.affinity.Test(rq.cpu)) {
			// The running task is never pushed away from under itself; a
			// dying CPU keeps it until it blocks.
			return next
		}
		// The task may not run here anymore, either because its affinity
		// changed while it sat queued or because the CPU is going offline.
		// Push it to a CPU it can run on and pick again.
		s.pushMisplacedTask(ctx, rq, next)
	}
}

// pushMisplacedTask moves a queued task that is no longer allowed on rq's
// CPU. rq is locked on entry and on return.
func (s *Scheduler) pushMisplacedTask(ctx context.Context, rq *runqueue, t *Task) {
	var valid cpumask.Mask
	dest := cpumask.MaxCPUs
	if valid.And(t.affinity, s.activeMask.Snapshot()) {
		dest = s.topo.BestCPU(rq.cpu, valid)
	}
	if dest == cpumask.MaxCPUs {
		// No online CPU in the mask right now. Park it on any active CPU;
		// the affinity override, if one is due, happens on the hot-plug
		// path which holds the locks needed to rewrite the mask.
		dest = s.activeMask.Snapshot().FirstSetFrom(rq.cpu)
		if dest == cpumask.MaxCPUs || dest == rq.cpu {
			return
		}
		log.VEventf(annotateCtx(ctx, rq.cpu), 1,
			"no allowed online CPU for %s; parking on cpu%d", t, dest)
	}
	drq := s.moveQueuedTask(ctx, rq, t, dest)
	drq.unlock()
	rq.lock()
	rq.updateClock()
}
