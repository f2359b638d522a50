// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"

	"github.com/cockroachdb/altsched/pkg/util/log"
	"github.com/cockroachdb/errors"
)

// Online brings cpu back into service. Idempotent.
func (s *Scheduler) Online(ctx context.Context, cpu int) error {
	if cpu < 0 || cpu >= len(s.rqs) {
		return errors.Errorf("cpu %d out of range", cpu)
	}
	s.hotplug.Lock()
	defer s.hotplug.Unlock()

	rq := s.rqs[cpu]
	rq.lock()
	if rq.online {
		rq.unlock()
		return nil
	}
	now := s.clock.NowNanos()
	rq.clock = now
	rq.clockTask = now
	rq.loadWindowStart = 0
	rq.loadLastUpdate = 0
	rq.loadRunningNs = 0
	rq.online = true
	rq.unlock()

	s.activeMask.Set(cpu)
	s.idleMask.Set(cpu)
	log.Infof(annotateCtx(ctx, cpu), "cpu online")
	return nil
}

// Offline removes cpu from service, draining its queued tasks to other
// CPUs. A task running on cpu at the time keeps running until it blocks;
// tasks pinned exclusively to cpu have their affinity overridden, with a
// warning. The last online CPU cannot go offline.
func (s *Scheduler) Offline(ctx context.Context, cpu int) error {
	if cpu < 0 || cpu >= len(s.rqs) {
		return errors.Errorf("cpu %d out of range", cpu)
	}
	s.hotplug.Lock()
	defer s.hotplug.Unlock()

	active := s.activeMask.Snapshot()
	if active.Test(cpu) && active.Weight() == 1 {
		return errors.Errorf("cpu%d is the last online CPU", cpu)
	}

	rq := s.rqs[cpu]
	rq.lock()
	if !rq.online {
		rq.unlock()
		return nil
	}
	// Stop new placements before touching the queue so nothing lands here
	// while we drain.
	s.activeMask.Clear(cpu)
	rq.online = false
	rq.cancelBalanceCallbacks()
	rq.updateClock()

	curr := rq.curr.Load()
	var drain []*Task
	for t := rq.firstQueued(); t != rq.idle; t = rq.nextQueued(t) {
		if t != curr {
			drain = append(drain, t)
		}
	}
	rq.reschedCurr(-1)
	rq.unlock()

	for _, t := range drain {
		s.pushOffCPU(ctx, t, cpu)
	}

	rq.lock()
	rq.calcLoadMigrate()
	rq.unlock()
	s.idleMask.Clear(cpu)
	s.pendingMask.Clear(cpu)

	if s.metrics != nil {
		s.metrics.HotplugDrains.Add(float64(len(drain)))
	}
	log.Infof(annotateCtx(ctx, cpu), "cpu offline, drained %d tasks", len(drain))
	return nil
}

// pushOffCPU migrates one task away from a dying CPU, overriding its
// affinity if nothing else remains in it.
func (s *Scheduler) pushOffCPU(ctx context.Context, t *Task, cpu int) {
	t.pi.Lock()
	defer t.pi.Unlock()
	rq := s.taskRQLock(t)
	if t.CPU() != cpu || !t.Queued() {
		// Already gone: woken elsewhere or pulled in the meantime.
		rq.unlock()
		return
	}
	dest := s.selectFallbackRQ(annotateCtx(ctx, cpu), t)
	drq := s.moveQueuedTask(ctx, rq, t, dest)
	drq.unlock()
}
