// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"

	"github.com/cockroachdb/altsched/pkg/sched/cpumask"
)

// selectTaskRQ picks the CPU a waking task should land on: an idle allowed
// CPU if one exists, else an allowed CPU running lower-priority work, else
// the topologically closest allowed CPU. Caller holds t.pi.
func (s *Scheduler) selectTaskRQ(ctx context.Context, t *Task) int {
	var allow cpumask.Mask
	if !allow.And(t.affinity, s.activeMask.Snapshot()) {
		return s.selectFallbackRQ(ctx, t)
	}
	var m cpumask.Mask
	if m.And(allow, s.idleMask.Snapshot()) {
		return s.topo.BestCPU(t.CPU(), m)
	}
	prio := taskSchedPrio(t, s.rqs[t.CPU()])
	if s.preemptMaskCheck(&m, allow, prio) {
		return s.topo.BestCPU(t.CPU(), m)
	}
	return s.topo.BestCPU(t.CPU(), allow)
}

// selectFallbackRQ handles a task whose allowed set no longer intersects
// the online CPUs: widen the mask to all CPUs and place it on any active
// one. Caller holds t.pi.
func (s *Scheduler) selectFallbackRQ(ctx context.Context, t *Task) int {
	var m cpumask.Mask
	if m.And(t.affinity, s.activeMask.Snapshot()) {
		return m.FirstSetFrom(t.CPU())
	}
	warnPolicyOverride(ctx, t, t.CPU())
	t.affinity = cpumask.Range(len(s.rqs))
	if s.metrics != nil {
		s.metrics.AffinityOverrides.Inc()
	}
	m.And(t.affinity, s.activeMask.Snapshot())
	return m.FirstSetFrom(t.CPU())
}

// preemptMaskCheck intersects allow with the set of CPUs whose running
// priority is below prio, rebuilding the cached level lazily when prio
// differs from the recorded one.
func (s *Scheduler) preemptMaskCheck(out *cpumask.Mask, allow cpumask.Mask, prio int) bool {
	pr := int(s.prioRecord.Load())
	if pr != prio {
		s.preemptMaskFlush(prio, pr)
		s.prioRecord.Store(int32(prio))
	}
	return out.And(allow, s.preemptMask[prio].Snapshot())
}

// preemptMaskFlush rebuilds level prio from the recorded level ref. Walking
// only the bits that can differ keeps the rebuild proportional to the
// priority distance rather than the machine size in the common case.
func (s *Scheduler) preemptMaskFlush(prio, ref int) {
	mask := s.preemptMask[ref].Snapshot()
	if prio < ref {
		for cpu := range s.rqs {
			if !mask.Test(cpu) && prio < int(s.rqs[cpu].prio.Load()) {
				mask.Set(cpu)
			}
		}
	} else {
		mask.ForEach(func(cpu int) {
			if prio >= int(s.rqs[cpu].prio.Load()) {
				mask.Clear(cpu)
			}
		})
	}
	s.preemptMask[prio].Store(mask)
}

// moveQueuedTask migrates a queued task from src, which the caller holds
// locked, to dest. Returns with dest's runqueue locked and src's released.
// The migrating on-rq state covers the window where the task belongs to
// neither queue.
func (s *Scheduler) moveQueuedTask(
	ctx context.Context, src *runqueue, t *Task, dest int,
) *runqueue {
	t.onRq.Store(onRqMigrating)
	src.dequeueTask(t)
	t.cpu.Store(int32(dest))
	src.unlock()
	return s.enqueueMigrated(t, dest)
}

func (s *Scheduler) enqueueMigrated(t *Task, dest int) *runqueue {
	drq := s.rqs[dest]
	drq.lock()
	drq.updateClock()
	schedTaskSanityCheck(t, drq)
	drq.enqueueTask(t)
	t.onRq.Store(onRqQueued)
	drq.wakeupPreempt(-1)
	if s.metrics != nil {
		s.metrics.Migrations.Inc()
	}
	return drq
}

// doubleLockBalance acquires src's lock while rq's is held, releasing and
// retaking rq's when the CPU-ordered lock hierarchy demands it. The caller
// must revalidate rq's state afterward.
func (s *Scheduler) doubleLockBalance(rq, src *runqueue) {
	if src.cpu > rq.cpu {
		src.lock()
		return
	}
	rq.unlock()
	src.lock()
	rq.lock()
}

// takeOtherRQTasks pulls runnable tasks from the nearest CPU with more
// than one, walking the topology rings outward. Called with rq locked and
// empty; returns true if rq has work afterward.
func (s *Scheduler) takeOtherRQTasks(ctx context.Context, rq *runqueue) bool {
	pending := s.pendingMask.Snapshot()
	pending.Clear(rq.cpu)
	if pending.Empty() {
		return false
	}
	for _, ring := range s.topo.Rings(rq.cpu) {
		var m cpumask.Mask
		if !m.And(pending, ring) {
			continue
		}
		for {
			cpu := m.FirstSetFrom(rq.cpu)
			if cpu == cpumask.MaxCPUs {
				break
			}
			m.Clear(cpu)
			src := s.rqs[cpu]
			s.doubleLockBalance(rq, src)
			if !rq.online || rq.queue.firstSet() != IdleLevel {
				// The lock was dropped and either work arrived on its own
				// or the CPU went offline under us.
				src.unlock()
				return rq.queue.firstSet() != IdleLevel
			}
			n := 0
			if src.online && src.nrRunning > 1 {
				n = s.migratePendingTasks(ctx, src, rq)
			}
			src.unlock()
			if n > 0 {
				if s.metrics != nil {
					s.metrics.Pulls.Add(float64(n))
				}
				return true
			}
		}
	}
	return false
}

// migratePendingTasks moves up to half of src's queue, capped at NrMigrate,
// to dst. Both runqueues are locked; the running task never moves.
func (s *Scheduler) migratePendingTasks(ctx context.Context, src, dst *runqueue) int {
	tries := src.nrRunning / 2
	if tries > s.cfg.NrMigrate {
		tries = s.cfg.NrMigrate
	}
	// Scan starts just past the running task so it is skipped structurally
	// and never burns a try.
	curr := src.curr.Load()
	var p *Task
	if curr == src.idle {
		p = src.firstQueued()
	} else {
		p = src.nextQueued(curr)
	}
	n := 0
	for ; p != src.idle && tries > 0; tries-- {
		next := src.nextQueued(p)
		if p.affinity.Test(dst.cpu) {
			src.dequeueTask(p)
			p.cpu.Store(int32(dst.cpu))
			schedTaskSanityCheck(p, dst)
			dst.enqueueTask(p)
			n++
		}
		p = next
	}
	return n
}

// prioBalance pushes rq's best waiter to a CPU running lower-priority work
// once the waiter has been stuck behind the running task for two full
// slices with no idle CPU in sight. Called with rq locked from the
// no-switch path of Schedule; on success the task is returned already
// dequeued and the caller completes the move after releasing the lock.
func (s *Scheduler) prioBalance(ctx context.Context, rq *runqueue) (*Task, int) {
	if !rq.online || rq.nrRunning < 2 || rq.prioBalanceTime == 0 ||
		rq.clock-rq.prioBalanceTime < 2*s.cfg.BaseSliceNs {
		return nil, 0
	}
	if !s.idleMask.Snapshot().Empty() {
		// An idle CPU will pull on its own; pushing would fight it.
		return nil, 0
	}
	curr := rq.curr.Load()
	t := rq.firstQueued()
	if t == curr {
		t = rq.nextQueued(t)
	}
	if t == rq.idle {
		return nil, 0
	}
	// Candidates run exactly one task: busy but not oversubscribed.
	var singles cpumask.Mask
	if !singles.AndNot(s.activeMask.Snapshot(), s.pendingMask.Snapshot()) {
		return nil, 0
	}
	singles.Clear(rq.cpu)
	var allow cpumask.Mask
	if !allow.And(singles, t.affinity) {
		return nil, 0
	}
	var preemptable cpumask.Mask
	if !s.preemptMaskCheck(&preemptable, allow, taskSchedPrio(t, rq)) {
		return nil, 0
	}
	dest := s.topo.BestCPU(rq.cpu, preemptable)
	if dest == cpumask.MaxCPUs {
		return nil, 0
	}
	rq.prioBalanceTime = rq.clock
	t.onRq.Store(onRqMigrating)
	rq.dequeueTask(t)
	t.cpu.Store(int32(dest))
	return t, dest
}

// finishPush completes a migration whose dequeue half ran under another
// runqueue's lock.
func (s *Scheduler) finishPush(ctx context.Context, t *Task, dest int) {
	drq := s.enqueueMigrated(t, dest)
	drq.unlock()
}

// idleBalance runs after a CPU commits to idle with nothing to pull: look
// for a nearby CPU whose single running task is allowed here and ask its
// stop context to push the task over once it is switched out. Tasks
// running below default priority are not worth an active move.
func (s *Scheduler) idleBalance(ctx context.Context, cpu int) {
	var busy cpumask.Mask
	if !busy.AndNot(s.activeMask.Snapshot(), s.idleMask.Snapshot()) {
		return
	}
	var m cpumask.Mask
	if !m.AndNot(busy, s.pendingMask.Snapshot()) {
		return
	}
	m.Clear(cpu)
	for _, ring := range s.topo.Rings(cpu) {
		var cand cpumask.Mask
		if !cand.And(m, ring) {
			continue
		}
		for _, srcCPU := range cand.List() {
			src := s.rqs[srcCPU]
			t := src.curr.Load()
			if t == src.idle || taskRunningNice(t) || !t.Affinity().Test(cpu) {
				continue
			}
			if s.tryQueueActiveBalance(src, t, cpu) {
				s.stopExec.Run(srcCPU, func() { s.activeBalanceStop(ctx, src) })
				return
			}
		}
	}
}

// tryQueueActiveBalance arms src's one-shot active-balance slot for t.
func (s *Scheduler) tryQueueActiveBalance(src *runqueue, t *Task, dest int) bool {
	src.lock()
	defer src.unlock()
	if !src.online || src.activeBalance.active || src.curr.Load() != t || src.nrRunning != 1 {
		return false
	}
	var mask cpumask.Mask
	mask.Set(dest)
	src.activeBalance = balanceArg{active: true, task: t, targetMask: mask}
	if src.stop != nil {
		// With a stop slot installed the next pick runs the stop task,
		// which switches t out while leaving it queued; the stop work can
		// then move it.
		src.stopPending = true
	}
	src.reschedCurr(dest)
	return true
}

// activeBalanceStop runs in src's stop context. It revalidates the armed
// request from scratch; any change since arming cancels the move.
func (s *Scheduler) activeBalanceStop(ctx context.Context, src *runqueue) {
	src.lock()
	arg := src.activeBalance
	src.activeBalance = balanceArg{}
	if !arg.active {
		src.unlock()
		return
	}
	t := arg.task
	var dest cpumask.Mask
	ok := src.online && t.Queued() && t.CPU() == src.cpu && t != src.curr.Load() &&
		dest.And(arg.targetMask, s.idleMask.Snapshot()) &&
		t.affinity.Intersects(dest)
	if !ok {
		src.unlock()
		return
	}
	src.updateClock()
	drq := s.moveQueuedTask(ctx, src, t, dest.FirstSet())
	drq.unlock()
	if s.metrics != nil {
		s.metrics.ActiveBalances.Inc()
	}
}
