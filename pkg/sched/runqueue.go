// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"math/bits"
	"sync/atomic"

	"github.com/VividCortex/ewma"
	"github.com/cockroachdb/altsched/pkg/sched/cpumask"
	"github.com/cockroachdb/altsched/pkg/util/syncutil"
)

// Timeslices with less than this left are as good as expired; there is no
// point rescheduling for so little time.
const reschedNs = 100 * 1000

// balanceArg is the one-shot active-balance request slot. Guarded by the
// runqueue lock; consumed by the stop executor.
type balanceArg struct {
	active     bool
	task       *Task
	targetMask cpumask.Mask
}

// runqueue is the per-CPU scheduling state. All fields below mu are guarded
// by it unless noted. curr is published with release semantics so external
// observers can read it lock-free.
type runqueue struct {
	sched *Scheduler
	cpu   int

	curr atomic.Pointer[Task]
	// prio caches the queue's best priority (IdleLevel when empty). Written
	// under mu, read lock-free by the preempt-mask flush.
	prio        atomic.Int32
	needResched atomic.Bool
	nrIOWait    atomic.Int64
	// timeEdge is the clock edge the deadline policy ranks against. Written
	// under mu; read lock-free when ranking a task for wakeup placement.
	timeEdge atomic.Uint64

	mu syncutil.Mutex

	queue schedQueue
	idle  *Task
	// stop is the optional per-CPU stop slot; when stopPending is set it is
	// picked before any queued task.
	stop        *Task
	stopPending bool
	online      bool
	prioIdx     int

	clock        int64
	clockTask    int64
	lastTsSwitch int64

	nrRunning         int
	nrUninterruptible int64
	nrSwitches        int64

	lastSeenNeedReschedNs int64
	ticksWithoutResched   int

	activeBalance   balanceArg
	prioBalanceTime int64

	calcLoadActive  int64
	loadAvg         ewma.MovingAverage
	loadWindowStart int64
	loadLastUpdate  int64
	loadRunningNs   int64
}

func newRunqueue(s *Scheduler, cpu int) *runqueue {
	rq := &runqueue{
		sched:   s,
		cpu:     cpu,
		prioIdx: IdleLevel,
		loadAvg: ewma.NewMovingAverage(),
	}
	rq.prio.Store(IdleLevel)

	idle := &Task{
		ID:        int64(-cpu - 1),
		Name:      "idle",
		timeSlice: s.cfg.BaseSliceNs,
	}
	idle.cpu.Store(int32(cpu))
	idle.affinity.Set(cpu)
	rq.idle = idle
	rq.curr.Store(idle)
	return rq
}

func (rq *runqueue) lock() {
	rq.mu.Lock()
}

func (rq *runqueue) unlock() {
	rq.mu.Unlock()
}

// cancelBalanceCallbacks disarms any pending active-balance request. Used
// when the runqueue goes offline.
func (rq *runqueue) cancelBalanceCallbacks() {
	rq.mu.AssertHeld()
	rq.activeBalance = balanceArg{}
}

// updateClock advances the runqueue clock from the external clock source.
// The task clock tracks it one-to-one; steal and interrupt time do not
// exist at this layer.
func (rq *runqueue) updateClock() {
	now := rq.sched.clock.NowNanos()
	delta := now - rq.clock
	if delta <= 0 {
		return
	}
	rq.clock = now
	rq.clockTask += delta
	rq.updateTimeEdge()
	rq.loadUpdate()
}

func (rq *runqueue) addNrRunning(n int) {
	rq.nrRunning += n
	if rq.nrRunning > 1 {
		rq.sched.pendingMask.Set(rq.cpu)
		rq.prioBalanceTime = rq.clock
	}
}

func (rq *runqueue) subNrRunning(n int) {
	rq.nrRunning -= n
	if rq.nrRunning < 2 {
		rq.sched.pendingMask.Clear(rq.cpu)
		rq.prioBalanceTime = 0
	}
}

// updatePreemptMask refreshes the cached top priority and maintains the
// global idle mask plus the recorded preempt-mask level incrementally.
func (rq *runqueue) updatePreemptMask() {
	prio := rq.queue.firstSet()
	last := int(rq.prio.Load())
	if prio == last {
		return
	}
	rq.prio.Store(int32(prio))
	rq.prioIdx = schedPrio2Idx(prio, rq)

	s := rq.sched
	pr := int(s.prioRecord.Load())
	if prio < last {
		if last == IdleLevel {
			s.idleMask.Clear(rq.cpu)
			last -= 2
		}
		if prio < pr && pr <= last {
			s.preemptMask[pr].Clear(rq.cpu)
		}
		return
	}
	if prio == IdleLevel {
		s.idleMask.Set(rq.cpu)
		prio -= 2
	}
	if last < pr && pr <= prio {
		s.preemptMask[pr].Set(rq.cpu)
	}
}

// enqueueTask inserts t at the level the policy derives for it. Caller
// holds the lock and has already set t's CPU to this runqueue.
func (rq *runqueue) enqueueTask(t *Task) {
	rq.mu.AssertHeld()
	idx := taskSchedIdx(t, rq)
	rq.queue.enqueue(t, idx, schedIdx2Prio(idx, rq))
	rq.updatePreemptMask()
	rq.addNrRunning(1)
}

func (rq *runqueue) dequeueTask(t *Task) {
	rq.mu.AssertHeld()
	rq.queue.dequeue(t, func(idx int) int { return schedIdx2Prio(idx, rq) })
	rq.updatePreemptMask()
	rq.subNrRunning(1)
}

// requeueTask moves t to the tail of its policy-derived level. Used when
// the policy state changed while the task stayed runnable.
func (rq *runqueue) requeueTask(t *Task) {
	rq.mu.AssertHeld()
	idx := taskSchedIdx(t, rq)
	if rq.queue.requeue(t, idx, schedIdx2Prio(idx, rq),
		func(i int) int { return schedIdx2Prio(i, rq) }) {
		rq.updatePreemptMask()
	}
}

// firstQueued returns the highest-priority queued task, or the idle task on
// an empty queue.
func (rq *runqueue) firstQueued() *Task {
	prio := rq.queue.firstSet()
	if prio == IdleLevel {
		return rq.idle
	}
	return rq.queue.heads[rq.prioIdx].head
}

// nextQueued returns the task after t in priority-then-FIFO order, or the
// idle task when t is the last queued task.
func (rq *runqueue) nextQueued(t *Task) *Task {
	if t == rq.idle {
		return rq.idle
	}
	if t.sqNext != nil {
		return t.sqNext
	}
	prio := schedIdx2Prio(t.sqIdx, rq)
	rest := rq.queue.bitmap &^ (uint64(1)<<uint(prio+1) - 1)
	next := bits.TrailingZeros64(rest)
	if next == IdleLevel {
		return rq.idle
	}
	return rq.queue.heads[schedPrio2Idx(next, rq)].head
}

// updateCurr charges the running task for the time since it was last
// charged and burns its slice.
func (rq *runqueue) updateCurr(t *Task) {
	ns := rq.clockTask - t.lastRan
	atomic.AddInt64(&t.sumExec, ns)
	t.timeSlice -= ns
	t.lastRan = rq.clockTask
}

// timeSliceExpired grants a fresh slice, lets the policy renew its state
// and requeues the task to the tail of its new level.
func (rq *runqueue) timeSliceExpired(t *Task) {
	t.timeSlice = rq.sched.cfg.BaseSliceNs
	schedTaskRenew(t, rq)
	if t.Queued() {
		rq.requeueTask(t)
	}
}

// checkCurr expires the running task's slice when too little remains.
func (rq *runqueue) checkCurr(t *Task) {
	if t == rq.idle {
		return
	}
	rq.updateCurr(t)
	if t.timeSlice < reschedNs {
		rq.timeSliceExpired(t)
	}
}

// reschedCurr marks this CPU as needing a reschedule, notifying it through
// the IPI hook when the request comes from elsewhere.
func (rq *runqueue) reschedCurr(fromCPU int) {
	if rq.needResched.Swap(true) {
		return
	}
	if rq.cpu != fromCPU && rq.sched.ipi != nil {
		rq.sched.ipi.SendIPI(rq.cpu)
	}
}

// wakeupPreempt requests a reschedule if the queue's best task is no longer
// the running one.
func (rq *runqueue) wakeupPreempt(fromCPU int) {
	if rq.firstQueued() != rq.curr.Load() {
		rq.reschedCurr(fromCPU)
	}
}

// activateTask enqueues a sleeping task and reverses any load accounting
// from its sleep. IO-wait accounting is settled by the waker against the
// runqueue the task slept on, before any migration.
func (rq *runqueue) activateTask(t *Task) {
	if t.contributesToLoad {
		rq.nrUninterruptible--
		t.contributesToLoad = false
	}
	rq.enqueueTask(t)
	t.onRq.Store(onRqQueued)
}

// deactivateTask dequeues a task that is going to sleep.
func (rq *runqueue) deactivateTask(t *Task, state TaskState) {
	if state&TaskUninterruptible != 0 {
		rq.nrUninterruptible++
		t.contributesToLoad = true
	}
	if t.inIOWait {
		rq.nrIOWait.Add(1)
	}
	schedTaskDeactivate(t, rq)
	rq.dequeueTask(t)
	t.onRq.Store(onRqNone)
}
