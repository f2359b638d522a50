// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"
	"runtime"
)

// WakeFlags modify TryWakeUp placement.
type WakeFlags int

const (
	// WakeCurrentCPU hints that the wakee shares cache-hot state with the
	// waker and should land on the waker's CPU if allowed there.
	WakeCurrentCPU WakeFlags = 1 << iota
)

// TryWakeUp transitions t out of a sleeping state matched by stateMask and
// enqueues it on a CPU chosen by the wake-affinity rule. Returns true if
// this call performed the wakeup, false if the task was not in a matching
// state (already awake, or woken by a concurrent caller).
//
// At most one waker wins: the task's pi lock serializes the state check
// against concurrent wakeups, and the runqueue lock serializes the
// still-queued fast path against the task's own Schedule dequeue.
func (s *Scheduler) TryWakeUp(
	ctx context.Context, t *Task, stateMask TaskState, wakerCPU int, flags WakeFlags,
) bool {
	t.pi.Lock()
	defer t.pi.Unlock()

	st := t.State()
	if st == TaskRunning || st&stateMask == 0 {
		return false
	}

	if t.Queued() {
		if s.ttwuRunnable(t, wakerCPU) {
			return true
		}
	}

	t.state.Store(int32(TaskWaking))

	// The previous CPU may still be switching the task out. Wait for it to
	// let go before touching scheduling state or migrating.
	for t.onCPU.Load() {
		runtime.Gosched()
	}

	schedTaskTTWU(t, s.clock.NowNanos(), s.cfg.BaseSliceNs)

	var cpu int
	if flags&WakeCurrentCPU != 0 && s.isCPUAllowed(t, wakerCPU) {
		cpu = wakerCPU
	} else {
		cpu = s.selectTaskRQ(ctx, t)
	}

	if t.inIOWait {
		// Settle the sleep-side iowait increment against the runqueue the
		// task slept on, before any CPU change.
		s.rqs[t.CPU()].nrIOWait.Add(-1)
	}
	if cpu != t.CPU() {
		t.cpu.Store(int32(cpu))
		if s.metrics != nil {
			s.metrics.WakeMigrations.Inc()
		}
	}

	rq := s.rqs[cpu]
	rq.lock()
	rq.updateClock()
	schedTaskSanityCheck(t, rq)
	rq.activateTask(t)
	t.state.Store(int32(TaskRunning))
	rq.wakeupPreempt(wakerCPU)
	rq.unlock()

	if s.metrics != nil {
		s.metrics.Wakeups.Inc()
	}
	return true
}

// ttwuRunnable is the still-queued fast path: a task that marked itself
// sleeping but has not yet been dequeued only needs its state flipped back.
func (s *Scheduler) ttwuRunnable(t *Task, wakerCPU int) bool {
	rq := s.taskRQLock(t)
	defer rq.unlock()
	if !t.Queued() {
		return false
	}
	rq.updateClock()
	t.state.Store(int32(TaskRunning))
	rq.wakeupPreempt(wakerCPU)
	return true
}
