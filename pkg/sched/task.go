// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/altsched/pkg/sched/cpumask"
	"github.com/cockroachdb/altsched/pkg/util/syncutil"
)

// TaskState is the runtime state of a task. Wakers flip a sleeping task to
// TaskWaking with a CAS under the task's pi lock; the scheduler publishes
// TaskRunning once the task is enqueued.
type TaskState int32

const (
	// TaskRunning means runnable or currently executing.
	TaskRunning TaskState = 0
	// TaskInterruptible is a voluntary sleep wakeable by any event.
	TaskInterruptible TaskState = 1 << iota
	// TaskUninterruptible is a sleep that contributes to load and is only
	// wakeable by its specific event.
	TaskUninterruptible
	// TaskWaking is the transient state between a winning wakeup CAS and the
	// enqueue on the chosen runqueue.
	TaskWaking
	// TaskNew is a forked task that has never been enqueued.
	TaskNew
	// TaskDead is terminal.
	TaskDead
)

// TaskNormal matches any sleeping state. Wakers pass it when they do not
// care which kind of sleep they are interrupting.
const TaskNormal = TaskInterruptible | TaskUninterruptible

// on-rq states. The migrating state is observable only between a dequeue on
// one CPU and the matching enqueue on another.
const (
	onRqNone int32 = iota
	onRqQueued
	onRqMigrating
)

// Class is the scheduling class of a task.
type Class int8

const (
	// ClassNormal is the default timesharing class.
	ClassNormal Class = iota
	// ClassBatch is for throughput-oriented tasks; it never earns a
	// priority boost.
	ClassBatch
	// ClassIdle runs only when nothing else wants the CPU; like batch it
	// never boosts.
	ClassIdle
)

func (c Class) String() string {
	switch c {
	case ClassNormal:
		return "normal"
	case ClassBatch:
		return "batch"
	case ClassIdle:
		return "idle"
	default:
		return fmt.Sprintf("class(%d)", int8(c))
	}
}

// Nice bounds, matching the usual 40-value nice range.
const (
	MinNice = -20
	MaxNice = 19
)

// Task is the scheduler's view of a schedulable unit. The scheduler does not
// own the task's execution; the embedder runs whatever Schedule returns and
// reports back through Tick, Sleep and TryWakeUp.
//
// Field groups and their locking:
//   - state, onRq, cpu, onCPU: atomics, written under the documented locks
//     but readable lock-free.
//   - pi: serializes wakeups and affinity changes; ordered before any
//     runqueue lock.
//   - everything below pi is protected by the runqueue lock of the CPU the
//     task is on.
type Task struct {
	ID   int64
	Name string

	state atomic.Int32
	onRq  atomic.Int32
	cpu   atomic.Int32
	// onCPU is true while the task is the one actually executing on its
	// CPU. A waker must wait for the scheduler to finish switching the task
	// out before migrating it; see TryWakeUp.
	onCPU atomic.Bool

	pi syncutil.Mutex
	// affinity is written under pi plus the task's runqueue lock; read
	// under either.
	affinity cpumask.Mask

	nice  int
	class Class

	// Intrusive queue linkage, owned by the runqueue lock.
	sqPrev, sqNext *Task
	sqIdx          int

	// Accounting, owned by the runqueue lock.
	timeSlice int64
	lastRan   int64
	sumExec   int64
	inIOWait  bool
	// contributesToLoad is set when the task entered uninterruptible sleep;
	// cleared on wake.
	contributesToLoad bool

	// ps is the compiled-in policy's per-task state.
	ps policyState
}

// State returns the task's runtime state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// CPU returns the CPU the task is (last) assigned to.
func (t *Task) CPU() int {
	return int(t.cpu.Load())
}

// Queued returns whether the task is enqueued on some runqueue.
func (t *Task) Queued() bool {
	return t.onRq.Load() == onRqQueued
}

// Affinity returns a copy of the task's allowed-CPU mask. Racy with respect
// to concurrent SetAffinity; callers needing stability must hold the task's
// runqueue lock through the scheduler's operations.
func (t *Task) Affinity() cpumask.Mask {
	t.pi.Lock()
	defer t.pi.Unlock()
	return t.affinity
}

// Nice returns the task's nice value.
func (t *Task) Nice() int {
	return t.nice
}

// SumExec returns the accumulated execution time in nanoseconds. Only exact
// when the task is not currently running.
func (t *Task) SumExec() int64 {
	return atomic.LoadInt64(&t.sumExec)
}

// BeginSleep marks the running task as about to sleep. The next Schedule on
// its CPU dequeues it unless a wakeup races in first, in which case the
// state is already back to TaskRunning and the task stays queued.
func (t *Task) BeginSleep(uninterruptible bool) {
	st := TaskInterruptible
	if uninterruptible {
		st = TaskUninterruptible
	}
	t.state.Store(int32(st))
}

// CancelSleep reverts BeginSleep before the task reaches Schedule.
func (t *Task) CancelSleep() {
	t.state.Store(int32(TaskRunning))
}

// SetIOWait tags the task's next sleep as waiting on IO, which feeds the
// runqueue's iowait counter.
func (t *Task) SetIOWait(v bool) {
	t.inIOWait = v
}

func (t *Task) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%d", t.Name, t.ID)
}
