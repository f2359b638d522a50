// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/altsched/pkg/util/leaktest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestWakeupPlacement(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, _ := newTestScheduler(t, Config{NumCPUs: 2})

	t1 := startTask(t, s, TaskConfig{Name: "t1"})
	require.Equal(t, 0, t1.CPU())
	require.Equal(t, t1, s.Schedule(ctx, 0, false))

	// The idle CPU wins over the busy preferred one.
	t2 := startTask(t, s, TaskConfig{Name: "t2"})
	require.Equal(t, 1, t2.CPU())
	require.Equal(t, t2, s.Schedule(ctx, 1, false))

	// With no CPU idle, a high-priority task goes where it can preempt.
	t3 := startTask(t, s, TaskConfig{Name: "t3", Nice: MinNice})
	require.Equal(t, 0, t3.CPU())
}

func TestIdlePull(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	clk := &manualClock{}
	m := NewMetrics(nil)
	s, err := NewScheduler(Config{NumCPUs: 2, Clock: clk, Metrics: m})
	require.NoError(t, err)

	require.NoError(t, s.Offline(ctx, 1))
	t1 := startTask(t, s, TaskConfig{Name: "t1"})
	t2 := startTask(t, s, TaskConfig{Name: "t2"})
	t3 := startTask(t, s, TaskConfig{Name: "t3"})
	require.Equal(t, 0, t2.CPU())
	require.Equal(t, 0, t3.CPU())
	require.Equal(t, t1, s.Schedule(ctx, 0, false))

	require.NoError(t, s.Online(ctx, 1))
	// The fresh CPU finds nothing local and pulls from its busy sibling.
	pulled := s.Schedule(ctx, 1, false)
	require.Equal(t, t2, pulled)
	require.Equal(t, 1, t2.CPU())
	require.Equal(t, 2, s.NrRunning(0))
	require.Equal(t, 1, s.NrRunning(1))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Pulls))
}

func TestSetAffinityMovesQueuedTask(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, _ := newTestScheduler(t, Config{NumCPUs: 2})

	t1 := startTask(t, s, TaskConfig{Name: "t1", Affinity: maskOf(0)})
	require.Equal(t, 1, s.NrRunning(0))

	require.NoError(t, s.SetAffinity(ctx, t1, maskOf(1)))
	require.Equal(t, 1, t1.CPU())
	require.Equal(t, 0, s.NrRunning(0))
	require.Equal(t, 1, s.NrRunning(1))

	require.Error(t, s.SetAffinity(ctx, t1, maskOf()))
	require.NoError(t, s.Offline(ctx, 0))
	require.Error(t, s.SetAffinity(ctx, t1, maskOf(0)))
}

func TestPickPushesMisplacedTask(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, _ := newTestScheduler(t, Config{NumCPUs: 2})

	t1 := startTask(t, s, TaskConfig{Name: "t1", Affinity: maskOf(0)})
	require.Equal(t, t1, s.Schedule(ctx, 0, false))
	hi := startTask(t, s, TaskConfig{Name: "hi", Nice: MinNice, Affinity: maskOf(0)})

	// Yank hi's affinity out from under the queue, simulating a racing
	// affinity change the pick path has to clean up.
	hi.pi.Lock()
	rq := s.taskRQLock(hi)
	hi.affinity = maskOf(1)
	rq.unlock()
	hi.pi.Unlock()

	require.Equal(t, t1, s.Schedule(ctx, 0, true))
	require.Equal(t, 1, hi.CPU())
	require.True(t, hi.Queued())
	require.Equal(t, hi, s.Schedule(ctx, 1, false))
}

func TestHotplugDrain(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	clk := &manualClock{}
	m := NewMetrics(nil)
	s, err := NewScheduler(Config{NumCPUs: 2, Clock: clk, Metrics: m})
	require.NoError(t, err)

	free := startTask(t, s, TaskConfig{Name: "free", Affinity: maskOf(0, 1)})
	pinned := startTask(t, s, TaskConfig{Name: "pinned", Affinity: maskOf(0)})
	require.Equal(t, 0, pinned.CPU())

	require.NoError(t, s.Offline(ctx, 0))
	require.Equal(t, 1, free.CPU())
	require.Equal(t, 1, pinned.CPU())
	// The pinned task had nowhere legal to go; its mask was overridden.
	require.Equal(t, s.NumCPUs(), pinned.Affinity().Weight())
	require.Equal(t, 0, s.NrRunning(0))
	require.GreaterOrEqual(t, testutil.ToFloat64(m.HotplugDrains), 2.0)
	require.Equal(t, 1.0, testutil.ToFloat64(m.AffinityOverrides))

	// Offline is idempotent; the last CPU is refused.
	require.NoError(t, s.Offline(ctx, 0))
	require.Error(t, s.Offline(ctx, 1))
	require.NoError(t, s.Online(ctx, 0))
	require.NoError(t, s.Online(ctx, 0))
}

func TestActiveBalanceViaStopSlot(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	clk := &manualClock{}
	exec := newStashExec()
	m := NewMetrics(nil)
	s, err := NewScheduler(Config{NumCPUs: 2, Clock: clk, StopExec: exec, Metrics: m})
	require.NoError(t, err)

	stopT, err := s.NewTask(TaskConfig{Name: "migration/0"})
	require.NoError(t, err)
	s.SetStopTask(0, stopT)

	t1 := startTask(t, s, TaskConfig{Name: "t1"})
	require.Equal(t, t1, s.Schedule(ctx, 0, false))

	// cpu1 goes idle with nothing to pull; it asks cpu0's stop context to
	// hand over the single running task.
	require.Equal(t, s.CurrentTask(1), s.Schedule(ctx, 1, false))
	require.True(t, s.NeedResched(0))

	// cpu0 reschedules into its stop slot, switching t1 out but leaving it
	// queued; the stop work can then move it.
	require.Equal(t, stopT, s.Schedule(ctx, 0, true))
	require.Equal(t, 1, exec.runAll(0))
	require.Equal(t, 1, t1.CPU())
	require.Equal(t, 1.0, testutil.ToFloat64(m.ActiveBalances))

	s.MarkStopPending(0, false)
	require.Equal(t, t1, s.Schedule(ctx, 1, false))
}

// Changing a running task's affinity away from its CPU must move it through
// the stop worker: the next pick runs the stop slot, switching the task out
// but leaving it queued, and the stop work carries it to an allowed CPU.
func TestSetAffinityMigratesRunningTask(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	clk := &manualClock{}
	exec := newStashExec()
	s, err := NewScheduler(Config{NumCPUs: 2, Clock: clk, StopExec: exec})
	require.NoError(t, err)
	exec.sched = s

	stopT, err := s.NewTask(TaskConfig{Name: "migration/0"})
	require.NoError(t, err)
	s.SetStopTask(0, stopT)

	t1 := startTask(t, s, TaskConfig{Name: "t1", Affinity: maskOf(0)})
	require.Equal(t, t1, s.Schedule(ctx, 0, false))

	require.NoError(t, s.SetAffinity(ctx, t1, maskOf(1)))
	// The move is deferred to cpu0's stop worker; until the task is
	// switched out it stays put.
	require.Equal(t, 0, t1.CPU())
	require.True(t, s.NeedResched(0))

	require.Equal(t, stopT, s.Schedule(ctx, 0, true))
	require.Equal(t, 1, exec.runAll(0))
	s.MarkStopPending(0, false)
	require.Equal(t, 1, t1.CPU())
	require.True(t, t1.Queued())

	require.Equal(t, s.rqs[0].idle, s.Schedule(ctx, 0, true))
	require.Equal(t, t1, s.Schedule(ctx, 1, false))
}

// Active balance only moves tasks running at or above default priority; a
// lone nice task is left where it is.
func TestIdleBalanceSkipsNiceTask(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	clk := &manualClock{}
	exec := newStashExec()
	s, err := NewScheduler(Config{NumCPUs: 2, Clock: clk, StopExec: exec})
	require.NoError(t, err)

	stopT, err := s.NewTask(TaskConfig{Name: "migration/0"})
	require.NoError(t, err)
	s.SetStopTask(0, stopT)

	t1 := startTask(t, s, TaskConfig{Name: "t1", Nice: 10})
	require.Equal(t, t1, s.Schedule(ctx, 0, false))

	// cpu1 goes idle with nothing to pull and no worthwhile victim.
	require.Equal(t, s.CurrentTask(1), s.Schedule(ctx, 1, false))
	require.Zero(t, exec.runAll(0))
	require.False(t, s.NeedResched(0))
	require.Equal(t, 0, t1.CPU())
}

func TestPrioBalancePush(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, clk := newTestScheduler(t, Config{NumCPUs: 2})

	t1 := startTask(t, s, TaskConfig{Name: "t1", Affinity: maskOf(0)})
	require.Equal(t, t1, s.Schedule(ctx, 0, false))
	t3 := startTask(t, s, TaskConfig{Name: "t3", Nice: MaxNice, Affinity: maskOf(1)})
	require.Equal(t, t3, s.Schedule(ctx, 1, false))

	t2 := startTask(t, s, TaskConfig{Name: "t2", Nice: 10, Affinity: maskOf(0)})
	require.Equal(t, 0, t2.CPU())
	require.NoError(t, s.SetAffinity(ctx, t2, maskOf(0, 1)))

	// t2 has been stuck behind t1 for two slices with the whole machine
	// busy; the no-switch path pushes it onto the CPU running nicer work.
	clk.Advance(2*s.cfg.BaseSliceNs + int64(time.Millisecond))
	require.Equal(t, t1, s.Schedule(ctx, 0, true))
	require.Equal(t, 1, t2.CPU())
	require.True(t, s.NeedResched(1))
}
