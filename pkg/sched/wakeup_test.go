// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/altsched/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func TestConcurrentWakeupSingleWinner(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, _ := newTestScheduler(t, Config{NumCPUs: 4})

	t1 := startTask(t, s, TaskConfig{Name: "t1"})
	require.Equal(t, t1, s.Schedule(ctx, 0, false))
	t1.BeginSleep(false)
	s.Schedule(ctx, 0, false)
	require.False(t, t1.Queued())

	const wakers = 8
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < wakers; i++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			if s.TryWakeUp(ctx, t1, TaskNormal, cpu, 0) {
				won.Add(1)
			}
		}(i % s.NumCPUs())
	}
	wg.Wait()

	require.Equal(t, int32(1), won.Load())
	require.True(t, t1.Queued())
	require.Equal(t, TaskRunning, t1.State())

	total := 0
	for cpu := 0; cpu < s.NumCPUs(); cpu++ {
		total += s.NrRunning(cpu)
	}
	require.Equal(t, 1, total)
}

func TestWakeupStateMask(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, _ := newTestScheduler(t, Config{NumCPUs: 1})

	t1 := startTask(t, s, TaskConfig{Name: "t1"})
	require.Equal(t, t1, s.Schedule(ctx, 0, false))
	t1.BeginSleep(true)
	s.Schedule(ctx, 0, false)

	// An interruptible-only wakeup must not disturb uninterruptible sleep.
	require.False(t, s.TryWakeUp(ctx, t1, TaskInterruptible, 0, 0))
	require.Equal(t, TaskUninterruptible, t1.State())
	require.True(t, s.TryWakeUp(ctx, t1, TaskUninterruptible, 0, 0))
	require.Equal(t, TaskRunning, t1.State())
}

func TestWakeCurrentCPUHint(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, _ := newTestScheduler(t, Config{NumCPUs: 4})

	t1 := startTask(t, s, TaskConfig{Name: "t1"})
	require.Equal(t, t1, s.Schedule(ctx, 0, false))
	t1.BeginSleep(false)
	s.Schedule(ctx, 0, false)

	require.True(t, s.TryWakeUp(ctx, t1, TaskNormal, 3, WakeCurrentCPU))
	require.Equal(t, 3, t1.CPU())
}

func TestWakeupRacesWithSchedule(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, _ := newTestScheduler(t, Config{NumCPUs: 2})

	t1 := startTask(t, s, TaskConfig{Name: "t1", Affinity: maskOf(0)})
	require.Equal(t, t1, s.Schedule(ctx, 0, false))

	// Hammer the sleep/wake/schedule cycle from two goroutines: one plays
	// the CPU, the other the waker. The task must never be lost or doubly
	// queued.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			for !s.TryWakeUp(ctx, t1, TaskNormal, 1, 0) {
				if t1.Queued() || t1.State() == TaskRunning {
					break
				}
			}
		}
	}()
	for i := 0; i < 1000; i++ {
		if s.CurrentTask(0) == t1 {
			t1.BeginSleep(false)
		}
		s.Schedule(ctx, 0, false)
	}
	<-done

	// Settle: wake it one last time if the final iteration left it asleep.
	s.TryWakeUp(ctx, t1, TaskNormal, 0, 0)
	require.Equal(t, TaskRunning, t1.State())
	require.True(t, t1.Queued())
	require.Equal(t, 1, s.NrRunning(0))
}
