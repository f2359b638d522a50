// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

//go:build !sched_pds

package sched

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/altsched/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func TestBMQPrioMapping(t *testing.T) {
	defer leaktest.AfterTest(t)()

	cases := []struct {
		nice, boost, prio int
	}{
		{0, maxBoost, 48},
		{0, 0, 42},
		{0, -maxBoost, 36},
		{MinNice, -maxBoost, 26}, // boosted below the normal band floor
		{MaxNice, maxBoost, 57},
	}
	for _, c := range cases {
		tk := &Task{nice: c.nice}
		tk.ps.boost = c.boost
		require.Equal(t, c.prio, taskSchedPrio(tk, nil), "nice=%d boost=%d", c.nice, c.boost)
		require.Equal(t, taskSchedPrio(tk, nil), taskSchedIdx(tk, nil))
	}
}

func TestBMQBoostClamps(t *testing.T) {
	defer leaktest.AfterTest(t)()

	tk := &Task{}
	tk.ps.boost = -maxBoost
	boostTask(tk)
	require.Equal(t, -maxBoost, tk.ps.boost)
	tk.ps.boost = maxBoost
	deboostTask(tk)
	require.Equal(t, maxBoost, tk.ps.boost)

	// Batch and idle classes never boost above their nominal level.
	batch := &Task{class: ClassBatch}
	batch.ps.boost = 0
	boostTask(batch)
	require.Equal(t, 0, batch.ps.boost)
	batch.ps.boost = 3
	boostTask(batch)
	require.Equal(t, 2, batch.ps.boost)
}

func TestBMQBoostThreshold(t *testing.T) {
	defer leaktest.AfterTest(t)()

	const slice = int64(4 << 20)
	tk := &Task{}
	tk.ps.boost = maxBoost
	require.Equal(t, slice>>1, boostThreshold(tk, slice))
	tk.ps.boost = 0
	require.Equal(t, slice>>7, boostThreshold(tk, slice))
	tk.ps.boost = -maxBoost
	require.Equal(t, slice>>13, boostThreshold(tk, slice))
}

func TestBMQSleepBoostsShortRunners(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, clk := newTestScheduler(t, Config{NumCPUs: 1})

	t1 := startTask(t, s, TaskConfig{Name: "t1"})
	require.Equal(t, maxBoost, t1.ps.boost)
	require.Equal(t, t1, s.Schedule(ctx, 0, false))

	// A short stint before sleeping earns a boost.
	clk.Advance(int64(time.Millisecond))
	t1.BeginSleep(false)
	s.Schedule(ctx, 0, false)
	require.Equal(t, maxBoost-1, t1.ps.boost)

	// Staying asleep for more than a slice earns another on wakeup.
	clk.Advance(2 * s.cfg.BaseSliceNs)
	require.True(t, s.TryWakeUp(ctx, t1, TaskNormal, 0, 0))
	require.Equal(t, maxBoost-2, t1.ps.boost)
}

func TestBMQFullSliceDeboosts(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, clk := newTestScheduler(t, Config{NumCPUs: 1})

	t1 := startTask(t, s, TaskConfig{Name: "t1"})
	require.Equal(t, t1, s.Schedule(ctx, 0, false))
	t1.ps.boost = 0

	// Burning more than a full slice before sleeping costs a level.
	clk.Advance(s.cfg.BaseSliceNs + int64(time.Millisecond))
	t1.BeginSleep(false)
	s.Schedule(ctx, 0, false)
	require.Equal(t, 1, t1.ps.boost)
}

func TestBMQTaskRunningNice(t *testing.T) {
	defer leaktest.AfterTest(t)()

	tk := &Task{nice: 0}
	tk.ps.boost = maxBoost
	require.False(t, taskRunningNice(tk))
	tk.nice = 1
	require.True(t, taskRunningNice(tk))
}
