// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

//go:build sched_pds

package sched

import (
	"context"
	"testing"

	"github.com/cockroachdb/altsched/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func TestPDSPrioIdxRoundTrip(t *testing.T) {
	defer leaktest.AfterTest(t)()
	s, _ := newTestScheduler(t, Config{NumCPUs: 1})
	rq := s.rqs[0]

	for _, edge := range []uint64{0, 1, 31, 32, 100, 1 << 20} {
		rq.timeEdge.Store(edge)
		for off := uint64(0); off < 20; off++ {
			tk := &Task{}
			tk.ps.deadline = edge + off
			prio := taskSchedPrio(tk, rq)
			idx := taskSchedIdx(tk, rq)
			require.Equal(t, prio, schedIdx2Prio(idx, rq), "edge=%d off=%d", edge, off)
			require.Equal(t, idx, schedPrio2Idx(prio, rq), "edge=%d off=%d", edge, off)
		}
	}
}

func TestPDSRenewAndSanity(t *testing.T) {
	defer leaktest.AfterTest(t)()
	s, _ := newTestScheduler(t, Config{NumCPUs: 1})
	rq := s.rqs[0]
	rq.timeEdge.Store(1000)

	tk := &Task{nice: 0}
	schedTaskRenew(tk, rq)
	require.Equal(t, uint64(1010), tk.ps.deadline)

	nicest := &Task{nice: MaxNice}
	schedTaskRenew(nicest, rq)
	require.Equal(t, uint64(1019), nicest.ps.deadline)

	// A migrated deadline beyond the representable window is pulled in.
	tk.ps.deadline = 2000
	schedTaskSanityCheck(tk, rq)
	require.Equal(t, uint64(1019), tk.ps.deadline)
}

// Advancing the time edge must re-rank every queued task without
// disturbing FIFO order within a level.
func TestPDSTimeEdgeRollover(t *testing.T) {
	defer leaktest.AfterTest(t)()
	ctx := context.Background()
	s, clk := newTestScheduler(t, Config{NumCPUs: 1})

	t1 := startTask(t, s, TaskConfig{Name: "t1"})
	t2 := startTask(t, s, TaskConfig{Name: "t2"})
	rq := s.rqs[0]
	before := taskSchedPrio(t1, rq)

	// One edge tick: every queued deadline moves one level closer.
	clk.Advance(1 << timesliceShift)
	s.Tick(ctx, 0)
	require.Equal(t, before-1, taskSchedPrio(t1, rq))
	require.Equal(t, t1, rq.firstQueued())
	require.Equal(t, t2, rq.nextQueued(t1))

	// A large jump clamps both tasks to the head of the band, splicing
	// them onto the new best level in FIFO order.
	clk.Advance(normalLevels << timesliceShift)
	s.Tick(ctx, 0)
	require.Equal(t, minNormalLevel, taskSchedPrio(t1, rq))
	require.Equal(t, minNormalLevel, int(rq.prio.Load()))
	require.Equal(t, t1, rq.firstQueued())
	require.Equal(t, t2, rq.nextQueued(t1))

	require.Equal(t, t1, s.Schedule(ctx, 0, false))
}
