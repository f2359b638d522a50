// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/altsched/pkg/util/leaktest"
	"github.com/cockroachdb/altsched/pkg/util/log"
	"github.com/cockroachdb/altsched/pkg/util/stop"
	"github.com/stretchr/testify/require"
)

// TestSimulatorSmoke runs a small mixed workload end to end, including a
// hot-plug cycle, and checks that every group made progress.
func TestSimulatorSmoke(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.SetWriter(log.SetWriter(io.Discard))
	ctx := context.Background()

	cpu1 := 1
	spec := &workloadSpec{
		Duration: duration(50 * time.Millisecond),
		Tick:     duration(time.Millisecond),
		CPUs:     2,
		Groups: []groupSpec{
			{Name: "interactive", Count: 3,
				Run: duration(500 * time.Microsecond), Sleep: duration(2 * time.Millisecond)},
			{Name: "batch", Count: 1, Nice: 10, Class: "batch",
				Run: duration(10 * time.Millisecond)},
			{Name: "io", Count: 1, IOWait: true,
				Run: duration(time.Millisecond), Sleep: duration(4 * time.Millisecond)},
		},
		Events: []eventSpec{
			{At: duration(20 * time.Millisecond), Offline: &cpu1},
			{At: duration(35 * time.Millisecond), Online: &cpu1},
		},
	}
	spec.setDefaults()
	require.NoError(t, spec.validate())

	sim, err := newSimulator(spec)
	require.NoError(t, err)

	stopper := stop.NewStopper()
	defer stopper.Stop(ctx)
	res, err := sim.run(ctx, stopper)
	require.NoError(t, err)

	require.Equal(t, spec.Duration.nanos(), res.simulated)
	require.Greater(t, res.switches, int64(0))
	require.Greater(t, res.wakeHist.TotalCount(), int64(0))
	for name, st := range res.groups {
		require.Greater(t, st.bursts.Load(), int64(0), "group %s made no progress", name)
	}

	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, res, true))
	require.Contains(t, buf.String(), "context switches")
	require.Contains(t, buf.String(), "sched_switches_total")
}
