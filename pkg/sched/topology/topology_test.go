// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package topology

import (
	"testing"

	"github.com/cockroachdb/altsched/pkg/sched/cpumask"
	"github.com/cockroachdb/altsched/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func TestFlatTopology(t *testing.T) {
	defer leaktest.AfterTest(t)()

	topo := Flat(4)
	require.Equal(t, 4, topo.NumCPUs())

	rings := topo.Rings(1)
	require.Len(t, rings, 2)
	require.Equal(t, []int{1}, rings[0].List())
	require.Equal(t, []int{0, 2, 3}, rings[1].List())

	// Self always wins when available.
	require.Equal(t, 1, topo.BestCPU(1, cpumask.FromList([]int{0, 1, 3})))
	// Otherwise lowest id in the outer ring.
	require.Equal(t, 0, topo.BestCPU(1, cpumask.FromList([]int{0, 3})))
	require.Equal(t, cpumask.MaxCPUs, topo.BestCPU(1, cpumask.Mask{}))
}

func TestSMTRings(t *testing.T) {
	defer leaktest.AfterTest(t)()

	// 2 sockets x 2 cores x 2 threads: cpus 0..7. CPU 0's sibling is 1,
	// socket mates are 2,3, remote socket is 4..7.
	topo := NewSynthetic(Spec{Sockets: 2, CoresPerSocket: 2, ThreadsPerCore: 2})
	require.Equal(t, 8, topo.NumCPUs())

	rings := topo.Rings(0)
	require.Len(t, rings, 4)
	require.Equal(t, []int{0}, rings[0].List())
	require.Equal(t, []int{1}, rings[1].List())
	require.Equal(t, []int{2, 3}, rings[2].List())
	require.Equal(t, []int{4, 5, 6, 7}, rings[3].List())

	// Sibling beats socket mate beats remote socket.
	require.Equal(t, 1, topo.BestCPU(0, cpumask.FromList([]int{1, 2, 4})))
	require.Equal(t, 2, topo.BestCPU(0, cpumask.FromList([]int{2, 4})))
	require.Equal(t, 4, topo.BestCPU(0, cpumask.FromList([]int{4, 7})))
}

func TestNewFromCPUs(t *testing.T) {
	defer leaktest.AfterTest(t)()

	topo, err := NewFromCPUs([]CPUInfo{
		{CPU: 0, CoreID: 0, Socket: 0},
		{CPU: 1, CoreID: 0, Socket: 0},
		{CPU: 2, CoreID: 1, Socket: 0},
		{CPU: 3, CoreID: 1, Socket: 0},
	})
	require.NoError(t, err)
	require.Equal(t, 1, topo.BestCPU(0, cpumask.FromList([]int{1, 2})))

	_, err = NewFromCPUs([]CPUInfo{{CPU: 5}})
	require.Error(t, err)
}

func TestParseCPUList(t *testing.T) {
	defer leaktest.AfterTest(t)()

	for _, tc := range []struct {
		in   string
		want []int
	}{
		{"", nil},
		{"0", []int{0}},
		{"0-3", []int{0, 1, 2, 3}},
		{"0-2,5,7-8", []int{0, 1, 2, 5, 7, 8}},
	} {
		got, err := ParseCPUList(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"x", "3-1", "1-,2", "-2"} {
		_, err := ParseCPUList(bad)
		require.Error(t, err, bad)
	}
}
