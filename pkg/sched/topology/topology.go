// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package topology describes CPU proximity for migration decisions.
//
// Each CPU gets an ordered list of neighbor rings, closest first: the CPU
// itself, its SMT siblings, the rest of its socket, then everything else.
// Callers pick migration targets by walking the rings outward and taking the
// first candidate, which keeps woken tasks near their cache footprint.
package topology

import (
	"github.com/cockroachdb/altsched/pkg/sched/cpumask"
	"github.com/cockroachdb/errors"
)

// Topology holds the neighbor rings for every CPU.
type Topology struct {
	numCPUs int
	rings   [][]cpumask.Mask
}

// NumCPUs returns the number of CPUs described.
func (t *Topology) NumCPUs() int {
	return t.numCPUs
}

// Rings returns cpu's neighbor rings, closest first. The first ring contains
// only cpu itself. The slice is shared; callers must not modify it.
func (t *Topology) Rings(cpu int) []cpumask.Mask {
	return t.rings[cpu]
}

// BestCPU returns the candidate closest to from, preferring lower-numbered
// CPUs within a ring. Returns cpumask.MaxCPUs if no candidate is set.
func (t *Topology) BestCPU(from int, candidates cpumask.Mask) int {
	for _, ring := range t.rings[from] {
		var hit cpumask.Mask
		if hit.And(ring, candidates) {
			return hit.FirstSet()
		}
	}
	return cpumask.MaxCPUs
}

// Spec describes a synthetic machine shape.
type Spec struct {
	Sockets        int
	CoresPerSocket int
	ThreadsPerCore int
}

// Flat returns a topology where all n CPUs are equally distant.
func Flat(n int) *Topology {
	return NewSynthetic(Spec{Sockets: 1, CoresPerSocket: n, ThreadsPerCore: 1})
}

// NewSynthetic builds a topology from a regular machine shape. CPU ids are
// assigned socket-major, then core, then thread.
func NewSynthetic(spec Spec) *Topology {
	n := spec.Sockets * spec.CoresPerSocket * spec.ThreadsPerCore
	t := &Topology{numCPUs: n, rings: make([][]cpumask.Mask, n)}
	for cpu := 0; cpu < n; cpu++ {
		socket := cpu / (spec.CoresPerSocket * spec.ThreadsPerCore)
		core := cpu / spec.ThreadsPerCore

		var self, smt, sock, all cpumask.Mask
		self.Set(cpu)
		for other := 0; other < n; other++ {
			all.Set(other)
			if other/spec.ThreadsPerCore == core {
				smt.Set(other)
			}
			if other/(spec.CoresPerSocket*spec.ThreadsPerCore) == socket {
				sock.Set(other)
			}
		}
		t.rings[cpu] = buildRings(self, smt, sock, all)
	}
	return t
}

// CPUInfo identifies one CPU's position for NewFromCPUs.
type CPUInfo struct {
	CPU     int
	CoreID  int
	Socket  int
}

// NewFromCPUs builds a topology from per-CPU core and socket ids, as
// discovered from sysfs. CPU ids must be dense in [0, len(infos)).
func NewFromCPUs(infos []CPUInfo) (*Topology, error) {
	n := len(infos)
	byCPU := make([]CPUInfo, n)
	seen := make([]bool, n)
	for _, info := range infos {
		if info.CPU < 0 || info.CPU >= n || seen[info.CPU] {
			return nil, errors.Errorf("cpu ids must be dense; got cpu %d of %d", info.CPU, n)
		}
		seen[info.CPU] = true
		byCPU[info.CPU] = info
	}

	t := &Topology{numCPUs: n, rings: make([][]cpumask.Mask, n)}
	for cpu := 0; cpu < n; cpu++ {
		me := byCPU[cpu]
		var self, smt, sock, all cpumask.Mask
		self.Set(cpu)
		for other := 0; other < n; other++ {
			o := byCPU[other]
			all.Set(other)
			if o.Socket == me.Socket {
				sock.Set(other)
				if o.CoreID == me.CoreID {
					smt.Set(other)
				}
			}
		}
		t.rings[cpu] = buildRings(self, smt, sock, all)
	}
	return t, nil
}

// buildRings turns nested inclusive masks into disjoint rings, dropping
// empty levels.
func buildRings(self, smt, sock, all cpumask.Mask) []cpumask.Mask {
	rings := []cpumask.Mask{self}
	prev := self
	for _, level := range []cpumask.Mask{smt, sock, all} {
		var ring cpumask.Mask
		if ring.AndNot(level, prev) {
			rings = append(rings, ring)
		}
		prev.Or(prev, level)
	}
	return rings
}
