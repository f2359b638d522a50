// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package cpumask provides a fixed-width CPU bitmask.
//
// Mask is a value type; copying it is cheap and the zero value is the empty
// mask. AtomicMask is the shared-memory variant used for the global idle and
// pending masks, where readers tolerate slightly stale bits.
package cpumask

import (
	"math/bits"
	"strconv"
	"strings"
	"sync/atomic"
)

// MaxCPUs is the largest number of CPUs a mask can represent.
const MaxCPUs = 256

const wordBits = 64
const numWords = MaxCPUs / wordBits

// Mask is a set of CPU ids in [0, MaxCPUs).
type Mask [numWords]uint64

// Set adds cpu to the mask.
func (m *Mask) Set(cpu int) {
	m[cpu/wordBits] |= 1 << (uint(cpu) % wordBits)
}

// Clear removes cpu from the mask.
func (m *Mask) Clear(cpu int) {
	m[cpu/wordBits] &^= 1 << (uint(cpu) % wordBits)
}

// Test returns whether cpu is in the mask.
func (m Mask) Test(cpu int) bool {
	return m[cpu/wordBits]&(1<<(uint(cpu)%wordBits)) != 0
}

// Empty returns whether no CPU is set.
func (m Mask) Empty() bool {
	var w uint64
	for i := range m {
		w |= m[i]
	}
	return w == 0
}

// Weight returns the number of CPUs set.
func (m Mask) Weight() int {
	n := 0
	for i := range m {
		n += bits.OnesCount64(m[i])
	}
	return n
}

// Intersects returns whether the two masks share any CPU.
func (m Mask) Intersects(o Mask) bool {
	for i := range m {
		if m[i]&o[i] != 0 {
			return true
		}
	}
	return false
}

// And stores a&b into m and reports whether the result is non-empty.
func (m *Mask) And(a, b Mask) bool {
	var w uint64
	for i := range m {
		m[i] = a[i] & b[i]
		w |= m[i]
	}
	return w != 0
}

// AndNot stores a&^b into m and reports whether the result is non-empty.
func (m *Mask) AndNot(a, b Mask) bool {
	var w uint64
	for i := range m {
		m[i] = a[i] &^ b[i]
		w |= m[i]
	}
	return w != 0
}

// Or stores a|b into m.
func (m *Mask) Or(a, b Mask) {
	for i := range m {
		m[i] = a[i] | b[i]
	}
}

// Equal returns whether the two masks hold the same CPUs.
func (m Mask) Equal(o Mask) bool {
	return m == o
}

// FirstSet returns the lowest CPU in the mask, or MaxCPUs if it is empty.
func (m Mask) FirstSet() int {
	for i := range m {
		if m[i] != 0 {
			return i*wordBits + bits.TrailingZeros64(m[i])
		}
	}
	return MaxCPUs
}

// FirstSetFrom returns the lowest CPU >= start, wrapping around to scan the
// CPUs below start, or MaxCPUs if the mask is empty. Starting the scan at the
// caller's own CPU spreads target choices across the machine.
func (m Mask) FirstSetFrom(start int) int {
	for i := 0; i < MaxCPUs; i++ {
		cpu := (start + i) % MaxCPUs
		if m.Test(cpu) {
			return cpu
		}
	}
	return MaxCPUs
}

// ForEach calls fn for every CPU in the mask, in increasing order.
func (m Mask) ForEach(fn func(cpu int)) {
	for i := range m {
		w := m[i]
		for w != 0 {
			fn(i*wordBits + bits.TrailingZeros64(w))
			w &= w - 1
		}
	}
}

// List returns the set CPUs in increasing order.
func (m Mask) List() []int {
	cpus := make([]int, 0, m.Weight())
	m.ForEach(func(cpu int) { cpus = append(cpus, cpu) })
	return cpus
}

// FromList builds a mask holding the given CPUs.
func FromList(cpus []int) Mask {
	var m Mask
	for _, cpu := range cpus {
		m.Set(cpu)
	}
	return m
}

// Range builds a mask holding CPUs [0, n).
func Range(n int) Mask {
	var m Mask
	for cpu := 0; cpu < n; cpu++ {
		m.Set(cpu)
	}
	return m
}

// String renders the mask as a compressed cpu list, e.g. "0-3,8".
func (m Mask) String() string {
	var sb strings.Builder
	first := true
	cpu := 0
	for cpu < MaxCPUs {
		if !m.Test(cpu) {
			cpu++
			continue
		}
		end := cpu
		for end+1 < MaxCPUs && m.Test(end+1) {
			end++
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(strconv.Itoa(cpu))
		if end > cpu {
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(end))
		}
		cpu = end + 1
	}
	if first {
		return "none"
	}
	return sb.String()
}

// AtomicMask is a Mask whose bits are updated atomically per word. Cross-word
// reads are not a consistent snapshot; callers that need exactness must hold
// the lock protecting the writers.
type AtomicMask struct {
	words [numWords]atomic.Uint64
}

// Set adds cpu to the mask.
func (m *AtomicMask) Set(cpu int) {
	bit := uint64(1) << (uint(cpu) % wordBits)
	m.words[cpu/wordBits].Or(bit)
}

// Clear removes cpu from the mask.
func (m *AtomicMask) Clear(cpu int) {
	bit := uint64(1) << (uint(cpu) % wordBits)
	m.words[cpu/wordBits].And(^bit)
}

// Test returns whether cpu is in the mask.
func (m *AtomicMask) Test(cpu int) bool {
	return m.words[cpu/wordBits].Load()&(1<<(uint(cpu)%wordBits)) != 0
}

// Store overwrites the mask with the bits of m2. Not atomic across words.
func (m *AtomicMask) Store(m2 Mask) {
	for i := range m.words {
		m.words[i].Store(m2[i])
	}
}

// Snapshot returns the current bits as a plain Mask.
func (m *AtomicMask) Snapshot() Mask {
	var out Mask
	for i := range m.words {
		out[i] = m.words[i].Load()
	}
	return out
}
