// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

//go:build sched_pds

package sched

// PDS: each task carries a virtual deadline measured in edge ticks (clock
// right-shifted by timesliceShift). The runqueue's time edge advances with
// the clock; a task's priority is its deadline's distance past the edge.
// List indices rotate modularly with the edge so that the periodic rollover
// re-ranks all queued tasks with one bitmap shift and a single list splice.

// PolicyName identifies the compiled-in priority policy.
const PolicyName = "pds"

// Two base-slice slots per edge tick: 4ms slice -> 8.4ms edge tick.
const timesliceShift = 23

// edgeDelta positions a freshly renewed deadline in the middle of the
// normal band: 32 levels minus half the nice width.
const edgeDelta = normalLevels - 20

const rtMask = uint64(1)<<minNormalLevel - 1

type policyState struct {
	deadline uint64
}

func normalPrioMod(x uint64) int {
	return int(x & (normalLevels - 1))
}

func taskSchedPrio(t *Task, rq *runqueue) int {
	delta := int64(t.ps.deadline) - int64(rq.timeEdge.Load()) + edgeDelta
	if delta < 0 {
		delta = 0
	} else if delta > normalLevels-1 {
		delta = normalLevels - 1
	}
	return minNormalLevel + int(delta)
}

func taskSchedIdx(t *Task, rq *runqueue) int {
	idx := t.ps.deadline + edgeDelta
	if edge := rq.timeEdge.Load(); idx < edge {
		idx = edge
	}
	return minNormalLevel + normalPrioMod(idx)
}

func schedPrio2Idx(prio int, rq *runqueue) int {
	if prio < minNormalLevel || prio == IdleLevel {
		return prio
	}
	return minNormalLevel + normalPrioMod(uint64(prio)+rq.timeEdge.Load())
}

func schedIdx2Prio(idx int, rq *runqueue) int {
	if idx < minNormalLevel {
		return idx
	}
	return minNormalLevel + normalPrioMod(uint64(idx)-rq.timeEdge.Load())
}

// schedTaskRenew pushes the deadline into the future by a nice-dependent
// amount: higher nice, further deadline, lower priority.
func schedTaskRenew(t *Task, rq *runqueue) {
	t.ps.deadline = rq.timeEdge.Load() + uint64(t.nice+20)/2
}

// schedTaskSanityCheck clamps a migrated task's deadline into the
// destination runqueue's representable window.
func schedTaskSanityCheck(t *Task, rq *runqueue) {
	maxDl := rq.timeEdge.Load() + 19
	if t.ps.deadline > maxDl {
		t.ps.deadline = maxDl
	}
}

func schedTaskFork(t *Task, rq *runqueue) {
	schedTaskRenew(t, rq)
}

func schedTaskTTWU(t *Task, nowTaskNs int64, sliceNs int64) {}

func schedTaskDeactivate(t *Task, rq *runqueue) {}

// schedYieldDeboost implements the default yield by expiring the slice,
// which renews the deadline and requeues the task behind its band.
func schedYieldDeboost(t *Task, rq *runqueue) {
	rq.timeSliceExpired(t)
}

// taskRunningNice reports whether the task runs below default priority.
func taskRunningNice(t *Task) bool {
	return t.nice > 0
}

// updateTimeEdge advances the runqueue's time edge and re-ranks the queue.
// Lists whose priority has drifted past the edge are spliced, in FIFO
// order, onto the head of the band's new best level; everything else gains
// priority through the bitmap shift alone.
func (rq *runqueue) updateTimeEdge() {
	now := uint64(rq.clock) >> timesliceShift
	old := rq.timeEdge.Load()
	if now == old {
		return
	}
	rq.timeEdge.Store(now)
	delta := now - old
	if delta > normalLevels {
		delta = normalLevels
	}

	var expired taskList
	for k := uint64(0); k < delta; k++ {
		if rq.queue.bitmap&(1<<(minNormalLevel+k)) != 0 {
			idx := minNormalLevel + normalPrioMod(k+old)
			expired.pushTailAll(&rq.queue.heads[idx])
		}
	}

	shifted := rq.queue.bitmap >> delta
	rq.queue.bitmap = rq.queue.bitmap&rtMask | shifted&^rtMask

	if !expired.empty() {
		idx := minNormalLevel + normalPrioMod(now)
		for t := expired.head; t != nil; t = t.sqNext {
			t.sqIdx = idx
		}
		rq.queue.heads[idx].pushFrontAll(&expired)
		rq.queue.bitmap |= 1 << minNormalLevel
	}

	if prio := int(rq.prio.Load()); prio >= minNormalLevel && prio != IdleLevel {
		if prio < minNormalLevel+int(delta) {
			prio = minNormalLevel
		} else {
			prio -= int(delta)
		}
		rq.prio.Store(int32(prio))
		rq.prioIdx = schedPrio2Idx(prio, rq)
	}
}
