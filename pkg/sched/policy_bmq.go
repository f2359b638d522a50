// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

//go:build !sched_pds

package sched

// BMQ: each task carries a boost in [-maxBoost, +maxBoost] on top of its
// nice value. Negative boost means the task slept recently and deserves a
// higher level; positive boost means it has been burning full slices.
// Priority and list index coincide, so the prio/idx mapping is the identity.

// PolicyName identifies the compiled-in priority policy.
const PolicyName = "bmq"

const maxBoost = 12

type policyState struct {
	boost int
}

func taskSchedPrio(t *Task, rq *runqueue) int {
	return minNormalLevel + (20+t.nice+t.ps.boost)/2
}

func taskSchedIdx(t *Task, rq *runqueue) int {
	return taskSchedPrio(t, rq)
}

func schedPrio2Idx(prio int, rq *runqueue) int {
	return prio
}

func schedIdx2Prio(idx int, rq *runqueue) int {
	return idx
}

func boostTask(t *Task) {
	limit := -maxBoost
	if t.class != ClassNormal {
		// Batch and idle-class tasks never earn priority above their
		// nominal nice level.
		limit = 0
	}
	if t.ps.boost > limit {
		t.ps.boost--
	}
}

func deboostTask(t *Task) {
	if t.ps.boost < maxBoost {
		t.ps.boost++
	}
}

// boostThreshold shrinks as the task's boost grows: a heavily boosted task
// must run a very short stint to keep its boost.
func boostThreshold(t *Task, sliceNs int64) int64 {
	return sliceNs >> uint((14-t.ps.boost)/2)
}

// schedTaskRenew runs on slice expiry; BMQ keeps state in the tick hooks.
func schedTaskRenew(t *Task, rq *runqueue) {}

// schedTaskSanityCheck runs when a task lands on a new runqueue.
func schedTaskSanityCheck(t *Task, rq *runqueue) {}

// schedTaskFork seeds a child with the maximum deboost so new tasks must
// earn priority through their sleep behavior.
func schedTaskFork(t *Task, rq *runqueue) {
	t.ps.boost = maxBoost
}

// schedTaskTTWU boosts a task that stayed asleep for more than one slice.
func schedTaskTTWU(t *Task, nowTaskNs int64, sliceNs int64) {
	if nowTaskNs-t.lastRan > sliceNs {
		boostTask(t)
	}
}

// schedTaskDeactivate adjusts boost on voluntary sleep: short stints boost,
// full-slice burns deboost.
func schedTaskDeactivate(t *Task, rq *runqueue) {
	switchNs := rq.clock - rq.lastTsSwitch
	if switchNs < boostThreshold(t, rq.sched.cfg.BaseSliceNs) {
		boostTask(t)
	} else if switchNs > rq.sched.cfg.BaseSliceNs {
		deboostTask(t)
	}
}

// schedYieldDeboost implements the default yield: drop to the bottom of the
// nice band until the task sleeps.
func schedYieldDeboost(t *Task, rq *runqueue) {
	t.ps.boost = maxBoost
}

// taskRunningNice reports whether the task is effectively below the default
// priority.
func taskRunningNice(t *Task) bool {
	return t.nice+t.ps.boost > maxBoost
}

// updateTimeEdge is a no-op under BMQ; only PDS re-ranks by time.
func (rq *runqueue) updateTimeEdge() {}
