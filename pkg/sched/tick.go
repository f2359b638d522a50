// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"
	"time"

	"github.com/cockroachdb/altsched/pkg/util/log"
)

var reschedLatencyWarn = log.Every(10 * time.Second)

// Tick charges cpu's running task for elapsed time and requests a
// reschedule once its slice is as good as gone. The embedder calls it once
// per tick period per online CPU; the tick itself never switches tasks.
func (s *Scheduler) Tick(ctx context.Context, cpu int) {
	rq := s.rqs[cpu]
	rq.lock()
	rq.updateClock()
	t := rq.curr.Load()
	if t != rq.idle {
		rq.updateCurr(t)
		if t.timeSlice < reschedNs {
			rq.reschedCurr(cpu)
		}
	}
	s.checkReschedLatency(ctx, rq)
	rq.calcLoadFold()
	now := rq.clock
	rq.unlock()

	s.calcGlobalLoad(now)
}

// HRTickFired handles the embedder's one-shot slice timer for cpu. It is a
// lighter Tick: charge the task and mark the reschedule, nothing else.
func (s *Scheduler) HRTickFired(ctx context.Context, cpu int) {
	rq := s.rqs[cpu]
	rq.lock()
	rq.updateClock()
	t := rq.curr.Load()
	if t != rq.idle {
		rq.updateCurr(t)
		if t.timeSlice < reschedNs {
			rq.reschedCurr(cpu)
		}
	}
	rq.unlock()
}

// checkReschedLatency warns when a reschedule mark has gone unserviced for
// longer than the configured threshold, which usually means the embedder's
// run loop is stuck in non-preemptible work.
func (s *Scheduler) checkReschedLatency(ctx context.Context, rq *runqueue) {
	warnNs := s.cfg.ReschedLatencyWarnNs
	if warnNs == 0 {
		return
	}
	if !rq.needResched.Load() {
		rq.lastSeenNeedReschedNs = 0
		return
	}
	if rq.lastSeenNeedReschedNs == 0 {
		rq.lastSeenNeedReschedNs = rq.clock
		rq.ticksWithoutResched = 0
		return
	}
	rq.ticksWithoutResched++
	latency := rq.clock - rq.lastSeenNeedReschedNs
	if latency > warnNs && reschedLatencyWarn.ShouldLog() {
		log.Warningf(annotateCtx(ctx, rq.cpu),
			"reschedule pending for %dms (%d ticks)",
			latency/int64(time.Millisecond), rq.ticksWithoutResched)
	}
}
