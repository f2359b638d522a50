// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"sync/atomic"

	"github.com/cockroachdb/altsched/pkg/sched/cpumask"
	"github.com/cockroachdb/altsched/pkg/util/syncutil"
)

func maskOf(cpus ...int) cpumask.Mask {
	return cpumask.FromList(cpus)
}

// manualClock is a test clock advanced explicitly.
type manualClock struct {
	now atomic.Int64
}

func (c *manualClock) NowNanos() int64 {
	return c.now.Load()
}

func (c *manualClock) Advance(ns int64) {
	c.now.Add(ns)
}

// ipiRecorder records reschedule notifications per CPU.
type ipiRecorder struct {
	mu   syncutil.Mutex
	sent []int
}

func (r *ipiRecorder) SendIPI(cpu int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, cpu)
}

func (r *ipiRecorder) take() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

// stashExec collects stop work instead of running it, modeling a stop
// worker that runs only when its CPU picks the stop slot. With sched set,
// posting work also marks the stop slot pending, so the next pick on that
// CPU switches into the stop task.
type stashExec struct {
	mu    syncutil.Mutex
	fns   map[int][]func()
	sched *Scheduler
}

func newStashExec() *stashExec {
	return &stashExec{fns: make(map[int][]func())}
}

func (e *stashExec) Run(cpu int, fn func()) {
	e.mu.Lock()
	e.fns[cpu] = append(e.fns[cpu], fn)
	e.mu.Unlock()
	if e.sched != nil {
		e.sched.MarkStopPending(cpu, true)
	}
}

func (e *stashExec) runAll(cpu int) int {
	e.mu.Lock()
	fns := e.fns[cpu]
	e.fns[cpu] = nil
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}
