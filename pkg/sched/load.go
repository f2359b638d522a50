// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

// Per-CPU utilization is an exponentially weighted average of the busy
// fraction, sampled on a coarse window so that a tight tick cadence does
// not flood the average with tiny samples. The machine-wide load averages
// follow the classic 1/5/15 minute fixed-point recurrence, folded from
// per-runqueue deltas so that the global counter is only touched once per
// tick per CPU.

const loadSamplePeriodNs = 32 << 20 // ~33ms

func (rq *runqueue) loadUpdate() {
	now := rq.clock
	if rq.loadWindowStart == 0 {
		rq.loadWindowStart = now
		rq.loadLastUpdate = now
		return
	}
	if rq.curr.Load() != rq.idle {
		rq.loadRunningNs += now - rq.loadLastUpdate
	}
	rq.loadLastUpdate = now

	window := now - rq.loadWindowStart
	if window < loadSamplePeriodNs {
		return
	}
	util := float64(rq.loadRunningNs) / float64(window)
	if util > 1 {
		util = 1
	}
	rq.loadAvg.Add(util)
	rq.loadWindowStart = now
	rq.loadRunningNs = 0

	if h := rq.sched.cfg.UtilHook; h != nil {
		h.UtilUpdate(rq.cpu, rq.loadAvg.Value())
	}
}

// Utilization returns cpu's smoothed busy fraction in [0, 1].
func (s *Scheduler) Utilization(cpu int) float64 {
	rq := s.rqs[cpu]
	rq.lock()
	defer rq.unlock()
	return rq.loadAvg.Value()
}

// Load-average fixed point: 11 fractional bits, with the per-interval decay
// factors for 1, 5 and 15 minutes at a 5 second sampling period.
const (
	loadFreqNs = 5_000_000_000

	fshift = 11
	fixed1 = 1 << fshift
	exp1   = 1884
	exp5   = 2014
	exp15  = 2037
)

func calcLoad(load, exp, active uint64) uint64 {
	newload := load*exp + active*(fixed1-exp)
	if active >= load {
		newload += fixed1 - 1
	}
	return newload / fixed1
}

// calcLoadFold publishes this runqueue's active-task delta to the global
// counter. Caller holds the runqueue lock.
func (rq *runqueue) calcLoadFold() {
	active := int64(rq.nrRunning) + rq.nrUninterruptible
	if delta := active - rq.calcLoadActive; delta != 0 {
		rq.calcLoadActive = active
		rq.sched.calcLoadTasks.Add(delta)
	}
}

// calcLoadMigrate folds the residue of a runqueue going offline so its
// contribution is not orphaned. Caller holds the runqueue lock.
func (rq *runqueue) calcLoadMigrate() {
	if rq.calcLoadActive != 0 {
		rq.sched.calcLoadTasks.Add(-rq.calcLoadActive)
		rq.calcLoadActive = 0
	}
}

// calcGlobalLoad advances the 1/5/15 minute averages if a sampling period
// has elapsed. Any CPU's tick may trigger it; the CAS elects one.
func (s *Scheduler) calcGlobalLoad(now int64) {
	upd := s.calcLoadUpdate.Load()
	if now < upd {
		return
	}
	if !s.calcLoadUpdate.CompareAndSwap(upd, upd+loadFreqNs) {
		return
	}
	active := s.calcLoadTasks.Load()
	if active < 0 {
		active = 0
	}
	a := uint64(active) * fixed1
	for i, e := range [3]uint64{exp1, exp5, exp15} {
		s.loadAvg[i].Store(calcLoad(s.loadAvg[i].Load(), e, a))
	}
}

// LoadAverage returns the machine-wide 1, 5 and 15 minute load averages.
func (s *Scheduler) LoadAverage() [3]float64 {
	var out [3]float64
	for i := range out {
		out[i] = float64(s.loadAvg[i].Load()) / fixed1
	}
	return out
}
