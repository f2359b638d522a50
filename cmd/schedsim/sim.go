// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/altsched/pkg/sched"
	"github.com/cockroachdb/altsched/pkg/sched/cpumask"
	"github.com/cockroachdb/altsched/pkg/sched/topology"
	"github.com/cockroachdb/altsched/pkg/util/log"
	"github.com/cockroachdb/altsched/pkg/util/stop"
	"github.com/cockroachdb/altsched/pkg/util/syncutil"
	"github.com/cockroachdb/altsched/pkg/util/timeutil"
	"github.com/cockroachdb/errors"
	"github.com/codahale/hdrhistogram"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// simClock is the engine's time source. Only the driver goroutine advances
// it, once per tick, while the virtual CPUs are parked at the barrier.
type simClock struct {
	now atomic.Int64
}

func (c *simClock) NowNanos() int64 { return c.now.Load() }

// ipiCounter counts reschedule IPIs per target CPU. The virtual CPUs poll
// the resched flag every tick, so delivery is implicit.
type ipiCounter struct {
	sent []atomic.Int64
}

func (c *ipiCounter) SendIPI(cpu int) { c.sent[cpu].Add(1) }

func (c *ipiCounter) total() int64 {
	var n int64
	for i := range c.sent {
		n += c.sent[i].Load()
	}
	return n
}

// utilTracker keeps the last utilization reported for each CPU.
type utilTracker struct {
	vals []atomic.Uint64
}

func (u *utilTracker) UtilUpdate(cpu int, util float64) {
	u.vals[cpu].Store(math.Float64bits(util))
}

func (u *utilTracker) get(cpu int) float64 {
	return math.Float64frombits(u.vals[cpu].Load())
}

// deferredStopExec queues stop work per CPU and marks the stop slot
// pending; the owning virtual CPU drains the queue when Schedule hands it
// the stop task, the way stop-class preemption works on real CPUs.
type deferredStopExec struct {
	mu     syncutil.Mutex
	queues [][]func()
	sched  *sched.Scheduler
}

func newDeferredStopExec(numCPUs int) *deferredStopExec {
	return &deferredStopExec{queues: make([][]func(), numCPUs)}
}

// Run implements sched.StopExecutor.
func (e *deferredStopExec) Run(cpu int, fn func()) {
	e.mu.Lock()
	e.queues[cpu] = append(e.queues[cpu], fn)
	e.mu.Unlock()
	e.sched.MarkStopPending(cpu, true)
}

func (e *deferredStopExec) drain(cpu int) int {
	e.mu.Lock()
	fns := e.queues[cpu]
	e.queues[cpu] = nil
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// groupStats aggregates across all tasks of a group.
type groupStats struct {
	bursts atomic.Int64
	execNs atomic.Int64
}

// simTask is the simulator's shadow of an engine task: the synthetic
// run/sleep behavior plus latency bookkeeping.
type simTask struct {
	task  *sched.Task
	group *groupSpec
	stats *groupStats

	// remaining and startedAt are only touched by the CPU currently
	// running the task.
	remaining int64
	startedAt int64
	// wokenAt is the time of the last successful wakeup, or -1 once the
	// first run after it has been recorded. Written by the waking CPU,
	// read by the CPU that next runs the task.
	wokenAt atomic.Int64
}

// sleeper is a heap entry for a sleeping task owned by the CPU that put it
// to sleep.
type sleeper struct {
	st     *simTask
	wakeAt int64
}

type sleeperHeap []sleeper

func (h sleeperHeap) Len() int            { return len(h) }
func (h sleeperHeap) Less(i, j int) bool  { return h[i].wakeAt < h[j].wakeAt }
func (h sleeperHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sleeperHeap) Push(x interface{}) { *h = append(*h, x.(sleeper)) }
func (h *sleeperHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// vcpu is one virtual CPU: a goroutine that performs the per-tick work for
// its runqueue and models whatever task the engine last handed it.
type vcpu struct {
	sim      *simulator
	cpu      int
	sleepers sleeperHeap
	running  *simTask

	wakeHist  *hdrhistogram.Histogram
	sliceHist *hdrhistogram.Histogram
}

type simulator struct {
	spec     *workloadSpec
	sched    *sched.Scheduler
	clock    *simClock
	ipi      *ipiCounter
	util     *utilTracker
	stopExec *deferredStopExec
	reg      *prometheus.Registry
	metrics  *sched.Metrics

	tickNs int64

	byTask    map[*sched.Task]*simTask
	stopTasks []*sched.Task
	groups    map[string]*groupStats
	cpus      []*vcpu
}

const maxLatencyNs = int64(10_000_000_000)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(1, maxLatencyNs, 3)
}

func recordLatency(h *hdrhistogram.Histogram, v int64) {
	if v < 1 {
		v = 1
	} else if v > maxLatencyNs {
		v = maxLatencyNs
	}
	_ = h.RecordValue(v)
}

func newSimulator(spec *workloadSpec) (*simulator, error) {
	numCPUs := spec.CPUs
	clock := &simClock{}
	ipi := &ipiCounter{sent: make([]atomic.Int64, numCPUs)}
	util := &utilTracker{vals: make([]atomic.Uint64, numCPUs)}
	stopExec := newDeferredStopExec(numCPUs)
	reg := prometheus.NewRegistry()
	metrics := sched.NewMetrics(reg)

	yieldType, err := parseYieldType(spec.YieldType)
	if err != nil {
		return nil, err
	}
	var topo *topology.Topology
	if spec.Topology != nil {
		topo = spec.Topology.build()
	}
	s, err := sched.NewScheduler(sched.Config{
		NumCPUs:              numCPUs,
		Topology:             topo,
		Clock:                clock,
		IPI:                  ipi,
		StopExec:             stopExec,
		UtilHook:             util,
		BaseSliceNs:          spec.BaseSlice.nanos(),
		YieldType:            yieldType,
		ReschedLatencyWarnNs: 100 * spec.Tick.nanos(),
		Metrics:              metrics,
	})
	if err != nil {
		return nil, err
	}
	stopExec.sched = s
	s.RegisterGauges(reg)

	sim := &simulator{
		spec:      spec,
		sched:     s,
		clock:     clock,
		ipi:       ipi,
		util:      util,
		stopExec:  stopExec,
		reg:       reg,
		metrics:   metrics,
		tickNs:    spec.Tick.nanos(),
		byTask:    make(map[*sched.Task]*simTask),
		stopTasks: make([]*sched.Task, numCPUs),
		groups:    make(map[string]*groupStats),
		cpus:      make([]*vcpu, numCPUs),
	}
	for cpu := 0; cpu < numCPUs; cpu++ {
		sim.cpus[cpu] = &vcpu{
			sim:       sim,
			cpu:       cpu,
			wakeHist:  newHistogram(),
			sliceHist: newHistogram(),
		}
		stopT, err := s.NewTask(sched.TaskConfig{Name: fmt.Sprintf("migration/%d", cpu), CPU: cpu})
		if err != nil {
			return nil, err
		}
		s.SetStopTask(cpu, stopT)
		sim.stopTasks[cpu] = stopT
	}
	return sim, nil
}

// spawn creates and starts every task in the workload.
func (sim *simulator) spawn(ctx context.Context) error {
	for i := range sim.spec.Groups {
		g := &sim.spec.Groups[i]
		stats := &groupStats{}
		sim.groups[g.Name] = stats
		class, _ := parseClass(g.Class)
		for n := 0; n < g.Count; n++ {
			t, err := sim.sched.NewTask(sched.TaskConfig{
				Name:     fmt.Sprintf("%s/%d", g.Name, n),
				Nice:     g.Nice,
				Class:    class,
				Affinity: cpumask.FromList(g.Affinity),
				CPU:      n % sim.spec.CPUs,
			})
			if err != nil {
				return err
			}
			st := &simTask{task: t, group: g, stats: stats, remaining: g.Run.nanos()}
			st.wokenAt.Store(sim.clock.NowNanos())
			sim.byTask[t] = st
			if _, err := sim.sched.StartTask(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// tick performs one tick's worth of work on this virtual CPU: wake due
// sleepers, run the engine tick, account the running task's burst, and pass
// through the scheduler when asked to.
func (v *vcpu) tick(ctx context.Context, now int64) {
	sim := v.sim
	for len(v.sleepers) > 0 && v.sleepers[0].wakeAt <= now {
		sl := heap.Pop(&v.sleepers).(sleeper)
		if sim.sched.TryWakeUp(ctx, sl.st.task, sched.TaskNormal, v.cpu, 0) {
			sl.st.wokenAt.Store(now)
		}
	}

	sim.sched.Tick(ctx, v.cpu)

	if st := v.running; st != nil {
		st.remaining -= sim.tickNs
		st.stats.execNs.Add(sim.tickNs)
		if st.remaining <= 0 {
			st.stats.bursts.Add(1)
			st.remaining = st.group.Run.nanos()
			if sleepNs := st.group.Sleep.nanos(); sleepNs > 0 {
				st.task.SetIOWait(st.group.IOWait)
				st.task.BeginSleep(st.group.IOWait)
				heap.Push(&v.sleepers, sleeper{st: st, wakeAt: now + sleepNs})
				v.switchTo(ctx, sim.sched.Schedule(ctx, v.cpu, false), now)
				return
			}
			if ye := st.group.YieldEvery; ye > 0 && st.stats.bursts.Load()%int64(ye) == 0 {
				sim.sched.Yield(ctx, v.cpu)
			}
		}
	}

	if sim.sched.NeedResched(v.cpu) {
		v.switchTo(ctx, sim.sched.Schedule(ctx, v.cpu, true), now)
	}
}

// switchTo models the context switch to next. A pick of the stop task runs
// the queued stop work and reschedules.
func (v *vcpu) switchTo(ctx context.Context, next *sched.Task, now int64) {
	sim := v.sim
	for next == sim.stopTasks[v.cpu] {
		if n := sim.stopExec.drain(v.cpu); n > 0 {
			log.VEventf(ctx, 2, "ran %d stop functions", n)
		}
		sim.sched.MarkStopPending(v.cpu, false)
		next = sim.sched.Schedule(ctx, v.cpu, true)
	}

	nextSt := sim.byTask[next]
	if prev := v.running; prev != nil && prev != nextSt {
		recordLatency(v.sliceHist, now-prev.startedAt)
	}
	if nextSt != nil && nextSt != v.running {
		nextSt.startedAt = now
		if wokenAt := nextSt.wokenAt.Swap(-1); wokenAt >= 0 {
			recordLatency(v.wakeHist, now-wokenAt)
		}
	}
	v.running = nextSt
}

// result carries everything the report prints.
type result struct {
	spec      *workloadSpec
	simulated int64
	wallNanos int64
	ticks     int64
	ipis      int64
	switches  int64
	wakeHist  *hdrhistogram.Histogram
	sliceHist *hdrhistogram.Histogram
	loadAvg   [3]float64
	util      []float64
	depth     []int
	groups    map[string]*groupStats
	reg       *prometheus.Registry
}

// run drives the simulation to completion (or until the stopper quiesces)
// and returns the collected results.
func (sim *simulator) run(ctx context.Context, stopper *stop.Stopper) (*result, error) {
	if err := sim.spawn(ctx); err != nil {
		return nil, err
	}

	numCPUs := sim.spec.CPUs
	tickChs := make([]chan int64, numCPUs)
	var barrier sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < numCPUs; cpu++ {
		cpu := cpu
		tickChs[cpu] = make(chan int64, 1)
		g.Go(func() error {
			ctx := gctx
			for now := range tickChs[cpu] {
				sim.cpus[cpu].tick(ctx, now)
				barrier.Done()
			}
			return nil
		})
	}

	start := timeutil.Now()
	durNs := sim.spec.Duration.nanos()

	done := make(chan struct{})
	defer close(done)
	_ = stopper.RunAsyncTask(ctx, "progress", func(ctx context.Context) {
		var every timeutil.Timer
		defer every.Stop()
		for {
			every.Reset(time.Second)
			select {
			case <-every.C:
				every.Read = true
				log.Infof(ctx, "simulated %s of %s",
					fmtDuration(sim.clock.NowNanos()), fmtDuration(durNs))
			case <-done:
				return
			case <-stopper.ShouldQuiesce():
				return
			}
		}
	})

	events := append([]eventSpec(nil), sim.spec.Events...)
	var ticks int64
	simulated := int64(0)

loop:
	for now := sim.tickNs; now <= durNs; now += sim.tickNs {
		sim.clock.now.Store(now)
		for len(events) > 0 && events[0].At.nanos() <= now {
			if err := sim.applyEvent(ctx, events[0]); err != nil {
				log.Errorf(ctx, "event failed: %v", err)
			}
			events = events[1:]
		}
		barrier.Add(numCPUs)
		for _, ch := range tickChs {
			ch <- now
		}
		barrier.Wait()
		ticks++
		simulated = now
		select {
		case <-stopper.ShouldQuiesce():
			log.Infof(ctx, "interrupted at %s simulated time", fmtDuration(now))
			break loop
		default:
		}
	}
	for _, ch := range tickChs {
		close(ch)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &result{
		spec:      sim.spec,
		simulated: simulated,
		wallNanos: timeutil.Since(start).Nanoseconds(),
		ticks:     ticks * int64(numCPUs),
		ipis:      sim.ipi.total(),
		wakeHist:  newHistogram(),
		sliceHist: newHistogram(),
		loadAvg:   sim.sched.LoadAverage(),
		util:      make([]float64, numCPUs),
		depth:     make([]int, numCPUs),
		groups:    sim.groups,
		reg:       sim.reg,
	}
	for cpu, v := range sim.cpus {
		res.wakeHist.Merge(v.wakeHist)
		res.sliceHist.Merge(v.sliceHist)
		res.util[cpu] = sim.util.get(cpu)
		res.depth[cpu] = sim.sched.NrRunning(cpu)
		res.switches += sim.sched.NrSwitches(cpu)
	}
	return res, nil
}

func (sim *simulator) applyEvent(ctx context.Context, ev eventSpec) error {
	switch {
	case ev.Offline != nil:
		log.Infof(ctx, "event: offlining cpu%d", *ev.Offline)
		return sim.sched.Offline(ctx, *ev.Offline)
	case ev.Online != nil:
		log.Infof(ctx, "event: onlining cpu%d", *ev.Online)
		return sim.sched.Online(ctx, *ev.Online)
	default:
		return errors.AssertionFailedf("empty event")
	}
}
