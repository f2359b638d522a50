// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package sched implements a multi-queue CPU scheduler core: per-CPU
// runqueues over a fixed-level bitmap priority queue, a compiled-in priority
// policy (BMQ by default, PDS under the sched_pds build tag), wakeup routing
// and cross-CPU balancing over a topology oracle, tick-driven timeslice
// accounting, and CPU hot-plug.
//
// The package schedules abstract tasks for an embedder that owns the actual
// execution vehicles (virtual CPUs in the simulator, worker goroutines in a
// runtime). The embedder drives the engine: it calls Tick periodically per
// CPU, Schedule at every reschedule point, and TryWakeUp when an event makes
// a sleeping task runnable.
package sched

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/altsched/pkg/sched/cpumask"
	"github.com/cockroachdb/altsched/pkg/sched/topology"
	"github.com/cockroachdb/altsched/pkg/util/log"
	"github.com/cockroachdb/altsched/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
)

// Clock is the monotonic time source. It must never go backward; jitter is
// tolerated.
type Clock interface {
	NowNanos() int64
}

// IPI notifies a CPU that it should pass through Schedule soon. Delivery is
// best-effort and idempotent under retries.
type IPI interface {
	SendIPI(cpu int)
}

// StopExecutor runs a short, non-blocking function in the context of a
// CPU's privileged stop worker. The function takes whatever locks it needs;
// the engine never calls Run while holding a runqueue lock.
type StopExecutor interface {
	Run(cpu int, fn func())
}

// InlineStopExecutor runs stop functions synchronously on the caller's
// goroutine. It backs tests and the simulator.
type InlineStopExecutor struct{}

// Run implements StopExecutor.
func (InlineStopExecutor) Run(cpu int, fn func()) { fn() }

// UtilHook receives coalesced per-CPU utilization updates, in the spirit of
// a cpufreq governor callback. util is in [0, 1]. Delivery may be elided.
type UtilHook interface {
	UtilUpdate(cpu int, util float64)
}

// HRTimer optionally provides a one-shot timer per CPU used to fire a
// reschedule at the expected slice boundary.
type HRTimer interface {
	StartHRTick(cpu int, delayNs int64)
	CancelHRTick(cpu int)
}

// Yield behaviors, selectable in Config.
const (
	// YieldDeboost drops the yielding task to the bottom of its band. The
	// default.
	YieldDeboost = iota
	// YieldNone makes Yield a no-op.
	YieldNone
	// YieldExpire burns the remaining timeslice.
	YieldExpire
)

// Config parameterizes a Scheduler.
type Config struct {
	// NumCPUs is the number of CPUs; all start online.
	NumCPUs int
	// Topology orders CPUs by proximity for migration decisions. Defaults
	// to a flat topology over NumCPUs.
	Topology *topology.Topology
	// Clock is required.
	Clock Clock
	// IPI may be nil, in which case remote reschedule marks are silent.
	IPI IPI
	// StopExec runs active-balance and forced-migration work. Defaults to
	// InlineStopExecutor.
	StopExec StopExecutor
	// UtilHook may be nil.
	UtilHook UtilHook
	// HRTick may be nil.
	HRTick HRTimer
	// BaseSliceNs is the round-robin timeslice. Defaults to 4ms.
	BaseSliceNs int64
	// YieldType selects the Yield behavior. Defaults to YieldDeboost.
	YieldType int
	// ReschedLatencyWarnNs warns when a reschedule mark stays unserviced
	// longer than this. Zero disables the warning.
	ReschedLatencyWarnNs int64
	// NrMigrate bounds how many tasks one idle pull can take. Defaults
	// to 32.
	NrMigrate int
	// Metrics receives engine counters. May be nil.
	Metrics *Metrics
}

func (c *Config) validate() error {
	if c.NumCPUs <= 0 || c.NumCPUs > cpumask.MaxCPUs {
		return errors.Errorf("NumCPUs must be in 1..%d; got %d", cpumask.MaxCPUs, c.NumCPUs)
	}
	if c.Clock == nil {
		return errors.New("Clock is required")
	}
	if c.Topology != nil && c.Topology.NumCPUs() != c.NumCPUs {
		return errors.Errorf("topology covers %d CPUs, config has %d",
			c.Topology.NumCPUs(), c.NumCPUs)
	}
	if c.YieldType < YieldDeboost || c.YieldType > YieldExpire {
		return errors.Errorf("unknown yield type %d", c.YieldType)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Topology == nil {
		c.Topology = topology.Flat(c.NumCPUs)
	}
	if c.StopExec == nil {
		c.StopExec = InlineStopExecutor{}
	}
	if c.BaseSliceNs == 0 {
		c.BaseSliceNs = 4 << 20
	}
	if c.NrMigrate == 0 {
		c.NrMigrate = 32
	}
}

// Scheduler is the engine. One instance owns all runqueues.
type Scheduler struct {
	cfg      Config
	clock    Clock
	ipi      IPI
	stopExec StopExecutor
	topo     *topology.Topology
	metrics  *Metrics

	rqs []*runqueue

	// activeMask holds CPUs accepting new tasks; idleMask CPUs whose queue
	// is empty; pendingMask CPUs with more than one runnable task.
	activeMask  cpumask.AtomicMask
	idleMask    cpumask.AtomicMask
	pendingMask cpumask.AtomicMask

	// preemptMask[p] caches, for the recorded level prioRecord, the CPUs a
	// level-p task could preempt. Other levels are rebuilt lazily on use.
	preemptMask [Levels]cpumask.AtomicMask
	prioRecord  atomic.Int32

	// hotplug serializes CPU online/offline transitions. Never held across
	// a runqueue lock acquisition ordering violation: runqueue locks are
	// taken inside it.
	hotplug syncutil.Mutex

	nextID atomic.Int64

	// Global load-average state; see load.go.
	calcLoadTasks  atomic.Int64
	calcLoadUpdate atomic.Int64
	loadAvg        [3]atomic.Uint64
}

// NewScheduler validates cfg and returns a Scheduler with all CPUs online
// and idle.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	s := &Scheduler{
		cfg:      cfg,
		clock:    cfg.Clock,
		ipi:      cfg.IPI,
		stopExec: cfg.StopExec,
		topo:     cfg.Topology,
		metrics:  cfg.Metrics,
		rqs:      make([]*runqueue, cfg.NumCPUs),
	}
	now := s.clock.NowNanos()
	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		rq := newRunqueue(s, cpu)
		rq.online = true
		// The task clock tracks the runqueue clock one-to-one, so starting
		// them equal keeps the two time domains interchangeable.
		rq.clock = now
		rq.clockTask = now
		s.rqs[cpu] = rq
		s.activeMask.Set(cpu)
		s.idleMask.Set(cpu)
	}
	s.calcLoadUpdate.Store(now + loadFreqNs)
	return s, nil
}

// NumCPUs returns the configured CPU count.
func (s *Scheduler) NumCPUs() int {
	return len(s.rqs)
}

// CurrentTask returns cpu's running task without taking the runqueue lock.
// Pairs with the release store in Schedule.
func (s *Scheduler) CurrentTask(cpu int) *Task {
	return s.rqs[cpu].curr.Load()
}

// NrRunning returns the number of runnable tasks queued on cpu.
func (s *Scheduler) NrRunning(cpu int) int {
	rq := s.rqs[cpu]
	rq.lock()
	defer rq.unlock()
	return rq.nrRunning
}

// NrSwitches returns the number of context switches performed on cpu.
func (s *Scheduler) NrSwitches(cpu int) int64 {
	rq := s.rqs[cpu]
	rq.lock()
	defer rq.unlock()
	return rq.nrSwitches
}

// NrIOWait returns the number of tasks from cpu sleeping in IO wait.
func (s *Scheduler) NrIOWait(cpu int) int64 {
	return s.rqs[cpu].nrIOWait.Load()
}

// TaskConfig describes a task to create.
type TaskConfig struct {
	Name  string
	Nice  int
	Class Class
	// Affinity is the allowed-CPU set; empty means all CPUs.
	Affinity cpumask.Mask
	// CPU is the preferred initial CPU, typically the parent's.
	CPU int
}

// NewTask creates a task in the new state. It consumes no runqueue
// resources until StartTask.
func (s *Scheduler) NewTask(cfg TaskConfig) (*Task, error) {
	if cfg.Nice < MinNice || cfg.Nice > MaxNice {
		return nil, errors.Errorf("nice %d out of range [%d, %d]", cfg.Nice, MinNice, MaxNice)
	}
	if cfg.CPU < 0 || cfg.CPU >= len(s.rqs) {
		return nil, errors.Errorf("cpu %d out of range", cfg.CPU)
	}
	affinity := cfg.Affinity
	if affinity.Empty() {
		affinity = cpumask.Range(len(s.rqs))
	}
	t := &Task{
		ID:       s.nextID.Add(1),
		Name:     cfg.Name,
		nice:     cfg.Nice,
		class:    cfg.Class,
		affinity: affinity,
	}
	t.state.Store(int32(TaskNew))
	t.cpu.Store(int32(cfg.CPU))
	return t, nil
}

// Fork creates a child inheriting the parent's priority state and affinity.
func (s *Scheduler) Fork(parent *Task, name string) (*Task, error) {
	parent.pi.Lock()
	affinity := parent.affinity
	parent.pi.Unlock()
	return s.NewTask(TaskConfig{
		Name:     name,
		Nice:     parent.nice,
		Class:    parent.class,
		Affinity: affinity,
		CPU:      parent.CPU(),
	})
}

// StartTask makes a new task runnable for the first time, placing it by the
// wake-affinity rule. Returns the chosen CPU.
func (s *Scheduler) StartTask(ctx context.Context, t *Task) (int, error) {
	t.pi.Lock()
	defer t.pi.Unlock()
	if TaskState(t.state.Load()) != TaskNew {
		return 0, errors.AssertionFailedf("StartTask on non-new task %s", t)
	}
	t.state.Store(int32(TaskRunning))
	cpu := s.selectTaskRQ(ctx, t)
	t.cpu.Store(int32(cpu))

	rq := s.rqs[cpu]
	rq.lock()
	rq.updateClock()
	schedTaskFork(t, rq)
	t.timeSlice = s.cfg.BaseSliceNs
	t.lastRan = rq.clockTask
	rq.activateTask(t)
	rq.wakeupPreempt(-1)
	rq.unlock()

	if s.metrics != nil {
		s.metrics.Wakeups.Inc()
	}
	return cpu, nil
}

// ExitTask marks t dead. The task must be the current task of its CPU; the
// next Schedule there retires it.
func (s *Scheduler) ExitTask(t *Task) {
	t.state.Store(int32(TaskDead))
}

// Schedule picks the next task to run on cpu and publishes it as current.
// preempt distinguishes involuntary preemption from a voluntary reschedule:
// a task that marked itself sleeping is only dequeued on the voluntary
// path, mirroring the state/wakeup race rules.
//
// The returned task is what the embedder should run until the next
// reschedule point.
func (s *Scheduler) Schedule(ctx context.Context, cpu int, preempt bool) *Task {
	rq := s.rqs[cpu]
	if s.cfg.HRTick != nil {
		s.cfg.HRTick.CancelHRTick(cpu)
	}

	rq.lock()
	rq.updateClock()

	prev := rq.curr.Load()
	if !preempt && prev != rq.idle {
		if st := prev.State(); st != TaskRunning && st != TaskWaking && prev.Queued() {
			// Voluntary block. A wakeup racing with us takes this
			// runqueue's lock in ttwuRunnable and has either already
			// flipped the state back to running (checked above) or will
			// observe the dequeue and do a full activation.
			rq.deactivateTask(prev, st)
		}
	}

	rq.checkCurr(prev)

	next := s.chooseNextTask(ctx, rq)
	rq.needResched.Store(false)
	rq.lastSeenNeedReschedNs = 0
	rq.ticksWithoutResched = 0

	var pushT *Task
	var pushDest int
	if next != prev {
		// A preempted task that stays runnable drops to the tail of its
		// level so equal-priority peers run before it comes back. The pick
		// may have migrated prev away, in which case it is not ours to
		// touch anymore.
		if prev != rq.idle && prev.Queued() && prev.CPU() == rq.cpu {
			rq.requeueTask(prev)
		}
		next.lastRan = rq.clockTask
		rq.nrSwitches++
		rq.lastTsSwitch = rq.clock
		rq.curr.Store(next)
		next.onCPU.Store(true)
		prev.onCPU.Store(false)
		if s.metrics != nil {
			s.metrics.Switches.Inc()
		}
		if s.cfg.HRTick != nil && next != rq.idle {
			s.cfg.HRTick.StartHRTick(cpu, next.timeSlice)
		}
	} else {
		pushT, pushDest = s.prioBalance(ctx, rq)
	}
	goingIdle := next == rq.idle && rq.online
	rq.unlock()

	if pushT != nil {
		s.finishPush(ctx, pushT, pushDest)
	}
	if goingIdle {
		s.idleBalance(ctx, cpu)
	}
	return next
}

// NeedResched returns whether cpu has a pending reschedule mark.
func (s *Scheduler) NeedResched(cpu int) bool {
	return s.rqs[cpu].needResched.Load()
}

// Yield applies the configured yield behavior to cpu's running task and
// marks the CPU for reschedule.
func (s *Scheduler) Yield(ctx context.Context, cpu int) {
	rq := s.rqs[cpu]
	rq.lock()
	rq.updateClock()
	t := rq.curr.Load()
	if t != rq.idle {
		switch s.cfg.YieldType {
		case YieldNone:
		case YieldDeboost:
			schedYieldDeboost(t, rq)
			if t.Queued() {
				rq.requeueTask(t)
			}
		case YieldExpire:
			t.timeSlice = 0
		}
		rq.reschedCurr(cpu)
	}
	rq.unlock()
}

// SetNice changes t's nice value, re-ranking it if queued.
func (s *Scheduler) SetNice(ctx context.Context, t *Task, nice int) error {
	if nice < MinNice || nice > MaxNice {
		return errors.Errorf("nice %d out of range [%d, %d]", nice, MinNice, MaxNice)
	}
	t.pi.Lock()
	defer t.pi.Unlock()
	rq := s.taskRQLock(t)
	t.nice = nice
	if t.Queued() {
		schedTaskRenew(t, rq)
		rq.requeueTask(t)
		rq.wakeupPreempt(-1)
	}
	rq.unlock()
	return nil
}

// SetAffinity changes t's allowed-CPU mask, migrating it off a now-excluded
// CPU. The new mask must intersect the online CPUs.
func (s *Scheduler) SetAffinity(ctx context.Context, t *Task, mask cpumask.Mask) error {
	if mask.Empty() {
		return errors.New("affinity mask must not be empty")
	}
	t.pi.Lock()

	rq := s.taskRQLock(t)
	if mask.Equal(t.affinity) {
		rq.unlock()
		t.pi.Unlock()
		return nil
	}
	var valid cpumask.Mask
	if !valid.And(mask, s.activeMask.Snapshot()) {
		rq.unlock()
		t.pi.Unlock()
		return errors.Errorf("affinity %s has no online CPU", mask)
	}
	t.affinity = mask

	cpu := t.CPU()
	if mask.Test(cpu) {
		rq.unlock()
		t.pi.Unlock()
		return nil
	}
	dest := valid.FirstSetFrom(cpu)
	if t.onCPU.Load() || t.State() == TaskWaking {
		// Running or mid-wakeup: hand the move to the CPU's stop worker,
		// which migrates the task once it is switched out. The pi lock is
		// released first so the worker can take it.
		rq.reschedCurr(-1)
		rq.unlock()
		t.pi.Unlock()
		s.stopExec.Run(cpu, func() { s.migrationStop(ctx, t, dest) })
		return nil
	}
	if t.Queued() {
		rq = s.moveQueuedTask(ctx, rq, t, dest)
	}
	rq.unlock()
	t.pi.Unlock()
	return nil
}

// migrationStop is forced-migration work run by a stop executor: move t to
// dest if it is still queued here and still excluded from its CPU.
func (s *Scheduler) migrationStop(ctx context.Context, t *Task, dest int) {
	t.pi.Lock()
	defer t.pi.Unlock()
	rq := s.taskRQLock(t)
	if t.Queued() && !t.onCPU.Load() && !t.affinity.Test(t.CPU()) && s.isCPUAllowed(t, dest) {
		rq.updateClock()
		rq = s.moveQueuedTask(ctx, rq, t, dest)
	}
	rq.unlock()
}

// taskRQLock locks the runqueue t currently belongs to, retrying across
// concurrent migrations. Caller holds t.pi.
func (s *Scheduler) taskRQLock(t *Task) *runqueue {
	for {
		rq := s.rqs[t.CPU()]
		rq.lock()
		if int(t.cpu.Load()) == rq.cpu && t.onRq.Load() != onRqMigrating {
			return rq
		}
		rq.unlock()
		for t.onRq.Load() == onRqMigrating {
			runtime.Gosched()
		}
	}
}

func (s *Scheduler) isCPUAllowed(t *Task, cpu int) bool {
	return t.affinity.Test(cpu) && s.activeMask.Test(cpu)
}

// annotateCtx tags log output with the acting CPU.
func annotateCtx(ctx context.Context, cpu int) context.Context {
	return logtags.AddTag(ctx, "cpu", cpu)
}

func warnPolicyOverride(ctx context.Context, t *Task, cpu int) {
	log.Warningf(ctx, "task %s no longer affine to cpu%d; overriding affinity", t, cpu)
}
