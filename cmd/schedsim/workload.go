// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"os"
	"time"

	"github.com/cockroachdb/altsched/pkg/sched"
	"github.com/cockroachdb/altsched/pkg/sched/cpumask"
	"github.com/cockroachdb/altsched/pkg/sched/topology"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// duration wraps time.Duration so workload files can say "500us" or "2s".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %q", s)
	}
	*d = duration(parsed)
	return nil
}

func (d duration) nanos() int64 { return int64(d) }

// groupSpec describes a homogeneous set of tasks. Each task loops: run for
// Run worth of CPU time, then sleep for Sleep. A zero Sleep makes a pure
// spinner.
type groupSpec struct {
	Name  string   `yaml:"name"`
	Count int      `yaml:"count"`
	Nice  int      `yaml:"nice"`
	Class string   `yaml:"class"`
	Run   duration `yaml:"run"`
	Sleep duration `yaml:"sleep"`
	// IOWait marks the sleeps as IO wait, making them uninterruptible and
	// visible in the iowait counters.
	IOWait bool `yaml:"iowait"`
	// Affinity restricts the group to the listed CPUs. Empty means all.
	Affinity []int `yaml:"affinity"`
	// YieldEvery makes each task yield after that many completed bursts.
	// Zero disables yielding.
	YieldEvery int `yaml:"yield_every"`
}

// eventSpec fires a hot-plug transition at a point in simulated time.
type eventSpec struct {
	At      duration `yaml:"at"`
	Offline *int     `yaml:"offline"`
	Online  *int     `yaml:"online"`
}

// topoSpec mirrors topology.Spec with yaml names.
type topoSpec struct {
	Sockets        int `yaml:"sockets"`
	CoresPerSocket int `yaml:"cores_per_socket"`
	ThreadsPerCore int `yaml:"threads_per_core"`
}

func (t *topoSpec) build() *topology.Topology {
	return topology.NewSynthetic(topology.Spec{
		Sockets:        t.Sockets,
		CoresPerSocket: t.CoresPerSocket,
		ThreadsPerCore: t.ThreadsPerCore,
	})
}

// workloadSpec is the root of a workload file.
type workloadSpec struct {
	Duration duration  `yaml:"duration"`
	Tick     duration  `yaml:"tick"`
	CPUs     int       `yaml:"cpus"`
	Topology *topoSpec `yaml:"topology"`

	BaseSlice duration `yaml:"base_slice"`
	YieldType string   `yaml:"yield_type"`

	Groups []groupSpec `yaml:"groups"`
	Events []eventSpec `yaml:"events"`
}

func (w *workloadSpec) setDefaults() {
	if w.Duration == 0 {
		w.Duration = duration(2 * time.Second)
	}
	if w.Tick == 0 {
		w.Tick = duration(time.Millisecond)
	}
	if w.CPUs == 0 {
		w.CPUs = 4
	}
	for i := range w.Groups {
		g := &w.Groups[i]
		if g.Count == 0 {
			g.Count = 1
		}
		if g.Run == 0 {
			g.Run = duration(500 * time.Microsecond)
		}
	}
}

func (w *workloadSpec) validate() error {
	if w.CPUs <= 0 || w.CPUs > cpumask.MaxCPUs {
		return errors.Errorf("cpus must be in 1..%d; got %d", cpumask.MaxCPUs, w.CPUs)
	}
	if w.Tick <= 0 || w.Duration < w.Tick {
		return errors.Errorf("need tick > 0 and duration >= tick")
	}
	if t := w.Topology; t != nil {
		if n := t.Sockets * t.CoresPerSocket * t.ThreadsPerCore; n != w.CPUs {
			return errors.Errorf("topology describes %d CPUs, workload has %d", n, w.CPUs)
		}
	}
	if _, err := parseYieldType(w.YieldType); err != nil {
		return err
	}
	if len(w.Groups) == 0 {
		return errors.New("workload has no task groups")
	}
	for _, g := range w.Groups {
		if g.Name == "" {
			return errors.New("every group needs a name")
		}
		if g.Nice < sched.MinNice || g.Nice > sched.MaxNice {
			return errors.Errorf("group %s: nice %d out of range", g.Name, g.Nice)
		}
		if _, err := parseClass(g.Class); err != nil {
			return errors.Wrapf(err, "group %s", g.Name)
		}
		for _, cpu := range g.Affinity {
			if cpu < 0 || cpu >= w.CPUs {
				return errors.Errorf("group %s: affinity cpu %d out of range", g.Name, cpu)
			}
		}
	}
	for _, ev := range w.Events {
		if (ev.Offline == nil) == (ev.Online == nil) {
			return errors.New("each event needs exactly one of offline or online")
		}
		cpu := ev.Offline
		if cpu == nil {
			cpu = ev.Online
		}
		if *cpu < 0 || *cpu >= w.CPUs {
			return errors.Errorf("event cpu %d out of range", *cpu)
		}
	}
	return nil
}

func parseClass(s string) (sched.Class, error) {
	switch s {
	case "", "normal":
		return sched.ClassNormal, nil
	case "batch":
		return sched.ClassBatch, nil
	case "idle":
		return sched.ClassIdle, nil
	default:
		return 0, errors.Errorf("unknown class %q", s)
	}
}

func parseYieldType(s string) (int, error) {
	switch s {
	case "none":
		return sched.YieldNone, nil
	case "", "deboost":
		return sched.YieldDeboost, nil
	case "expire":
		return sched.YieldExpire, nil
	default:
		return 0, errors.Errorf("unknown yield type %q", s)
	}
}

// loadWorkload reads a workload file, or returns the built-in mixed
// workload when path is empty.
func loadWorkload(path string) (*workloadSpec, error) {
	var w workloadSpec
	if path == "" {
		w = defaultWorkload()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &w); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	}
	w.setDefaults()
	if err := w.validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// defaultWorkload mixes interactive wakers, batch spinners and an
// io-bound group, with a hot-unplug halfway through.
func defaultWorkload() workloadSpec {
	cpu3 := 3
	return workloadSpec{
		Duration: duration(2 * time.Second),
		Tick:     duration(time.Millisecond),
		CPUs:     4,
		Groups: []groupSpec{
			{Name: "interactive", Count: 8, Nice: 0,
				Run: duration(500 * time.Microsecond), Sleep: duration(4 * time.Millisecond)},
			{Name: "batch", Count: 4, Nice: 10, Class: "batch",
				Run: duration(50 * time.Millisecond)},
			{Name: "io", Count: 4, Nice: 0, IOWait: true,
				Run: duration(time.Millisecond), Sleep: duration(8 * time.Millisecond)},
		},
		Events: []eventSpec{
			{At: duration(time.Second), Offline: &cpu3},
			{At: duration(1500 * time.Millisecond), Online: &cpu3},
		},
	}
}
