// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's counters. All fields are safe for concurrent
// use; pass the struct in Config to enable collection.
type Metrics struct {
	Switches          prometheus.Counter
	Wakeups           prometheus.Counter
	WakeMigrations    prometheus.Counter
	Migrations        prometheus.Counter
	Pulls             prometheus.Counter
	ActiveBalances    prometheus.Counter
	AffinityOverrides prometheus.Counter
	HotplugDrains     prometheus.Counter
}

// NewMetrics builds the metric set and registers it with reg if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sched",
			Name:      name,
			Help:      help,
		})
		if reg != nil {
			reg.MustRegister(c)
		}
		return c
	}
	return &Metrics{
		Switches:          counter("switches_total", "Context switches."),
		Wakeups:           counter("wakeups_total", "Task wakeups."),
		WakeMigrations:    counter("wake_migrations_total", "Wakeups placed on a different CPU."),
		Migrations:        counter("migrations_total", "Queued-task migrations."),
		Pulls:             counter("pulls_total", "Tasks pulled by idle CPUs."),
		ActiveBalances:    counter("active_balances_total", "Single-task active balance moves."),
		AffinityOverrides: counter("affinity_overrides_total", "Affinity masks overridden for forward progress."),
		HotplugDrains:     counter("hotplug_drained_total", "Tasks drained off dying CPUs."),
	}
}

// RegisterGauges registers machine-level gauges that read live scheduler
// state: per-CPU queue depth and the 1 minute load average.
func (s *Scheduler) RegisterGauges(reg prometheus.Registerer) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "sched",
		Name:      "load_avg_1m",
		Help:      "1 minute load average.",
	}, func() float64 { return s.LoadAverage()[0] }))
	reg.MustRegister(&depthCollector{s: s})
}

// depthCollector exposes per-CPU runnable counts as a labeled gauge.
type depthCollector struct {
	s *Scheduler
}

var depthDesc = prometheus.NewDesc(
	"sched_runqueue_depth", "Runnable tasks per CPU.", []string{"cpu"}, nil)

func (c *depthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- depthDesc
}

func (c *depthCollector) Collect(ch chan<- prometheus.Metric) {
	for cpu := 0; cpu < c.s.NumCPUs(); cpu++ {
		ch <- prometheus.MustNewConstMetric(
			depthDesc, prometheus.GaugeValue,
			float64(c.s.NrRunning(cpu)), strconv.Itoa(cpu))
	}
}
