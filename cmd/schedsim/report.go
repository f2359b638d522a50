// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/codahale/hdrhistogram"
	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func fmtDuration(ns int64) string {
	return time.Duration(ns).Round(time.Microsecond).String()
}

func fmtHist(h *hdrhistogram.Histogram) string {
	if h.TotalCount() == 0 {
		return "n/a"
	}
	return fmt.Sprintf("p50=%s p95=%s p99=%s max=%s (n=%s)",
		fmtDuration(h.ValueAtQuantile(50)),
		fmtDuration(h.ValueAtQuantile(95)),
		fmtDuration(h.ValueAtQuantile(99)),
		fmtDuration(h.Max()),
		humanize.Comma(h.TotalCount()))
}

// printReport writes the human-readable summary of a finished run.
func printReport(w io.Writer, res *result, showMetrics bool) error {
	fmt.Fprintf(w, "simulated %s on %d cpus in %s wall time (%s ticks)\n",
		fmtDuration(res.simulated), res.spec.CPUs, fmtDuration(res.wallNanos),
		humanize.Comma(res.ticks))
	fmt.Fprintf(w, "context switches: %s   resched IPIs: %s\n",
		humanize.Comma(res.switches), humanize.Comma(res.ipis))
	fmt.Fprintf(w, "wakeup latency:   %s\n", fmtHist(res.wakeHist))
	fmt.Fprintf(w, "on-cpu stretch:   %s\n", fmtHist(res.sliceHist))
	fmt.Fprintf(w, "load average:     %.2f %.2f %.2f\n",
		res.loadAvg[0], res.loadAvg[1], res.loadAvg[2])

	fmt.Fprintf(w, "per-cpu:")
	for cpu := 0; cpu < res.spec.CPUs; cpu++ {
		fmt.Fprintf(w, "  cpu%d util=%.0f%% depth=%d", cpu, 100*res.util[cpu], res.depth[cpu])
	}
	fmt.Fprintln(w)

	names := maps.Keys(res.groups)
	slices.Sort(names)
	for _, name := range names {
		st := res.groups[name]
		fmt.Fprintf(w, "group %-12s bursts=%-10s cpu time=%s\n",
			name, humanize.Comma(st.bursts.Load()), fmtDuration(st.execNs.Load()))
	}

	if showMetrics {
		fmt.Fprintln(w)
		return printMetrics(w, res)
	}
	return nil
}

// printMetrics dumps the prometheus registry in a flat name=value form.
func printMetrics(w io.Writer, res *result) error {
	families, err := res.reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var val float64
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				val = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				val = m.GetGauge().GetValue()
			default:
				continue
			}
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += fmt.Sprintf("{%s=%s}", lp.GetName(), lp.GetValue())
			}
			fmt.Fprintf(w, "%s %v\n", name, val)
		}
	}
	return nil
}
