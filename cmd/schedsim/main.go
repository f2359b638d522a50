// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// schedsim runs synthetic workloads against the scheduler engine on virtual
// CPUs and reports switch counts, wakeup latency and load figures.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/altsched/pkg/sched/topology"
	"github.com/cockroachdb/altsched/pkg/util/log"
	"github.com/cockroachdb/altsched/pkg/util/stop"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:           "schedsim",
	Short:         "workload simulator for the altsched scheduler engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runFlags struct {
	workload    string
	duration    time.Duration
	cpus        int
	verbosity   int32
	quiet       bool
	showMetrics bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a workload and print a report",
	Args:  cobra.NoArgs,
	RunE:  runSim,
}

func registerRunFlags(f *pflag.FlagSet) {
	f.StringVarP(&runFlags.workload, "workload", "w", "",
		"workload YAML file; empty runs the built-in mixed workload")
	f.DurationVar(&runFlags.duration, "duration", 0,
		"override the workload's simulated duration")
	f.IntVar(&runFlags.cpus, "cpus", 0, "override the workload's CPU count")
	f.Int32Var(&runFlags.verbosity, "verbosity", 0, "log verbosity for VEventf output")
	f.BoolVarP(&runFlags.quiet, "quiet", "q", false, "suppress log output")
	f.BoolVar(&runFlags.showMetrics, "show-metrics", false,
		"dump the prometheus registry after the report")
}

func runSim(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	log.SetVModule(runFlags.verbosity)
	if runFlags.quiet {
		log.SetWriter(io.Discard)
	}

	spec, err := loadWorkload(runFlags.workload)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("duration") {
		spec.Duration = duration(runFlags.duration)
	}
	if cmd.Flags().Changed("cpus") {
		spec.CPUs = runFlags.cpus
	}
	if err := spec.validate(); err != nil {
		return err
	}

	stopper := stop.NewStopper()
	defer stopper.Stop(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	stopper.AddCloser(func() {
		signal.Stop(sigCh)
		close(sigCh)
	})
	go func() {
		if _, ok := <-sigCh; ok {
			stopper.Quiesce(ctx)
		}
	}()

	sim, err := newSimulator(spec)
	if err != nil {
		return err
	}
	res, err := sim.run(ctx, stopper)
	if err != nil {
		return err
	}
	return printReport(os.Stdout, res, runFlags.showMetrics)
}

var sysfsRoot string

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "print the host topology as the scheduler would see it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		topo, err := topology.FromSysfs(sysfsRoot)
		if err != nil {
			return err
		}
		for cpu := 0; cpu < topo.NumCPUs(); cpu++ {
			fmt.Printf("cpu%d:", cpu)
			for _, ring := range topo.Rings(cpu) {
				fmt.Printf(" %s", ring)
			}
			fmt.Println()
		}
		return nil
	},
}

func main() {
	registerRunFlags(runCmd.Flags())
	topologyCmd.Flags().StringVar(&sysfsRoot, "sysfs", "/sys", "sysfs mount point")
	rootCmd.AddCommand(runCmd, topologyCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
