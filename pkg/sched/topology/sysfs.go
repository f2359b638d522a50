// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package topology

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// DefaultSysfsRoot is where Linux exposes CPU topology.
const DefaultSysfsRoot = "/sys/devices/system/cpu"

// FromSysfs discovers the machine topology from the given sysfs root
// (normally DefaultSysfsRoot). Only the possible-CPU range and the per-CPU
// core and package ids are consulted.
func FromSysfs(root string) (*Topology, error) {
	possible, err := os.ReadFile(filepath.Join(root, "possible"))
	if err != nil {
		return nil, errors.Wrap(err, "reading possible cpus")
	}
	cpus, err := ParseCPUList(strings.TrimSpace(string(possible)))
	if err != nil {
		return nil, errors.Wrap(err, "parsing possible cpus")
	}
	if len(cpus) == 0 {
		return nil, errors.New("no possible cpus")
	}

	infos := make([]CPUInfo, 0, len(cpus))
	for _, cpu := range cpus {
		dir := filepath.Join(root, "cpu"+strconv.Itoa(cpu), "topology")
		coreID, err := readIntFile(filepath.Join(dir, "core_id"))
		if err != nil {
			return nil, errors.Wrapf(err, "cpu %d", cpu)
		}
		pkg, err := readIntFile(filepath.Join(dir, "physical_package_id"))
		if err != nil {
			return nil, errors.Wrapf(err, "cpu %d", cpu)
		}
		infos = append(infos, CPUInfo{CPU: cpu, CoreID: coreID, Socket: pkg})
	}
	return NewFromCPUs(infos)
}

func readIntFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// ParseCPUList parses a sysfs cpu list such as "0-3,5,7-8" into the CPUs it
// names, in increasing order.
func ParseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, found := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, errors.Wrapf(err, "bad cpu list entry %q", part)
		}
		end := start
		if found {
			end, err = strconv.Atoi(hi)
			if err != nil {
				return nil, errors.Wrapf(err, "bad cpu list entry %q", part)
			}
		}
		if end < start {
			return nil, errors.Errorf("bad cpu list range %q", part)
		}
		for cpu := start; cpu <= end; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}
