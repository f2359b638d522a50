// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/altsched/pkg/util/leaktest"
	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"
)

func identityPrio(idx int) int { return idx }

func TestQueueDataDriven(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var q schedQueue
	tasks := map[string]*Task{}
	get := func(t *testing.T, d *datadriven.TestData) *Task {
		var name string
		d.ScanArgs(t, "name", &name)
		tk, ok := tasks[name]
		require.True(t, ok, "unknown task %s", name)
		return tk
	}

	datadriven.RunTest(t, "testdata/queue", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "enqueue":
			var name string
			var level int
			d.ScanArgs(t, "name", &name)
			d.ScanArgs(t, "level", &level)
			tk := &Task{Name: name}
			tasks[name] = tk
			q.enqueue(tk, level, level)
			return "ok"

		case "dequeue":
			q.dequeue(get(t, d), identityPrio)
			return "ok"

		case "requeue":
			var level int
			d.ScanArgs(t, "level", &level)
			if q.requeue(get(t, d), level, level, identityPrio) {
				return "moved"
			}
			return "tail"

		case "first":
			if prio := q.firstSet(); prio != IdleLevel {
				return q.heads[prio].head.Name
			}
			return "empty"

		case "dump":
			var sb strings.Builder
			for level := 0; level < Levels; level++ {
				if q.heads[level].empty() {
					continue
				}
				var names []string
				for tk := q.heads[level].head; tk != nil; tk = tk.sqNext {
					names = append(names, tk.Name)
				}
				fmt.Fprintf(&sb, "%d: [%s]\n", level, strings.Join(names, " "))
			}
			fmt.Fprintf(&sb, "bitmap: %#x", q.bitmap)
			return sb.String()

		default:
			t.Fatalf("unknown command %q", d.Cmd)
			return ""
		}
	})
}

func TestQueueContractViolations(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var q schedQueue
	t1 := &Task{Name: "a"}
	q.enqueue(t1, 48, 48)
	require.Panics(t, func() { q.enqueue(t1, 48, 48) })

	t2 := &Task{Name: "b"}
	require.Panics(t, func() { q.dequeue(t2, identityPrio) })

	q.dequeue(t1, identityPrio)
	require.Equal(t, IdleLevel, q.firstSet())
}

func TestQueueBitmapAcrossLevels(t *testing.T) {
	defer leaktest.AfterTest(t)()

	var q schedQueue
	a, b := &Task{Name: "a"}, &Task{Name: "b"}
	q.enqueue(a, 40, 40)
	q.enqueue(b, 50, 50)
	require.Equal(t, 40, q.firstSet())

	// Moving the sole occupant between levels must carry its bit along.
	require.True(t, q.requeue(a, 50, 50, identityPrio))
	require.Equal(t, 50, q.firstSet())
	require.Equal(t, b, q.heads[50].head)
	require.Equal(t, a, q.heads[50].tail)

	q.dequeue(b, identityPrio)
	require.Equal(t, 50, q.firstSet())
	q.dequeue(a, identityPrio)
	require.Equal(t, IdleLevel, q.firstSet())
}
