// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"math/bits"

	"github.com/cockroachdb/errors"
)

// Levels is the number of priority-queue levels backed by the bitmap. Lower
// level index means higher priority.
const Levels = 64

// IdleLevel is the sentinel returned when the queue is empty. It is exactly
// what TrailingZeros64 yields on a zero bitmap, so "find first set" needs no
// special casing for the idle CPU.
const IdleLevel = Levels

// The normal timesharing band occupies the upper half of the level space;
// the space below it is reserved for boosted tasks and keeps the arithmetic
// of both policies clamp-free in the common case.
const (
	minNormalLevel = 32
	normalLevels   = 32
)

// taskList is an intrusive FIFO of tasks linked through sqPrev/sqNext.
type taskList struct {
	head, tail *Task
}

func (l *taskList) empty() bool {
	return l.head == nil
}

func (l *taskList) pushTail(t *Task) {
	t.sqPrev = l.tail
	t.sqNext = nil
	if l.tail != nil {
		l.tail.sqNext = t
	} else {
		l.head = t
	}
	l.tail = t
}

// pushFrontAll splices the entire list other in front of l, preserving
// other's internal order. other is left empty.
func (l *taskList) pushFrontAll(other *taskList) {
	if other.head == nil {
		return
	}
	other.tail.sqNext = l.head
	if l.head != nil {
		l.head.sqPrev = other.tail
	} else {
		l.tail = other.tail
	}
	l.head = other.head
	other.head, other.tail = nil, nil
}

// pushTailAll appends the entire list other to l, preserving order. other is
// left empty.
func (l *taskList) pushTailAll(other *taskList) {
	if other.head == nil {
		return
	}
	other.head.sqPrev = l.tail
	if l.tail != nil {
		l.tail.sqNext = other.head
	} else {
		l.head = other.head
	}
	l.tail = other.tail
	other.head, other.tail = nil, nil
}

func (l *taskList) remove(t *Task) {
	if t.sqPrev != nil {
		t.sqPrev.sqNext = t.sqNext
	} else {
		l.head = t.sqNext
	}
	if t.sqNext != nil {
		t.sqNext.sqPrev = t.sqPrev
	} else {
		l.tail = t.sqPrev
	}
	t.sqPrev, t.sqNext = nil, nil
}

// schedQueue is the fixed-level priority queue of one runqueue. The bitmap
// is indexed by priority; the lists are indexed by list index. The two
// spaces coincide under BMQ and differ by a modular rotation under PDS,
// which lets the PDS edge rollover re-rank every queued task with a single
// bitmap shift instead of touching each task.
type schedQueue struct {
	bitmap uint64
	heads  [Levels]taskList
}

// firstSet returns the best (lowest) set priority, or IdleLevel if none.
func (q *schedQueue) firstSet() int {
	return bits.TrailingZeros64(q.bitmap)
}

// enqueue inserts t at the tail of list idx and sets bit prio.
// Contract violation to enqueue a task that is already linked.
func (q *schedQueue) enqueue(t *Task, idx, prio int) {
	if t.sqPrev != nil || t.sqNext != nil || q.heads[t.sqIdx].head == t {
		panic(errors.AssertionFailedf("enqueue of already-linked task %s", t))
	}
	t.sqIdx = idx
	q.heads[idx].pushTail(t)
	if q.heads[idx].head == t {
		q.bitmap |= 1 << uint(prio)
	}
}

// dequeue unlinks t and clears the bit for its list if it became empty.
// prioOf maps the emptied list index back to its priority.
func (q *schedQueue) dequeue(t *Task, prioOf func(idx int) int) {
	if t.sqPrev == nil && t.sqNext == nil && q.heads[t.sqIdx].head != t {
		panic(errors.AssertionFailedf("dequeue of unqueued task %s", t))
	}
	idx := t.sqIdx
	q.heads[idx].remove(t)
	if q.heads[idx].empty() {
		q.bitmap &^= 1 << uint(prioOf(idx))
	}
}

// requeue moves t to the tail of list idx, updating bits for both the old
// and the new position. Returns false without touching the queue when t is
// already at the tail of that list.
func (q *schedQueue) requeue(t *Task, idx, prio int, prioOf func(idx int) int) bool {
	if q.heads[idx].tail == t {
		return false
	}
	oldIdx := t.sqIdx
	q.heads[oldIdx].remove(t)
	if oldIdx != idx && q.heads[oldIdx].empty() {
		q.bitmap &^= 1 << uint(prioOf(oldIdx))
	}
	t.sqIdx = idx
	q.heads[idx].pushTail(t)
	if q.heads[idx].head == t {
		q.bitmap |= 1 << uint(prio)
	}
	return true
}
