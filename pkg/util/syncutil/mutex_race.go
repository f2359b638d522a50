// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

//go:build race

package syncutil

import (
	"sync"
	"sync/atomic"
)

// DeadlockEnabled is true if the deadlock detector is enabled.
const DeadlockEnabled = false

// A Mutex is a mutual exclusion lock.
type Mutex struct {
	mu       sync.Mutex
	isLocked int32 // updated atomically
}

// Lock implements sync.Locker.
func (m *Mutex) Lock() {
	m.mu.Lock()
	atomic.StoreInt32(&m.isLocked, 1)
}

// Unlock implements sync.Locker.
func (m *Mutex) Unlock() {
	atomic.StoreInt32(&m.isLocked, 0)
	m.mu.Unlock()
}

// AssertHeld panics if the mutex is not locked.
func (m *Mutex) AssertHeld() {
	if atomic.LoadInt32(&m.isLocked) == 0 {
		panic("mutex is not write locked")
	}
}

// An RWMutex is a reader/writer mutual exclusion lock.
type RWMutex struct {
	sync.RWMutex
	isLocked  int32 // updated atomically
	isRLocked int32 // updated atomically
}

// Lock implements sync.Locker.
func (rw *RWMutex) Lock() {
	rw.RWMutex.Lock()
	atomic.StoreInt32(&rw.isLocked, 1)
}

// Unlock implements sync.Locker.
func (rw *RWMutex) Unlock() {
	atomic.StoreInt32(&rw.isLocked, 0)
	rw.RWMutex.Unlock()
}

// RLock acquires the mutex for reading.
func (rw *RWMutex) RLock() {
	rw.RWMutex.RLock()
	atomic.AddInt32(&rw.isRLocked, 1)
}

// RUnlock releases the mutex for reading.
func (rw *RWMutex) RUnlock() {
	atomic.AddInt32(&rw.isRLocked, -1)
	rw.RWMutex.RUnlock()
}

// AssertHeld panics if the mutex is not locked for writing.
func (rw *RWMutex) AssertHeld() {
	if atomic.LoadInt32(&rw.isLocked) == 0 {
		panic("mutex is not write locked")
	}
}

// AssertRHeld panics if the mutex is not locked for reading or writing.
func (rw *RWMutex) AssertRHeld() {
	if atomic.LoadInt32(&rw.isLocked) == 0 && atomic.LoadInt32(&rw.isRLocked) == 0 {
		panic("mutex is not read locked")
	}
}
