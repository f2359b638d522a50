// Copyright 2014 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package stop provides a Stopper to coordinate the lifecycle of async tasks.
package stop

import (
	"context"
	"sync"

	"github.com/cockroachdb/altsched/pkg/util/syncutil"
	"github.com/cockroachdb/errors"
)

// ErrUnavailable indicates that the server is quiescing and is unable to
// process new work.
var ErrUnavailable = errors.New("node unavailable; try another peer")

// A Stopper provides control over the lifecycle of goroutines started
// through it via its RunAsyncTask method.
//
// When Stop is invoked, the Stopper:
//
//   - it invokes Quiesce, which causes the Stopper to refuse new work,
//     closes the channel returned by ShouldQuiesce, and blocks until
//     all running tasks complete.
//   - it runs all of the methods supplied to AddCloser.
type Stopper struct {
	quiescer chan struct{}
	mu       struct {
		syncutil.Mutex
		quiescing bool
		closers   []func()
	}
	tasks sync.WaitGroup
}

// NewStopper returns an instance of Stopper.
func NewStopper() *Stopper {
	return &Stopper{quiescer: make(chan struct{})}
}

// AddCloser adds an fn to close after all tasks have completed.
func (s *Stopper) AddCloser(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		fn()
		return
	}
	s.mu.closers = append(s.mu.closers, fn)
}

// RunAsyncTask runs function f in a goroutine. It returns ErrUnavailable if
// the Stopper is quiescing, in which case the function is not executed.
func (s *Stopper) RunAsyncTask(
	ctx context.Context, taskName string, f func(context.Context),
) error {
	s.mu.Lock()
	if s.mu.quiescing {
		s.mu.Unlock()
		return ErrUnavailable
	}
	s.tasks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		f(ctx)
	}()
	return nil
}

// ShouldQuiesce returns a channel which is closed when Stop has been invoked
// and outstanding tasks should begin to quiesce.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	if s == nil {
		// A nil stopper quiesces forever.
		return nil
	}
	return s.quiescer
}

// Quiesce moves the stopper to state quiescing, refuses new work and blocks
// until all outstanding tasks have drained.
func (s *Stopper) Quiesce(ctx context.Context) {
	s.mu.Lock()
	if !s.mu.quiescing {
		s.mu.quiescing = true
		close(s.quiescer)
	}
	s.mu.Unlock()
	s.tasks.Wait()
}

// Stop signals all live tasks to stop, waits for them to drain and runs the
// closers.
func (s *Stopper) Stop(ctx context.Context) {
	s.Quiesce(ctx)
	s.mu.Lock()
	closers := s.mu.closers
	s.mu.closers = nil
	s.mu.Unlock()
	for _, fn := range closers {
		fn()
	}
}
