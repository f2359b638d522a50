// Copyright 2016 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package log provides a small leveled logging facade. Log lines carry the
// context's logtags (e.g. cpu=3, task=17) and are formatted with redact so
// that unsafe values are marked in the output.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/altsched/pkg/util/syncutil"
	"github.com/cockroachdb/altsched/pkg/util/timeutil"
	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

// Severity identifies the sort of log: info, warning, error.
type Severity int

// The supported severities, in increasing order of urgency.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) letter() byte {
	switch s {
	case SeverityWarning:
		return 'W'
	case SeverityError:
		return 'E'
	default:
		return 'I'
	}
}

var logging struct {
	mu struct {
		syncutil.Mutex
		w io.Writer
	}
	vlevel atomic.Int32
}

func init() {
	logging.mu.w = os.Stderr
}

// SetWriter redirects log output, returning the previous writer. Tests use
// this to capture output; pass io.Discard to silence logging.
func SetWriter(w io.Writer) io.Writer {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prev := logging.mu.w
	logging.mu.w = w
	return prev
}

// SetVModule sets the verbosity threshold for V and VEventf.
func SetVModule(level int32) {
	logging.vlevel.Store(level)
}

// V returns true if the configured verbosity is at or above the requested
// level. Use to gate expensive log argument construction.
func V(level int32) bool {
	return logging.vlevel.Load() >= level
}

func outputf(ctx context.Context, sev Severity, format string, args ...interface{}) {
	var tags string
	if b := logtags.FromContext(ctx); b != nil {
		tags = " [" + b.String() + "]"
	}
	msg := redact.Sprintf(format, args...)
	now := timeutil.Now()
	logging.mu.Lock()
	defer logging.mu.Unlock()
	fmt.Fprintf(logging.mu.w, "%c%s%s %s\n",
		sev.letter(), now.Format("060102 15:04:05.000000"), tags, msg)
}

// Infof logs to the INFO channel.
func Infof(ctx context.Context, format string, args ...interface{}) {
	outputf(ctx, SeverityInfo, format, args...)
}

// Warningf logs to the WARNING channel.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	outputf(ctx, SeverityWarning, format, args...)
}

// Errorf logs to the ERROR channel.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	outputf(ctx, SeverityError, format, args...)
}

// VEventf logs to the INFO channel when the verbosity is at or above level.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		outputf(ctx, SeverityInfo, format, args...)
	}
}

// Every returns an EveryN limiting logging to once per interval. Callers
// keep it around and ask ShouldLog before logging spammy conditions.
func Every(n time.Duration) EveryN {
	return EveryN{N: n}
}

// EveryN rate-limits a log call site.
type EveryN struct {
	N  time.Duration
	mu struct {
		syncutil.Mutex
		lastLog time.Time
	}
}

// ShouldLog returns whether it's been more than N time since the last event.
func (e *EveryN) ShouldLog() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := timeutil.Now()
	if now.Sub(e.mu.lastLog) >= e.N {
		e.mu.lastLog = now
		return true
	}
	return false
}
