// Package testutil provides polling helpers for tests of asynchronous jobs,
// callbacks and queues.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	// Message describes the awaited condition in timeout failures.
	Message string
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

// WithMessage names the condition in the failure of a Must* helper.
func WithMessage(msg string) WaitOption {
	return func(o *WaitOptions) {
		o.Message = msg
	}
}

func buildOptions(opts []WaitOption) WaitOptions {
	o := WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 100 * time.Millisecond,
		Message:  "condition",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// poll calls check until it reports done or the timeout passes. The check
// always runs at least once, and once more at the deadline.
func poll(o WaitOptions, check func() bool) bool {
	deadline := time.Now().Add(o.Timeout)
	for {
		if check() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(min(o.Interval, time.Until(deadline)+time.Millisecond))
	}
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	return poll(buildOptions(opts), condition)
}

// WaitForCount polls until counter reaches the target value or timeout is reached.
// Returns true if target was reached, false on timeout.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool {
		return counter.Load() >= target
	}, opts...)
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	o := buildOptions(opts)
	if !poll(o, condition) {
		tb.Fatalf("timed out after %s waiting for %s", o.Timeout, o.Message)
	}
}

// MustWaitForCount polls until counter reaches the target value or fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}

// MustWaitForValue polls fetch until it reports ok and returns the value it
// produced then. It fails the test on timeout, reporting the last value seen.
func MustWaitForValue[T any](tb testing.TB, fetch func() (T, bool), opts ...WaitOption) T {
	tb.Helper()
	o := buildOptions(opts)
	var last T
	if !poll(o, func() bool {
		v, ok := fetch()
		last = v
		return ok
	}) {
		tb.Fatalf("timed out after %s waiting for %s (last value: %+v)", o.Timeout, o.Message, last)
	}
	return last
}
