// SPDX-License-Identifier: GPL-3.0-or-later

package osp

import "time"

// TimePoint is a monotonic instant, expressed as nanoseconds since an
// arbitrary epoch (spec.md §4.A). Only differences between two TimePoints
// are meaningful; TimePoint values from different [Clock] implementations
// must not be compared.
type TimePoint int64

// Duration is a signed span of nanoseconds (spec.md §4.A).
type Duration int64

// Common durations, mirroring [time.Duration]'s constants.
const (
	Nanosecond  Duration = 1
	Microsecond          = 1000 * Nanosecond
	Millisecond          = 1000 * Microsecond
	Second               = 1000 * Millisecond
)

// Add returns t+d.
func (t TimePoint) Add(d Duration) TimePoint {
	return t + TimePoint(d)
}

// Sub returns the [Duration] between t and u (t-u).
func (t TimePoint) Sub(u TimePoint) Duration {
	return Duration(t - u)
}

// Before reports whether t is strictly earlier than u.
func (t TimePoint) Before(u TimePoint) bool {
	return t < u
}

// Clock produces monotonic [TimePoint] values (spec.md §4.A).
type Clock interface {
	Now() TimePoint
}

// SystemClock is a [Clock] backed by the system's monotonic clock.
type SystemClock struct{}

var _ Clock = SystemClock{}

// systemClockEpoch anchors [SystemClock.Now]'s readings to process start so
// the returned [TimePoint] stays well within an int64 nanosecond count for
// the lifetime of a long-running process.
var systemClockEpoch = time.Now()

// Now implements [Clock] by measuring elapsed monotonic time since the
// package was loaded.
func (SystemClock) Now() TimePoint {
	return TimePoint(time.Since(systemClockEpoch))
}
