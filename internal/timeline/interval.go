/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timeline

import (
	"errors"
	"fmt"
	"math"
)

// Forever is the end of an interval that never expires, and the expiry
// reported when no further change is coming.
const Forever uint64 = math.MaxUint64

// ErrInvalidInterval indicates an interval whose start lies after its end.
var ErrInvalidInterval = errors.New("invalid interval")

// TimeInterval is a half-open validity window [StartMillis, EndMillis) in
// epoch milliseconds.
type TimeInterval struct {
	StartMillis uint64 `json:"start_millis" yaml:"start_millis"`
	EndMillis   uint64 `json:"end_millis" yaml:"end_millis"`
}

// Interval is shorthand for constructing a TimeInterval.
func Interval(start, end uint64) TimeInterval {
	return TimeInterval{StartMillis: start, EndMillis: end}
}

// Contains reports whether at falls inside the interval.
func (ti TimeInterval) Contains(at uint64) bool {
	return ti.StartMillis <= at && at < ti.EndMillis
}

// Duration is the length of the interval. Inverted intervals report zero.
func (ti TimeInterval) Duration() uint64 {
	if ti.EndMillis <= ti.StartMillis {
		return 0
	}
	return ti.EndMillis - ti.StartMillis
}

// Empty reports whether the interval covers no instant at all.
func (ti TimeInterval) Empty() bool {
	return ti.EndMillis <= ti.StartMillis
}

// Validate rejects inverted intervals.
func (ti TimeInterval) Validate() error {
	if ti.StartMillis > ti.EndMillis {
		return fmt.Errorf("%w: start %d after end %d", ErrInvalidInterval, ti.StartMillis, ti.EndMillis)
	}
	return nil
}

func (ti TimeInterval) String() string {
	if ti.EndMillis == Forever {
		return fmt.Sprintf("[%d,forever)", ti.StartMillis)
	}
	return fmt.Sprintf("[%d,%d)", ti.StartMillis, ti.EndMillis)
}
