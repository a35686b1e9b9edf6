/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package clock provides the millisecond wall clock tile sessions read from.
// Production code uses System; tests use Fake for deterministic control.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current wall-clock time in epoch milliseconds.
type Clock interface {
	NowMillis() uint64
}

// System reads the host wall clock.
type System struct{}

// NowMillis returns time.Now in epoch milliseconds.
func (System) NowMillis() uint64 {
	return FromTime(time.Now())
}

// FromTime converts t to epoch milliseconds. Instants before the epoch clamp
// to zero.
func FromTime(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// ToTime converts epoch milliseconds to a UTC time.
func ToTime(ms uint64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

// Fake is a manually driven clock. Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now uint64
}

// NewFake returns a fake clock reading start.
func NewFake(start uint64) *Fake {
	return &Fake{now: start}
}

// NowMillis returns the fake's current reading.
func (f *Fake) NowMillis() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to ms. Moving backwards is allowed.
func (f *Fake) Set(ms uint64) {
	f.mu.Lock()
	f.now = ms
	f.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new reading.
func (f *Fake) Advance(d time.Duration) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += uint64(d.Milliseconds())
	return f.now
}
