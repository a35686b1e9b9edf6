/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package alarm schedules one-shot wake-ups keyed by a session token.
// Scheduling a token again replaces its pending alarm, so each token has at
// most one alarm outstanding.
package alarm

import "errors"

// ErrClosed is returned when scheduling on a facility that has shut down.
var ErrClosed = errors.New("alarm facility closed")

// Token identifies the owner of an alarm.
type Token uint64

// Facility registers and cancels alarms.
type Facility interface {
	// ScheduleAt arranges for fn to run once the wall clock reaches
	// atMillis. Any alarm already pending for token is replaced.
	ScheduleAt(atMillis uint64, token Token, fn func()) error
	// Cancel drops the pending alarm for token, if any. Once Cancel
	// returns, the cancelled callback will not run.
	Cancel(token Token)
}

// Executor is a serial execution context alarm callbacks are posted onto.
type Executor interface {
	// Post queues fn and reports whether it was accepted.
	Post(fn func()) bool
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func()) bool

// Post calls f(fn).
func (f ExecutorFunc) Post(fn func()) bool { return f(fn) }

// Inline runs callbacks on the timer goroutine. Only suitable when the
// callback does its own synchronisation.
var Inline Executor = ExecutorFunc(func(fn func()) bool {
	fn()
	return true
})
