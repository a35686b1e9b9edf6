/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package alarm

import (
	"sort"
	"sync"
)

type manualAlarm struct {
	at uint64
	fn func()
}

// Manual is a Facility driven by hand. Callbacks run synchronously on the
// goroutine calling Fire or FireDue.
type Manual struct {
	mu        sync.Mutex
	alarms    map[Token]manualAlarm
	failNext  error
	scheduled int
}

// NewManual returns an empty manual facility.
func NewManual() *Manual {
	return &Manual{alarms: make(map[Token]manualAlarm)}
}

// ScheduleAt implements Facility.
func (m *Manual) ScheduleAt(atMillis uint64, token Token, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	m.alarms[token] = manualAlarm{at: atMillis, fn: fn}
	m.scheduled++
	return nil
}

// Cancel implements Facility.
func (m *Manual) Cancel(token Token) {
	m.mu.Lock()
	delete(m.alarms, token)
	m.mu.Unlock()
}

// FailNext makes the next ScheduleAt return err.
func (m *Manual) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Pending reports the instant token is armed for.
func (m *Manual) Pending(token Token) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alarms[token]
	return a.at, ok
}

// Scheduled counts successful ScheduleAt calls.
func (m *Manual) Scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduled
}

// Fire runs token's pending callback regardless of its instant. It reports
// whether anything was pending.
func (m *Manual) Fire(token Token) bool {
	m.mu.Lock()
	a, ok := m.alarms[token]
	if ok {
		delete(m.alarms, token)
	}
	m.mu.Unlock()

	if ok {
		a.fn()
	}
	return ok
}

// FireDue runs, in instant order, every callback armed at or before now,
// including ones re-armed by a callback. It returns how many ran.
func (m *Manual) FireDue(now uint64) int {
	fired := 0
	for {
		m.mu.Lock()
		var due []Token
		for token, a := range m.alarms {
			if a.at <= now {
				due = append(due, token)
			}
		}
		sort.Slice(due, func(i, j int) bool {
			ai, aj := m.alarms[due[i]], m.alarms[due[j]]
			if ai.at != aj.at {
				return ai.at < aj.at
			}
			return due[i] < due[j]
		})
		m.mu.Unlock()

		if len(due) == 0 {
			return fired
		}
		for _, token := range due {
			if m.Fire(token) {
				fired++
			}
		}
	}
}
