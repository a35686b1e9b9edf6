/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package alarm

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/clock"
)

// maxArm bounds a single timer so far-future alarms track wall-clock jumps.
const maxArm = time.Hour

type pending struct {
	gen   uint64
	at    uint64
	fn    func()
	timer *time.Timer
}

// TimerFacility backs alarms with runtime timers. Callbacks are posted onto
// the executor and never run before the requested instant: a timer that
// wakes early re-arms for the remainder.
type TimerFacility struct {
	clock  clock.Clock
	exec   Executor
	logger zerolog.Logger

	mu      sync.Mutex
	alarms  map[Token]*pending
	nextGen uint64
	closed  bool
}

// NewTimerFacility creates a facility reading clk and dispatching onto exec.
func NewTimerFacility(clk clock.Clock, exec Executor, logger zerolog.Logger) *TimerFacility {
	if clk == nil {
		clk = clock.System{}
	}
	if exec == nil {
		exec = Inline
	}
	return &TimerFacility{
		clock:  clk,
		exec:   exec,
		logger: logger.With().Str("component", "alarm").Logger(),
		alarms: make(map[Token]*pending),
	}
}

// ScheduleAt implements Facility.
func (f *TimerFacility) ScheduleAt(atMillis uint64, token Token, fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if old, ok := f.alarms[token]; ok {
		old.timer.Stop()
	}

	f.nextGen++
	p := &pending{gen: f.nextGen, at: atMillis, fn: fn}
	f.alarms[token] = p
	p.timer = time.AfterFunc(f.delayUntil(atMillis), func() { f.wake(token, p.gen) })

	f.logger.Debug().
		Uint64("token", uint64(token)).
		Uint64("wake_at", atMillis).
		Msg("alarm armed")
	return nil
}

// Cancel implements Facility.
func (f *TimerFacility) Cancel(token Token) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.alarms[token]; ok {
		p.timer.Stop()
		delete(f.alarms, token)
	}
}

// Pending reports the instant token is armed for.
func (f *TimerFacility) Pending(token Token) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.alarms[token]
	if !ok {
		return 0, false
	}
	return p.at, true
}

// Close stops every timer. Later ScheduleAt calls fail with ErrClosed.
func (f *TimerFacility) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for token, p := range f.alarms {
		p.timer.Stop()
		delete(f.alarms, token)
	}
	f.closed = true
}

func (f *TimerFacility) delayUntil(atMillis uint64) time.Duration {
	now := f.clock.NowMillis()
	if atMillis <= now {
		return 0
	}
	d := time.Duration(atMillis-now) * time.Millisecond
	if d > maxArm || d < 0 {
		d = maxArm
	}
	return d
}

func (f *TimerFacility) wake(token Token, gen uint64) {
	f.mu.Lock()
	p, ok := f.alarms[token]
	if !ok || p.gen != gen {
		f.mu.Unlock()
		return
	}
	if f.clock.NowMillis() < p.at {
		p.timer = time.AfterFunc(f.delayUntil(p.at), func() { f.wake(token, gen) })
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	posted := f.exec.Post(func() {
		// Re-check on the executor: Cancel or a newer ScheduleAt may have
		// landed while the callback was queued.
		f.mu.Lock()
		cur, ok := f.alarms[token]
		if !ok || cur.gen != gen {
			f.mu.Unlock()
			return
		}
		delete(f.alarms, token)
		f.mu.Unlock()
		cur.fn()
	})
	if !posted {
		f.logger.Warn().Uint64("token", uint64(token)).Msg("executor rejected alarm callback")
	}
}
