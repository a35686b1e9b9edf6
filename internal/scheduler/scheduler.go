/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler drives one tile timeline in real time. It commits the
// active entry to a render sink, rate limits changes with a minimum update
// delay, and arms exactly one alarm for the next instant the answer may
// change.
//
// A Scheduler is not safe for concurrent use. All calls, including alarm
// callbacks, must arrive on the same serial execution context.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/alarm"
	"github.com/friendsincode/tiletimeline/internal/clock"
	"github.com/friendsincode/tiletimeline/internal/scheduler/state"
	"github.com/friendsincode/tiletimeline/internal/telemetry"
	"github.com/friendsincode/tiletimeline/internal/timeline"
)

// DefaultMinUpdateDelay is the shortest gap allowed between two committed
// entry changes.
const DefaultMinUpdateDelay = 60 * time.Second

var (
	ErrNotRunning         = errors.New("scheduler not running")
	ErrAlreadyInitialized = errors.New("scheduler already initialized")
	ErrAlarmSchedule      = errors.New("schedule wake-up alarm")
	ErrInvalidConfig      = errors.New("invalid scheduler config")
)

// Re-evaluation triggers, used for metrics and history.
const (
	TriggerInit    = "init"
	TriggerAlarm   = "alarm"
	TriggerRefresh = "refresh"
	TriggerUpdate  = "update"
)

// Phase is the scheduler lifecycle state.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseRunning
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseRunning:
		return "running"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// RenderSink receives every committed entry change.
type RenderSink interface {
	OnEntryActivated(index int, payload []byte)
}

// SinkFunc adapts a function to RenderSink.
type SinkFunc func(index int, payload []byte)

// OnEntryActivated calls f.
func (f SinkFunc) OnEntryActivated(index int, payload []byte) { f(index, payload) }

// Resume seeds a scheduler with state persisted by a previous owner of the
// same tile, so a handover neither re-delivers the shown entry nor resets
// the update delay. Revision is the fingerprint of the index the state was
// committed against; a resume recorded against other content is ignored.
type Resume struct {
	Revision         string
	CurrentIndex     int
	LastChangeMillis uint64
}

// Config wires a Scheduler to its capabilities.
type Config struct {
	TileID string
	Index  *timeline.Index
	Token  alarm.Token
	Clock  clock.Clock
	Alarms alarm.Facility
	Sink   RenderSink
	// MinUpdateDelay of zero means DefaultMinUpdateDelay. A negative value
	// disables rate limiting.
	MinUpdateDelay time.Duration
	Logger         zerolog.Logger
	History        *state.Store
	Resume         *Resume
}

// State is a point-in-time view of a scheduler.
type State struct {
	Phase            Phase  `json:"-"`
	PhaseName        string `json:"phase"`
	CurrentIndex     int    `json:"current_index"`
	HasChanged       bool   `json:"has_changed"`
	LastChangeMillis uint64 `json:"last_change_millis"`
	NextWakeMillis   uint64 `json:"next_wake_millis"`
	Entries          int    `json:"entries"`
	Revision         string `json:"revision"`
}

// Scheduler is the real-time driver of one timeline.
type Scheduler struct {
	tileID   string
	index    *timeline.Index
	token    alarm.Token
	clock    clock.Clock
	alarms   alarm.Facility
	sink     RenderSink
	minDelay uint64
	history  *state.Store
	logger   zerolog.Logger

	phase      Phase
	current    int
	hasChanged bool
	lastChange uint64
	nextWake   uint64
}

// New validates cfg and returns an uninitialized scheduler.
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Clock == nil:
		return nil, fmt.Errorf("%w: clock is required", ErrInvalidConfig)
	case cfg.Alarms == nil:
		return nil, fmt.Errorf("%w: alarm facility is required", ErrInvalidConfig)
	case cfg.Sink == nil:
		return nil, fmt.Errorf("%w: render sink is required", ErrInvalidConfig)
	}

	index := cfg.Index
	if index == nil {
		index = timeline.MustBuild(nil)
	}

	s := &Scheduler{
		tileID:   cfg.TileID,
		index:    index,
		token:    cfg.Token,
		clock:    cfg.Clock,
		alarms:   cfg.Alarms,
		sink:     cfg.Sink,
		minDelay: minDelayMillis(cfg.MinUpdateDelay),
		history:  cfg.History,
		logger:   cfg.Logger.With().Str("component", "tile_scheduler").Str("tile_id", cfg.TileID).Logger(),
		current:  -1,
		nextWake: timeline.Forever,
	}

	if r := cfg.Resume; r != nil {
		switch {
		case r.Revision != index.Fingerprint():
			// The content changed while no session ran. Start fresh so the
			// new active entry reaches the sink.
			s.logger.Debug().Str("revision", r.Revision).Msg("discarding resume state of older content")
		case r.CurrentIndex >= 0 && r.CurrentIndex < index.Len():
			s.current = r.CurrentIndex
			s.hasChanged = true
			s.lastChange = r.LastChangeMillis
		}
	}

	return s, nil
}

func minDelayMillis(d time.Duration) uint64 {
	switch {
	case d == 0:
		return uint64(DefaultMinUpdateDelay.Milliseconds())
	case d < 0:
		return 0
	default:
		return uint64(d.Milliseconds())
	}
}

// Init moves the scheduler to running and performs the first evaluation.
func (s *Scheduler) Init() error {
	if s.phase != PhaseUninitialized {
		return ErrAlreadyInitialized
	}
	s.phase = PhaseRunning
	s.logger.Debug().Int("entries", s.index.Len()).Msg("scheduler initialized")
	return s.evaluate(TriggerInit, false)
}

// Reevaluate re-runs selection against the current clock. Running it again
// without the clock moving changes nothing.
func (s *Scheduler) Reevaluate() error {
	if s.phase != PhaseRunning {
		return ErrNotRunning
	}
	return s.evaluate(TriggerRefresh, false)
}

// UpdateTimeline swaps in a new index and re-evaluates immediately. The old
// alarm is superseded. New content is committed without waiting out the
// update delay.
func (s *Scheduler) UpdateTimeline(ix *timeline.Index) error {
	if s.phase != PhaseRunning {
		return ErrNotRunning
	}
	if ix == nil {
		ix = timeline.MustBuild(nil)
	}
	s.index = ix
	s.current = -1
	return s.evaluate(TriggerUpdate, true)
}

// Close cancels the pending alarm. It is idempotent, and an alarm that
// fires afterwards does nothing.
func (s *Scheduler) Close() {
	if s.phase == PhaseClosed {
		return
	}
	s.phase = PhaseClosed
	s.alarms.Cancel(s.token)
	s.nextWake = timeline.Forever
	s.logger.Debug().Msg("scheduler closed")
}

// Snapshot reports the scheduler's current state.
func (s *Scheduler) Snapshot() State {
	return State{
		Phase:            s.phase,
		PhaseName:        s.phase.String(),
		CurrentIndex:     s.current,
		HasChanged:       s.hasChanged,
		LastChangeMillis: s.lastChange,
		NextWakeMillis:   s.nextWake,
		Entries:          s.index.Len(),
		Revision:         s.index.Fingerprint(),
	}
}

// Index returns the index currently driven.
func (s *Scheduler) Index() *timeline.Index {
	return s.index
}

func (s *Scheduler) onAlarm() {
	if s.phase != PhaseRunning {
		return
	}
	if err := s.evaluate(TriggerAlarm, false); err != nil {
		s.logger.Error().Err(err).Msg("alarm re-evaluation failed")
	}
}

// evaluate is the single re-evaluation routine. force skips the update
// delay for the candidate found now.
func (s *Scheduler) evaluate(trigger string, force bool) error {
	started := time.Now()
	_, span := telemetry.StartSpan(context.Background(), "scheduler", "scheduler.evaluate")
	defer span.End()
	defer func() {
		telemetry.SchedulerReevaluationDuration.Observe(time.Since(started).Seconds())
	}()
	telemetry.SchedulerReevaluationsTotal.WithLabelValues(trigger).Inc()

	now := s.clock.NowMillis()

	active, ok := s.index.FindActiveEntry(now)
	reference := active
	if !ok {
		// Nothing covers now. The closest entry only decides when to look
		// again; the sink keeps whatever it shows.
		reference, _ = s.index.FindClosestEntry(now)
	}

	wake := s.index.FindExpiry(reference, now)
	floor := s.debounceFloor()

	if ok && active != s.current {
		if !force && now < floor {
			telemetry.SchedulerSuppressedTotal.Inc()
			s.record(trigger, active, now, true)
			s.logger.Debug().
				Int("entry_index", active).
				Uint64("retry_at", floor).
				Msg("entry change deferred by update delay")
			wake = floor
		} else {
			s.commit(trigger, active, now)
			floor = s.debounceFloor()
		}
	}

	if s.hasChanged && wake < floor {
		wake = floor
	}

	telemetry.AddSpanAttributes(span, map[string]any{
		"tile_id":       s.tileID,
		"trigger":       trigger,
		"now_millis":    now,
		"current_index": s.current,
		"wake_at":       wake,
	})

	if err := s.arm(wake); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

func (s *Scheduler) commit(trigger string, index int, now uint64) {
	s.current = index
	s.hasChanged = true
	s.lastChange = now

	telemetry.SchedulerCommitsTotal.Inc()
	s.record(trigger, index, now, false)
	s.logger.Info().
		Int("entry_index", index).
		Str("trigger", trigger).
		Uint64("at_millis", now).
		Msg("entry activated")

	s.sink.OnEntryActivated(index, s.index.Entry(index).Payload)
}

func (s *Scheduler) record(trigger string, index int, now uint64, suppressed bool) {
	if s.history == nil {
		return
	}
	s.history.Add(state.Transition{
		TileID:     s.tileID,
		Index:      index,
		AtMillis:   now,
		Trigger:    trigger,
		Suppressed: suppressed,
	})
}

// debounceFloor is the earliest instant the next change may be committed.
func (s *Scheduler) debounceFloor() uint64 {
	if !s.hasChanged {
		return 0
	}
	if s.lastChange > timeline.Forever-s.minDelay {
		return timeline.Forever
	}
	return s.lastChange + s.minDelay
}

func (s *Scheduler) arm(wake uint64) error {
	if wake == timeline.Forever {
		s.alarms.Cancel(s.token)
		s.nextWake = timeline.Forever
		return nil
	}

	if err := s.alarms.ScheduleAt(wake, s.token, s.onAlarm); err != nil {
		telemetry.SchedulerAlarmFailuresTotal.Inc()
		s.nextWake = timeline.Forever
		s.logger.Error().Err(err).Uint64("wake_at", wake).Msg("failed to arm wake-up")
		return fmt.Errorf("%w: %w", ErrAlarmSchedule, err)
	}

	telemetry.SchedulerAlarmsScheduledTotal.Inc()
	s.nextWake = wake
	return nil
}
