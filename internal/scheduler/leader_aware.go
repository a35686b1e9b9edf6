package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/telemetry"
)

// Runner is a long-lived workload that runs until its context is cancelled.
// The session pool is the production Runner: it hosts every tile scheduler
// assigned to this instance.
type Runner interface {
	Run(ctx context.Context) error
}

// Election reports leadership changes.
type Election interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	LeaderCh() <-chan bool
}

// LeaderAware runs a Runner only while this instance holds leadership.
type LeaderAware struct {
	runner   Runner
	election Election
	logger   zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLeaderAware creates a leader-gated wrapper around runner.
func NewLeaderAware(runner Runner, election Election, logger zerolog.Logger) *LeaderAware {
	return &LeaderAware{
		runner:   runner,
		election: election,
		logger:   logger.With().Str("component", "leader_aware_scheduler").Logger(),
	}
}

// Start begins the election and follows its outcome.
func (la *LeaderAware) Start(ctx context.Context) error {
	la.mu.Lock()
	la.ctx = ctx
	la.mu.Unlock()

	if err := la.election.Start(ctx); err != nil {
		return err
	}

	go la.monitorLeadership(ctx)
	return nil
}

// Stop halts the runner and resigns.
func (la *LeaderAware) Stop() error {
	la.stopRunner()
	return la.election.Stop()
}

// IsLeader reports whether this instance currently leads.
func (la *LeaderAware) IsLeader() bool {
	return la.election.IsLeader()
}

func (la *LeaderAware) monitorLeadership(ctx context.Context) {
	leaderCh := la.election.LeaderCh()

	if la.election.IsLeader() {
		la.startRunner()
	}

	for {
		select {
		case <-ctx.Done():
			la.stopRunner()
			return
		case isLeader, ok := <-leaderCh:
			if !ok {
				la.stopRunner()
				return
			}
			if isLeader {
				la.logger.Info().Msg("became leader, starting tile sessions")
				la.startRunner()
			} else {
				la.logger.Warn().Msg("lost leadership, stopping tile sessions")
				la.stopRunner()
			}
		}
	}
}

func (la *LeaderAware) startRunner() {
	la.mu.Lock()
	defer la.mu.Unlock()

	if la.running {
		return
	}

	ctx, cancel := context.WithCancel(la.ctx)
	done := make(chan struct{})
	la.cancel = cancel
	la.done = done
	la.running = true
	telemetry.LeaderStatus.Set(1)

	go func() {
		defer close(done)
		if err := la.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			la.logger.Error().Err(err).Msg("runner exited")
		}
	}()
}

func (la *LeaderAware) stopRunner() {
	la.mu.Lock()
	if !la.running {
		la.mu.Unlock()
		return
	}
	cancel, done := la.cancel, la.done
	la.running = false
	la.cancel = nil
	la.mu.Unlock()

	cancel()
	<-done
	telemetry.LeaderStatus.Set(0)
}
