/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Elector reports leadership for this instance.
type Elector interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	LeaderCh() <-chan bool
}

// LeaderAware wraps a service and only runs it while this instance is the leader.
type LeaderAware struct {
	inner    Service
	election Elector
	logger   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

// NewLeaderAware creates a leader-aware wrapper around inner.
func NewLeaderAware(inner Service, election Elector, logger zerolog.Logger) *LeaderAware {
	return &LeaderAware{
		inner:    inner,
		election: election,
		logger:   logger.With().Str("component", "leader_aware").Str("worker", inner.Name()).Logger(),
	}
}

// Name implements Service.
func (la *LeaderAware) Name() string { return la.inner.Name() }

// Run campaigns for leadership and runs the inner service while leading.
func (la *LeaderAware) Run(ctx context.Context) error {
	la.logger.Info().Msg("starting leader-aware worker")
	if err := la.election.Start(ctx); err != nil {
		return err
	}

	la.monitorLeadership(ctx)

	la.stopInner()
	if err := la.election.Stop(); err != nil {
		la.logger.Warn().Err(err).Msg("failed to stop election")
	}
	return ctx.Err()
}

// IsLeader returns whether this instance is the leader
func (la *LeaderAware) IsLeader() bool {
	return la.election.IsLeader()
}

// Running reports whether the inner service is currently running.
func (la *LeaderAware) Running() bool {
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.running
}

// monitorLeadership starts and stops the inner service as leadership changes.
func (la *LeaderAware) monitorLeadership(ctx context.Context) {
	leaderCh := la.election.LeaderCh()

	if la.election.IsLeader() {
		la.startInner(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case isLeader := <-leaderCh:
			if isLeader {
				la.logger.Info().Msg("became leader, starting worker")
				la.startInner(ctx)
			} else {
				la.logger.Warn().Msg("lost leadership, stopping worker")
				la.stopInner()
			}
		}
	}
}

func (la *LeaderAware) startInner(parent context.Context) {
	la.mu.Lock()
	defer la.mu.Unlock()
	if la.running {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	la.cancel = cancel
	la.done = done
	la.running = true

	go func() {
		defer close(done)
		if err := la.inner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			la.logger.Error().Err(err).Msg("worker error")
		}
		la.mu.Lock()
		if la.done == done {
			la.running = false
		}
		la.mu.Unlock()
	}()
}

// stopInner cancels the inner service and waits for it to return.
func (la *LeaderAware) stopInner() {
	la.mu.Lock()
	cancel, done := la.cancel, la.done
	la.cancel = nil
	la.running = false
	la.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
