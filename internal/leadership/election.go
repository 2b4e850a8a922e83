/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects one planner instance through a Redis lease.
package leadership

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/smart_schedulers/internal/telemetry"
)

const (
	// Lease name under the cache prefix.
	defaultLeaseName = "planner"

	// Default lease duration - leader must renew before this expires
	defaultLeaseDuration = 15 * time.Second

	// Default retry interval - how often leader renews and followers campaign
	defaultRetryInterval = 2 * time.Second
)

// LeaseStore holds a named, expiring lease.
type LeaseStore interface {
	LeaseKey(name string) string
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, holder string) error
}

// ElectionConfig configures leader election behavior
type ElectionConfig struct {
	// LeaseName is appended to the cache prefix to form the lease key
	LeaseName string

	// LeaseDuration is how long the leader lease is valid
	LeaseDuration time.Duration

	// RetryInterval is how often the lease is renewed or contested
	RetryInterval time.Duration

	// InstanceID uniquely identifies this instance
	InstanceID string
}

// DefaultConfig returns default election configuration
func DefaultConfig() ElectionConfig {
	return ElectionConfig{
		LeaseName:     defaultLeaseName,
		LeaseDuration: defaultLeaseDuration,
		RetryInterval: defaultRetryInterval,
		InstanceID:    uuid.New().String(),
	}
}

// Election manages distributed leader election
type Election struct {
	store  LeaseStore
	logger zerolog.Logger
	config ElectionConfig
	key    string

	isLeader atomic.Bool
	leaderCh chan bool

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewElection creates a new leader election manager
func NewElection(store LeaseStore, config ElectionConfig, logger zerolog.Logger) *Election {
	if config.LeaseName == "" {
		config.LeaseName = defaultLeaseName
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaultLeaseDuration
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaultRetryInterval
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.New().String()
	}

	return &Election{
		store:    store,
		logger:   logger.With().Str("component", "leader_election").Str("instance_id", config.InstanceID).Logger(),
		config:   config,
		key:      store.LeaseKey(config.LeaseName),
		leaderCh: make(chan bool, 1),
	}
}

// Start begins the leader election process
func (e *Election) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelFunc = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info().
		Str("key", e.key).
		Dur("lease_duration", e.config.LeaseDuration).
		Msg("starting leader election")

	go e.campaignLoop(ctx)
	return nil
}

// Stop stops campaigning and releases leadership if held
func (e *Election) Stop() error {
	e.logger.Info().Msg("stopping leader election")

	e.mu.Lock()
	cancel, done := e.cancelFunc, e.done
	e.cancelFunc = nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	if e.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.ReleaseLease(ctx, e.key, e.config.InstanceID); err != nil {
			e.logger.Error().Err(err).Msg("failed to release leadership lease")
		}
		e.updateLeadershipStatus(false)
	}
	return nil
}

// IsLeader returns whether this instance is currently the leader
func (e *Election) IsLeader() bool {
	return e.isLeader.Load()
}

// LeaderCh returns a channel that receives leadership status changes
func (e *Election) LeaderCh() <-chan bool {
	return e.leaderCh
}

// campaignLoop continuously attempts to become/remain leader
func (e *Election) campaignLoop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.config.RetryInterval)
	defer ticker.Stop()

	e.attemptLeadership(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.attemptLeadership(ctx)
		}
	}
}

// attemptLeadership acquires or renews the lease
func (e *Election) attemptLeadership(ctx context.Context) {
	acquired, err := e.store.AcquireLease(ctx, e.key, e.config.InstanceID, e.config.LeaseDuration)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error().Err(err).Msg("failed to acquire leadership lease")
		e.updateLeadershipStatus(false)
		return
	}

	switch {
	case acquired && !e.isLeader.Load():
		e.logger.Info().Msg("acquired leadership")
	case !acquired && e.isLeader.Load():
		e.logger.Warn().Msg("lost leadership")
	}
	e.updateLeadershipStatus(acquired)
}

// updateLeadershipStatus updates the leadership status and notifies listeners
func (e *Election) updateLeadershipStatus(isLeader bool) {
	if e.isLeader.Swap(isLeader) == isLeader {
		return
	}

	if isLeader {
		telemetry.LeaderElectionStatus.WithLabelValues(e.config.InstanceID).Set(1)
		telemetry.LeaderElectionChanges.WithLabelValues(e.config.InstanceID, "acquired").Inc()
	} else {
		telemetry.LeaderElectionStatus.WithLabelValues(e.config.InstanceID).Set(0)
		telemetry.LeaderElectionChanges.WithLabelValues(e.config.InstanceID, "lost").Inc()
	}

	// Keep only the latest status for a slow reader.
	select {
	case e.leaderCh <- isLeader:
	default:
		select {
		case <-e.leaderCh:
		default:
		}
		select {
		case e.leaderCh <- isLeader:
		default:
		}
	}
}
