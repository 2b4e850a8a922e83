/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/smart_schedulers/internal/cache"
	"github.com/friendsincode/smart_schedulers/internal/config"
	"github.com/friendsincode/smart_schedulers/internal/models"
	"github.com/friendsincode/smart_schedulers/internal/queue"
	"github.com/friendsincode/smart_schedulers/internal/scheduler/state"
	"github.com/friendsincode/smart_schedulers/internal/telemetry"
)

// Sweeper times out dispatched commands whose ack deadline passed.
type Sweeper struct {
	store  *queue.Store
	cache  *cache.Cache
	cfg    config.SchedulerConfig
	logger zerolog.Logger
	now    func() time.Time

	*cycle
}

// NewSweeper creates the timeout sweeper.
func NewSweeper(store *queue.Store, c *cache.Cache, cfg config.SchedulerConfig, logger zerolog.Logger) *Sweeper {
	logger = logger.With().Str("component", WorkerSweeper).Logger()
	return &Sweeper{
		store:  store,
		cache:  c,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		cycle:  newCycle(WorkerSweeper, logger),
	}
}

// Name implements Runner.
func (s *Sweeper) Name() string { return WorkerSweeper }

// RunOnce sweeps one batch of expired commands.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	return s.runOnce(ctx, s.sweep)
}

// Run sweeps every SweeperInterval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	return s.loop(ctx, s.cfg.SweeperInterval, s.RunOnce)
}

func (s *Sweeper) sweep(ctx context.Context, stats state.CycleStats) error {
	now := s.now()
	expired, err := s.store.ScanExpired(ctx, now, s.cfg.SweeperBatchSize)
	if err != nil {
		return err
	}
	stats.Add("expired", len(expired))

	// A started batch is finished even during shutdown.
	ctx = context.WithoutCancel(ctx)
	for _, cmd := range expired {
		_, applied, err := s.store.MarkTerminal(ctx, cmd.ID, queue.Outcome{
			State:         models.CommandTimedOut,
			EventName:     models.EventSchedulerAckFailed,
			Result:        models.ResultTimeout,
			TriggerReason: ReasonAckTimeout,
			Error:         "ack timeout",
			At:            now,
		})
		if err != nil {
			stats.Add("errors", 1)
			s.logger.Error().Err(err).Str("command_id", cmd.ID).Uint("microcontroller_id", cmd.MicrocontrollerID).Msg("failed to time out command")
			continue
		}
		if !applied {
			stats.Add("raced", 1)
			continue
		}

		stats.Add("timed_out", 1)
		telemetry.SweeperTimeoutsTotal.Inc()
		telemetry.CommandTerminalTotal.WithLabelValues(string(models.CommandTimedOut), string(models.ResultTimeout)).Inc()
		releaseInflight(ctx, s.cache, s.logger, cmd.MicrocontrollerID)
		s.logger.Warn().
			Str("command_id", cmd.ID).
			Uint("microcontroller_id", cmd.MicrocontrollerID).
			Time("deadline_at", derefTime(cmd.DeadlineAt)).
			Msg("command timed out waiting for ack")
	}
	return nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
