/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/smart_schedulers/internal/cache"
	"github.com/friendsincode/smart_schedulers/internal/config"
	"github.com/friendsincode/smart_schedulers/internal/eligibility"
	"github.com/friendsincode/smart_schedulers/internal/models"
	"github.com/friendsincode/smart_schedulers/internal/queue"
	"github.com/friendsincode/smart_schedulers/internal/scheduler/state"
	"github.com/friendsincode/smart_schedulers/internal/telemetry"
)

// ReasonSchedulerEnd is the trigger reason of OFF commands.
const ReasonSchedulerEnd = "SCHEDULER_END"

// Planner turns active slot windows into pending commands.
type Planner struct {
	store  *queue.Store
	cache  *cache.Cache
	source eligibility.Source
	cfg    config.SchedulerConfig
	logger zerolog.Logger
	now    func() time.Time

	*cycle
}

// NewPlanner creates the planner. source is wrapped per cycle so each provider
// is read at most once per cycle.
func NewPlanner(store *queue.Store, c *cache.Cache, source eligibility.Source, cfg config.SchedulerConfig, logger zerolog.Logger) *Planner {
	logger = logger.With().Str("component", WorkerPlanner).Logger()
	return &Planner{
		store:  store,
		cache:  c,
		source: source,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		cycle:  newCycle(WorkerPlanner, logger),
	}
}

// Name implements Runner.
func (p *Planner) Name() string { return WorkerPlanner }

// RunOnce plans the current minute.
func (p *Planner) RunOnce(ctx context.Context) error {
	return p.runOnce(ctx, p.plan)
}

// Run plans every PlannerInterval until ctx is cancelled.
func (p *Planner) Run(ctx context.Context) error {
	return p.loop(ctx, p.cfg.PlannerInterval, p.RunOnce)
}

func (p *Planner) plan(ctx context.Context, stats state.CycleStats) error {
	asOf := p.now().UTC().Truncate(time.Minute)
	eval := eligibility.NewEvaluator(eligibility.NewCycleSource(p.source), p.cfg.MeasurementMaxAge)

	var cursor queue.TargetCursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		targets, err := p.store.SlotTargets(ctx, cursor, p.cfg.PlannerBatchSize)
		if err != nil {
			return err
		}
		for _, t := range targets {
			p.planTarget(ctx, eval, t, asOf, stats)
		}
		stats.Add("scanned", len(targets))
		if len(targets) < p.cfg.PlannerBatchSize {
			break
		}
		cursor.Advance(targets[len(targets)-1])
	}

	if stats["enqueued_on"]+stats["enqueued_off"] > 0 || stats["ineligible"] > 0 {
		p.logger.Info().
			Time("as_of", asOf).
			Int("scanned", stats["scanned"]).
			Int("enqueued_on", stats["enqueued_on"]).
			Int("enqueued_off", stats["enqueued_off"]).
			Int("ineligible", stats["ineligible"]).
			Msg("planner cycle complete")
	}
	return nil
}

func (p *Planner) planTarget(ctx context.Context, eval *eligibility.Evaluator, t queue.SlotTarget, asOf time.Time, stats state.CycleStats) {
	logger := p.logger.With().Uint("slot_id", t.Slot.ID).Uint("device_id", t.DeviceID).Logger()

	occ, ok, err := eligibility.Latest(t.Slot, asOf)
	if err != nil {
		logger.Warn().Err(err).Msg("skipping slot with invalid window")
		stats.Add("invalid", 1)
		return
	}
	if !ok {
		return
	}

	switch {
	case occ.Contains(asOf):
		d, err := eval.IsEligible(ctx, eligibility.Target{
			Slot:                         t.Slot,
			MicrocontrollerPowerProvider: t.MicrocontrollerPowerProviderID,
		}, asOf)
		if err != nil {
			logger.Warn().Err(err).Msg("eligibility lookup failed, not enqueuing")
			telemetry.PlannerIneligibleTotal.WithLabelValues("lookup_error").Inc()
			stats.Add("errors", 1)
			return
		}
		if !d.Eligible {
			telemetry.PlannerIneligibleTotal.WithLabelValues(string(d.Reason)).Inc()
			stats.Add("ineligible", 1)
			logger.Debug().Str("reason", string(d.Reason)).Msg("slot target not eligible")
			if p.cfg.RecordSkips && t.Slot.UsePowerThreshold {
				p.recordSkip(ctx, t, occ, d, asOf)
			}
			return
		}
		cmd := queue.NewCommand(t, models.ActionOn, occ.Key(), string(d.Reason))
		cmd.MeasuredValue = d.MeasuredValue
		cmd.MeasuredUnit = d.MeasuredUnit
		p.enqueue(ctx, cmd, asOf, stats)

	case !asOf.Before(occ.End) && asOf.Before(occ.End.Add(p.cfg.PlannerOffGrace)):
		cmd := queue.NewCommand(t, models.ActionOff, occ.Key(), ReasonSchedulerEnd)
		p.enqueue(ctx, cmd, asOf, stats)
	}
}

// enqueue reserves the idempotency key in the cache and inserts the command.
// Duplicates at either layer are suppressed enqueues.
func (p *Planner) enqueue(ctx context.Context, cmd *models.SchedulerCommand, asOf time.Time, stats state.CycleStats) {
	logger := p.logger.With().Str("idempotency_key", cmd.IdempotencyKey).Logger()
	key := p.cache.EnqueueKey(cmd.IdempotencyKey)

	reserved, err := p.cache.Reserve(ctx, key, p.cfg.IdempotencyTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("enqueue reservation failed, relying on durable uniqueness")
		reserved = true
	}
	if !reserved {
		telemetry.PlannerSuppressedTotal.WithLabelValues("cache").Inc()
		stats.Add("suppressed", 1)
		return
	}

	cmd.CreatedAt = p.now()
	err = p.store.Enqueue(ctx, cmd)
	switch {
	case err == nil:
		telemetry.PlannerEnqueuedTotal.WithLabelValues(string(cmd.Action)).Inc()
		if cmd.Action == models.ActionOn {
			stats.Add("enqueued_on", 1)
		} else {
			stats.Add("enqueued_off", 1)
		}
		logger.Info().
			Str("command_id", cmd.ID).
			Str("action", string(cmd.Action)).
			Uint("microcontroller_id", cmd.MicrocontrollerID).
			Time("as_of", asOf).
			Msg("command enqueued")
	case errors.Is(err, queue.ErrDuplicate):
		// The reservation stays, so an OFF blocked by a still-open ON is
		// retried once it expires.
		telemetry.PlannerSuppressedTotal.WithLabelValues("store").Inc()
		stats.Add("suppressed", 1)
		logger.Debug().Msg("command already enqueued")
	default:
		if rerr := p.cache.Release(ctx, key); rerr != nil {
			logger.Debug().Err(rerr).Msg("failed to release enqueue reservation")
		}
		stats.Add("errors", 1)
		logger.Error().Err(err).Msg("failed to enqueue command")
	}
}

// recordSkip writes one skip audit event per occurrence.
func (p *Planner) recordSkip(ctx context.Context, t queue.SlotTarget, occ eligibility.Occurrence, d eligibility.Decision, asOf time.Time) {
	idem := queue.IdempotencyKey(t.Slot.ID, t.DeviceID, occ.Key(), models.ActionOn)
	ttl := max(occ.End.Sub(asOf), p.cfg.IdempotencyTTL)
	fresh, err := p.cache.Reserve(ctx, p.cache.SkipKey(idem), ttl)
	if err != nil || !fresh {
		return
	}

	name := models.EventSchedulerSkippedThresholdNotMet
	if d.Reason.NoPowerData() || d.Reason == eligibility.ReasonThresholdConfigMissing {
		name = models.EventSchedulerSkippedNoPowerData
	}
	off := false
	reason := string(d.Reason)
	event := &models.DeviceEvent{
		DeviceID:      t.DeviceID,
		EventName:     name,
		Result:        models.ResultSkipped,
		PinState:      &off,
		MeasuredValue: d.MeasuredValue,
		MeasuredUnit:  d.MeasuredUnit,
		TriggerReason: &reason,
		CreatedAt:     asOf,
	}
	if err := p.store.RecordEvent(ctx, event); err != nil {
		p.logger.Warn().Err(err).Uint("device_id", t.DeviceID).Msg("failed to record skip event")
	}
}
