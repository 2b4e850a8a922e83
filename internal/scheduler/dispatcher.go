/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/friendsincode/smart_schedulers/internal/cache"
	"github.com/friendsincode/smart_schedulers/internal/config"
	"github.com/friendsincode/smart_schedulers/internal/eventbus"
	"github.com/friendsincode/smart_schedulers/internal/models"
	"github.com/friendsincode/smart_schedulers/internal/queue"
	"github.com/friendsincode/smart_schedulers/internal/scheduler/state"
	"github.com/friendsincode/smart_schedulers/internal/telemetry"
)

// Trigger reasons written on terminal transitions.
const (
	ReasonAckOK          = "ack-ok"
	ReasonAckFailed      = "ack-failed"
	ReasonAckTimeout     = "ack-timeout"
	ReasonDispatchFailed = "dispatch-failed"
)

const maxPublishTimeout = 5 * time.Second

// Dispatcher claims pending commands and publishes them to their microcontrollers.
type Dispatcher struct {
	store  *queue.Store
	cache  *cache.Cache
	bus    eventbus.Publisher
	stream string
	cfg    config.SchedulerConfig
	logger zerolog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration

	sem chan struct{}

	*cycle
}

// NewDispatcher creates the dispatcher publishing on stream.
func NewDispatcher(store *queue.Store, c *cache.Cache, bus eventbus.Publisher, stream string, cfg config.SchedulerConfig, logger zerolog.Logger) *Dispatcher {
	logger = logger.With().Str("component", WorkerDispatcher).Logger()
	return &Dispatcher{
		store:  store,
		cache:  c,
		bus:    bus,
		stream: stream,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
		jitter: randomJitter,
		sem:    make(chan struct{}, max(cfg.MaxConcurrency, 1)),
		cycle:  newCycle(WorkerDispatcher, logger),
	}
}

// Name implements Runner.
func (d *Dispatcher) Name() string { return WorkerDispatcher }

// RunOnce claims and publishes one batch.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	return d.runOnce(ctx, d.dispatch)
}

// Run polls every DispatchPoll until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.loop(ctx, d.cfg.DispatchPoll, d.RunOnce)
}

// reservationTTL bounds how long a per-device reservation can outlive a
// crashed holder: long enough to cover every retry and a sweeper pass.
func (d *Dispatcher) reservationTTL() time.Duration {
	retries := time.Duration(d.cfg.DispatchMaxRetry)*(d.cfg.DispatchRetryBackoff+d.cfg.DispatchRetryJitter) +
		time.Duration(d.cfg.DispatchMaxRetry+1)*d.publishTimeout()
	return d.cfg.AckTimeout + d.cfg.SweeperInterval + retries + 30*time.Second
}

// publishTimeout bounds one publish attempt. It never exceeds the ack timeout,
// so a slow first attempt cannot outlive the deadline set at claim time.
func (d *Dispatcher) publishTimeout() time.Duration {
	if d.cfg.AckTimeout <= 0 {
		return maxPublishTimeout
	}
	return min(maxPublishTimeout, d.cfg.AckTimeout)
}

func (d *Dispatcher) dispatch(ctx context.Context, stats state.CycleStats) error {
	limit := d.cfg.MaxInflightPerController
	res, err := d.store.ClaimPendingBatch(ctx, queue.ClaimOptions{
		Limit:          d.cfg.DispatchBatchSize,
		GlobalLimit:    d.cfg.MaxConcurrency,
		PerDeviceLimit: limit,
		AckTimeout:     d.cfg.AckTimeout,
		Now:            d.now(),
		Admit: func(c models.SchedulerCommand) bool {
			ok, err := d.cache.AcquireInflight(ctx, c.MicrocontrollerID, limit, d.reservationTTL())
			if err != nil {
				d.logger.Warn().Err(err).Uint("microcontroller_id", c.MicrocontrollerID).Msg("inflight reservation failed, relying on durable ceiling")
				return true
			}
			return ok
		},
		Reject: func(c models.SchedulerCommand) {
			d.releaseInflight(context.WithoutCancel(ctx), c.MicrocontrollerID)
		},
	})
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		stats.Add("claim_errors", res.Failed)
	}

	if res.Saturated {
		telemetry.DispatcherDeferredTotal.WithLabelValues("global").Inc()
		stats.Add("saturated", 1)
	}
	if res.Deferred > 0 {
		telemetry.DispatcherDeferredTotal.WithLabelValues("device").Add(float64(res.Deferred))
		stats.Add("deferred", res.Deferred)
	}
	if len(res.Commands) == 0 {
		return nil
	}
	telemetry.DispatcherClaimedTotal.Add(float64(len(res.Commands)))
	stats.Add("claimed", len(res.Commands))

	// Claimed rows are published even when ctx is cancelled, so they are not
	// left dispatched with nothing on the wire.
	pubCtx := context.WithoutCancel(ctx)
	var published, failed atomic.Int64
	var wg sync.WaitGroup
	for _, cmd := range res.Commands {
		d.sem <- struct{}{}
		wg.Add(1)
		go func(cmd models.SchedulerCommand) {
			defer wg.Done()
			defer func() { <-d.sem }()
			if d.publish(pubCtx, cmd) {
				published.Add(1)
			} else {
				failed.Add(1)
			}
		}(cmd)
	}
	wg.Wait()

	stats.Add("published", int(published.Load()))
	stats.Add("failed", int(failed.Load()))
	return nil
}

// publish sends cmd, retrying up to DispatchMaxRetry times. It reports whether
// the command reached the transport.
func (d *Dispatcher) publish(ctx context.Context, cmd models.SchedulerCommand) (ok bool) {
	ctx, span := telemetry.StartCommandSpan(ctx, "publish", cmd.ID, cmd.MicrocontrollerID, string(cmd.Action))
	defer func() {
		span.SetAttributes(attribute.Bool("scheduler.published", ok))
		span.End()
	}()

	logger := d.logger.With().
		Str("command_id", cmd.ID).
		Uint("microcontroller_id", cmd.MicrocontrollerID).
		Str("action", string(cmd.Action)).
		Logger()

	subject, eventID, body, err := eventbus.EncodeCommand(d.stream, &cmd, d.now())
	if err != nil {
		d.fail(ctx, cmd, err)
		return false
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.DispatchMaxRetry; attempt++ {
		if attempt > 0 {
			wait := d.cfg.DispatchRetryBackoff + d.jitter(d.cfg.DispatchRetryJitter)
			// The deadline covers the wait, the next attempt and its ack window.
			deadline := d.now().Add(wait + d.publishTimeout() + d.cfg.AckTimeout)
			if err := d.store.RecordPublishFailure(ctx, cmd.ID, attempt, lastErr, deadline); err != nil {
				logger.Warn().Err(err).Msg("failed to record publish failure")
			}
			if err := d.sleep(ctx, wait); err != nil {
				lastErr = err
				break
			}
		}

		pctx, cancel := context.WithTimeout(ctx, d.publishTimeout())
		err := d.bus.Publish(pctx, subject, body, cmd.ID)
		cancel()
		if err == nil {
			telemetry.DispatcherPublishTotal.WithLabelValues("ok").Inc()
			if attempt > 0 {
				if err := d.store.RecordPublished(ctx, cmd.ID, attempt, d.now(), d.cfg.AckTimeout); err != nil {
					logger.Warn().Err(err).Msg("failed to record publish")
				}
			}
			logger.Info().Str("subject", subject).Str("event_id", eventID).Int("retry_count", attempt).Msg("command published")
			return true
		}

		telemetry.DispatcherPublishTotal.WithLabelValues("error").Inc()
		telemetry.RecordError(span, err)
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("publish failed")
	}

	d.fail(ctx, cmd, lastErr)
	return false
}

// fail closes a command that could not be published.
func (d *Dispatcher) fail(ctx context.Context, cmd models.SchedulerCommand, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, applied, err := d.store.MarkTerminal(ctx, cmd.ID, queue.Outcome{
		State:         models.CommandFailed,
		EventName:     models.EventSchedulerAckFailed,
		Result:        models.ResultDispatchFailed,
		TriggerReason: ReasonDispatchFailed,
		Error:         msg,
		At:            d.now(),
	})
	if err != nil {
		d.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to mark command dispatch-failed")
		return
	}
	if !applied {
		return
	}
	telemetry.CommandTerminalTotal.WithLabelValues(string(models.CommandFailed), string(models.ResultDispatchFailed)).Inc()
	d.releaseInflight(ctx, cmd.MicrocontrollerID)
	d.logger.Error().Str("command_id", cmd.ID).Uint("microcontroller_id", cmd.MicrocontrollerID).Str("error", msg).Msg("command dispatch failed")
}

func (d *Dispatcher) releaseInflight(ctx context.Context, microcontrollerID uint) {
	releaseInflight(ctx, d.cache, d.logger, microcontrollerID)
}

func releaseInflight(ctx context.Context, c *cache.Cache, logger zerolog.Logger, microcontrollerID uint) {
	if c == nil {
		return
	}
	if err := c.ReleaseInflight(ctx, microcontrollerID); err != nil {
		logger.Debug().Err(err).Uint("microcontroller_id", microcontrollerID).Msg("failed to release inflight reservation")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit + 1)
}
