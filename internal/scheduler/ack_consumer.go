/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/smart_schedulers/internal/cache"
	"github.com/friendsincode/smart_schedulers/internal/eventbus"
	"github.com/friendsincode/smart_schedulers/internal/models"
	"github.com/friendsincode/smart_schedulers/internal/queue"
	"github.com/friendsincode/smart_schedulers/internal/telemetry"
)

// AckConsumer applies device acknowledgments to open commands.
type AckConsumer struct {
	store   *queue.Store
	cache   *cache.Cache
	bus     eventbus.Subscriber
	stream  string
	durable string
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAckConsumer creates the consumer for acks on stream.
func NewAckConsumer(store *queue.Store, c *cache.Cache, bus eventbus.Subscriber, stream, durable string, logger zerolog.Logger) *AckConsumer {
	return &AckConsumer{
		store:   store,
		cache:   c,
		bus:     bus,
		stream:  stream,
		durable: durable,
		logger:  logger.With().Str("component", WorkerAckConsumer).Logger(),
		now:     time.Now,
	}
}

// Name implements Runner.
func (a *AckConsumer) Name() string { return WorkerAckConsumer }

// Run consumes acks until ctx is cancelled.
func (a *AckConsumer) Run(ctx context.Context) error {
	sub, err := a.bus.Subscribe(ctx, eventbus.SubscribeOptions{
		Subject: eventbus.AckFilter(a.stream),
		Durable: a.durable,
	}, a.Handle)
	if err != nil {
		return fmt.Errorf("subscribe to acks: %w", err)
	}
	defer sub.Stop()

	a.logger.Info().Str("subject", eventbus.AckFilter(a.stream)).Msg("ack consumer started")
	<-ctx.Done()
	a.logger.Info().Msg("ack consumer stopped")
	return ctx.Err()
}

// Handle applies one ack message. Only dispatched commands are closed. Acks for
// unknown, pending or already closed commands are acknowledged without effect,
// and storage errors are returned for redelivery.
func (a *AckConsumer) Handle(ctx context.Context, msg eventbus.Message) error {
	ack, err := eventbus.DecodeAck(msg.Data)
	if err != nil {
		telemetry.AcksReceivedTotal.WithLabelValues("malformed").Inc()
		return err
	}
	logger := a.logger.With().Str("correlation_key", ack.CorrelationKey).Str("command_id", ack.CommandID).Logger()

	cmd, err := a.lookup(ctx, ack)
	if errors.Is(err, queue.ErrNotFound) {
		telemetry.AcksReceivedTotal.WithLabelValues("unknown").Inc()
		logger.Warn().Msg("ack for unknown command")
		return nil
	}
	if err != nil {
		telemetry.AcksReceivedTotal.WithLabelValues("error").Inc()
		return err
	}
	switch {
	case cmd.State.Terminal():
		telemetry.AcksReceivedTotal.WithLabelValues("duplicate").Inc()
		logger.Debug().Str("state", string(cmd.State)).Msg("ack for closed command ignored")
		return nil
	case cmd.State != models.CommandDispatched:
		telemetry.AcksReceivedTotal.WithLabelValues("unexpected").Inc()
		logger.Warn().Str("state", string(cmd.State)).Msg("ack for undispatched command ignored")
		return nil
	}

	ctx, span := telemetry.StartCommandSpan(ctx, "ack", cmd.ID, cmd.MicrocontrollerID, string(cmd.Action))
	defer span.End()

	out := queue.Outcome{PinState: ack.State, At: a.now()}
	if ack.OK {
		out.State = models.CommandAcked
		out.TriggerReason = ReasonAckOK
		if cmd.Action == models.ActionOn {
			out.EventName, out.Result = models.EventSchedulerTriggerOn, models.ResultOnConfirmed
		} else {
			out.EventName, out.Result = models.EventDeviceOff, models.ResultOffConfirmed
		}
	} else {
		out.State = models.CommandFailed
		out.EventName = models.EventSchedulerAckFailed
		out.Result = models.ResultAckFailed
		out.TriggerReason = ReasonAckFailed
		out.Error = ack.Error
		if out.Error == "" {
			out.Error = "device reported failure"
		}
	}

	_, applied, err := a.store.MarkTerminal(ctx, cmd.ID, out)
	if err != nil {
		telemetry.AcksReceivedTotal.WithLabelValues("error").Inc()
		telemetry.RecordError(span, err)
		return err
	}
	if !applied {
		telemetry.AcksReceivedTotal.WithLabelValues("duplicate").Inc()
		logger.Debug().Msg("command closed concurrently, ack ignored")
		return nil
	}

	telemetry.AcksReceivedTotal.WithLabelValues(string(out.Result)).Inc()
	telemetry.CommandTerminalTotal.WithLabelValues(string(out.State), string(out.Result)).Inc()
	releaseInflight(ctx, a.cache, a.logger, cmd.MicrocontrollerID)

	event := logger.Info()
	if !ack.OK {
		event = logger.Warn().Str("error", out.Error)
	}
	event.Str("state", string(out.State)).Uint("microcontroller_id", cmd.MicrocontrollerID).Msg("command acknowledged")
	return nil
}

func (a *AckConsumer) lookup(ctx context.Context, ack eventbus.Ack) (*models.SchedulerCommand, error) {
	if ack.CorrelationKey != "" {
		cmd, err := a.store.FindByCorrelationKey(ctx, ack.CorrelationKey)
		if err == nil || !errors.Is(err, queue.ErrNotFound) || ack.CommandID == "" {
			return cmd, err
		}
	}
	return a.store.Get(ctx, ack.CommandID)
}
