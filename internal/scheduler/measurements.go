/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/smart_schedulers/internal/cache"
	"github.com/friendsincode/smart_schedulers/internal/eventbus"
	"github.com/friendsincode/smart_schedulers/internal/telemetry"
)

// MeasurementListener keeps the latest-measurement cache fed from upstream events.
type MeasurementListener struct {
	cache   *cache.Cache
	bus     eventbus.Subscriber
	subject string
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewMeasurementListener subscribes to subject. Cached readings live for ten
// freshness windows, and at least ten minutes.
func NewMeasurementListener(c *cache.Cache, bus eventbus.Subscriber, subject string, maxAge time.Duration, logger zerolog.Logger) *MeasurementListener {
	return &MeasurementListener{
		cache:   c,
		bus:     bus,
		subject: subject,
		ttl:     max(10*maxAge, 10*time.Minute),
		logger:  logger.With().Str("component", WorkerMeasurementListener).Logger(),
	}
}

// Name implements Runner.
func (l *MeasurementListener) Name() string { return WorkerMeasurementListener }

// Run consumes measurement events until ctx is cancelled.
func (l *MeasurementListener) Run(ctx context.Context) error {
	sub, err := l.bus.Subscribe(ctx, eventbus.SubscribeOptions{Subject: l.subject}, l.Handle)
	if err != nil {
		return fmt.Errorf("subscribe to measurements: %w", err)
	}
	defer sub.Stop()

	l.logger.Info().Str("subject", l.subject).Msg("measurement listener started")
	<-ctx.Done()
	return ctx.Err()
}

// Handle stores one measurement when it is newer than the cached reading.
func (l *MeasurementListener) Handle(ctx context.Context, msg eventbus.Message) error {
	m, err := eventbus.DecodeMeasurement(msg.Data)
	if err != nil {
		telemetry.MeasurementsReceivedTotal.WithLabelValues("malformed").Inc()
		return err
	}

	stored, err := l.cache.StoreMeasurement(ctx, cache.Measurement{
		ProviderID: m.ProviderID,
		MeasuredAt: m.MeasuredAt,
		Value:      m.MeasuredValue,
		Unit:       m.MeasuredUnit,
	}, l.ttl)
	if err != nil {
		telemetry.MeasurementsReceivedTotal.WithLabelValues("error").Inc()
		return err
	}
	if !stored {
		telemetry.MeasurementsReceivedTotal.WithLabelValues("stale").Inc()
		return nil
	}
	telemetry.MeasurementsReceivedTotal.WithLabelValues("stored").Inc()
	l.logger.Debug().Uint("provider_id", m.ProviderID).Time("measured_at", m.MeasuredAt).Msg("measurement cached")
	return nil
}
