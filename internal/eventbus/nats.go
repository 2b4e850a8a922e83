/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/friendsincode/smart_schedulers/internal/telemetry"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string
	Name  string

	// JetStream configuration
	StreamName   string
	StreamMaxAge time.Duration
	AckWait      time.Duration
	MaxDeliver   int
	NakDelay     time.Duration

	// Connection options
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "smart-schedulers",
		StreamName:    "device_communication",
		StreamMaxAge:  24 * time.Hour,
		AckWait:       30 * time.Second,
		MaxDeliver:    10,
		NakDelay:      time.Second,
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSBus implements Bus on NATS JetStream.
type NATSBus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    NATSConfig
	logger zerolog.Logger

	mu     sync.Mutex
	subs   []*natsSub
	closed bool
}

// NewNATSBus connects to NATS and makes sure the device stream exists. Unlike the
// cache there is no fallback: an unreachable server is a startup failure.
func NewNATSBus(ctx context.Context, cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			telemetry.TransportConnected.Set(0)
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			telemetry.TransportConnected.Set(1)
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			telemetry.TransportConnected.Set(0)
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	b := &NATSBus{nc: nc, js: js, cfg: cfg, logger: logger}
	if err := b.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	telemetry.TransportConnected.Set(1)
	logger.Info().Str("url", cfg.URL).Str("stream", cfg.StreamName).Msg("NATS event bus initialized")
	return b, nil
}

// ensureStream creates the device stream when missing. An existing stream is
// left as configured by its owner.
func (b *NATSBus) ensureStream(ctx context.Context) error {
	_, err := b.js.Stream(ctx, b.cfg.StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", b.cfg.StreamName, err)
	}

	_, err = b.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:       b.cfg.StreamName,
		Subjects:   StreamSubjects(b.cfg.StreamName),
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     b.cfg.StreamMaxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream %s: %w", b.cfg.StreamName, err)
	}
	b.logger.Info().Str("stream", b.cfg.StreamName).Msg("created JetStream stream")
	return nil
}

// Publish sends data and waits for the stream to store it.
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	if b.isClosed() {
		return ErrClosed
	}
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := b.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

type natsSub struct {
	cc   jetstream.ConsumeContext
	once sync.Once
}

func (s *natsSub) Stop() {
	s.once.Do(s.cc.Stop)
}

// Subscribe creates (or resumes) a consumer filtered on opts.Subject and feeds
// messages to h. Messages are acked explicitly after h returns.
func (b *NATSBus) Subscribe(ctx context.Context, opts SubscribeOptions, h Handler) (Subscription, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       opts.Durable,
		FilterSubject: opts.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", opts.Subject, err)
	}

	logger := b.logger.With().Str("subject", opts.Subject).Str("durable", opts.Durable).Logger()
	cc, err := cons.Consume(func(m jetstream.Msg) {
		msg := Message{Subject: m.Subject(), Data: m.Data(), Delivery: 1}
		if meta, err := m.Metadata(); err == nil {
			msg.Delivery = meta.NumDelivered
		}

		herr := h(ctx, msg)
		switch {
		case herr == nil:
			if err := m.Ack(); err != nil {
				logger.Warn().Err(err).Msg("failed to ack message")
			}
		case errors.Is(herr, ErrMalformed):
			logger.Warn().Err(herr).Msg("dropping malformed message")
			if err := m.Term(); err != nil {
				logger.Warn().Err(err).Msg("failed to terminate message")
			}
		default:
			logger.Warn().Err(herr).Uint64("delivery", msg.Delivery).Msg("handler failed, requesting redelivery")
			if err := m.NakWithDelay(b.cfg.NakDelay); err != nil {
				logger.Warn().Err(err).Msg("failed to nak message")
			}
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		logger.Debug().Err(err).Msg("consume error")
	}))
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", opts.Subject, err)
	}

	sub := &natsSub{cc: cc}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Stop()
		case <-cc.Closed():
		}
	}()

	logger.Info().Msg("subscribed")
	return sub, nil
}

// Connected reports whether the NATS connection is up.
func (b *NATSBus) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

func (b *NATSBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops consumers and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	b.logger.Info().Msg("closing NATS event bus")
	for _, s := range subs {
		s.Stop()
	}
	b.nc.Close()
	telemetry.TransportConnected.Set(0)
	return nil
}
