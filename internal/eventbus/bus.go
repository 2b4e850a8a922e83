/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus carries device commands, acknowledgments and provider
// measurements over NATS JetStream, with an in-process bus for tests and
// single-node development.
package eventbus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned once the bus has been closed.
	ErrClosed = errors.New("event bus closed")
	// ErrMalformed marks a message that can never be processed. Handlers wrap it
	// to have the message dropped instead of redelivered.
	ErrMalformed = errors.New("malformed message")
)

// Message is one delivery from the transport.
type Message struct {
	Subject string
	Data    []byte
	// Delivery counts attempts, starting at 1.
	Delivery uint64
}

// Handler processes a message. A nil error acknowledges it. An error wrapping
// ErrMalformed drops it. Any other error requests redelivery.
type Handler func(ctx context.Context, msg Message) error

// SubscribeOptions selects what a subscription receives.
type SubscribeOptions struct {
	// Subject may contain NATS wildcards (* and >).
	Subject string
	// Durable names a consumer that survives restarts. Empty means ephemeral.
	Durable string
}

// Subscription is an active consumer.
type Subscription interface {
	Stop()
}

// Publisher sends messages.
type Publisher interface {
	// Publish sends data on subject. msgID lets the server drop duplicates of a retried publish.
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

// Subscriber starts consumers.
type Subscriber interface {
	Subscribe(ctx context.Context, opts SubscribeOptions, h Handler) (Subscription, error)
}

// Bus is a full transport.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
