/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// memoryMaxDeliver bounds redelivery of a message whose handler keeps failing.
const memoryMaxDeliver = 5

// MemoryBus is an in-process Bus with NATS subject matching. Durable names are
// accepted but carry no meaning beyond the process lifetime.
type MemoryBus struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	subs    []*memorySub
	history []Message
	closed  bool
	wg      sync.WaitGroup
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	ch      chan Message
	done    chan struct{}
	once    sync.Once
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{logger: logger.With().Str("component", "memory_bus").Logger()}
}

// Publish delivers data to every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte, _ string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	msg := Message{Subject: subject, Data: append([]byte(nil), data...), Delivery: 1}
	b.history = append(b.history, msg)
	subs := make([]*memorySub, 0, len(b.subs))
	for _, s := range b.subs {
		if SubjectMatches(s.pattern, subject) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe starts delivering matching messages to h on a dedicated goroutine.
func (b *MemoryBus) Subscribe(ctx context.Context, opts SubscribeOptions, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySub{
		bus:     b,
		pattern: opts.Subject,
		ch:      make(chan Message, 256),
		done:    make(chan struct{}),
	}
	b.subs = append(b.subs, s)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s.run(ctx, h)
	}()
	return s, nil
}

func (s *memorySub) run(ctx context.Context, h Handler) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Stop()
			return
		case msg := <-s.ch:
			for {
				err := h(ctx, msg)
				if err == nil || errors.Is(err, ErrMalformed) {
					break
				}
				if msg.Delivery >= memoryMaxDeliver {
					s.bus.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping message after max deliveries")
					break
				}
				msg.Delivery++
			}
		}
	}
}

// Stop ends the subscription.
func (s *memorySub) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
	})
}

func (b *MemoryBus) remove(target *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Published returns every message published so far.
func (b *MemoryBus) Published() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.history...)
}

// Close stops all subscriptions and waits for their handlers to return.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := append([]*memorySub(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		s.Stop()
	}
	b.wg.Wait()
	return nil
}

// SubjectMatches reports whether subject matches a NATS pattern, where "*"
// matches one token and a trailing ">" matches one or more.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
