package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMemoryBusDeliversMatchingSubjects(t *testing.T) {
	bus := NewMemoryBus(zerolog.Nop())
	defer bus.Close()
	ctx := context.Background()

	var got atomic.Int32
	_, err := bus.Subscribe(ctx, SubscribeOptions{Subject: AckFilter("s")}, func(_ context.Context, msg Message) error {
		got.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, AckSubject("s", "m1"), []byte("{}"), ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, CommandSubject("s", "m1"), []byte("{}"), ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return got.Load() == 1 })

	if n := len(bus.Published()); n != 2 {
		t.Fatalf("history = %d, want 2", n)
	}
}

func TestMemoryBusRedeliversOnError(t *testing.T) {
	bus := NewMemoryBus(zerolog.Nop())
	defer bus.Close()
	ctx := context.Background()

	var attempts atomic.Int32
	var lastDelivery atomic.Uint64
	_, err := bus.Subscribe(ctx, SubscribeOptions{Subject: "a.>"}, func(_ context.Context, msg Message) error {
		lastDelivery.Store(msg.Delivery)
		if attempts.Add(1) < 3 {
			return errors.New("db busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "a.b", nil, ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return attempts.Load() == 3 })
	if lastDelivery.Load() != 3 {
		t.Fatalf("delivery = %d, want 3", lastDelivery.Load())
	}
}

func TestMemoryBusDropsMalformed(t *testing.T) {
	bus := NewMemoryBus(zerolog.Nop())
	defer bus.Close()
	ctx := context.Background()

	var attempts atomic.Int32
	_, err := bus.Subscribe(ctx, SubscribeOptions{Subject: "a.*"}, func(_ context.Context, msg Message) error {
		attempts.Add(1)
		return fmt.Errorf("%w: bad", ErrMalformed)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = bus.Publish(ctx, "a.b", nil, "")
	_ = bus.Publish(ctx, "a.c", nil, "")
	waitFor(t, func() bool { return attempts.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if attempts.Load() != 2 {
		t.Fatalf("malformed message redelivered: %d attempts", attempts.Load())
	}
}

func TestMemoryBusStopAndClose(t *testing.T) {
	bus := NewMemoryBus(zerolog.Nop())
	ctx := context.Background()

	var got atomic.Int32
	sub, err := bus.Subscribe(ctx, SubscribeOptions{Subject: "x"}, func(context.Context, Message) error {
		got.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Stop()
	sub.Stop()
	_ = bus.Publish(ctx, "x", nil, "")
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 0 {
		t.Fatal("stopped subscription received a message")
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Publish(ctx, "x", nil, ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, SubscribeOptions{Subject: "x"}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
