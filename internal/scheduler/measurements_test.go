package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/smart_schedulers/internal/eventbus"
)

func measurementMessage(t *testing.T, providerID uint, at time.Time, value float64) eventbus.Message {
	t.Helper()
	data, err := json.Marshal(eventbus.Measurement{ProviderID: providerID, MeasuredAt: at, MeasuredValue: fptr(value), MeasuredUnit: sptr("W")})
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	body, err := json.Marshal(eventbus.Envelope{
		Subject:   testStream + ".meter-1.event.PROVIDER_MEASUREMENT",
		EventType: eventbus.EventProviderMeasurement,
		Timestamp: at,
		Data:      data,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return eventbus.Message{Subject: testStream + ".meter-1.event.PROVIDER_MEASUREMENT", Data: body, Delivery: 1}
}

func TestMeasurementListenerKeepsNewest(t *testing.T) {
	c := newTestCache()
	l := NewMeasurementListener(c, nil, eventbus.MeasurementFilter(testStream), 30*time.Second, zerolog.Nop())
	ctx := context.Background()

	if err := l.Handle(ctx, measurementMessage(t, 5, slotStart, 600)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// An older reading arriving late does not replace the newer one.
	if err := l.Handle(ctx, measurementMessage(t, 5, slotStart.Add(-time.Minute), 100)); err != nil {
		t.Fatalf("handle older: %v", err)
	}

	m, ok, err := c.LatestMeasurement(ctx, 5)
	if err != nil || !ok {
		t.Fatalf("latest = %v, %v", ok, err)
	}
	if m.Value == nil || *m.Value != 600 || !m.MeasuredAt.Equal(slotStart) {
		t.Fatalf("unexpected cached reading %+v", m)
	}
}

func TestMeasurementListenerRejectsMissingProvider(t *testing.T) {
	l := NewMeasurementListener(newTestCache(), nil, "x", 30*time.Second, zerolog.Nop())
	err := l.Handle(context.Background(), measurementMessage(t, 0, slotStart, 1))
	if !errors.Is(err, eventbus.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestMeasurementListenerSubscribes(t *testing.T) {
	c := newTestCache()
	bus := eventbus.NewMemoryBus(zerolog.Nop())
	t.Cleanup(func() { _ = bus.Close() })
	l := NewMeasurementListener(c, bus, eventbus.MeasurementFilter(testStream), 30*time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	msg := measurementMessage(t, 7, slotStart, 42)
	waitFor(t, func() bool {
		_ = bus.Publish(ctx, msg.Subject, msg.Data, "")
		_, ok, _ := c.LatestMeasurement(ctx, 7)
		return ok
	})

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v, want context.Canceled", err)
	}
}
