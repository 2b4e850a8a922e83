package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/smart_schedulers/internal/cache"
	"github.com/friendsincode/smart_schedulers/internal/eventbus"
	"github.com/friendsincode/smart_schedulers/internal/models"
	"github.com/friendsincode/smart_schedulers/internal/queue"
)

func newTestDispatcher(store *queue.Store, c *cache.Cache, pub eventbus.Publisher, now time.Time) *Dispatcher {
	d := NewDispatcher(store, c, pub, testStream, testConfig(), zerolog.Nop())
	d.now = fixedClock(now)
	d.sleep = noSleep
	d.jitter = func(time.Duration) time.Duration { return 0 }
	return d
}

func TestDispatcherPublishesCommand(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	c := newTestCache()
	cmd := enqueueFor(t, store, 1, models.ActionOn, slotStart)

	pub := &fakePublisher{}
	d := newTestDispatcher(store, c, pub, slotStart.Add(time.Second))
	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	calls := pub.Calls()
	if len(calls) != 1 {
		t.Fatalf("publishes = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.subject != "device_communication.micro-100.command.DEVICE_COMMAND" || call.msgID != cmd.ID {
		t.Fatalf("unexpected publish %+v", call)
	}

	var env eventbus.Envelope
	if err := json.Unmarshal(call.data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var data eventbus.CommandData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if !data.IsOn || data.CorrelationKey != cmd.CorrelationKey || data.CommandID != cmd.ID || data.Mode != "SCHEDULE" {
		t.Fatalf("unexpected command data %+v", data)
	}

	got := mustGet(t, store, cmd.ID)
	if got.State != models.CommandDispatched || got.RetryCount != 0 {
		t.Fatalf("unexpected row %+v", got)
	}
	if got.DeadlineAt == nil || !got.DeadlineAt.Equal(slotStart.Add(11*time.Second)) {
		t.Fatalf("deadline = %v", got.DeadlineAt)
	}
	if n, _ := c.InflightCount(ctx, 100); n != 1 {
		t.Fatalf("inflight reservation = %d, want 1", n)
	}
}

func TestDispatcherRetryThenSuccess(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	cmd := enqueueFor(t, store, 1, models.ActionOn, slotStart)

	pub := &fakePublisher{failures: 1}
	d := newTestDispatcher(store, newTestCache(), pub, slotStart.Add(time.Second))
	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if len(pub.Calls()) != 2 {
		t.Fatalf("publishes = %d, want 2", len(pub.Calls()))
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Fatalf("backoff = %v", slept)
	}
	got := mustGet(t, store, cmd.ID)
	if got.State != models.CommandDispatched || got.RetryCount != 1 {
		t.Fatalf("state=%s retry_count=%d, want dispatched/1", got.State, got.RetryCount)
	}
	if got.LastError == "" {
		t.Fatal("expected last_error from the failed attempt")
	}
}

func TestDispatcherFailsAfterRetries(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	c := newTestCache()
	cmd := enqueueFor(t, store, 1, models.ActionOn, slotStart)

	pub := &fakePublisher{failures: -1}
	d := newTestDispatcher(store, c, pub, slotStart.Add(time.Second))
	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if len(pub.Calls()) != 3 {
		t.Fatalf("publishes = %d, want 3", len(pub.Calls()))
	}
	got := mustGet(t, store, cmd.ID)
	if got.State != models.CommandFailed || got.RetryCount != 2 || got.OpenSlotKey != nil {
		t.Fatalf("unexpected row %+v", got)
	}
	events := mustEvents(t, store, cmd.ID)
	if len(events) != 1 || events[0].Result != models.ResultDispatchFailed || events[0].EventName != models.EventSchedulerAckFailed {
		t.Fatalf("unexpected events %+v", events)
	}
	if n, _ := c.InflightCount(ctx, 100); n != 0 {
		t.Fatalf("inflight reservation = %d, want 0", n)
	}
}

func TestDispatcherRespectsDeviceCeiling(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	first := enqueueFor(t, store, 1, models.ActionOn, slotStart)
	second := enqueueFor(t, store, 2, models.ActionOn, slotStart.Add(time.Second))

	pub := &fakePublisher{}
	d := newTestDispatcher(store, newTestCache(), pub, slotStart.Add(2*time.Second))
	for range 2 {
		if err := d.RunOnce(ctx); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}

	if len(pub.Calls()) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pub.Calls()))
	}
	if got := mustGet(t, store, first.ID); got.State != models.CommandDispatched {
		t.Fatalf("oldest command state = %s", got.State)
	}
	if got := mustGet(t, store, second.ID); got.State != models.CommandPending {
		t.Fatalf("second command state = %s, want pending", got.State)
	}
}

func TestRunOnceIsSingleFlight(t *testing.T) {
	store := setupStore(t)
	enqueueFor(t, store, 1, models.ActionOn, slotStart)

	pub := &fakePublisher{block: make(chan struct{}), started: make(chan struct{}, 1)}
	d := newTestDispatcher(store, newTestCache(), pub, slotStart.Add(time.Second))

	done := make(chan error, 1)
	go func() { done <- d.RunOnce(context.Background()) }()

	select {
	case <-pub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("publish never started")
	}
	if err := d.RunOnce(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("overlapping run = %v, want ErrCycleInProgress", err)
	}

	close(pub.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestSweeperDoesNotPreemptPublishRetries(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	c := newTestCache()
	cmd := enqueueFor(t, store, 1, models.ActionOn, slotStart)

	pub := &fakePublisher{failures: -1}
	d := newTestDispatcher(store, c, pub, slotStart.Add(time.Second))
	sweeper := NewSweeper(store, c, testConfig(), zerolog.Nop())
	// Past the deadline set at claim time.
	sweeper.now = fixedClock(slotStart.Add(12 * time.Second))
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		return sweeper.RunOnce(ctx)
	}

	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(pub.Calls()) != 3 {
		t.Fatalf("publishes = %d, want 3", len(pub.Calls()))
	}
	got := mustGet(t, store, cmd.ID)
	if got.State != models.CommandFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	events := mustEvents(t, store, cmd.ID)
	if len(events) != 1 || events[0].Result != models.ResultDispatchFailed {
		t.Fatalf("unexpected events %+v", events)
	}
}

// enqueueOn inserts a pending command for a device of its own on microcontrollerID.
func enqueueOn(t *testing.T, store *queue.Store, microcontrollerID uint, created time.Time) *models.SchedulerCommand {
	t.Helper()
	target := queue.SlotTarget{
		Slot:                models.SchedulerSlot{ID: microcontrollerID, SchedulerID: 1},
		DeviceID:            microcontrollerID,
		DeviceUUID:          fmt.Sprintf("dev-%d", microcontrollerID),
		DeviceNumber:        1,
		MicrocontrollerID:   microcontrollerID,
		MicrocontrollerUUID: fmt.Sprintf("micro-%d", microcontrollerID),
	}
	cmd := queue.NewCommand(target, models.ActionOn, fmt.Sprint(created.Unix()), "SCHEDULER_MATCH")
	cmd.CreatedAt = created
	if err := store.Enqueue(context.Background(), cmd); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return cmd
}

func TestDispatcherPublishesClaimsDespiteFailedClaim(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	c := newTestCache()
	first := enqueueOn(t, store, 1, slotStart)
	second := enqueueOn(t, store, 2, slotStart.Add(time.Second))
	third := enqueueOn(t, store, 3, slotStart.Add(2*time.Second))

	updates := 0
	if err := store.DB().Callback().Update().Before("gorm:update").Register("test:fail_second_claim", func(tx *gorm.DB) {
		updates++
		if updates == 2 {
			_ = tx.AddError(errors.New("connection reset"))
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	pub := &fakePublisher{}
	d := newTestDispatcher(store, c, pub, slotStart.Add(3*time.Second))
	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	published := map[string]bool{}
	for _, call := range pub.Calls() {
		published[call.msgID] = true
	}
	if len(published) != 2 || !published[first.ID] || !published[third.ID] {
		t.Fatalf("published = %v, want first and third", published)
	}
	if got := mustGet(t, store, second.ID); got.State != models.CommandPending {
		t.Fatalf("failed claim state = %s, want pending", got.State)
	}
	if n, _ := c.InflightCount(ctx, 2); n != 0 {
		t.Fatalf("inflight reservation of failed claim = %d, want 0", n)
	}
}

func TestRandomJitterIncludesLimit(t *testing.T) {
	if got := randomJitter(0); got != 0 {
		t.Fatalf("jitter(0) = %v", got)
	}
	sawLimit := false
	for range 1000 {
		j := randomJitter(time.Nanosecond)
		if j < 0 || j > time.Nanosecond {
			t.Fatalf("jitter %v out of [0, 1ns]", j)
		}
		if j == time.Nanosecond {
			sawLimit = true
		}
	}
	if !sawLimit {
		t.Fatal("upper bound never drawn")
	}
}
