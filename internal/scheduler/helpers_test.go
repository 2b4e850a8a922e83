package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/smart_schedulers/internal/cache"
	"github.com/friendsincode/smart_schedulers/internal/config"
	"github.com/friendsincode/smart_schedulers/internal/db"
	"github.com/friendsincode/smart_schedulers/internal/models"
	"github.com/friendsincode/smart_schedulers/internal/queue"
)

const testStream = "device_communication"

// Monday 2026-03-02 08:00 UTC, the start of the seeded slot.
var slotStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		AckTimeout:               10 * time.Second,
		MaxConcurrency:           4,
		IdempotencyTTL:           2 * time.Minute,
		PlannerInterval:          time.Minute,
		PlannerBatchSize:         10,
		PlannerOffGrace:          5 * time.Minute,
		MeasurementMaxAge:        30 * time.Second,
		DispatchBatchSize:        10,
		DispatchPoll:             time.Second,
		DispatchMaxRetry:         2,
		DispatchRetryBackoff:     time.Second,
		MaxInflightPerController: 1,
		SweeperInterval:          2 * time.Second,
		SweeperBatchSize:         10,
	}
}

func setupStore(t *testing.T) *queue.Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return queue.New(database, zerolog.Nop())
}

func newTestCache() *cache.Cache {
	return cache.NewMemory("test", zerolog.Nop())
}

// seedSlot creates scheduler 1 with a Monday 08:00-09:00 slot driving device 10
// on microcontroller 100, and returns the slot.
func seedSlot(t *testing.T, store *queue.Store, mutate func(*models.SchedulerSlot)) models.SchedulerSlot {
	t.Helper()
	slot := models.SchedulerSlot{ID: 1, SchedulerID: 1, DayOfWeek: models.Monday, StartTime: "08:00", EndTime: "09:00"}
	if mutate != nil {
		mutate(&slot)
	}
	schedulerID := uint(1)
	seed := []any{
		&models.Scheduler{ID: 1, Name: "morning"},
		&slot,
		&models.Microcontroller{ID: 100, UUID: "micro-100", Enabled: true},
		&models.Device{ID: 10, UUID: "dev-10", MicrocontrollerID: 100, SchedulerID: &schedulerID, DeviceNumber: 1, Mode: models.DeviceModeSchedule},
	}
	for _, row := range seed {
		if err := store.DB().Create(row).Error; err != nil {
			t.Fatalf("seed %T: %v", row, err)
		}
	}
	return slot
}

// enqueueFor inserts a pending command for device 10 on microcontroller 100.
func enqueueFor(t *testing.T, store *queue.Store, slotID uint, action models.CommandAction, created time.Time) *models.SchedulerCommand {
	t.Helper()
	target := queue.SlotTarget{
		Slot:                models.SchedulerSlot{ID: slotID, SchedulerID: 1},
		DeviceID:            10,
		DeviceUUID:          "dev-10",
		DeviceNumber:        1,
		MicrocontrollerID:   100,
		MicrocontrollerUUID: "micro-100",
	}
	cmd := queue.NewCommand(target, action, fmt.Sprint(created.Unix()), "SCHEDULER_MATCH")
	cmd.CreatedAt = created
	if err := store.Enqueue(context.Background(), cmd); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return cmd
}

func commandsIn(t *testing.T, store *queue.Store, st models.CommandState) []models.SchedulerCommand {
	t.Helper()
	cmds, err := store.List(context.Background(), queue.ListFilter{State: st})
	if err != nil {
		t.Fatalf("list %s: %v", st, err)
	}
	return cmds
}

func mustGet(t *testing.T, store *queue.Store, id string) *models.SchedulerCommand {
	t.Helper()
	cmd, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return cmd
}

func mustEvents(t *testing.T, store *queue.Store, id string) []models.DeviceEvent {
	t.Helper()
	events, err := store.Events(context.Background(), id)
	if err != nil {
		t.Fatalf("events %s: %v", id, err)
	}
	return events
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func noSleep(context.Context, time.Duration) error { return nil }

type publishCall struct {
	subject string
	data    []byte
	msgID   string
}

// fakePublisher fails the first failures calls (every call when negative).
type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    []publishCall
	block    chan struct{}
	started  chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	p.mu.Lock()
	p.calls = append(p.calls, publishCall{subject: subject, data: data, msgID: msgID})
	n := len(p.calls)
	block, started := p.block, p.started
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	if p.failures < 0 || n <= p.failures {
		return errors.New("nats: timeout")
	}
	return nil
}

func (p *fakePublisher) Calls() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishCall, len(p.calls))
	copy(out, p.calls)
	return out
}

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

func fptr(v float64) *float64 { return &v }
func sptr(v string) *string   { return &v }
func uptr(v uint) *uint       { return &v }
