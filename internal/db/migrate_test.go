package db

import (
	"errors"
	"testing"
	"time"

	"github.com/friendsincode/smart_schedulers/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return database
}

func TestMigrateCreatesTables(t *testing.T) {
	database := openTestDB(t)
	if err := Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// A second run must be a no-op.
	if err := Migrate(database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	for _, table := range []string{"scheduler_commands", "device_events", "scheduler_slots", "provider_measurements", "devices"} {
		if !database.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}
}

func TestOpenSlotKeyIsUnique(t *testing.T) {
	database := openTestDB(t)
	if err := Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	open := models.SlotTargetKey(1, 2)
	first := models.SchedulerCommand{
		ID: "c1", SlotID: 1, DeviceID: 2, MicrocontrollerID: 3, MicrocontrollerUUID: "m",
		Action: models.ActionOn, State: models.CommandPending, IdempotencyKey: "k1",
		OpenSlotKey: &open, CorrelationKey: "x1", CreatedAt: time.Now().UTC(),
	}
	if err := database.Create(&first).Error; err != nil {
		t.Fatalf("create first: %v", err)
	}

	second := first
	second.ID, second.IdempotencyKey, second.CorrelationKey = "c2", "k2", "x2"
	err := database.Create(&second).Error
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}

	// Terminal rows release the key, so NULLs must not collide.
	if err := database.Model(&models.SchedulerCommand{}).Where("id = ?", "c1").
		Updates(map[string]any{"state": models.CommandAcked, "open_slot_key": nil}).Error; err != nil {
		t.Fatalf("close first: %v", err)
	}
	third := second
	third.ID, third.IdempotencyKey, third.CorrelationKey = "c3", "k3", "x3"
	third.State = models.CommandAcked
	third.OpenSlotKey = nil
	if err := database.Create(&third).Error; err != nil {
		t.Fatalf("create closed row: %v", err)
	}
	if err := database.Create(&second).Error; err != nil {
		t.Fatalf("create after release: %v", err)
	}
}

func TestRegisterCallbacks(t *testing.T) {
	database := openTestDB(t)
	if err := RegisterCallbacks(database); err != nil {
		t.Fatalf("register callbacks: %v", err)
	}
	if err := Migrate(database); err != nil {
		t.Fatalf("migrate with callbacks: %v", err)
	}
	var n int64
	if err := database.Model(&models.SchedulerCommand{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	UpdateConnectionMetrics(database)
}
