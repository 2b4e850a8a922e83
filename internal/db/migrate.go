/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/smart_schedulers/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
// Slot, device and measurement tables belong to other services in production;
// they are migrated here so a standalone deployment and the tests have them.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		// Rule management (read-only to the engine)
		&models.Scheduler{},
		&models.SchedulerSlot{},
		&models.Provider{},
		&models.ProviderMeasurement{},
		&models.Microcontroller{},
		&models.Device{},

		// Command lifecycle
		&models.SchedulerCommand{},
		&models.DeviceEvent{},
	); err != nil {
		return err
	}

	if err := applyPostgresCommandGuards(database); err != nil {
		return err
	}

	return nil
}

// applyPostgresCommandGuards adds the state check constraint and makes
// device_events append-only.
func applyPostgresCommandGuards(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `
ALTER TABLE scheduler_commands DROP CONSTRAINT IF EXISTS chk_scheduler_commands_state;
ALTER TABLE scheduler_commands ADD CONSTRAINT chk_scheduler_commands_state
  CHECK (state IN ('pending', 'dispatched', 'acked', 'failed', 'timed_out'));

CREATE OR REPLACE FUNCTION prevent_device_event_mutation()
RETURNS trigger
LANGUAGE plpgsql
AS $$
BEGIN
  RAISE EXCEPTION 'device_events rows are append-only'
    USING ERRCODE = '23514';
END;
$$;

DROP TRIGGER IF EXISTS trg_prevent_device_event_mutation ON device_events;

CREATE TRIGGER trg_prevent_device_event_mutation
BEFORE UPDATE OR DELETE
ON device_events
FOR EACH ROW
EXECUTE FUNCTION prevent_device_event_mutation();
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres command guards: %w", err)
	}

	return nil
}
