/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package queue

import (
	"context"
	"fmt"

	"github.com/friendsincode/smart_schedulers/internal/models"
)

// SlotTarget is a slot resolved to one schedulable device.
type SlotTarget struct {
	Slot                           models.SchedulerSlot
	DeviceID                       uint
	DeviceUUID                     string
	DeviceNumber                   int
	MicrocontrollerID              uint
	MicrocontrollerUUID            string
	MicrocontrollerPowerProviderID *uint
}

// Key is the open-command key of the target.
func (t SlotTarget) Key() string {
	return models.SlotTargetKey(t.Slot.ID, t.DeviceID)
}

// TargetCursor pages through slot targets in (slot, device) order.
type TargetCursor struct {
	SlotID   uint
	DeviceID uint
}

// Advance moves the cursor past t.
func (c *TargetCursor) Advance(t SlotTarget) {
	c.SlotID, c.DeviceID = t.Slot.ID, t.DeviceID
}

type targetRow struct {
	SlotID                         uint
	DeviceID                       uint
	DeviceUUID                     string
	DeviceNumber                   int
	MicrocontrollerID              uint
	MicrocontrollerUUID            string
	MicrocontrollerPowerProviderID *uint
}

// SlotTargets returns up to limit targets after cursor. A target is a device in
// SCHEDULE mode, assigned to the slot's scheduler, on an enabled microcontroller.
func (s *Store) SlotTargets(ctx context.Context, after TargetCursor, limit int) ([]SlotTarget, error) {
	var rows []targetRow
	err := s.db.WithContext(ctx).
		Table("scheduler_slots AS s").
		Select(`s.id AS slot_id, d.id AS device_id, d.uuid AS device_uuid, d.device_number AS device_number,
			m.id AS microcontroller_id, m.uuid AS microcontroller_uuid, m.power_provider_id AS microcontroller_power_provider_id`).
		Joins("JOIN devices d ON d.scheduler_id = s.scheduler_id").
		Joins("JOIN microcontrollers m ON m.id = d.microcontroller_id").
		Where("d.mode = ? AND m.enabled = ?", models.DeviceModeSchedule, true).
		Where("(s.id > ? OR (s.id = ? AND d.id > ?))", after.SlotID, after.SlotID, after.DeviceID).
		Order("s.id ASC").Order("d.id ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load slot targets: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(rows))
	seen := make(map[uint]struct{}, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.SlotID]; !ok {
			seen[r.SlotID] = struct{}{}
			ids = append(ids, r.SlotID)
		}
	}
	var slots []models.SchedulerSlot
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&slots).Error; err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	byID := make(map[uint]models.SchedulerSlot, len(slots))
	for _, sl := range slots {
		byID[sl.ID] = sl
	}

	targets := make([]SlotTarget, 0, len(rows))
	for _, r := range rows {
		slot, ok := byID[r.SlotID]
		if !ok {
			continue
		}
		targets = append(targets, SlotTarget{
			Slot:                           slot,
			DeviceID:                       r.DeviceID,
			DeviceUUID:                     r.DeviceUUID,
			DeviceNumber:                   r.DeviceNumber,
			MicrocontrollerID:              r.MicrocontrollerID,
			MicrocontrollerUUID:            r.MicrocontrollerUUID,
			MicrocontrollerPowerProviderID: r.MicrocontrollerPowerProviderID,
		})
	}
	return targets, nil
}

// NewCommand builds the pending row for an action on a target.
func NewCommand(t SlotTarget, action models.CommandAction, occurrence string, reason string) *models.SchedulerCommand {
	return &models.SchedulerCommand{
		SlotID:              t.Slot.ID,
		SchedulerID:         t.Slot.SchedulerID,
		DeviceID:            t.DeviceID,
		DeviceUUID:          t.DeviceUUID,
		DeviceNumber:        t.DeviceNumber,
		MicrocontrollerID:   t.MicrocontrollerID,
		MicrocontrollerUUID: t.MicrocontrollerUUID,
		Action:              action,
		IdempotencyKey:      IdempotencyKey(t.Slot.ID, t.DeviceID, occurrence, action),
		TriggerReason:       reason,
	}
}
