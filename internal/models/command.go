/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// CommandState is the lifecycle state of a scheduler command.
type CommandState string

const (
	CommandPending    CommandState = "pending"
	CommandDispatched CommandState = "dispatched"
	CommandAcked      CommandState = "acked"
	CommandFailed     CommandState = "failed"
	CommandTimedOut   CommandState = "timed_out"
)

// Terminal reports whether no further transition may leave the state.
func (s CommandState) Terminal() bool {
	return s == CommandAcked || s == CommandFailed || s == CommandTimedOut
}

// Valid reports whether s is a known state.
func (s CommandState) Valid() bool {
	switch s {
	case CommandPending, CommandDispatched, CommandAcked, CommandFailed, CommandTimedOut:
		return true
	}
	return false
}

// CommandAction is the requested switch position.
type CommandAction string

const (
	ActionOn  CommandAction = "ON"
	ActionOff CommandAction = "OFF"
)

// IsOn returns the desired output state for the action.
func (a CommandAction) IsOn() bool {
	return a == ActionOn
}

// SchedulerCommand is a durable intent to switch a device, tracked to a terminal state.
// Rows are never deleted.
type SchedulerCommand struct {
	ID                  string        `gorm:"type:varchar(36);primaryKey"`
	SlotID              uint          `gorm:"index;not null"`
	SchedulerID         uint          `gorm:"index"`
	DeviceID            uint          `gorm:"index;not null"`
	DeviceUUID          string        `gorm:"type:varchar(36)"`
	DeviceNumber        int
	MicrocontrollerID   uint          `gorm:"index:idx_scheduler_commands_micro_state,priority:1;not null"`
	MicrocontrollerUUID string        `gorm:"type:varchar(36);not null"`
	Action              CommandAction `gorm:"type:varchar(8);not null"`
	Payload             datatypes.JSON
	State               CommandState `gorm:"type:varchar(16);not null;index:idx_scheduler_commands_state_created,priority:1;index:idx_scheduler_commands_micro_state,priority:2"`

	// IdempotencyKey identifies the slot occurrence and action that produced the row.
	IdempotencyKey string `gorm:"type:varchar(191);uniqueIndex;not null"`
	// OpenSlotKey is "<slot>:<device>" while pending or dispatched and NULL once terminal.
	OpenSlotKey    *string `gorm:"type:varchar(64);uniqueIndex"`
	CorrelationKey string  `gorm:"type:varchar(36);uniqueIndex;not null"`

	RetryCount    int `gorm:"not null;default:0"`
	LastError     string
	TriggerReason string `gorm:"type:varchar(64)"`
	MeasuredValue *float64
	MeasuredUnit  *string `gorm:"type:varchar(16)"`

	CreatedAt    time.Time `gorm:"index:idx_scheduler_commands_state_created,priority:2;not null"`
	DispatchedAt *time.Time
	AckedAt      *time.Time
	FinishedAt   *time.Time
	DeadlineAt   *time.Time `gorm:"index"`
}

// TableName returns the table name for GORM.
func (SchedulerCommand) TableName() string {
	return "scheduler_commands"
}

// SlotTargetKey is the open-command key for a slot and device pair.
func SlotTargetKey(slotID, deviceID uint) string {
	return strconv.FormatUint(uint64(slotID), 10) + ":" + strconv.FormatUint(uint64(deviceID), 10)
}
