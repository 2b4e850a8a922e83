/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// DeviceEventType categorizes audit rows. The engine only writes SCHEDULER.
type DeviceEventType string

const EventTypeScheduler DeviceEventType = "SCHEDULER"

// DeviceEventName is the audit event name shared with the rest of the platform.
type DeviceEventName string

const (
	EventSchedulerTriggerOn              DeviceEventName = "SCHEDULER_TRIGGER_ON"
	EventDeviceOff                       DeviceEventName = "DEVICE_OFF"
	EventSchedulerAckFailed              DeviceEventName = "SCHEDULER_ACK_FAILED"
	EventSchedulerSkippedNoPowerData     DeviceEventName = "SCHEDULER_SKIPPED_NO_POWER_DATA"
	EventSchedulerSkippedThresholdNotMet DeviceEventName = "SCHEDULER_SKIPPED_THRESHOLD_NOT_MET"
)

// EventResult is the outcome recorded for a command.
type EventResult string

const (
	ResultOnConfirmed    EventResult = "on-confirmed"
	ResultOffConfirmed   EventResult = "off-confirmed"
	ResultAckFailed      EventResult = "ack-failed"
	ResultDispatchFailed EventResult = "dispatch-failed"
	ResultTimeout        EventResult = "timeout"
	ResultSkipped        EventResult = "skipped"
)

// EventSource tags rows written by this service.
const EventSource = "smart-schedulers"

// DeviceEvent is an append-only audit record.
type DeviceEvent struct {
	ID            uint            `gorm:"primaryKey"`
	DeviceID      uint            `gorm:"index;not null"`
	CommandID     *string         `gorm:"type:varchar(36);index"`
	EventType     DeviceEventType `gorm:"type:varchar(32);not null"`
	EventName     DeviceEventName `gorm:"type:varchar(64);not null"`
	Result        EventResult     `gorm:"type:varchar(32)"`
	DeviceState   *string
	PinState      *bool
	MeasuredValue *float64
	MeasuredUnit  *string `gorm:"type:varchar(16)"`
	TriggerReason *string
	Source        *string
	CreatedAt     time.Time `gorm:"index"`
}

// TableName returns the table name for GORM.
func (DeviceEvent) TableName() string {
	return "device_events"
}

