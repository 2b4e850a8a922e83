/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// DeviceMode selects who drives a device.
type DeviceMode string

const (
	DeviceModeManual    DeviceMode = "MANUAL"
	DeviceModeAutoPower DeviceMode = "AUTO_POWER"
	DeviceModeSchedule  DeviceMode = "SCHEDULE"
)

// Microcontroller hosts devices and receives commands over the transport.
type Microcontroller struct {
	ID              uint   `gorm:"primaryKey"`
	UUID            string `gorm:"type:varchar(36);uniqueIndex;not null"`
	Name            string `gorm:"type:varchar(255)"`
	Enabled         bool   `gorm:"not null;default:true"`
	PowerProviderID *uint  `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName returns the table name for GORM.
func (Microcontroller) TableName() string {
	return "microcontrollers"
}

// Device is a single switchable output on a microcontroller.
type Device struct {
	ID                uint       `gorm:"primaryKey"`
	UUID              string     `gorm:"type:varchar(36);uniqueIndex;not null"`
	MicrocontrollerID uint       `gorm:"index;not null"`
	SchedulerID       *uint      `gorm:"index"`
	DeviceNumber      int        `gorm:"not null"`
	Mode              DeviceMode `gorm:"type:varchar(16);not null;default:'MANUAL'"`
	ManualState       *bool
	LastStateChangeAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TableName returns the table name for GORM.
func (Device) TableName() string {
	return "devices"
}
