/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// DayOfWeek names the weekday a slot window opens on.
type DayOfWeek string

const (
	Monday    DayOfWeek = "MONDAY"
	Tuesday   DayOfWeek = "TUESDAY"
	Wednesday DayOfWeek = "WEDNESDAY"
	Thursday  DayOfWeek = "THURSDAY"
	Friday    DayOfWeek = "FRIDAY"
	Saturday  DayOfWeek = "SATURDAY"
	Sunday    DayOfWeek = "SUNDAY"
)

// Weekday converts to the time package representation.
func (d DayOfWeek) Weekday() (time.Weekday, bool) {
	switch d {
	case Monday:
		return time.Monday, true
	case Tuesday:
		return time.Tuesday, true
	case Wednesday:
		return time.Wednesday, true
	case Thursday:
		return time.Thursday, true
	case Friday:
		return time.Friday, true
	case Saturday:
		return time.Saturday, true
	case Sunday:
		return time.Sunday, true
	}
	return time.Sunday, false
}

// ThresholdComparison selects how a measurement is compared to a slot threshold.
type ThresholdComparison string

const (
	CompareGTE ThresholdComparison = "gte"
	CompareGT  ThresholdComparison = "gt"
	CompareLTE ThresholdComparison = "lte"
	CompareLT  ThresholdComparison = "lt"
)

// Scheduler groups slots and is assigned to devices.
type Scheduler struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"type:varchar(255);not null"`
	UserID    *uint  `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Slots []SchedulerSlot `gorm:"foreignKey:SchedulerID"`
}

// TableName returns the table name for GORM.
func (Scheduler) TableName() string {
	return "schedulers"
}

// SchedulerSlot is a recurring activity window, optionally gated by a power threshold.
// Slot rows are owned by rule management; the engine only reads them.
type SchedulerSlot struct {
	ID          uint      `gorm:"primaryKey"`
	SchedulerID uint      `gorm:"index;not null"`
	DayOfWeek   DayOfWeek `gorm:"type:varchar(16);index"`

	// Local wall clock "HH:MM". The UTC variants win when present.
	StartTime    string  `gorm:"type:varchar(5);not null"`
	EndTime      string  `gorm:"type:varchar(5);not null"`
	StartUTCTime *string `gorm:"type:varchar(5)"`
	EndUTCTime   *string `gorm:"type:varchar(5)"`

	// Recurrence (RFC 5545 RRULE). Replaces DayOfWeek when set.
	RRule       string     `gorm:"type:text"`
	RRuleAnchor *time.Time // first occurrence; its time of day opens the window

	UsePowerThreshold        bool                `gorm:"not null;default:false"`
	PowerProviderID          *uint               `gorm:"index"`
	PowerThresholdValue      *float64
	PowerThresholdUnit       *string             `gorm:"type:varchar(16)"`
	PowerThresholdComparison ThresholdComparison `gorm:"type:varchar(8);not null;default:'gte'"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for GORM.
func (SchedulerSlot) TableName() string {
	return "scheduler_slots"
}

// Comparison returns the configured comparison, defaulting to >=.
func (s SchedulerSlot) Comparison() ThresholdComparison {
	if s.PowerThresholdComparison == "" {
		return CompareGTE
	}
	return s.PowerThresholdComparison
}
