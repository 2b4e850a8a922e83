/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// Provider is an external metering source.
type Provider struct {
	ID                  uint   `gorm:"primaryKey"`
	Name                string `gorm:"type:varchar(255)"`
	Unit                string `gorm:"type:varchar(16)"`
	ExpectedIntervalSec *int
	Enabled             bool `gorm:"not null;default:true"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TableName returns the table name for GORM.
func (Provider) TableName() string {
	return "providers"
}

// ProviderMeasurement is one reading written by the ingestion pipeline.
type ProviderMeasurement struct {
	ID            uint      `gorm:"primaryKey"`
	ProviderID    uint      `gorm:"index:idx_provider_measurements_latest,priority:1;not null"`
	MeasuredAt    time.Time `gorm:"index:idx_provider_measurements_latest,priority:2;not null"`
	MeasuredValue *float64
	MeasuredUnit  *string `gorm:"type:varchar(16)"`
}

// TableName returns the table name for GORM.
func (ProviderMeasurement) TableName() string {
	return "provider_measurements"
}
