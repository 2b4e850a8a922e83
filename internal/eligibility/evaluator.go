/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eligibility decides whether a slot target is due and, when gated,
// whether the latest provider measurement satisfies its threshold.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/smart_schedulers/internal/models"
)

// Reason explains an eligibility decision.
type Reason string

const (
	ReasonMatch                    Reason = "SCHEDULER_MATCH"
	ReasonOutsideWindow            Reason = "OUTSIDE_WINDOW"
	ReasonInvalidSlot              Reason = "SLOT_INVALID"
	ReasonThresholdConfigMissing   Reason = "THRESHOLD_CONFIG_MISSING"
	ReasonPowerProviderUnavailable Reason = "POWER_PROVIDER_UNAVAILABLE"
	ReasonPowerMissing             Reason = "POWER_MISSING"
	ReasonPowerStale               Reason = "POWER_STALE"
	ReasonPowerUnitMismatch        Reason = "POWER_UNIT_MISMATCH"
	ReasonThresholdNotMet          Reason = "THRESHOLD_NOT_MET"
)

// NoPowerData reports reasons caused by missing or unusable measurements.
func (r Reason) NoPowerData() bool {
	switch r {
	case ReasonPowerProviderUnavailable, ReasonPowerMissing, ReasonPowerStale, ReasonPowerUnitMismatch:
		return true
	}
	return false
}

// Reading is a provider measurement as seen by the evaluator.
type Reading struct {
	Value      *float64
	Unit       *string
	MeasuredAt time.Time
}

// Decision is the evaluator's verdict for one slot target at one instant.
type Decision struct {
	Eligible   bool
	Reason     Reason
	Occurrence Occurrence
	ProviderID *uint

	MeasuredValue *float64
	MeasuredUnit  *string
}

// ThresholdInput gathers everything the threshold check reads.
type ThresholdInput struct {
	Slot        models.SchedulerSlot
	Provider    *models.Provider
	Measurement *Reading
	AsOf        time.Time
	// MaxAge applies when the provider does not declare an expected interval.
	MaxAge time.Duration
}

// Decide applies the power threshold rules. It has no side effects.
func Decide(in ThresholdInput) Decision {
	slot := in.Slot
	if !slot.UsePowerThreshold {
		return Decision{Eligible: true, Reason: ReasonMatch}
	}

	if slot.PowerThresholdValue == nil || slot.PowerThresholdUnit == nil || *slot.PowerThresholdUnit == "" {
		return Decision{Reason: ReasonThresholdConfigMissing}
	}
	if in.Provider == nil || !in.Provider.Enabled {
		return Decision{Reason: ReasonPowerProviderUnavailable}
	}

	m := in.Measurement
	if m == nil || m.Value == nil || m.MeasuredAt.IsZero() {
		return Decision{Reason: ReasonPowerMissing}
	}
	d := Decision{MeasuredValue: m.Value, MeasuredUnit: m.Unit}

	maxAge := in.MaxAge
	if in.Provider.ExpectedIntervalSec != nil && *in.Provider.ExpectedIntervalSec > 0 {
		maxAge = time.Duration(*in.Provider.ExpectedIntervalSec) * time.Second
	}
	// Meter clocks running ahead are not held against the reading.
	age := max(in.AsOf.Sub(m.MeasuredAt), 0)
	if age > maxAge {
		d.Reason = ReasonPowerStale
		return d
	}

	unit := in.Provider.Unit
	if m.Unit != nil && *m.Unit != "" {
		unit = *m.Unit
	}
	value, ok := convert(*m.Value, unit, *slot.PowerThresholdUnit)
	if !ok {
		d.Reason = ReasonPowerUnitMismatch
		return d
	}

	if !compare(value, *slot.PowerThresholdValue, slot.Comparison()) {
		d.Reason = ReasonThresholdNotMet
		return d
	}
	d.Eligible = true
	d.Reason = ReasonMatch
	return d
}

func compare(value, threshold float64, op models.ThresholdComparison) bool {
	switch op {
	case models.CompareGT:
		return value > threshold
	case models.CompareLTE:
		return value <= threshold
	case models.CompareLT:
		return value < threshold
	default:
		return value >= threshold
	}
}

// Target is a slot resolved against one device.
type Target struct {
	Slot                         models.SchedulerSlot
	MicrocontrollerPowerProvider *uint
}

// ProviderID picks the slot's provider, falling back to the microcontroller's.
func (t Target) ProviderID() *uint {
	if t.Slot.PowerProviderID != nil {
		return t.Slot.PowerProviderID
	}
	return t.MicrocontrollerPowerProvider
}

// Source resolves providers and their latest measurements.
type Source interface {
	Provider(ctx context.Context, id uint) (*models.Provider, error)
	LatestMeasurement(ctx context.Context, providerID uint) (*Reading, error)
}

// Evaluator combines window and threshold checks over a Source.
type Evaluator struct {
	source Source
	maxAge time.Duration
}

// NewEvaluator returns an Evaluator. maxAge is the freshness bound used when a
// provider declares no expected interval.
func NewEvaluator(source Source, maxAge time.Duration) *Evaluator {
	return &Evaluator{source: source, maxAge: maxAge}
}

// IsEligible decides whether target is due at asOf. Lookup failures are returned
// as errors; the caller treats them as not eligible.
func (e *Evaluator) IsEligible(ctx context.Context, target Target, asOf time.Time) (Decision, error) {
	occ, active, err := Window(target.Slot, asOf)
	if err != nil {
		if errors.Is(err, ErrInvalidSlot) {
			return Decision{Reason: ReasonInvalidSlot}, err
		}
		return Decision{}, err
	}
	if !active {
		return Decision{Reason: ReasonOutsideWindow, Occurrence: occ}, nil
	}
	if !target.Slot.UsePowerThreshold {
		return Decision{Eligible: true, Reason: ReasonMatch, Occurrence: occ}, nil
	}

	in := ThresholdInput{Slot: target.Slot, AsOf: asOf, MaxAge: e.maxAge}
	providerID := target.ProviderID()
	if providerID != nil {
		provider, err := e.source.Provider(ctx, *providerID)
		if err != nil {
			return Decision{Occurrence: occ}, fmt.Errorf("load provider %d: %w", *providerID, err)
		}
		in.Provider = provider
		if provider != nil && provider.Enabled {
			reading, err := e.source.LatestMeasurement(ctx, *providerID)
			if err != nil {
				return Decision{Occurrence: occ}, fmt.Errorf("load measurement for provider %d: %w", *providerID, err)
			}
			in.Measurement = reading
		}
	}

	d := Decide(in)
	d.Occurrence = occ
	d.ProviderID = providerID
	return d, nil
}
