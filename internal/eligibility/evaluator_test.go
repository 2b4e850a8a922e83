package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/friendsincode/smart_schedulers/internal/models"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }
func uptr(v uint) *uint       { return &v }

func thresholdSlot(value float64, unit string) models.SchedulerSlot {
	return models.SchedulerSlot{
		StartTime:           "08:00",
		EndTime:             "10:00",
		UsePowerThreshold:   true,
		PowerProviderID:     uptr(1),
		PowerThresholdValue: &value,
		PowerThresholdUnit:  &unit,
	}
}

func TestDecide(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	enabled := &models.Provider{ID: 1, Unit: "W", Enabled: true}
	reading := func(v float64, unit string, age time.Duration) *Reading {
		return &Reading{Value: &v, Unit: &unit, MeasuredAt: asOf.Add(-age)}
	}

	tests := []struct {
		name     string
		in       ThresholdInput
		eligible bool
		reason   Reason
	}{
		{
			name:     "fresh measurement above threshold",
			in:       ThresholdInput{Slot: thresholdSlot(500, "W"), Provider: enabled, Measurement: reading(600, "W", 5*time.Second)},
			eligible: true,
			reason:   ReasonMatch,
		},
		{
			name:   "stale measurement",
			in:     ThresholdInput{Slot: thresholdSlot(500, "W"), Provider: enabled, Measurement: reading(600, "W", 120*time.Second)},
			reason: ReasonPowerStale,
		},
		{
			name:   "below threshold",
			in:     ThresholdInput{Slot: thresholdSlot(500, "W"), Provider: enabled, Measurement: reading(499, "W", time.Second)},
			reason: ReasonThresholdNotMet,
		},
		{
			name:     "equal meets default comparison",
			in:       ThresholdInput{Slot: thresholdSlot(500, "W"), Provider: enabled, Measurement: reading(500, "W", time.Second)},
			eligible: true,
			reason:   ReasonMatch,
		},
		{
			name:     "kW measurement against W threshold",
			in:       ThresholdInput{Slot: thresholdSlot(500, "W"), Provider: enabled, Measurement: reading(0.75, "kW", time.Second)},
			eligible: true,
			reason:   ReasonMatch,
		},
		{
			name:   "unit mismatch",
			in:     ThresholdInput{Slot: thresholdSlot(500, "W"), Provider: enabled, Measurement: reading(600, "Wh", time.Second)},
			reason: ReasonPowerUnitMismatch,
		},
		{
			name:   "no measurement",
			in:     ThresholdInput{Slot: thresholdSlot(500, "W"), Provider: enabled},
			reason: ReasonPowerMissing,
		},
		{
			name:   "disabled provider",
			in:     ThresholdInput{Slot: thresholdSlot(500, "W"), Provider: &models.Provider{ID: 1, Enabled: false}, Measurement: reading(600, "W", time.Second)},
			reason: ReasonPowerProviderUnavailable,
		},
		{
			name:   "threshold unit missing",
			in:     ThresholdInput{Slot: models.SchedulerSlot{UsePowerThreshold: true, PowerThresholdValue: fptr(1)}, Provider: enabled},
			reason: ReasonThresholdConfigMissing,
		},
		{
			name:   "provider interval overrides default bound",
			in:     ThresholdInput{Slot: thresholdSlot(500, "W"), Provider: &models.Provider{ID: 1, Unit: "W", Enabled: true, ExpectedIntervalSec: iptr(10)}, Measurement: reading(600, "W", 20*time.Second)},
			reason: ReasonPowerStale,
		},
		{
			name:     "timestamp ahead of clock counts as fresh",
			in:       ThresholdInput{Slot: thresholdSlot(500, "W"), Provider: enabled, Measurement: reading(600, "W", -time.Minute)},
			eligible: true,
			reason:   ReasonMatch,
		},
		{
			name:     "no threshold configured",
			in:       ThresholdInput{Slot: models.SchedulerSlot{}},
			eligible: true,
			reason:   ReasonMatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.AsOf = asOf
			tt.in.MaxAge = 30 * time.Second
			d := Decide(tt.in)
			if d.Eligible != tt.eligible || d.Reason != tt.reason {
				t.Fatalf("decision = %v/%s, want %v/%s", d.Eligible, d.Reason, tt.eligible, tt.reason)
			}
		})
	}
}

func TestDecideComparisons(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	provider := &models.Provider{ID: 1, Unit: "W", Enabled: true}
	v := 500.0

	cases := map[models.ThresholdComparison]bool{
		models.CompareGTE: true,
		models.CompareGT:  false,
		models.CompareLTE: true,
		models.CompareLT:  false,
	}
	for op, want := range cases {
		slot := thresholdSlot(500, "W")
		slot.PowerThresholdComparison = op
		d := Decide(ThresholdInput{Slot: slot, Provider: provider, Measurement: &Reading{Value: &v, MeasuredAt: asOf}, AsOf: asOf, MaxAge: time.Minute})
		if d.Eligible != want {
			t.Fatalf("%s: eligible = %v, want %v", op, d.Eligible, want)
		}
	}
}

type fakeSource struct {
	providers map[uint]*models.Provider
	readings  map[uint]*Reading
	err       error
	calls     int
}

func (f *fakeSource) Provider(_ context.Context, id uint) (*models.Provider, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.providers[id], nil
}

func (f *fakeSource) LatestMeasurement(_ context.Context, id uint) (*Reading, error) {
	f.calls++
	return f.readings[id], nil
}

func TestEvaluatorIsEligible(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	v, unit := 600.0, "W"
	src := &fakeSource{
		providers: map[uint]*models.Provider{1: {ID: 1, Unit: "W", Enabled: true}},
		readings:  map[uint]*Reading{1: {Value: &v, Unit: &unit, MeasuredAt: asOf.Add(-5 * time.Second)}},
	}
	ev := NewEvaluator(src, 30*time.Second)

	d, err := ev.IsEligible(context.Background(), Target{Slot: thresholdSlot(500, "W")}, asOf)
	if err != nil {
		t.Fatalf("is eligible: %v", err)
	}
	if !d.Eligible || d.Reason != ReasonMatch {
		t.Fatalf("decision = %+v", d)
	}
	if d.MeasuredValue == nil || *d.MeasuredValue != 600 {
		t.Fatalf("measured value not carried: %+v", d)
	}

	outside := asOf.Add(3 * time.Hour)
	d, err = ev.IsEligible(context.Background(), Target{Slot: thresholdSlot(500, "W")}, outside)
	if err != nil || d.Eligible || d.Reason != ReasonOutsideWindow {
		t.Fatalf("outside window decision = %+v, %v", d, err)
	}
}

func TestEvaluatorFallsBackToMicrocontrollerProvider(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	v := 900.0
	src := &fakeSource{
		providers: map[uint]*models.Provider{7: {ID: 7, Unit: "W", Enabled: true}},
		readings:  map[uint]*Reading{7: {Value: &v, MeasuredAt: asOf}},
	}
	slot := thresholdSlot(500, "W")
	slot.PowerProviderID = nil

	d, err := NewEvaluator(src, 30*time.Second).IsEligible(context.Background(), Target{Slot: slot, MicrocontrollerPowerProvider: uptr(7)}, asOf)
	if err != nil || !d.Eligible {
		t.Fatalf("decision = %+v, %v", d, err)
	}
	if d.ProviderID == nil || *d.ProviderID != 7 {
		t.Fatalf("provider = %v, want 7", d.ProviderID)
	}
}

func TestEvaluatorFailsClosedOnLookupError(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{err: errors.New("db down")}

	d, err := NewEvaluator(src, 30*time.Second).IsEligible(context.Background(), Target{Slot: thresholdSlot(500, "W")}, asOf)
	if err == nil {
		t.Fatal("expected lookup error")
	}
	if d.Eligible {
		t.Fatal("lookup failure must not be eligible")
	}
}

func TestCycleSourceMemoizes(t *testing.T) {
	v := 1.0
	src := &fakeSource{
		providers: map[uint]*models.Provider{1: {ID: 1, Enabled: true}},
		readings:  map[uint]*Reading{1: {Value: &v, MeasuredAt: time.Now()}},
	}
	cs := NewCycleSource(src)
	for i := 0; i < 3; i++ {
		if _, err := cs.Provider(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
		if _, err := cs.LatestMeasurement(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
	}
	if src.calls != 2 {
		t.Fatalf("inner calls = %d, want 2", src.calls)
	}
}
