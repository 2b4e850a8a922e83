package eligibility

import (
	"errors"
	"testing"
	"time"

	"github.com/friendsincode/smart_schedulers/internal/models"
)

func strPtr(s string) *string { return &s }

func TestWindow(t *testing.T) {
	// 2026-03-02 is a Monday.
	monday := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		slot   models.SchedulerSlot
		asOf   time.Time
		active bool
		start  time.Time
	}{
		{
			name:   "inside weekday window",
			slot:   models.SchedulerSlot{DayOfWeek: models.Monday, StartTime: "08:00", EndTime: "10:00"},
			asOf:   monday(9, 15),
			active: true,
			start:  monday(8, 0),
		},
		{
			name:   "end is exclusive",
			slot:   models.SchedulerSlot{DayOfWeek: models.Monday, StartTime: "08:00", EndTime: "10:00"},
			asOf:   monday(10, 0),
			active: false,
			start:  monday(8, 0),
		},
		{
			name:   "wrong weekday",
			slot:   models.SchedulerSlot{DayOfWeek: models.Tuesday, StartTime: "08:00", EndTime: "10:00"},
			asOf:   monday(9, 0),
			active: false,
			start:  time.Date(2026, 2, 24, 8, 0, 0, 0, time.UTC),
		},
		{
			name:   "crosses midnight",
			slot:   models.SchedulerSlot{DayOfWeek: models.Sunday, StartTime: "22:00", EndTime: "02:00"},
			asOf:   monday(1, 30),
			active: true,
			start:  time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC),
		},
		{
			name:   "utc override wins",
			slot:   models.SchedulerSlot{DayOfWeek: models.Monday, StartTime: "09:00", EndTime: "11:00", StartUTCTime: strPtr("07:00"), EndUTCTime: strPtr("09:00")},
			asOf:   monday(7, 30),
			active: true,
			start:  monday(7, 0),
		},
		{
			name:   "every day when weekday empty",
			slot:   models.SchedulerSlot{StartTime: "06:00", EndTime: "06:30"},
			asOf:   monday(6, 10),
			active: true,
			start:  monday(6, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			occ, active, err := Window(tt.slot, tt.asOf)
			if err != nil {
				t.Fatalf("window: %v", err)
			}
			if active != tt.active {
				t.Fatalf("active = %v, want %v", active, tt.active)
			}
			if !occ.Start.Equal(tt.start) {
				t.Fatalf("occurrence start = %v, want %v", occ.Start, tt.start)
			}
		})
	}
}

func TestWindowRRule(t *testing.T) {
	anchor := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	slot := models.SchedulerSlot{
		StartTime:   "18:00",
		EndTime:     "19:30",
		RRule:       "FREQ=DAILY;INTERVAL=2",
		RRuleAnchor: &anchor,
	}

	// Jan 1 + 2n days: Jan 3 is an occurrence, Jan 4 is not.
	occ, active, err := Window(slot, time.Date(2026, 1, 3, 19, 0, 0, 0, time.UTC))
	if err != nil || !active {
		t.Fatalf("expected active on occurrence day: %v %v", active, err)
	}
	if want := time.Date(2026, 1, 3, 18, 0, 0, 0, time.UTC); !occ.Start.Equal(want) || !occ.End.Equal(want.Add(90*time.Minute)) {
		t.Fatalf("unexpected occurrence %+v", occ)
	}

	if _, active, _ := Window(slot, time.Date(2026, 1, 4, 18, 30, 0, 0, time.UTC)); active {
		t.Fatal("expected inactive between occurrences")
	}
	if _, ok, _ := Latest(slot, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)); ok {
		t.Fatal("no occurrence before the anchor")
	}
}

func TestWindowInvalidSlot(t *testing.T) {
	cases := []models.SchedulerSlot{
		{StartTime: "25:00", EndTime: "26:00"},
		{StartTime: "08:00", EndTime: "8h"},
		{DayOfWeek: "FUNDAY", StartTime: "08:00", EndTime: "09:00"},
		{StartTime: "08:00", EndTime: "09:00", RRule: "FREQ=DAILY"},
		{StartTime: "08:00", EndTime: "09:00", RRule: "NOT A RULE", RRuleAnchor: &time.Time{}},
	}
	for _, slot := range cases {
		if _, _, err := Window(slot, time.Now()); !errors.Is(err, ErrInvalidSlot) {
			t.Fatalf("slot %+v: expected ErrInvalidSlot, got %v", slot, err)
		}
	}
}

func TestOccurrenceKeyIsStable(t *testing.T) {
	slot := models.SchedulerSlot{StartTime: "08:00", EndTime: "09:00"}
	a, _, _ := Window(slot, time.Date(2026, 3, 2, 8, 1, 0, 0, time.UTC))
	b, _, _ := Window(slot, time.Date(2026, 3, 2, 8, 59, 0, 0, time.UTC))
	if a.Key() != b.Key() {
		t.Fatalf("keys differ within one occurrence: %s vs %s", a.Key(), b.Key())
	}
}
