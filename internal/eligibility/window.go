/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eligibility

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/friendsincode/smart_schedulers/internal/models"
)

// ErrInvalidSlot reports a slot whose window cannot be computed.
var ErrInvalidSlot = errors.New("invalid slot window")

// Occurrence is one activation of a slot window, [Start, End).
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (o Occurrence) Contains(t time.Time) bool {
	return !t.Before(o.Start) && t.Before(o.End)
}

// Key identifies the occurrence in idempotency keys.
func (o Occurrence) Key() string {
	return strconv.FormatInt(o.Start.Unix(), 10)
}

// Latest returns the most recent occurrence of the slot starting at or before asOf.
// All clock values are interpreted in UTC.
func Latest(slot models.SchedulerSlot, asOf time.Time) (Occurrence, bool, error) {
	asOf = asOf.UTC()
	start, end, err := slotClock(slot)
	if err != nil {
		return Occurrence{}, false, err
	}
	length := end - start
	if length <= 0 {
		length += 24 * time.Hour
	}

	if slot.RRule != "" {
		return latestRRule(slot, length, asOf)
	}

	var weekday time.Weekday
	anyDay := slot.DayOfWeek == ""
	if !anyDay {
		wd, ok := slot.DayOfWeek.Weekday()
		if !ok {
			return Occurrence{}, false, fmt.Errorf("%w: day_of_week %q", ErrInvalidSlot, slot.DayOfWeek)
		}
		weekday = wd
	}

	midnight := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	for back := 0; back <= 7; back++ {
		day := midnight.AddDate(0, 0, -back)
		if !anyDay && day.Weekday() != weekday {
			continue
		}
		s := day.Add(start)
		if s.After(asOf) {
			continue
		}
		return Occurrence{Start: s, End: s.Add(length)}, true, nil
	}
	return Occurrence{}, false, nil
}

// Window returns the occurrence containing asOf, if the slot is active.
func Window(slot models.SchedulerSlot, asOf time.Time) (Occurrence, bool, error) {
	occ, ok, err := Latest(slot, asOf)
	if err != nil || !ok {
		return Occurrence{}, false, err
	}
	if !occ.Contains(asOf.UTC()) {
		return occ, false, nil
	}
	return occ, true, nil
}

func latestRRule(slot models.SchedulerSlot, length time.Duration, asOf time.Time) (Occurrence, bool, error) {
	if slot.RRuleAnchor == nil {
		return Occurrence{}, false, fmt.Errorf("%w: rrule without anchor", ErrInvalidSlot)
	}
	rr, err := rrule.StrToRRule(slot.RRule)
	if err != nil {
		return Occurrence{}, false, fmt.Errorf("%w: %v", ErrInvalidSlot, err)
	}
	rr.DTStart(slot.RRuleAnchor.UTC())

	s := rr.Before(asOf, true)
	if s.IsZero() {
		return Occurrence{}, false, nil
	}
	s = s.UTC()
	return Occurrence{Start: s, End: s.Add(length)}, true, nil
}

// slotClock returns the window bounds as offsets from midnight.
func slotClock(slot models.SchedulerSlot) (time.Duration, time.Duration, error) {
	startRaw, endRaw := slot.StartTime, slot.EndTime
	if slot.StartUTCTime != nil && *slot.StartUTCTime != "" {
		startRaw = *slot.StartUTCTime
	}
	if slot.EndUTCTime != nil && *slot.EndUTCTime != "" {
		endRaw = *slot.EndUTCTime
	}

	start, err := parseClock(startRaw)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(endRaw)
	if err != nil {
		return 0, 0, err
	}
	if slot.RRule != "" && slot.RRuleAnchor != nil {
		a := slot.RRuleAnchor.UTC()
		anchor := time.Duration(a.Hour())*time.Hour + time.Duration(a.Minute())*time.Minute
		end = end - start + anchor
		start = anchor
	}
	return start, end, nil
}

// parseClock accepts "HH:MM" and "HH:MM:SS".
func parseClock(v string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: clock %q", ErrInvalidSlot, v)
	}
	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("%w: clock %q", ErrInvalidSlot, v)
		}
		d += time.Duration(n) * units[i]
	}
	return d, nil
}
