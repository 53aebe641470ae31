/*
shift.go - TimeNormalizer: reported shift times to billable hours

ALGORITHM:
  1. Resolve start/end clock times on the shift date; an overnight shift ends
     on the following calendar day.
  2. Floor the start and ceil the end to a 15-minute boundary. Rounding
     always favors the worker.
  3. Billable minutes = rounded duration - break minutes.
  4. Hours = minutes / 60, rounded half-up to two decimal places, never
     below zero.

EXAMPLE:
  22:07 -> 06:50 (overnight), 30 min break
  rounded 22:00 -> 07:00 = 540 min, minus 30 = 510 min = 8.50 h

Everything here is pure: the same input always yields the same output.
*/
package settlement

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RoundingIncrement is the boundary that shift times are rounded to.
const RoundingIncrement = 15 * time.Minute

// MaxShiftDuration bounds a single shift, overnight included.
const MaxShiftDuration = 24 * time.Hour

// HoursPrecision is the number of decimal places kept in TotalHours.
const HoursPrecision = 2

// ShiftInput is a shift as reported by the worker.
type ShiftInput struct {
	ShiftDate    time.Time
	StartTime    string // "15:04" or "15:04:05"
	EndTime      string
	IsOvernight  bool
	BreakMinutes int
}

// NormalizedShift is the derived, billable view of a shift.
type NormalizedShift struct {
	StartTime    time.Time
	EndTime      time.Time
	RoundedStart time.Time
	RoundedEnd   time.Time
	TotalHours   decimal.Decimal
}

// Duration returns the rounded span before the break is deducted.
func (n NormalizedShift) Duration() time.Duration { return n.RoundedEnd.Sub(n.RoundedStart) }

// NormalizeShift validates the raw report and derives rounded times and hours.
func NormalizeShift(in ShiftInput) (NormalizedShift, error) {
	if in.ShiftDate.IsZero() {
		return NormalizedShift{}, &ShiftValidationError{Field: "shift_date", Message: "required"}
	}
	if in.BreakMinutes < 0 {
		return NormalizedShift{}, &ShiftValidationError{Field: "break_minutes", Message: "must not be negative"}
	}

	day := time.Date(in.ShiftDate.Year(), in.ShiftDate.Month(), in.ShiftDate.Day(), 0, 0, 0, 0, time.UTC)

	startOffset, err := parseClock("start_time", in.StartTime)
	if err != nil {
		return NormalizedShift{}, err
	}
	endOffset, err := parseClock("end_time", in.EndTime)
	if err != nil {
		return NormalizedShift{}, err
	}

	start := day.Add(startOffset)
	end := day.Add(endOffset)
	if in.IsOvernight {
		end = end.AddDate(0, 0, 1)
	}

	if !end.After(start) {
		return NormalizedShift{}, &ShiftValidationError{Field: "end_time", Message: "must be after start_time"}
	}
	if end.Sub(start) > MaxShiftDuration {
		return NormalizedShift{}, &ShiftValidationError{Field: "end_time", Message: "shift exceeds 24 hours"}
	}

	roundedStart := FloorToIncrement(start)
	roundedEnd := CeilToIncrement(end)

	minutes := int(roundedEnd.Sub(roundedStart) / time.Minute)
	if in.BreakMinutes > minutes {
		return NormalizedShift{}, &ShiftValidationError{Field: "break_minutes", Message: "exceeds shift duration"}
	}

	return NormalizedShift{
		StartTime:    start,
		EndTime:      end,
		RoundedStart: roundedStart,
		RoundedEnd:   roundedEnd,
		TotalHours:   BillableHours(minutes, in.BreakMinutes),
	}, nil
}

// BillableHours converts worked minutes less break into hours at two decimals.
func BillableHours(minutes, breakMinutes int) decimal.Decimal {
	net := minutes - breakMinutes
	if net <= 0 {
		return decimal.Zero.Round(HoursPrecision)
	}
	return decimal.NewFromInt(int64(net)).
		Div(decimal.NewFromInt(60)).
		Round(HoursPrecision)
}

// FloorToIncrement rounds t down to the previous 15-minute boundary.
func FloorToIncrement(t time.Time) time.Time {
	return t.Truncate(RoundingIncrement)
}

// CeilToIncrement rounds t up to the next 15-minute boundary.
func CeilToIncrement(t time.Time) time.Time {
	floored := t.Truncate(RoundingIncrement)
	if floored.Equal(t) {
		return t
	}
	return floored.Add(RoundingIncrement)
}

// parseClock turns "HH:MM[:SS]" into an offset from midnight.
func parseClock(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, &ShiftValidationError{Field: field, Message: "required"}
	}

	layout := "15:04"
	if strings.Count(value, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, value)
	if err != nil {
		return 0, &ShiftValidationError{Field: field, Message: "expected HH:MM"}
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}
