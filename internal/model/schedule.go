package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	DefaultScheduleStart  = "08:00"
	DefaultScheduleEnd    = "17:00"
	DefaultScheduleTarget = 21.0

	MinScheduleTarget = 5.0
	MaxScheduleTarget = 35.0
)

// Schedule is a weekly time window with a target temperature. DayOfWeek is
// ISO numbered: 1 is Monday, 7 is Sunday. Times are zero-padded "HH:MM".
type Schedule struct {
	ID                int64     `json:"id"`
	DayOfWeek         int       `json:"day_of_week"`
	StartTime         string    `json:"start_time"`
	EndTime           string    `json:"end_time"`
	TargetTemperature float64   `json:"target_temperature"`
	IsEnabled         bool      `json:"is_enabled"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UnmarshalJSON treats a missing is_enabled as true.
func (s *Schedule) UnmarshalJSON(data []byte) error {
	type plain Schedule
	p := plain{IsEnabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Schedule(p)
	return nil
}

// NewDefaultSchedule returns the working-hours schedule offered for a new day.
func NewDefaultSchedule(day int) Schedule {
	return Schedule{
		DayOfWeek:         day,
		StartTime:         DefaultScheduleStart,
		EndTime:           DefaultScheduleEnd,
		TargetTemperature: DefaultScheduleTarget,
		IsEnabled:         true,
	}
}

// Validate reports the first field that makes s unstorable.
func (s Schedule) Validate() error {
	if s.DayOfWeek < 1 || s.DayOfWeek > 7 {
		return fmt.Errorf("day_of_week %d out of range 1-7", s.DayOfWeek)
	}
	if !ValidClock(s.StartTime) {
		return fmt.Errorf("start_time %q is not HH:MM", s.StartTime)
	}
	if !ValidClock(s.EndTime) {
		return fmt.Errorf("end_time %q is not HH:MM", s.EndTime)
	}
	if s.StartTime > s.EndTime {
		return fmt.Errorf("start_time %s is after end_time %s", s.StartTime, s.EndTime)
	}
	if math.IsNaN(s.TargetTemperature) || s.TargetTemperature < MinScheduleTarget || s.TargetTemperature > MaxScheduleTarget {
		return fmt.Errorf("target_temperature %.1f out of range %.0f-%.0f", s.TargetTemperature, MinScheduleTarget, MaxScheduleTarget)
	}
	return nil
}

// IsActiveAt reports whether s covers day at clock t. Both bounds are inclusive.
func (s Schedule) IsActiveAt(day int, t string) bool {
	return s.IsEnabled && s.DayOfWeek == day && s.StartTime <= t && t <= s.EndTime
}

// Overlaps reports whether s and o share at least one minute on the same day.
func (s Schedule) Overlaps(o Schedule) bool {
	return s.DayOfWeek == o.DayOfWeek && s.StartTime <= o.EndTime && o.StartTime <= s.EndTime
}

// ValidClock accepts zero-padded 24h "HH:MM" strings. Zero padding keeps
// lexical order equal to chronological order.
func ValidClock(v string) bool {
	if len(v) != 5 || v[2] != ':' {
		return false
	}
	_, err := time.Parse("15:04", v)
	return err == nil
}

// ISOWeekday maps t to 1 (Monday) through 7 (Sunday).
func ISOWeekday(t time.Time) int {
	d := int(t.Weekday())
	if d == 0 {
		return 7
	}
	return d
}

// Clock formats t as "HH:MM" in its own location.
func Clock(t time.Time) string {
	return t.Format("15:04")
}
