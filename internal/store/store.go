package store

import (
	"context"
	"fmt"
	"time"

	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

// ScheduleStore persists weekly schedules. Every write validates its input
// and returns a valveerr validation error without touching storage when the
// input is rejected.
type ScheduleStore interface {
	GetForDay(ctx context.Context, day int) ([]model.Schedule, error)
	GetAll(ctx context.Context) ([]model.Schedule, error)
	GetByID(ctx context.Context, id int64) (*model.Schedule, error)
	// GetActiveAt returns the earliest-starting enabled schedule whose
	// inclusive window contains clock, or nil.
	GetActiveAt(ctx context.Context, day int, clock string) (*model.Schedule, error)
	Insert(ctx context.Context, s model.Schedule) (model.Schedule, error)
	Update(ctx context.Context, s model.Schedule) (model.Schedule, error)
	DeleteByID(ctx context.Context, id int64) error
	// ReplaceForDay atomically swaps the day's schedules for list.
	ReplaceForDay(ctx context.Context, day int, list []model.Schedule) ([]model.Schedule, error)
}

// DecisionLog keeps the history of control loop decisions.
type DecisionLog interface {
	RecordDecision(ctx context.Context, d model.Decision) error
	RecentDecisions(ctx context.Context, limit int) ([]model.Decision, error)
}

// Policy controls how overlapping schedules on one day are handled. By
// default overlaps are stored and the earliest start wins at lookup.
type Policy struct {
	RejectOverlaps bool
}

var now = time.Now

func validate(op string, s model.Schedule) error {
	if err := s.Validate(); err != nil {
		return valveerr.Validation(op, err)
	}
	return nil
}

// checkOverlaps rejects candidate when it overlaps any of existing other than
// itself.
func (p Policy) checkOverlaps(op string, candidate model.Schedule, existing []model.Schedule) error {
	if !p.RejectOverlaps {
		return nil
	}
	for _, e := range existing {
		if e.ID != 0 && e.ID == candidate.ID {
			continue
		}
		if candidate.Overlaps(e) {
			return valveerr.Validation(op, fmt.Errorf("%s-%s overlaps schedule %d (%s-%s)",
				candidate.StartTime, candidate.EndTime, e.ID, e.StartTime, e.EndTime))
		}
	}
	return nil
}

// validateDay checks a replacement list on its own: each entry must be valid
// once forced onto day, and under RejectOverlaps entries must not overlap
// each other.
func (p Policy) validateDay(op string, day int, list []model.Schedule) ([]model.Schedule, error) {
	if day < 1 || day > 7 {
		return nil, valveerr.Validation(op, fmt.Errorf("day_of_week %d out of range 1-7", day))
	}
	out := make([]model.Schedule, 0, len(list))
	for _, s := range list {
		s.ID = 0
		s.DayOfWeek = day
		if err := validate(op, s); err != nil {
			return nil, err
		}
		if err := p.checkOverlaps(op, s, out); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
