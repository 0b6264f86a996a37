package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/thatsimonsguy/valve-controller/db"
	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

// SQLite is the production ScheduleStore and DecisionLog.
type SQLite struct {
	conn   *sql.DB
	policy Policy
}

func NewSQLite(conn *sql.DB, policy Policy) *SQLite {
	return &SQLite{conn: conn, policy: policy}
}

func storageErr(op string, err error) error {
	var ve *valveerr.Error
	if errors.As(err, &ve) {
		return err
	}
	return valveerr.Storage(op, err)
}

func (s *SQLite) GetForDay(ctx context.Context, day int) ([]model.Schedule, error) {
	list, err := db.GetSchedulesForDay(ctx, s.conn, day)
	if err != nil {
		return nil, storageErr("get schedules for day", err)
	}
	return list, nil
}

func (s *SQLite) GetAll(ctx context.Context) ([]model.Schedule, error) {
	list, err := db.GetAllSchedules(ctx, s.conn)
	if err != nil {
		return nil, storageErr("get all schedules", err)
	}
	return list, nil
}

func (s *SQLite) GetByID(ctx context.Context, id int64) (*model.Schedule, error) {
	sched, err := db.GetScheduleByID(ctx, s.conn, id)
	if err != nil {
		return nil, storageErr("get schedule", err)
	}
	return sched, nil
}

func (s *SQLite) GetActiveAt(ctx context.Context, day int, clock string) (*model.Schedule, error) {
	sched, err := db.GetActiveSchedule(ctx, s.conn, day, clock)
	if err != nil {
		return nil, storageErr("get active schedule", err)
	}
	return sched, nil
}

func (s *SQLite) Insert(ctx context.Context, sched model.Schedule) (model.Schedule, error) {
	const op = "insert schedule"
	sched.ID = 0
	if err := validate(op, sched); err != nil {
		return model.Schedule{}, err
	}

	tx, err := db.StartTransaction(ctx, s.conn)
	if err != nil {
		return model.Schedule{}, storageErr(op, err)
	}
	defer db.RollbackTransaction(tx)

	if s.policy.RejectOverlaps {
		existing, err := db.GetSchedulesForDay(ctx, tx, sched.DayOfWeek)
		if err != nil {
			return model.Schedule{}, storageErr(op, err)
		}
		if err := s.policy.checkOverlaps(op, sched, existing); err != nil {
			return model.Schedule{}, err
		}
	}

	t := now()
	sched.CreatedAt, sched.UpdatedAt = t, t
	id, err := db.InsertSchedule(ctx, tx, sched)
	if err != nil {
		return model.Schedule{}, storageErr(op, err)
	}
	if err := db.CommitTransaction(tx); err != nil {
		return model.Schedule{}, storageErr(op, err)
	}
	sched.ID = id
	return sched, nil
}

func (s *SQLite) Update(ctx context.Context, sched model.Schedule) (model.Schedule, error) {
	const op = "update schedule"
	if err := validate(op, sched); err != nil {
		return model.Schedule{}, err
	}

	tx, err := db.StartTransaction(ctx, s.conn)
	if err != nil {
		return model.Schedule{}, storageErr(op, err)
	}
	defer db.RollbackTransaction(tx)

	current, err := db.GetScheduleByID(ctx, tx, sched.ID)
	if err != nil {
		return model.Schedule{}, storageErr(op, err)
	}
	if s.policy.RejectOverlaps {
		existing, err := db.GetSchedulesForDay(ctx, tx, sched.DayOfWeek)
		if err != nil {
			return model.Schedule{}, storageErr(op, err)
		}
		if err := s.policy.checkOverlaps(op, sched, existing); err != nil {
			return model.Schedule{}, err
		}
	}

	sched.CreatedAt = current.CreatedAt
	sched.UpdatedAt = now()
	if err := db.UpdateSchedule(ctx, tx, sched); err != nil {
		return model.Schedule{}, storageErr(op, err)
	}
	if err := db.CommitTransaction(tx); err != nil {
		return model.Schedule{}, storageErr(op, err)
	}
	return sched, nil
}

func (s *SQLite) DeleteByID(ctx context.Context, id int64) error {
	if err := db.DeleteScheduleByID(ctx, s.conn, id); err != nil {
		return storageErr("delete schedule", err)
	}
	return nil
}

func (s *SQLite) ReplaceForDay(ctx context.Context, day int, list []model.Schedule) ([]model.Schedule, error) {
	const op = "replace schedules for day"
	checked, err := s.policy.validateDay(op, day, list)
	if err != nil {
		return nil, err
	}
	inserted, err := db.ReplaceSchedulesForDay(ctx, s.conn, day, checked, now())
	if err != nil {
		return nil, storageErr(op, err)
	}
	return inserted, nil
}

func (s *SQLite) RecordDecision(ctx context.Context, d model.Decision) error {
	if _, err := db.InsertDecision(ctx, s.conn, d); err != nil {
		return storageErr("record decision", err)
	}
	return nil
}

func (s *SQLite) RecentDecisions(ctx context.Context, limit int) ([]model.Decision, error) {
	list, err := db.GetRecentDecisions(ctx, s.conn, limit)
	if err != nil {
		return nil, storageErr("recent decisions", err)
	}
	return list, nil
}
