package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

// StartTransaction starts a new database transaction.
func StartTransaction(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction. It is a no-op after commit.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// InsertSchedule writes s and returns its new id. CreatedAt and UpdatedAt
// must already be set.
func InsertSchedule(ctx context.Context, q Querier, s model.Schedule) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO schedules (day_of_week, start_time, end_time, target_temperature, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.DayOfWeek, s.StartTime, s.EndTime, s.TargetTemperature, s.IsEnabled, formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert schedule id: %w", err)
	}
	return id, nil
}

// UpdateSchedule replaces every mutable column of the row with s.ID.
func UpdateSchedule(ctx context.Context, q Querier, s model.Schedule) error {
	res, err := q.ExecContext(ctx, `UPDATE schedules
		SET day_of_week = ?, start_time = ?, end_time = ?, target_temperature = ?, is_enabled = ?, updated_at = ?
		WHERE id = ?`,
		s.DayOfWeek, s.StartTime, s.EndTime, s.TargetTemperature, s.IsEnabled, formatTime(s.UpdatedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update schedule %d: %w", s.ID, err)
	}
	return expectRow(res, "update schedule", s.ID)
}

func DeleteScheduleByID(ctx context.Context, q Querier, id int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %d: %w", id, err)
	}
	return expectRow(res, "delete schedule", id)
}

func DeleteSchedulesForDay(ctx context.Context, q Querier, day int) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM schedules WHERE day_of_week = ?`, day)
	if err != nil {
		return 0, fmt.Errorf("delete schedules for day %d: %w", day, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReplaceSchedulesForDay swaps the day's schedules for list in one
// transaction and returns the inserted rows with their ids.
func ReplaceSchedulesForDay(ctx context.Context, conn *sql.DB, day int, list []model.Schedule, now time.Time) ([]model.Schedule, error) {
	tx, err := StartTransaction(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer RollbackTransaction(tx)

	if _, err := DeleteSchedulesForDay(ctx, tx, day); err != nil {
		return nil, err
	}

	inserted := make([]model.Schedule, 0, len(list))
	for _, s := range list {
		s.DayOfWeek = day
		s.CreatedAt, s.UpdatedAt = now, now
		id, err := InsertSchedule(ctx, tx, s)
		if err != nil {
			return nil, err
		}
		s.ID = id
		inserted = append(inserted, s)
	}

	if err := CommitTransaction(tx); err != nil {
		return nil, err
	}
	return inserted, nil
}

func InsertDecision(ctx context.Context, q Querier, d model.Decision) (int64, error) {
	var scheduleID, errText any
	if d.ScheduleID != 0 {
		scheduleID = d.ScheduleID
	}
	if d.Error != "" {
		errText = d.Error
	}
	res, err := q.ExecContext(ctx, `INSERT INTO decisions (decided_at, source, schedule_id, raw_target, setpoint, published, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(d.At), string(d.Source), scheduleID, d.RawTarget, d.Setpoint, d.Published, errText)
	if err != nil {
		return 0, fmt.Errorf("insert decision: %w", err)
	}
	return res.LastInsertId()
}

func InsertReading(ctx context.Context, q Querier, at time.Time, s model.DeviceStatus) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO telemetry_readings (recorded_at, temperature, outside_temperature, humidity, is_heating, target_temperature, is_connected)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(at), s.Temperature, s.OutsideTemperature, s.Humidity, s.IsHeating, s.TargetTemperature, s.IsConnected)
	if err != nil {
		return 0, fmt.Errorf("insert reading: %w", err)
	}
	return res.LastInsertId()
}

// DeleteReadingsBefore removes readings recorded strictly before cutoff.
func DeleteReadingsBefore(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM telemetry_readings WHERE recorded_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old readings: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func expectRow(res sql.Result, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", op, id, valveerr.ErrNotFound)
	}
	return nil
}
