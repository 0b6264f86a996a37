package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

const scheduleColumns = `id, day_of_week, start_time, end_time, target_temperature, is_enabled, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (model.Schedule, error) {
	var s model.Schedule
	var createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.DayOfWeek, &s.StartTime, &s.EndTime, &s.TargetTemperature, &s.IsEnabled, &createdAt, &updatedAt)
	if err != nil {
		return s, err
	}
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

func querySchedules(ctx context.Context, q Querier, query string, args ...any) ([]model.Schedule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	schedules := []model.Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedules: %w", err)
	}
	return schedules, nil
}

// GetSchedulesForDay returns the day's schedules in start-time order.
func GetSchedulesForDay(ctx context.Context, q Querier, day int) ([]model.Schedule, error) {
	return querySchedules(ctx, q, `SELECT `+scheduleColumns+` FROM schedules
		WHERE day_of_week = ? ORDER BY start_time, id`, day)
}

// GetAllSchedules returns every schedule ordered by day, then start time.
func GetAllSchedules(ctx context.Context, q Querier) ([]model.Schedule, error) {
	return querySchedules(ctx, q, `SELECT `+scheduleColumns+` FROM schedules
		ORDER BY day_of_week, start_time, id`)
}

// GetScheduleByID returns valveerr.ErrNotFound when no row has id.
func GetScheduleByID(ctx context.Context, q Querier, id int64) (*model.Schedule, error) {
	s, err := scanSchedule(q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %d: %w", id, valveerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule %d: %w", id, err)
	}
	return &s, nil
}

// GetActiveSchedule returns the earliest-starting enabled schedule covering
// clock on day, or nil.
func GetActiveSchedule(ctx context.Context, q Querier, day int, clock string) (*model.Schedule, error) {
	s, err := scanSchedule(q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE day_of_week = ? AND is_enabled = 1 AND start_time <= ? AND end_time >= ?
		ORDER BY start_time, id LIMIT 1`, day, clock, clock))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active schedule: %w", err)
	}
	return &s, nil
}

func CountSchedulesForDay(ctx context.Context, q Querier, day int) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedules WHERE day_of_week = ?`, day).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count schedules for day %d: %w", day, err)
	}
	return n, nil
}

// GetRecentDecisions returns up to limit decisions, newest first.
func GetRecentDecisions(ctx context.Context, q Querier, limit int) ([]model.Decision, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, decided_at, source, schedule_id, raw_target, setpoint, published, error
		FROM decisions ORDER BY decided_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	decisions := []model.Decision{}
	for rows.Next() {
		var d model.Decision
		var decidedAt string
		var scheduleID sql.NullInt64
		var errText sql.NullString
		if err := rows.Scan(&d.ID, &decidedAt, &d.Source, &scheduleID, &d.RawTarget, &d.Setpoint, &d.Published, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.At = parseTime(decidedAt)
		d.ScheduleID = scheduleID.Int64
		d.Error = errText.String
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// GetRecentReadings returns up to limit readings, newest first.
func GetRecentReadings(ctx context.Context, q Querier, limit int) ([]model.Reading, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, recorded_at, temperature, outside_temperature, humidity, is_heating, target_temperature, is_connected
		FROM telemetry_readings ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	readings := []model.Reading{}
	for rows.Next() {
		var r model.Reading
		var recordedAt string
		st := &r.Status
		if err := rows.Scan(&r.ID, &recordedAt, &st.Temperature, &st.OutsideTemperature, &st.Humidity, &st.IsHeating, &st.TargetTemperature, &st.IsConnected); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.RecordedAt = parseTime(recordedAt)
		st.LastUpdate = r.RecordedAt
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// GetLatestReading returns nil when no reading has been recorded.
func GetLatestReading(ctx context.Context, q Querier) (*model.Reading, error) {
	readings, err := GetRecentReadings(ctx, q, 1)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	return &readings[0], nil
}

func CountReadingsSince(ctx context.Context, q Querier, since time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_readings WHERE recorded_at >= ?`, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return n, nil
}
