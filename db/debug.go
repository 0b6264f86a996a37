package db

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/thatsimonsguy/valve-controller/internal/model"
)

func ListSchedulesCLI(dbPath string, day int, out io.Writer) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := context.Background()
	var schedules []model.Schedule
	if day == 0 {
		schedules, err = GetAllSchedules(ctx, conn)
	} else {
		schedules, err = GetSchedulesForDay(ctx, conn, day)
	}
	if err != nil {
		return err
	}
	for _, s := range schedules {
		state := "on"
		if !s.IsEnabled {
			state = "off"
		}
		fmt.Fprintf(out, "%4d  day=%d  %s-%s  %.1f°C  %s\n", s.ID, s.DayOfWeek, s.StartTime, s.EndTime, s.TargetTemperature, state)
	}
	return nil
}

func SeedDefaultSchedulesCLI(dbPath string) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return SeedDefaultSchedules(context.Background(), conn, []int{1, 2, 3, 4, 5, 6, 7})
}

func AddDefaultScheduleCLI(dbPath string, day int) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	s := model.NewDefaultSchedule(day)
	if err := s.Validate(); err != nil {
		return err
	}
	s.CreatedAt, s.UpdatedAt = time.Now(), time.Now()
	_, err = InsertSchedule(context.Background(), conn, s)
	return err
}

func DeleteScheduleCLI(dbPath string, id int64) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return DeleteScheduleByID(context.Background(), conn, id)
}

func ClearDayCLI(dbPath string, day int) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = ReplaceSchedulesForDay(context.Background(), conn, day, nil, time.Now())
	return err
}

func ListDecisionsCLI(dbPath string, limit int, out io.Writer) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	decisions, err := GetRecentDecisions(context.Background(), conn, limit)
	if err != nil {
		return err
	}
	for _, d := range decisions {
		fmt.Fprintf(out, "%s  %-10s raw=%.2f setpoint=%.1f published=%t %s\n",
			d.At.Local().Format(time.DateTime), d.Source, d.RawTarget, d.Setpoint, d.Published, d.Error)
	}
	return nil
}
