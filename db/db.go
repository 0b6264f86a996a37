package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/valve-controller/internal/model"
)

//go:embed schema.sql
var schema string

// timeLayout is how every timestamp column is stored. Fixed-width UTC keeps
// string comparison in SQL chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens the SQLite file at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	conn.SetMaxOpenConns(1)

	if err := ApplySchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func ApplySchema(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SeedDefaultSchedules inserts the default schedule for each day that has no
// schedules yet.
func SeedDefaultSchedules(ctx context.Context, conn *sql.DB, days []int) error {
	tx, err := StartTransaction(ctx, conn)
	if err != nil {
		return err
	}
	defer RollbackTransaction(tx)

	now := time.Now()
	seeded := 0
	for _, day := range days {
		n, err := CountSchedulesForDay(ctx, tx, day)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		s := model.NewDefaultSchedule(day)
		s.CreatedAt, s.UpdatedAt = now, now
		if _, err := InsertSchedule(ctx, tx, s); err != nil {
			return fmt.Errorf("failed to seed day %d: %w", day, err)
		}
		seeded++
	}

	if err := CommitTransaction(tx); err != nil {
		return err
	}
	log.Info().Int("seeded", seeded).Msg("Default schedules seeded")
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
