package history

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/valve-controller/db"
	"github.com/thatsimonsguy/valve-controller/internal/datadog"
	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

const (
	pruneInterval = time.Hour
	pendingSize   = 16
)

// Recorder persists a throttled stream of DeviceStatus snapshots and prunes
// rows past the retention window.
type Recorder struct {
	conn        *sql.DB
	minInterval time.Duration
	retention   time.Duration
	metrics     datadog.Metrics
	now         func() time.Time

	mu       sync.Mutex
	lastSeen time.Time
	pending  chan model.DeviceStatus
}

func NewRecorder(conn *sql.DB, minInterval, retention time.Duration, metrics datadog.Metrics) *Recorder {
	return &Recorder{
		conn:        conn,
		minInterval: minInterval,
		retention:   retention,
		metrics:     metrics,
		now:         time.Now,
		pending:     make(chan model.DeviceStatus, pendingSize),
	}
}

// Observe is subscribed to the aggregator. It never blocks: snapshots
// arriving within minInterval of the last kept one, or while the writer is
// behind, are skipped.
func (r *Recorder) Observe(s model.DeviceStatus) {
	r.mu.Lock()
	if !r.lastSeen.IsZero() && s.LastUpdate.Sub(r.lastSeen) < r.minInterval {
		r.mu.Unlock()
		return
	}
	r.lastSeen = s.LastUpdate
	r.mu.Unlock()

	select {
	case r.pending <- s:
	default:
		r.metrics.Count("history.skipped", 1)
	}
}

// Run writes observed snapshots and prunes old rows hourly until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	r.prune(ctx)
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-r.pending:
			if err := r.Store(ctx, s); err != nil {
				log.Warn().Err(err).Msg("Failed to record telemetry snapshot")
			}
		case <-ticker.C:
			r.prune(ctx)
		}
	}
}

// Store writes one snapshot, timestamped with its LastUpdate.
func (r *Recorder) Store(ctx context.Context, s model.DeviceStatus) error {
	at := s.LastUpdate
	if at.IsZero() {
		at = r.now()
	}
	if _, err := db.InsertReading(ctx, r.conn, at, s); err != nil {
		return valveerr.Storage("record reading", err)
	}
	r.metrics.Count("history.recorded", 1)
	return nil
}

// Prune deletes readings older than the retention window.
func (r *Recorder) Prune(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.retention)
	n, err := db.DeleteReadingsBefore(ctx, r.conn, cutoff)
	if err != nil {
		return 0, valveerr.Storage("prune readings", err)
	}
	return n, nil
}

func (r *Recorder) prune(ctx context.Context) {
	n, err := r.Prune(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune telemetry history")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Dur("retention", r.retention).Msg("Pruned telemetry history")
	}
}

// Recent returns up to limit readings, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]model.Reading, error) {
	readings, err := db.GetRecentReadings(ctx, r.conn, limit)
	if err != nil {
		return nil, valveerr.Storage("recent readings", err)
	}
	return readings, nil
}
