package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/valve-controller/db"
	"github.com/thatsimonsguy/valve-controller/internal/datadog"
	"github.com/thatsimonsguy/valve-controller/internal/model"
)

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	r := NewRecorder(conn, time.Minute, 7*24*time.Hour, datadog.Nop)
	r.now = func() time.Time { return base }
	return r
}

func status(at time.Time, temp float64) model.DeviceStatus {
	return model.DeviceStatus{Temperature: temp, Humidity: 40, LastUpdate: at}
}

func TestObserveThrottles(t *testing.T) {
	r := newTestRecorder(t)

	r.Observe(status(base, 20))
	r.Observe(status(base.Add(30*time.Second), 20.5))
	r.Observe(status(base.Add(61*time.Second), 21))

	require.Len(t, r.pending, 2)
	assert.Equal(t, 20.0, (<-r.pending).Temperature)
	assert.Equal(t, 21.0, (<-r.pending).Temperature)
}

func TestObserveNeverBlocks(t *testing.T) {
	r := newTestRecorder(t)
	for i := 0; i < pendingSize+5; i++ {
		r.Observe(status(base.Add(time.Duration(i)*time.Hour), 20))
	}
	assert.Len(t, r.pending, pendingSize)
}

func TestStoreAndRecent(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.Store(ctx, status(base, 20)))
	require.NoError(t, r.Store(ctx, status(base.Add(time.Minute), 21)))

	readings, err := r.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 21.0, readings[0].Status.Temperature)
	assert.True(t, readings[1].RecordedAt.Equal(base))
}

func TestPrune(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.Store(ctx, status(base.Add(-8*24*time.Hour), 19)))
	require.NoError(t, r.Store(ctx, status(base.Add(-6*24*time.Hour), 20)))

	n, err := r.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	readings, err := r.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 20.0, readings[0].Status.Temperature)
}

func TestRunWritesObservedSnapshots(t *testing.T) {
	r := newTestRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Observe(status(base, 22))
	assert.Eventually(t, func() bool {
		readings, err := r.Recent(context.Background(), 10)
		return err == nil && len(readings) == 1
	}, time.Second, 10*time.Millisecond)
}
