package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/valve-controller/internal/model"
)

type recordingPublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	topics   []string
	err      error
}

func (r *recordingPublisher) Publish(topic string, payload []byte, qos byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, payload)
	return nil
}

func TestPublishingSyncsAfterWrites(t *testing.T) {
	pub := &recordingPublisher{}
	st := NewPublishing(NewMemory(Policy{}), pub, "valve/schedules")
	ctx := context.Background()

	s, err := st.Insert(ctx, sched(1, "08:00", "12:00", 21))
	require.NoError(t, err)
	s.TargetTemperature = 22
	_, err = st.Update(ctx, s)
	require.NoError(t, err)
	_, err = st.ReplaceForDay(ctx, 2, []model.Schedule{sched(2, "06:00", "07:00", 20)})
	require.NoError(t, err)
	require.NoError(t, st.DeleteByID(ctx, s.ID))

	require.Len(t, pub.payloads, 4)
	assert.Equal(t, "valve/schedules", pub.topics[0])

	var last []model.Schedule
	require.NoError(t, json.Unmarshal(pub.payloads[3], &last))
	require.Len(t, last, 1)
	assert.Equal(t, 2, last[0].DayOfWeek)
}

func TestPublishingSkipsFailedWrites(t *testing.T) {
	pub := &recordingPublisher{}
	st := NewPublishing(NewMemory(Policy{}), pub, "valve/schedules")

	_, err := st.Insert(context.Background(), sched(9, "08:00", "12:00", 21))
	assert.Error(t, err)
	assert.Empty(t, pub.payloads)
}

func TestPublishingIgnoresPublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("not connected")}
	st := NewPublishing(NewMemory(Policy{}), pub, "valve/schedules")

	_, err := st.Insert(context.Background(), sched(1, "08:00", "12:00", 21))
	assert.NoError(t, err)
}
