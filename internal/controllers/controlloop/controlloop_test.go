package controlloop

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/valve-controller/internal/connection"
	"github.com/thatsimonsguy/valve-controller/internal/datadog"
	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/predict"
	"github.com/thatsimonsguy/valve-controller/internal/state"
	"github.com/thatsimonsguy/valve-controller/internal/store"
	"github.com/thatsimonsguy/valve-controller/internal/transport"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

const topic = "valve/target_temperature"

// Monday 10:00
var monday = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type notifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *notifier) Send(title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *notifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

type harness struct {
	loop      *Loop
	fake      *transport.Fake
	monitor   *connection.Monitor
	agg       *state.Aggregator
	store     *store.Memory
	notifier  *notifier
	metrics   *datadog.Recorder
	predicted float64
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	h := &harness{
		fake:      transport.NewFake(),
		monitor:   connection.NewMonitor(0, datadog.Nop),
		agg:       state.NewAggregator(state.DefaultTopics("valve/"), state.WithMetrics(datadog.Nop)),
		store:     store.NewMemory(store.Policy{}),
		notifier:  &notifier{},
		metrics:   datadog.NewRecorder(),
		predicted: 20,
	}
	h.fake.OnConnectionChange(h.monitor.HandleState)
	h.loop = New(settings, Deps{
		Status:    h.agg,
		Link:      h.monitor,
		Publisher: h.fake,
		Schedules: h.store,
		Predictor: predict.Func(func(predict.Features) float64 { return h.predicted }),
		Decisions: h.store,
		Notifier:  h.notifier,
		Metrics:   h.metrics,
	})
	h.loop.now = func() time.Time { return monday }
	t.Cleanup(h.loop.Stop)
	return h
}

func defaultSettings() Settings {
	return Settings{
		Interval:      time.Hour,
		RetryCooldown: time.Hour,
		MaxRetries:    5,
		AlertAfter:    3,
		MinSetpoint:   16,
		MaxSetpoint:   28,
		Topic:         topic,
	}
}

func TestRunOnce_UsesActiveSchedule(t *testing.T) {
	h := newHarness(t, defaultSettings())
	require.NoError(t, h.fake.Connect())
	sched, err := h.store.Insert(context.Background(), model.Schedule{
		DayOfWeek: 1, StartTime: "08:00", EndTime: "17:00", TargetTemperature: 22, IsEnabled: true,
	})
	require.NoError(t, err)

	d, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.SourceSchedule, d.Source)
	assert.Equal(t, sched.ID, d.ScheduleID)
	assert.True(t, d.Published)
	assert.Equal(t, []string{"22.0"}, h.fake.PublishedTo(topic))
	assert.Equal(t, byte(1), h.fake.Published()[0].QoS)
	assert.Equal(t, 22.0, h.agg.CurrentStatus().TargetTemperature)

	logged, _ := h.store.RecentDecisions(context.Background(), 10)
	require.Len(t, logged, 1)
	assert.True(t, logged[0].Published)
	assert.Equal(t, int64(1), h.metrics.CountValue("controlloop.publish"))
}

func TestRunOnce_PredictsAndClamps(t *testing.T) {
	h := newHarness(t, defaultSettings())
	require.NoError(t, h.fake.Connect())

	h.predicted = 40
	d, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SourcePrediction, d.Source)
	assert.Equal(t, 40.0, d.RawTarget)
	assert.Equal(t, 28.0, d.Setpoint)

	h.predicted = 3
	_, err = h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	h.predicted = 21.24
	_, err = h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"28.0", "16.0", "21.2"}, h.fake.PublishedTo(topic))
}

func TestRunOnce_RejectsNaN(t *testing.T) {
	h := newHarness(t, defaultSettings())
	require.NoError(t, h.fake.Connect())
	h.predicted = math.NaN()

	_, err := h.loop.RunOnce(context.Background())
	assert.True(t, valveerr.IsValidation(err))
	assert.Empty(t, h.fake.Published())
	assert.Equal(t, err, h.loop.LastError())
}

func TestRunOnce_SkipsWhenUnlinked(t *testing.T) {
	h := newHarness(t, defaultSettings())

	d, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Published)
	assert.Empty(t, h.fake.Published())
	assert.Equal(t, model.DefaultTargetTemperature, h.agg.CurrentStatus().TargetTemperature)
}

func TestRunOnce_PublishFailure(t *testing.T) {
	h := newHarness(t, defaultSettings())
	require.NoError(t, h.fake.Connect())
	h.fake.FailPublishes(errors.New("broker timeout"))

	d, err := h.loop.RunOnce(context.Background())
	assert.True(t, valveerr.IsTransport(err))
	assert.False(t, d.Published)
	assert.Equal(t, model.DefaultTargetTemperature, h.agg.CurrentStatus().TargetTemperature, "failed publish must not update the target")

	logged, _ := h.store.RecentDecisions(context.Background(), 10)
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0].Error, "broker timeout")
}

func TestRunOnce_RecoversPanic(t *testing.T) {
	h := newHarness(t, defaultSettings())
	require.NoError(t, h.fake.Connect())
	h.loop.deps.Predictor = predict.Func(func(predict.Features) float64 { panic("bad model") })

	_, err := h.loop.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad model")
}

func TestFailureAlertsAndRecovery(t *testing.T) {
	h := newHarness(t, defaultSettings())
	require.NoError(t, h.fake.Connect())
	h.fake.FailPublishes(errors.New("down"))

	for i := 0; i < 4; i++ {
		_, _ = h.loop.RunOnce(context.Background())
	}
	assert.Equal(t, []string{"Valve controller failing"}, h.notifier.sent())

	h.fake.FailPublishes(nil)
	_, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Valve controller failing", "Valve controller recovered"}, h.notifier.sent())
	assert.NoError(t, h.loop.LastError())
}

func TestNextDelay(t *testing.T) {
	s := defaultSettings()
	s.Interval = 15 * time.Minute
	s.RetryCooldown = time.Minute
	s.MaxRetries = 2
	h := newHarness(t, s)
	require.NoError(t, h.fake.Connect())
	h.fake.FailPublishes(errors.New("down"))

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		_, err := h.loop.RunOnce(context.Background())
		delays = append(delays, h.loop.nextDelay(err))
	}
	assert.Equal(t, []time.Duration{time.Minute, time.Minute, 15 * time.Minute, 15 * time.Minute}, delays)
	assert.Equal(t, 15*time.Minute, h.loop.nextDelay(nil))
}

func TestSetManual(t *testing.T) {
	h := newHarness(t, defaultSettings())

	_, err := h.loop.SetManual(context.Background(), 22)
	assert.True(t, valveerr.IsTransport(err), "unlinked")

	require.NoError(t, h.fake.Connect())
	_, err = h.loop.SetManual(context.Background(), 40)
	assert.True(t, valveerr.IsValidation(err))

	d, err := h.loop.SetManual(context.Background(), 19.5)
	require.NoError(t, err)
	assert.Equal(t, model.SourceManual, d.Source)
	assert.Equal(t, []string{"19.5"}, h.fake.PublishedTo(topic))
	assert.Equal(t, model.SourceManual, h.loop.LastDecision().Source)
}

func TestStart_PausesAndResumesWithLink(t *testing.T) {
	h := newHarness(t, defaultSettings())
	require.NoError(t, h.fake.Connect())

	h.loop.Start(context.Background())
	assert.Eventually(t, func() bool { return len(h.fake.PublishedTo(topic)) == 1 }, time.Second, 5*time.Millisecond,
		"first cycle runs immediately")
	assert.Equal(t, model.Running, h.loop.State())

	h.fake.SetState(model.Disconnected)
	assert.Eventually(t, func() bool { return h.loop.State() == model.Paused }, time.Second, 5*time.Millisecond)

	h.fake.SetState(model.Connected)
	assert.Eventually(t, func() bool { return len(h.fake.PublishedTo(topic)) == 2 }, time.Second, 5*time.Millisecond,
		"relink evaluates without waiting for the interval")
	assert.Equal(t, model.Running, h.loop.State())

	h.loop.Stop()
	assert.Equal(t, model.Stopped, h.loop.State())
}

func TestStart_BeginsPausedWithoutLink(t *testing.T) {
	h := newHarness(t, defaultSettings())

	h.loop.Start(context.Background())
	assert.Equal(t, model.Paused, h.loop.State())
	assert.Never(t, func() bool { return len(h.fake.Published()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestStart_RetriesAfterCooldown(t *testing.T) {
	s := defaultSettings()
	s.RetryCooldown = 10 * time.Millisecond
	h := newHarness(t, s)
	require.NoError(t, h.fake.Connect())
	h.fake.FailPublishes(errors.New("down"))

	h.loop.Start(context.Background())
	assert.Eventually(t, func() bool { return h.metrics.CountValue("controlloop.cycle_error") >= 2 }, time.Second, 5*time.Millisecond)

	h.fake.FailPublishes(nil)
	assert.Eventually(t, func() bool { return len(h.fake.PublishedTo(topic)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.loop.LastError() == nil }, time.Second, 5*time.Millisecond)
}

type blockingLookup struct {
	started chan struct{}
}

func (b *blockingLookup) GetActiveAt(ctx context.Context, _ int, _ string) (*model.Schedule, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	// Returns a clean result after cancellation, like a driver that ignores ctx.
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	return nil, nil
}

func TestStop_DuringScheduleLookupDoesNotPublish(t *testing.T) {
	h := newHarness(t, defaultSettings())
	require.NoError(t, h.fake.Connect())
	lookup := &blockingLookup{started: make(chan struct{}, 1)}
	h.loop.deps.Schedules = lookup

	h.loop.Start(context.Background())
	select {
	case <-lookup.started:
	case <-time.After(time.Second):
		t.Fatal("cycle never reached the schedule lookup")
	}
	h.loop.Stop()

	assert.Empty(t, h.fake.Published())
	logged, err := h.store.RecentDecisions(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, logged)
	assert.Zero(t, h.metrics.CountValue("controlloop.cycle_error"))
}

func TestStart_ConcurrentCallsLeaveOneLoop(t *testing.T) {
	s := defaultSettings()
	s.Interval = 5 * time.Millisecond
	h := newHarness(t, s)
	require.NoError(t, h.fake.Connect())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.loop.Start(context.Background())
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return len(h.fake.Published()) > 0 }, time.Second, 5*time.Millisecond)

	h.loop.Stop()
	assert.Equal(t, model.Stopped, h.loop.State())
	stopped := len(h.fake.Published())
	assert.Never(t, func() bool { return len(h.fake.Published()) > stopped }, 50*time.Millisecond, 5*time.Millisecond,
		"no loop keeps publishing after Stop")
}

func TestSession_SingleActiveLoop(t *testing.T) {
	first := newHarness(t, defaultSettings())
	second := newHarness(t, defaultSettings())
	require.NoError(t, first.fake.Connect())
	require.NoError(t, second.fake.Connect())

	var s Session
	s.Activate(context.Background(), first.loop)
	assert.Eventually(t, func() bool { return len(first.fake.Published()) == 1 }, time.Second, 5*time.Millisecond)

	s.Activate(context.Background(), second.loop)
	assert.Equal(t, model.Stopped, first.loop.State())
	assert.Same(t, second.loop, s.Active())
	assert.Eventually(t, func() bool { return len(second.fake.Published()) == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, model.Stopped, second.loop.State())
}
