package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/valve-controller/internal/connection"
	"github.com/thatsimonsguy/valve-controller/internal/controllers/controlloop"
	"github.com/thatsimonsguy/valve-controller/internal/datadog"
	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/predict"
	"github.com/thatsimonsguy/valve-controller/internal/state"
	"github.com/thatsimonsguy/valve-controller/internal/store"
	"github.com/thatsimonsguy/valve-controller/internal/transport"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

type historyStub struct {
	readings []model.Reading
	err      error
}

func (h historyStub) Recent(_ context.Context, limit int) ([]model.Reading, error) {
	if h.err != nil {
		return nil, h.err
	}
	if limit < len(h.readings) {
		return h.readings[:limit], nil
	}
	return h.readings, nil
}

type testEnv struct {
	server  *Server
	fake    *transport.Fake
	agg     *state.Aggregator
	store   *store.Memory
	history *historyStub
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	fake := transport.NewFake()
	monitor := connection.NewMonitor(time.Minute, datadog.Nop)
	fake.OnConnectionChange(monitor.HandleState)
	agg := state.NewAggregator(state.DefaultTopics("valve/"), state.WithMetrics(datadog.Nop))
	mem := store.NewMemory(store.Policy{})
	loop := controlloop.New(controlloop.Settings{
		Interval: time.Hour, RetryCooldown: time.Minute, MaxRetries: 5,
		MinSetpoint: 16, MaxSetpoint: 28, Topic: "valve/target_temperature",
	}, controlloop.Deps{
		Status: agg, Link: monitor, Publisher: fake, Schedules: mem,
		Predictor: predict.Heuristic{}, Decisions: mem,
	})
	history := &historyStub{}

	env := &testEnv{fake: fake, agg: agg, store: mem, history: history}
	env.server = NewServer(Deps{
		Device: agg, Link: monitor, Controller: loop,
		Schedules: mem, Decisions: mem, History: history,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestGetStatus(t *testing.T) {
	env := setup(t)
	require.NoError(t, env.agg.Ingest("valve/temperature", []byte("20.5")))
	require.NoError(t, env.fake.Connect())

	rec := env.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[StatusResponse](t, rec)
	assert.Equal(t, 20.5, resp.Device.Temperature)
	assert.True(t, resp.Link.Linked)
	assert.Equal(t, model.Connected, resp.Link.State)
	assert.Equal(t, model.Idle, resp.Loop.State)
}

func TestSetTarget(t *testing.T) {
	env := setup(t)

	rec := env.do(t, http.MethodPut, "/api/target", `{"target": 22}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "link down")

	require.NoError(t, env.fake.Connect())
	rec = env.do(t, http.MethodPut, "/api/target", `{"target": 40}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/target", `{"nope": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/target", `{"target": 22}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"22.0"}, env.fake.PublishedTo("valve/target_temperature"))
	assert.Equal(t, 22.0, env.agg.CurrentStatus().TargetTemperature)
}

func TestScheduleCRUD(t *testing.T) {
	env := setup(t)

	rec := env.do(t, http.MethodPost, "/api/schedules",
		`{"day_of_week":2,"start_time":"06:30","end_time":"09:00","target_temperature":22,"is_enabled":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[model.Schedule](t, rec)
	assert.NotZero(t, created.ID)

	path := fmt.Sprintf("/api/schedules/%d", created.ID)
	rec = env.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "06:30", decode[model.Schedule](t, rec).StartTime)

	rec = env.do(t, http.MethodPut, path,
		`{"day_of_week":2,"start_time":"07:00","end_time":"09:00","target_temperature":21.5,"is_enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 21.5, decode[model.Schedule](t, rec).TargetTemperature)

	rec = env.do(t, http.MethodGet, "/api/schedules?day=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Schedule](t, rec), 1)

	rec = env.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleValidation(t *testing.T) {
	env := setup(t)

	rec := env.do(t, http.MethodPost, "/api/schedules",
		`{"day_of_week":9,"start_time":"06:30","end_time":"09:00","target_temperature":22,"is_enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/schedules", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/schedules?day=monday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulesEnabledWhenFieldOmitted(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodPost, "/api/schedules",
		`{"day_of_week":2,"start_time":"08:00","end_time":"17:00","target_temperature":20}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[model.Schedule](t, rec)
	assert.True(t, created.IsEnabled)

	active, err := env.store.GetActiveAt(ctx, 2, "10:30")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, created.ID, active.ID)

	rec = env.do(t, http.MethodPut, fmt.Sprintf("/api/schedules/%d", created.ID),
		`{"day_of_week":2,"start_time":"09:00","end_time":"17:00","target_temperature":21}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[model.Schedule](t, rec).IsEnabled)

	rec = env.do(t, http.MethodPut, "/api/schedules/day/4",
		`[{"start_time":"06:00","end_time":"08:00","target_temperature":22}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	active, err = env.store.GetActiveAt(ctx, 4, "07:00")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 22.0, active.TargetTemperature)
}

func TestReplaceDayAndDefault(t *testing.T) {
	env := setup(t)

	rec := env.do(t, http.MethodPost, "/api/schedules/day/3/default", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	def := decode[model.Schedule](t, rec)
	assert.Equal(t, model.DefaultScheduleStart, def.StartTime)
	assert.Equal(t, 3, def.DayOfWeek)

	rec = env.do(t, http.MethodPut, "/api/schedules/day/3", `[
		{"start_time":"06:00","end_time":"08:00","target_temperature":22,"is_enabled":true},
		{"start_time":"18:00","end_time":"22:00","target_temperature":21,"is_enabled":true}
	]`)
	require.Equal(t, http.StatusOK, rec.Code)
	replaced := decode[[]model.Schedule](t, rec)
	require.Len(t, replaced, 2)
	assert.Equal(t, 3, replaced[0].DayOfWeek)

	rec = env.do(t, http.MethodGet, "/api/schedules?day=3", "")
	assert.Len(t, decode[[]model.Schedule](t, rec), 2)
}

func TestHistoryAndDecisions(t *testing.T) {
	env := setup(t)
	env.history.readings = []model.Reading{{ID: 2}, {ID: 1}}

	rec := env.do(t, http.MethodGet, "/api/history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Reading](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/history?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.history.err = valveerr.Storage("recent readings", errors.New("disk full"))
	rec = env.do(t, http.MethodGet, "/api/history", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	require.NoError(t, env.store.RecordDecision(context.Background(), model.Decision{Source: model.SourceSchedule, Setpoint: 21}))
	rec = env.do(t, http.MethodGet, "/api/decisions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Decision](t, rec), 1)
}

func TestCORSPreflight(t *testing.T) {
	env := setup(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/target", nil)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusStream(t *testing.T) {
	env := setup(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first struct {
		Type string             `json:"type"`
		Data model.DeviceStatus `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first.Type)

	// The subscription is registered before the first frame is written.
	require.NoError(t, env.agg.Ingest("valve/temperature", []byte("23.5")))

	next := first
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, 23.5, next.Data.Temperature)
}
