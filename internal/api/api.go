package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/valve-controller/internal/connection"
	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/state"
	"github.com/thatsimonsguy/valve-controller/internal/store"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

type Device interface {
	CurrentStatus() model.DeviceStatus
	Subscribe(fn state.Observer) (cancel func())
}

type Link interface {
	Health() connection.Health
}

type Controller interface {
	State() model.RunState
	LastError() error
	LastDecision() *model.Decision
	SetManual(ctx context.Context, target float64) (model.Decision, error)
}

type History interface {
	Recent(ctx context.Context, limit int) ([]model.Reading, error)
}

type Deps struct {
	Device     Device
	Link       Link
	Controller Controller
	Schedules  store.ScheduleStore
	Decisions  store.DecisionLog
	History    History
}

type Server struct {
	deps   Deps
	router *mux.Router
	http   *http.Server
}

type StatusResponse struct {
	Device model.DeviceStatus `json:"device"`
	Link   connection.Health  `json:"link"`
	Loop   LoopStatus         `json:"loop"`
}

type LoopStatus struct {
	State        model.RunState  `json:"state"`
	LastError    string          `json:"last_error,omitempty"`
	LastDecision *model.Decision `json:"last_decision,omitempty"`
}

type TargetRequest struct {
	Target *float64 `json:"target"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, router: mux.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/target", s.setTarget).Methods(http.MethodPut)
	api.HandleFunc("/ws", s.streamStatus).Methods(http.MethodGet)

	schedules := api.PathPrefix("/schedules").Subrouter()
	schedules.HandleFunc("", s.listSchedules).Methods(http.MethodGet)
	schedules.HandleFunc("", s.createSchedule).Methods(http.MethodPost)
	schedules.HandleFunc("/{id:[0-9]+}", s.getSchedule).Methods(http.MethodGet)
	schedules.HandleFunc("/{id:[0-9]+}", s.updateSchedule).Methods(http.MethodPut)
	schedules.HandleFunc("/{id:[0-9]+}", s.deleteSchedule).Methods(http.MethodDelete)
	schedules.HandleFunc("/day/{day:[0-9]+}", s.replaceDay).Methods(http.MethodPut)
	schedules.HandleFunc("/day/{day:[0-9]+}/default", s.addDefault).Methods(http.MethodPost)

	api.HandleFunc("/history", s.getHistory).Methods(http.MethodGet)
	api.HandleFunc("/decisions", s.getDecisions).Methods(http.MethodGet)
}

// Handler returns the router wrapped with CORS for the browser UI.
func (s *Server) Handler() http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(s.router)
}

// Start serves until Shutdown is called.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           handlers.RecoveryHandler()(s.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("address", addr).Msg("Starting REST API server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Device: s.deps.Device.CurrentStatus(),
		Link:   s.deps.Link.Health(),
		Loop: LoopStatus{
			State:        s.deps.Controller.State(),
			LastDecision: s.deps.Controller.LastDecision(),
		},
	}
	if err := s.deps.Controller.LastError(); err != nil {
		resp.Loop.LastError = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) setTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload, expected {\"target\": <number>}")
		return
	}
	d, err := s.deps.Controller.SetManual(r.Context(), *req.Target)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	log.Info().Float64("setpoint", d.Setpoint).Msg("Manual setpoint applied via API")
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	var (
		list []model.Schedule
		err  error
	)
	if raw := r.URL.Query().Get("day"); raw != "" {
		day, convErr := strconv.Atoi(raw)
		if convErr != nil {
			s.writeError(w, http.StatusBadRequest, "day must be a number 1-7")
			return
		}
		list, err = s.deps.Schedules.GetForDay(r.Context(), day)
	} else {
		list, err = s.deps.Schedules.GetAll(r.Context())
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sched model.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	created, err := s.deps.Schedules.Insert(r.Context(), sched)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	log.Info().Int64("id", created.ID).Int("day", created.DayOfWeek).Msg("Schedule created via API")
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	sched, err := s.deps.Schedules.GetByID(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sched)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	var sched model.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	sched.ID = id
	updated, err := s.deps.Schedules.Update(r.Context(), sched)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	log.Info().Int64("id", id).Msg("Schedule updated via API")
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err := s.deps.Schedules.DeleteByID(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	log.Info().Int64("id", id).Msg("Schedule deleted via API")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) replaceDay(w http.ResponseWriter, r *http.Request) {
	day, _ := strconv.Atoi(mux.Vars(r)["day"])
	var list []model.Schedule
	if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload, expected a list of schedules")
		return
	}
	out, err := s.deps.Schedules.ReplaceForDay(r.Context(), day, list)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	log.Info().Int("day", day).Int("schedules", len(out)).Msg("Day schedules replaced via API")
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) addDefault(w http.ResponseWriter, r *http.Request) {
	day, _ := strconv.Atoi(mux.Vars(r)["day"])
	created, err := s.deps.Schedules.Insert(r.Context(), model.NewDefaultSchedule(day))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	readings, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func (s *Server) getDecisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}
	decisions, err := s.deps.Decisions.RecentDecisions(r.Context(), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxLimit {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLimit))
		return 0, false
	}
	return n, true
}

// writeErr maps domain errors onto HTTP statuses.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case valveerr.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, valveerr.ErrNotFound):
		status = http.StatusNotFound
	case valveerr.IsTransport(err):
		status = http.StatusServiceUnavailable
	default:
		log.Error().Err(err).Msg("API request failed")
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: message})
}
