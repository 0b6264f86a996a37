package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

// Memory is an in-process ScheduleStore and DecisionLog.
type Memory struct {
	mu        sync.RWMutex
	policy    Policy
	nextID    int64
	schedules map[int64]model.Schedule
	decisions []model.Decision
}

func NewMemory(policy Policy) *Memory {
	return &Memory{policy: policy, schedules: map[int64]model.Schedule{}}
}

func sortSchedules(list []model.Schedule) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek < b.DayOfWeek
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.ID < b.ID
	})
}

// forDay must be called with mu held.
func (m *Memory) forDay(day int) []model.Schedule {
	list := []model.Schedule{}
	for _, s := range m.schedules {
		if s.DayOfWeek == day {
			list = append(list, s)
		}
	}
	sortSchedules(list)
	return list
}

func (m *Memory) GetForDay(_ context.Context, day int) ([]model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.forDay(day), nil
}

func (m *Memory) GetAll(_ context.Context) ([]model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]model.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		list = append(list, s)
	}
	sortSchedules(list)
	return list, nil
}

func (m *Memory) GetByID(_ context.Context, id int64) (*model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, valveerr.Storage("get schedule", fmt.Errorf("schedule %d: %w", id, valveerr.ErrNotFound))
	}
	return &s, nil
}

func (m *Memory) GetActiveAt(_ context.Context, day int, clock string) (*model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.forDay(day) {
		if s.IsActiveAt(day, clock) {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *Memory) Insert(_ context.Context, s model.Schedule) (model.Schedule, error) {
	const op = "insert schedule"
	s.ID = 0
	if err := validate(op, s); err != nil {
		return model.Schedule{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.policy.checkOverlaps(op, s, m.forDay(s.DayOfWeek)); err != nil {
		return model.Schedule{}, err
	}
	m.nextID++
	t := now()
	s.ID, s.CreatedAt, s.UpdatedAt = m.nextID, t, t
	m.schedules[s.ID] = s
	return s, nil
}

func (m *Memory) Update(_ context.Context, s model.Schedule) (model.Schedule, error) {
	const op = "update schedule"
	if err := validate(op, s); err != nil {
		return model.Schedule{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.schedules[s.ID]
	if !ok {
		return model.Schedule{}, valveerr.Storage(op, fmt.Errorf("schedule %d: %w", s.ID, valveerr.ErrNotFound))
	}
	if err := m.policy.checkOverlaps(op, s, m.forDay(s.DayOfWeek)); err != nil {
		return model.Schedule{}, err
	}
	s.CreatedAt = current.CreatedAt
	s.UpdatedAt = now()
	m.schedules[s.ID] = s
	return s, nil
}

func (m *Memory) DeleteByID(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return valveerr.Storage("delete schedule", fmt.Errorf("schedule %d: %w", id, valveerr.ErrNotFound))
	}
	delete(m.schedules, id)
	return nil
}

func (m *Memory) ReplaceForDay(_ context.Context, day int, list []model.Schedule) ([]model.Schedule, error) {
	checked, err := m.policy.validateDay("replace schedules for day", day, list)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.schedules {
		if s.DayOfWeek == day {
			delete(m.schedules, id)
		}
	}
	t := now()
	for i := range checked {
		m.nextID++
		checked[i].ID, checked[i].CreatedAt, checked[i].UpdatedAt = m.nextID, t, t
		m.schedules[checked[i].ID] = checked[i]
	}
	return checked, nil
}

func (m *Memory) RecordDecision(_ context.Context, d model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = int64(len(m.decisions) + 1)
	m.decisions = append(m.decisions, d)
	return nil
}

// RecentDecisions returns up to limit decisions, newest first.
func (m *Memory) RecentDecisions(_ context.Context, limit int) ([]model.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Decision{}
	for i := len(m.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.decisions[i])
	}
	return out, nil
}
