package connection

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/valve-controller/internal/datadog"
	"github.com/thatsimonsguy/valve-controller/internal/model"
)

// Health is the link summary shown to operators.
type Health struct {
	State         model.ConnectionState `json:"state"`
	Linked        bool                  `json:"linked"`
	LastChange    time.Time             `json:"last_change"`
	LastHeartbeat time.Time             `json:"last_heartbeat"`
	DeviceStale   bool                  `json:"device_stale"`
}

// Monitor tracks transport state transitions and device heartbeats. The
// link counts as up exactly while the transport reports Connected.
type Monitor struct {
	heartbeatTimeout time.Duration
	metrics          datadog.Metrics
	now              func() time.Time

	mu            sync.Mutex
	state         model.ConnectionState
	lastChange    time.Time
	lastHeartbeat time.Time
	staleLogged   bool
	observers     []observer
	nextID        int
}

type observer struct {
	id int
	fn func(linked bool)
}

func NewMonitor(heartbeatTimeout time.Duration, metrics datadog.Metrics) *Monitor {
	return &Monitor{
		heartbeatTimeout: heartbeatTimeout,
		metrics:          metrics,
		now:              time.Now,
		state:            model.Disconnected,
	}
}

// HandleState is registered as the transport's connection handler.
func (m *Monitor) HandleState(s model.ConnectionState) {
	m.mu.Lock()
	if s == m.state {
		m.mu.Unlock()
		return
	}
	wasLinked := m.state == model.Connected
	m.state = s
	m.lastChange = m.now()
	linked := s == model.Connected
	var notify []func(bool)
	if linked != wasLinked {
		for _, o := range m.observers {
			notify = append(notify, o.fn)
		}
	}
	m.mu.Unlock()

	if linked {
		log.Info().Str("state", string(s)).Msg("link_changed")
	} else {
		log.Warn().Str("state", string(s)).Msg("link_changed")
	}
	gauge := 0.0
	if linked {
		gauge = 1
	}
	m.metrics.Gauge("link.connected", gauge)

	for _, fn := range notify {
		fn(linked)
	}
}

// Heartbeat records that the device was heard from.
func (m *Monitor) Heartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHeartbeat = m.now()
	if m.staleLogged {
		log.Info().Msg("Device heartbeat resumed")
		m.staleLogged = false
	}
}

func (m *Monitor) Linked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == model.Connected
}

func (m *Monitor) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{
		State:         m.state,
		Linked:        m.state == model.Connected,
		LastChange:    m.lastChange,
		LastHeartbeat: m.lastHeartbeat,
		DeviceStale:   m.staleLocked(),
	}
}

// staleLocked reports a connected link with a silent device. A device that
// has never been heard from counts from the moment the link came up.
func (m *Monitor) staleLocked() bool {
	if m.heartbeatTimeout <= 0 || m.state != model.Connected {
		return false
	}
	since := m.lastHeartbeat
	if since.Before(m.lastChange) {
		since = m.lastChange
	}
	return m.now().Sub(since) > m.heartbeatTimeout
}

// Subscribe registers fn for link up/down flips and returns a func that
// removes it.
func (m *Monitor) Subscribe(fn func(linked bool)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, observer{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Run checks heartbeat freshness until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.heartbeatTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(m.heartbeatTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHeartbeat()
		}
	}
}

func (m *Monitor) checkHeartbeat() {
	m.mu.Lock()
	stale := m.staleLocked()
	first := stale && !m.staleLogged
	if stale {
		m.staleLogged = true
	}
	last := m.lastHeartbeat
	m.mu.Unlock()

	if first {
		log.Warn().Time("last_heartbeat", last).Msg("Device silent while link is up")
	}
	v := 0.0
	if stale {
		v = 1
	}
	m.metrics.Gauge("link.device_stale", v)
}
