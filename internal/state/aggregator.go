package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/valve-controller/internal/datadog"
	"github.com/thatsimonsguy/valve-controller/internal/logging"
	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

const defaultInboxSize = 64

// Observer is called with a snapshot after every accepted update. Observers
// run outside the aggregator lock, on the goroutine that made the update.
type Observer func(model.DeviceStatus)

type inbound struct {
	topic   string
	payload []byte
}

type observerEntry struct {
	id int
	fn Observer
}

// Aggregator owns the DeviceStatus snapshot. Inbound messages are merged one
// at a time under its lock.
type Aggregator struct {
	table   TopicTable
	metrics datadog.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	status    model.DeviceStatus
	observers []observerEntry
	nextID    int

	inbox chan inbound
}

type Option func(*Aggregator)

func WithMetrics(m datadog.Metrics) Option { return func(a *Aggregator) { a.metrics = m } }
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }
func WithLogger(l zerolog.Logger) Option    { return func(a *Aggregator) { a.logger = l } }
func WithInboxSize(n int) Option            { return func(a *Aggregator) { a.inbox = make(chan inbound, n) } }

func NewAggregator(table TopicTable, opts ...Option) *Aggregator {
	a := &Aggregator{
		table:   table,
		metrics: datadog.Default,
		logger:  logging.Component("aggregator"),
		now:     time.Now,
		inbox:   make(chan inbound, defaultInboxSize),
		status:  model.DeviceStatus{TargetTemperature: model.DefaultTargetTemperature},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// CurrentStatus returns the latest snapshot.
func (a *Aggregator) CurrentStatus() model.DeviceStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Subscribe registers fn and returns a func that removes it.
func (a *Aggregator) Subscribe(fn Observer) (cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.observers = append(a.observers, observerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			for i, o := range a.observers {
				if o.id == id {
					a.observers = append(a.observers[:i:i], a.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Ingest decodes one message and merges it. Unknown topics and undecodable
// payloads are dropped with a parse error and leave the snapshot untouched.
func (a *Aggregator) Ingest(topic string, payload []byte) error {
	decode, ok := a.table[topic]
	if !ok {
		a.drop(topic, "unknown_topic", nil)
		return valveerr.Parse("ingest "+topic, fmt.Errorf("unknown topic"))
	}
	fragment, err := decode(payload)
	if err != nil {
		a.drop(topic, "parse", err)
		return valveerr.Parse("ingest "+topic, err)
	}

	snapshot := a.update(func(s *model.DeviceStatus) bool {
		fragment.Apply(s)
		return true
	})
	a.metrics.Count("ingest.accepted", 1, "topic:"+topic)
	a.emitGauges(fragment)
	a.logger.Debug().Str("topic", topic).Float64("temperature", snapshot.Temperature).Msg("telemetry_merged")
	return nil
}

// Enqueue hands a message to Run without blocking. It reports false when
// the inbox is full and the message was dropped.
func (a *Aggregator) Enqueue(topic string, payload []byte) bool {
	msg := inbound{topic: topic, payload: append([]byte(nil), payload...)}
	select {
	case a.inbox <- msg:
		return true
	default:
		a.drop(topic, "inbox_full", nil)
		return false
	}
}

// Run merges enqueued messages until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.inbox:
			_ = a.Ingest(msg.topic, msg.payload)
		}
	}
}

// SetConnected mirrors the link state into the snapshot.
func (a *Aggregator) SetConnected(connected bool) {
	a.update(func(s *model.DeviceStatus) bool {
		if s.IsConnected == connected {
			return false
		}
		s.IsConnected = connected
		return true
	})
}

// RecordSetpoint stores the last setpoint successfully sent to the device.
func (a *Aggregator) RecordSetpoint(v float64) {
	a.update(func(s *model.DeviceStatus) bool {
		s.TargetTemperature = v
		return true
	})
}

// update applies mutate under the lock. When mutate reports a change,
// LastUpdate advances and observers are notified after the lock is released.
func (a *Aggregator) update(mutate func(*model.DeviceStatus) bool) model.DeviceStatus {
	a.mu.Lock()
	if !mutate(&a.status) {
		snapshot := a.status
		a.mu.Unlock()
		return snapshot
	}
	t := a.now()
	if !t.After(a.status.LastUpdate) {
		t = a.status.LastUpdate.Add(time.Nanosecond)
	}
	a.status.LastUpdate = t
	snapshot := a.status
	observers := make([]Observer, len(a.observers))
	for i, o := range a.observers {
		observers[i] = o.fn
	}
	a.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
	return snapshot
}

func (a *Aggregator) drop(topic, reason string, err error) {
	a.metrics.Count("ingest.dropped", 1, "reason:"+reason)
	ev := a.logger.Warn()
	if reason == "unknown_topic" {
		ev = a.logger.Debug()
	}
	ev.Err(err).Str("topic", topic).Str("reason", reason).Msg("ingest_dropped")
}

func (a *Aggregator) emitGauges(f model.Fragment) {
	if f.Temperature != nil {
		a.metrics.Gauge("valve.temperature", *f.Temperature)
	}
	if f.OutsideTemperature != nil {
		a.metrics.Gauge("valve.outside_temperature", *f.OutsideTemperature)
	}
	if f.Humidity != nil {
		a.metrics.Gauge("valve.humidity", *f.Humidity)
	}
	if f.IsHeating != nil {
		v := 0.0
		if *f.IsHeating {
			v = 1
		}
		a.metrics.Gauge("valve.heating", v)
	}
}
