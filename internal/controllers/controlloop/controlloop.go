package controlloop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/valve-controller/internal/config"
	"github.com/thatsimonsguy/valve-controller/internal/datadog"
	"github.com/thatsimonsguy/valve-controller/internal/logging"
	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/notifications"
	"github.com/thatsimonsguy/valve-controller/internal/predict"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

// TargetTopicSuffix is appended to the topic prefix for setpoint publishes.
const TargetTopicSuffix = "target_temperature"

const skippedUnlinked = "skipped: link down"

// StatusSource is the device snapshot the loop reads and reports back to.
type StatusSource interface {
	CurrentStatus() model.DeviceStatus
	RecordSetpoint(v float64)
}

// LinkMonitor reports whether the device can currently be reached.
type LinkMonitor interface {
	Linked() bool
	Subscribe(fn func(linked bool)) (cancel func())
}

// Publisher sends a payload to the device over the broker link.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) error
}

// ScheduleLookup finds the enabled schedule covering a weekday and HH:MM clock.
type ScheduleLookup interface {
	GetActiveAt(ctx context.Context, day int, clock string) (*model.Schedule, error)
}

// DecisionRecorder persists the outcome of each cycle.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d model.Decision) error
}

// Settings control loop timing and the allowed setpoint range.
type Settings struct {
	Interval      time.Duration
	RetryCooldown time.Duration
	MaxRetries    int
	AlertAfter    int
	MinSetpoint   float64
	MaxSetpoint   float64
	Topic         string
}

func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		Interval:      cfg.TickInterval(),
		RetryCooldown: cfg.RetryCooldown(),
		MaxRetries:    cfg.MaxConsecutiveRetries,
		AlertAfter:    cfg.AlertAfterFailures,
		MinSetpoint:   cfg.MinSetpoint,
		MaxSetpoint:   cfg.MaxSetpoint,
		Topic:         cfg.TopicPrefix + TargetTopicSuffix,
	}
}

// Deps are the collaborators of a Loop. Decisions and Notifier may be nil.
type Deps struct {
	Status    StatusSource
	Link      LinkMonitor
	Publisher Publisher
	Schedules ScheduleLookup
	Predictor predict.Predictor
	Decisions DecisionRecorder
	Notifier  notifications.Notifier
	Metrics   datadog.Metrics
}

// Loop periodically computes a setpoint and sends it to the valve.
type Loop struct {
	settings Settings
	deps     Deps
	now      func() time.Time
	logger   zerolog.Logger

	// startMu serializes Start and Stop.
	startMu sync.Mutex

	mu           sync.Mutex
	state        model.RunState
	lastErr      error
	lastDecision *model.Decision
	failures     int
	alerted      bool
	runID        string
	cancel       context.CancelFunc
	done         chan struct{}
	wake         chan struct{}
}

func New(settings Settings, deps Deps) *Loop {
	if deps.Metrics == nil {
		deps.Metrics = datadog.Nop
	}
	return &Loop{
		settings: settings,
		deps:     deps,
		now:      time.Now,
		logger:   logging.Component("controlloop"),
		state:    model.Idle,
	}
}

func (l *Loop) State() model.RunState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// LastDecision returns a copy of the most recent decision, or nil.
func (l *Loop) LastDecision() *model.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastDecision == nil {
		return nil
	}
	d := *l.lastDecision
	return &d
}

// Start runs the first cycle immediately and then one per interval until
// Stop or ctx cancellation. Starting a running loop restarts it.
func (l *Loop) Start(ctx context.Context) {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	l.halt()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	wake := make(chan struct{}, 1)

	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.wake = wake
	l.runID = uuid.NewString()
	l.state = model.Running
	if !l.deps.Link.Linked() {
		l.state = model.Paused
	}
	runID := l.runID
	l.mu.Unlock()

	unsubscribe := l.deps.Link.Subscribe(l.onLink)
	l.logger.Info().Str("run_id", runID).Dur("interval", l.settings.Interval).Msg("Starting control loop")
	go l.run(runCtx, done, wake, unsubscribe)
}

// Stop ends the loop and waits for an in-flight cycle to finish.
func (l *Loop) Stop() {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	l.halt()
	l.mu.Lock()
	l.state = model.Stopped
	l.mu.Unlock()
	l.logger.Info().Msg("Control loop stopped")
}

func (l *Loop) halt() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done, l.wake = nil, nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (l *Loop) onLink(linked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return
	}
	if !linked {
		l.state = model.Paused
		l.logger.Warn().Msg("Link down, pausing control loop")
		return
	}
	l.state = model.Running
	l.logger.Info().Msg("Link restored, resuming control loop")
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}, wake <-chan struct{}, unsubscribe func()) {
	defer close(done)
	defer unsubscribe()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if !l.deps.Link.Linked() {
			// Idle until onLink wakes us.
			l.setState(model.Paused)
			continue
		}
		l.setState(model.Running)

		_, err := l.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(l.nextDelay(err))
	}
}

func (l *Loop) setState(s model.RunState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.state = s
	}
}

// nextDelay picks the wait before the next cycle. Failures retry after the
// cooldown until MaxRetries is exceeded, then fall back to the interval.
func (l *Loop) nextDelay(err error) time.Duration {
	if err == nil {
		return l.settings.Interval
	}
	l.mu.Lock()
	failures := l.failures
	l.mu.Unlock()
	if failures > l.settings.MaxRetries {
		return l.settings.Interval
	}
	return l.settings.RetryCooldown
}

// RunOnce performs one evaluation: pick a target, clamp it and publish it
// when the link is up. A cycle skipped for a down link is not an error.
func (l *Loop) RunOnce(ctx context.Context) (d model.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
		l.finish(ctx, d, err)
	}()

	now := l.now()
	d = model.Decision{At: now}

	sched, err := l.deps.Schedules.GetActiveAt(ctx, model.ISOWeekday(now), model.Clock(now))
	if err != nil {
		return d, fmt.Errorf("active schedule: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return d, err
	}
	if sched != nil {
		d.Source = model.SourceSchedule
		d.ScheduleID = sched.ID
		d.RawTarget = sched.TargetTemperature
	} else {
		status := l.deps.Status.CurrentStatus()
		d.Source = model.SourcePrediction
		d.RawTarget = l.deps.Predictor.Predict(predict.Features{
			CurrentTemp: status.Temperature,
			OutsideTemp: status.OutsideTemperature,
			Humidity:    status.Humidity,
			HourOfDay:   now.Hour(),
		})
	}

	if math.IsNaN(d.RawTarget) || math.IsInf(d.RawTarget, 0) {
		return d, valveerr.Validation("setpoint", fmt.Errorf("%s target is not a number", d.Source))
	}
	d.Setpoint = l.clamp(d.RawTarget)

	if !l.deps.Link.Linked() {
		d.Error = skippedUnlinked
		l.logger.Debug().Float64("setpoint", d.Setpoint).Msg("Link down, skipping publish")
		return d, nil
	}
	if err := ctx.Err(); err != nil {
		return d, err
	}
	return d, l.send(ctx, &d)
}

// SetManual publishes an operator-chosen setpoint outside the schedule.
func (l *Loop) SetManual(ctx context.Context, target float64) (model.Decision, error) {
	d := model.Decision{At: l.now(), Source: model.SourceManual, RawTarget: target}
	if math.IsNaN(target) || target < l.settings.MinSetpoint || target > l.settings.MaxSetpoint {
		return d, valveerr.Validation("manual setpoint", fmt.Errorf("%.1f outside %.1f-%.1f", target, l.settings.MinSetpoint, l.settings.MaxSetpoint))
	}
	d.Setpoint = target
	if !l.deps.Link.Linked() {
		return d, valveerr.Transport("manual setpoint", errors.New("link down"))
	}
	err := l.send(ctx, &d)
	l.mu.Lock()
	l.lastDecision = &d
	l.mu.Unlock()
	return d, err
}

func (l *Loop) clamp(v float64) float64 {
	return math.Min(math.Max(v, l.settings.MinSetpoint), l.settings.MaxSetpoint)
}

// send publishes d.Setpoint and persists the outcome. Persistence errors
// are logged only.
func (l *Loop) send(ctx context.Context, d *model.Decision) error {
	payload := []byte(fmt.Sprintf("%.1f", d.Setpoint))
	err := l.deps.Publisher.Publish(l.settings.Topic, payload, 1)
	if err != nil {
		d.Error = err.Error()
		l.deps.Metrics.Count("controlloop.publish", 1, "result:error")
		l.logger.Error().Err(err).Str("topic", l.settings.Topic).Float64("setpoint", d.Setpoint).Msg("publish_failed")
	} else {
		d.Published = true
		l.deps.Status.RecordSetpoint(d.Setpoint)
		l.deps.Metrics.Count("controlloop.publish", 1, "result:ok")
		l.deps.Metrics.Gauge("valve.setpoint", d.Setpoint)
		l.logger.Info().
			Str("source", string(d.Source)).
			Float64("raw_target", d.RawTarget).
			Float64("setpoint", d.Setpoint).
			Msg("setpoint_published")
	}

	if l.deps.Decisions != nil {
		if perr := l.deps.Decisions.RecordDecision(ctx, *d); perr != nil {
			l.logger.Warn().Err(perr).Msg("Failed to persist decision")
		}
	}
	return err
}

func (l *Loop) finish(ctx context.Context, d model.Decision, err error) {
	l.mu.Lock()
	l.lastDecision = &d
	l.lastErr = err
	// A cycle cancelled by Stop or skipped for a down link leaves the
	// failure streak as it was.
	if (err != nil && ctx.Err() != nil) || (err == nil && d.Error == skippedUnlinked) {
		l.mu.Unlock()
		return
	}
	var alert, recovered bool
	failures := 0
	if err != nil {
		l.failures++
		failures = l.failures
		if l.settings.AlertAfter > 0 && l.failures >= l.settings.AlertAfter && !l.alerted {
			l.alerted = true
			alert = true
		}
	} else {
		recovered = l.alerted
		l.failures = 0
		l.alerted = false
	}
	l.mu.Unlock()

	if err != nil {
		l.deps.Metrics.Count("controlloop.cycle_error", 1)
		l.logger.Error().Err(err).Int("consecutive_failures", failures).Msg("cycle_failed")
		if alert {
			l.notify("Valve controller failing", fmt.Sprintf("%d consecutive control cycles failed: %v", failures, err))
		}
		return
	}
	if recovered {
		l.notify("Valve controller recovered", fmt.Sprintf("Setpoint %.1f sent after failures", d.Setpoint))
	}
}

func (l *Loop) notify(title, message string) {
	if l.deps.Notifier == nil {
		return
	}
	if err := l.deps.Notifier.Send(title, message); err != nil {
		l.logger.Warn().Err(err).Str("title", title).Msg("Failed to send notification")
	}
}
