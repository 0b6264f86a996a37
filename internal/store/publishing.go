package store

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/valve-controller/internal/model"
)

// Publisher is the outbound half of the telemetry transport.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) error
}

// Publishing forwards to a ScheduleStore and, after every successful write,
// publishes the complete schedule list so the device can follow it offline.
type Publishing struct {
	ScheduleStore
	pub   Publisher
	topic string
}

func NewPublishing(inner ScheduleStore, pub Publisher, topic string) *Publishing {
	return &Publishing{ScheduleStore: inner, pub: pub, topic: topic}
}

func (p *Publishing) Insert(ctx context.Context, s model.Schedule) (model.Schedule, error) {
	out, err := p.ScheduleStore.Insert(ctx, s)
	if err == nil {
		p.sync(ctx)
	}
	return out, err
}

func (p *Publishing) Update(ctx context.Context, s model.Schedule) (model.Schedule, error) {
	out, err := p.ScheduleStore.Update(ctx, s)
	if err == nil {
		p.sync(ctx)
	}
	return out, err
}

func (p *Publishing) DeleteByID(ctx context.Context, id int64) error {
	err := p.ScheduleStore.DeleteByID(ctx, id)
	if err == nil {
		p.sync(ctx)
	}
	return err
}

func (p *Publishing) ReplaceForDay(ctx context.Context, day int, list []model.Schedule) ([]model.Schedule, error) {
	out, err := p.ScheduleStore.ReplaceForDay(ctx, day, list)
	if err == nil {
		p.sync(ctx)
	}
	return out, err
}

// Sync publishes the current schedule list. Failures are logged only.
func (p *Publishing) Sync(ctx context.Context) {
	p.sync(ctx)
}

func (p *Publishing) sync(ctx context.Context) {
	all, err := p.ScheduleStore.GetAll(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read schedules for device sync")
		return
	}
	payload, err := json.Marshal(all)
	if err != nil {
		log.Warn().Err(err).Msg("Could not encode schedules for device sync")
		return
	}
	if err := p.pub.Publish(p.topic, payload, 1); err != nil {
		log.Warn().Err(err).Str("topic", p.topic).Msg("Could not publish schedules to device")
		return
	}
	log.Debug().Int("schedules", len(all)).Str("topic", p.topic).Msg("Schedules synced to device")
}
