package model

import "time"

// DefaultTargetTemperature is the setpoint assumed before the device reports one.
const DefaultTargetTemperature = 21.0

// DeviceStatus is the last-known snapshot of the valve and its room.
type DeviceStatus struct {
	Temperature        float64   `json:"temperature"`
	OutsideTemperature float64   `json:"outside_temperature"`
	Humidity           float64   `json:"humidity"`
	IsHeating          bool      `json:"is_heating"`
	TargetTemperature  float64   `json:"target_temperature"`
	IsConnected        bool      `json:"is_connected"`
	LastUpdate         time.Time `json:"last_update"`
}

// Fragment is a partial DeviceStatus decoded from one inbound message.
// Nil fields were not present in the message and leave the snapshot untouched.
type Fragment struct {
	Temperature        *float64
	OutsideTemperature *float64
	Humidity           *float64
	IsHeating          *bool
	TargetTemperature  *float64
}

func (f Fragment) Empty() bool {
	return f.Temperature == nil && f.OutsideTemperature == nil && f.Humidity == nil &&
		f.IsHeating == nil && f.TargetTemperature == nil
}

// Apply merges the present fields of f into s.
func (f Fragment) Apply(s *DeviceStatus) {
	if f.Temperature != nil {
		s.Temperature = *f.Temperature
	}
	if f.OutsideTemperature != nil {
		s.OutsideTemperature = *f.OutsideTemperature
	}
	if f.Humidity != nil {
		s.Humidity = *f.Humidity
	}
	if f.IsHeating != nil {
		s.IsHeating = *f.IsHeating
	}
	if f.TargetTemperature != nil {
		s.TargetTemperature = *f.TargetTemperature
	}
}

type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
)

// RunState is the lifecycle state of a control loop.
type RunState string

const (
	Idle    RunState = "idle"
	Running RunState = "running"
	Paused  RunState = "paused"
	Stopped RunState = "stopped"
)

type DecisionSource string

const (
	SourceSchedule   DecisionSource = "schedule"
	SourcePrediction DecisionSource = "prediction"
	SourceManual     DecisionSource = "manual"
)

// Decision records one setpoint computation and whether it reached the device.
type Decision struct {
	ID         int64          `json:"id"`
	At         time.Time      `json:"at"`
	Source     DecisionSource `json:"source"`
	ScheduleID int64          `json:"schedule_id,omitempty"`
	RawTarget  float64        `json:"raw_target"`
	Setpoint   float64        `json:"setpoint"`
	Published  bool           `json:"published"`
	Error      string         `json:"error,omitempty"`
}

// Reading is a persisted DeviceStatus snapshot.
type Reading struct {
	ID         int64        `json:"id"`
	RecordedAt time.Time    `json:"recorded_at"`
	Status     DeviceStatus `json:"status"`
}
