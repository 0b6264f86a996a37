package transport

import (
	"sync"

	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

// Published is one message recorded by Fake.
type Published struct {
	Topic   string
	Payload string
	QoS     byte
}

// Fake is an in-memory Transport for tests and dry runs. Connect succeeds
// immediately unless FailConnect is set.
type Fake struct {
	handlers

	mu          sync.Mutex
	state       model.ConnectionState
	published   []Published
	publishErr  error
	FailConnect bool
}

func NewFake() *Fake {
	return &Fake{state: model.Disconnected}
}

func (f *Fake) Connect() error {
	f.SetState(model.Connecting)
	if f.FailConnect {
		f.SetState(model.Disconnected)
		return nil
	}
	f.SetState(model.Connected)
	return nil
}

func (f *Fake) Disconnect() {
	f.SetState(model.Disconnected)
}

// SetState simulates a connection transition.
func (f *Fake) SetState(s model.ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.emit(s)
}

func (f *Fake) State() model.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Deliver simulates an inbound message.
func (f *Fake) Deliver(topic, payload string) {
	f.deliver(topic, []byte(payload))
}

// FailPublishes makes every Publish return err until called with nil.
func (f *Fake) FailPublishes(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *Fake) Publish(topic string, payload []byte, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != model.Connected {
		return valveerr.Transport("publish "+topic, errNotConnected)
	}
	if f.publishErr != nil {
		return valveerr.Transport("publish "+topic, f.publishErr)
	}
	f.published = append(f.published, Published{Topic: topic, Payload: string(payload), QoS: qos})
	return nil
}

func (f *Fake) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Published, len(f.published))
	copy(out, f.published)
	return out
}

// PublishedTo returns the payloads sent to topic, oldest first.
func (f *Fake) PublishedTo(topic string) []string {
	var out []string
	for _, p := range f.Published() {
		if p.Topic == topic {
			out = append(out, p.Payload)
		}
	}
	return out
}
