package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

const (
	subscribeQoS     = 1
	publishTimeout   = 5 * time.Second
	subscribeTimeout = 10 * time.Second
)

var newClient = paho.NewClient

// MQTT talks to the device through an MQTT broker. The first dial is retried
// with exponential backoff; paho's auto-reconnect covers later drops.
type MQTT struct {
	handlers
	client paho.Client
	topics []string

	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMQTT(o Options) *MQTT {
	m := &MQTT{
		topics: o.Topics,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			return b
		},
	}
	opts := paho.NewClientOptions().
		AddBroker(o.URL).
		SetClientID(o.ClientID).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetOnConnectHandler(m.handleConnect).
		SetConnectionLostHandler(m.handleConnectionLost).
		SetReconnectingHandler(m.handleReconnecting)
	m.client = newClient(opts)
	return m
}

func (m *MQTT) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.dial(ctx, m.done)
	return nil
}

// dial retries the initial connect until it succeeds or Disconnect is called.
func (m *MQTT) dial(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := m.newBackOff()

	for {
		m.emit(model.Connecting)
		token := m.client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return
		}
		err := token.Error()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("MQTT connect failed")
		m.emit(model.Disconnected)
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (m *MQTT) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	m.client.Disconnect(250)
	m.emit(model.Disconnected)
}

func (m *MQTT) Publish(topic string, payload []byte, qos byte) error {
	if !m.client.IsConnectionOpen() {
		return valveerr.Transport("publish "+topic, errNotConnected)
	}
	token := m.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return valveerr.Transport("publish "+topic, errors.New("publish timeout"))
	}
	if err := token.Error(); err != nil {
		return valveerr.Transport("publish "+topic, err)
	}
	return nil
}

func (m *MQTT) handleConnect(c paho.Client) {
	if len(m.topics) > 0 {
		filters := make(map[string]byte, len(m.topics))
		for _, t := range m.topics {
			filters[t] = subscribeQoS
		}
		token := c.SubscribeMultiple(filters, m.handleMessage)
		if !token.WaitTimeout(subscribeTimeout) {
			log.Error().Strs("topics", m.topics).Msg("MQTT subscribe timed out")
		} else if err := token.Error(); err != nil {
			log.Error().Err(err).Strs("topics", m.topics).Msg("MQTT subscribe failed")
		}
	}
	log.Info().Int("topics", len(m.topics)).Msg("MQTT connected")
	m.emit(model.Connected)
}

func (m *MQTT) handleConnectionLost(_ paho.Client, err error) {
	log.Warn().Err(err).Msg("MQTT connection lost")
	m.emit(model.Disconnected)
}

func (m *MQTT) handleReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	m.emit(model.Connecting)
}

func (m *MQTT) handleMessage(_ paho.Client, msg paho.Message) {
	m.deliver(msg.Topic(), msg.Payload())
}
