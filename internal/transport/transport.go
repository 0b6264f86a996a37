package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/thatsimonsguy/valve-controller/internal/config"
	"github.com/thatsimonsguy/valve-controller/internal/model"
)

// MessageHandler receives every inbound message. It is called from the
// adapter's delivery goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// ConnectionHandler receives every connection state transition.
type ConnectionHandler func(state model.ConnectionState)

// Transport is the device messaging boundary. Connect only fails for
// unusable configuration: dial and broker errors arrive through the
// connection handler, and the adapter keeps retrying on its own. Handlers
// should be registered before Connect.
type Transport interface {
	Connect() error
	Disconnect()
	Publish(topic string, payload []byte, qos byte) error
	OnMessage(h MessageHandler)
	OnConnectionChange(h ConnectionHandler)
}

var errNotConnected = errors.New("not connected")

// Options configures an adapter.
type Options struct {
	URL      string
	ClientID string
	// Topics are (re)subscribed on every successful connect.
	Topics []string
}

// NewClientID returns a process-unique client id under prefix.
func NewClientID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// New builds the adapter selected by cfg.Transport.
func New(cfg *config.Config, topics []string) (Transport, error) {
	opts := Options{ClientID: NewClientID(cfg.ClientPrefix), Topics: topics}
	switch cfg.Transport {
	case config.TransportMQTT:
		opts.URL = cfg.BrokerURL
		return NewMQTT(opts), nil
	case config.TransportWebSocket:
		opts.URL = cfg.WebSocketURL
		return NewWebSocket(opts), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// handlers holds the registered callbacks. Adapters embed it.
type handlers struct {
	hmu       sync.RWMutex
	onMessage MessageHandler
	onState   ConnectionHandler
}

func (h *handlers) OnMessage(fn MessageHandler) {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	h.onMessage = fn
}

func (h *handlers) OnConnectionChange(fn ConnectionHandler) {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	h.onState = fn
}

func (h *handlers) deliver(topic string, payload []byte) {
	h.hmu.RLock()
	fn := h.onMessage
	h.hmu.RUnlock()
	if fn != nil {
		fn(topic, payload)
	}
}

func (h *handlers) emit(state model.ConnectionState) {
	h.hmu.RLock()
	fn := h.onState
	h.hmu.RUnlock()
	if fn != nil {
		fn(state)
	}
}
