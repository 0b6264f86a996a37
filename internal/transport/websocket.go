package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/valve-controller/internal/model"
	"github.com/thatsimonsguy/valve-controller/internal/valveerr"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 14
)

// Frame is the JSON envelope exchanged with the WebSocket bridge.
type Frame struct {
	Type    string   `json:"type"`
	Topic   string   `json:"topic,omitempty"`
	Topics  []string `json:"topics,omitempty"`
	Payload string   `json:"payload,omitempty"`
	QoS     byte     `json:"qos,omitempty"`
}

const (
	FrameSubscribe = "subscribe"
	FramePublish   = "publish"
	FrameMessage   = "message"
)

// WebSocket talks to the device through a WebSocket bridge using Frame
// envelopes, redialling with exponential backoff whenever the socket drops.
type WebSocket struct {
	handlers
	url    string
	topics []string
	dialer *websocket.Dialer

	newBackOff func() backoff.BackOff

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWebSocket(o Options) *WebSocket {
	return &WebSocket{
		url:    o.URL,
		topics: o.Topics,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			return b
		},
	}
}

func (w *WebSocket) Connect() error {
	u, err := url.Parse(w.url)
	if err != nil {
		return fmt.Errorf("websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("websocket url: unsupported scheme %q", u.Scheme)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
	return nil
}

func (w *WebSocket) Disconnect() {
	w.mu.Lock()
	cancel, done, conn := w.cancel, w.done, w.conn
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	w.emit(model.Disconnected)
}

func (w *WebSocket) Publish(topic string, payload []byte, qos byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return valveerr.Transport("publish "+topic, errNotConnected)
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteJSON(Frame{Type: FramePublish, Topic: topic, Payload: string(payload), QoS: qos}); err != nil {
		return valveerr.Transport("publish "+topic, err)
	}
	return nil
}

func (w *WebSocket) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := w.newBackOff()

	for {
		w.emit(model.Connecting)
		conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
		if err == nil {
			err = w.subscribe(conn)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Str("url", w.url).Msg("WebSocket connect failed")
			w.emit(model.Disconnected)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		b.Reset()
		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		log.Info().Str("url", w.url).Msg("WebSocket connected")
		w.emit(model.Connected)

		err = w.readLoop(ctx, conn)

		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("WebSocket connection lost")
		w.emit(model.Disconnected)
		if !sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}

func (w *WebSocket) subscribe(conn *websocket.Conn) error {
	if len(w.topics) == 0 {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Frame{Type: FrameSubscribe, Topics: w.topics, QoS: subscribeQoS}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go w.keepAlive(ctx, conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Debug().Err(err).Msg("Dropping undecodable WebSocket frame")
			continue
		}
		if f.Type != FrameMessage || f.Topic == "" {
			continue
		}
		w.deliver(f.Topic, []byte(f.Payload))
	}
}

// keepAlive pings until stop closes, and closes conn when ctx is cancelled
// so a blocked read returns.
func (w *WebSocket) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
