package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// recvQueue bounds buffered inbound messages before the reader drains them.
const recvQueue = 64

// MQTTConfig configures the MQTT variant. Audio and control each get a
// publish and a subscribe topic.
type MQTTConfig struct {
	// Endpoint is the broker address, e.g. "ssl://broker.example.com:8883".
	Endpoint string
	ClientID string
	Username string
	Password string

	PublishAudioTopic     string
	PublishControlTopic   string
	SubscribeAudioTopic   string
	SubscribeControlTopic string

	// TLS overrides the default TLS configuration (nil = library default).
	TLS *tls.Config
}

const (
	qosAudio   byte = 0 // losing a frame beats delaying the stream
	qosControl byte = 1
)

// MQTT is the broker-based transport.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client

	recv chan Message

	mu     sync.Mutex
	closed bool
}

// NewMQTT creates an unconnected MQTT transport.
func NewMQTT(cfg MQTTConfig) *MQTT {
	return &MQTT{
		cfg:  cfg,
		recv: make(chan Message, recvQueue),
	}
}

// NewMQTTFactory returns a Factory producing fresh broker sessions.
func NewMQTTFactory(cfg MQTTConfig) Factory {
	return func() Transport { return NewMQTT(cfg) }
}

// Connect dials the broker and subscribes to the playback and control topics.
func (m *MQTT) Connect(ctx context.Context, token string) error {
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Endpoint).
		SetClientID(m.cfg.ClientID).
		SetUsername(m.cfg.Username).
		SetPassword(m.cfg.Password).
		SetAutoReconnect(false). // the session supervisor owns reconnects
		SetCleanSession(true)
	if m.cfg.Password == "" {
		opts.SetPassword(token)
	}
	if m.cfg.TLS != nil {
		opts.SetTLSConfig(m.cfg.TLS)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "err", err)
		_ = m.Close()
	})

	m.client = mqtt.NewClient(opts)

	ct := m.client.Connect()
	if !ct.WaitTimeout(ConnectTimeout) {
		return ErrConnectTimeout
	}
	if err := ct.Error(); err != nil {
		return fmt.Errorf("transport: mqtt connect: %w", err)
	}

	subs := []struct {
		topic string
		qos   byte
		kind  Kind
	}{
		{m.cfg.SubscribeControlTopic, qosControl, KindText},
		{m.cfg.SubscribeAudioTopic, qosAudio, KindBinary},
	}
	for _, s := range subs {
		if s.topic == "" {
			continue
		}
		kind := s.kind
		st := m.client.Subscribe(s.topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
			m.deliver(Message{Kind: kind, Payload: msg.Payload()})
		})
		if !st.WaitTimeout(ConnectTimeout) || st.Error() != nil {
			m.client.Disconnect(0)
			return fmt.Errorf("transport: mqtt subscribe %s: %v", s.topic, st.Error())
		}
	}

	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
	return nil
}

// deliver enqueues an inbound message, dropping audio when the reader lags.
func (m *MQTT) deliver(msg Message) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	select {
	case m.recv <- msg:
	default:
		if msg.Kind == KindBinary {
			slog.Debug("mqtt recv queue full, dropping audio frame")
			return
		}
		// Control messages must not be lost; block until the reader drains
		// the queue.
		m.recv <- msg
	}
}

// SendText publishes one JSON control message at QoS 1.
func (m *MQTT) SendText(ctx context.Context, data []byte) error {
	return m.publish(ctx, m.cfg.PublishControlTopic, qosControl, data)
}

// SendBinary publishes one sequence-prefixed Opus packet at QoS 0.
func (m *MQTT) SendBinary(ctx context.Context, data []byte) error {
	return m.publish(ctx, m.cfg.PublishAudioTopic, qosAudio, data)
}

func (m *MQTT) publish(ctx context.Context, topic string, qos byte, data []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed || m.client == nil {
		return ErrClosed
	}

	pt := m.client.Publish(topic, qos, false, data)
	if qos == 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		pt.Wait()
		close(done)
	}()
	select {
	case <-done:
		if err := pt.Error(); err != nil {
			return fmt.Errorf("transport: mqtt publish: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks for the next inbound message.
func (m *MQTT) Recv(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-m.recv:
		if !ok {
			return Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close disconnects from the broker. Safe to call more than once.
func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	close(m.recv)
	return nil
}
