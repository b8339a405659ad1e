package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// pingInterval is the keepalive cadence.
	pingInterval = 20 * time.Second
	// maxMissedPongs closes the connection as dead-peer.
	maxMissedPongs = 3
)

// WebSocketConfig configures the WebSocket variant.
type WebSocketConfig struct {
	// URL is the wss:// endpoint.
	URL string
	// DeviceID and ClientID identify this device to the server.
	DeviceID string
	ClientID string
}

// WebSocket is the single-connection TLS transport. Binary frames carry one
// Opus packet each; text frames carry one JSON message.
type WebSocket struct {
	cfg  WebSocketConfig
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewWebSocket creates an unconnected WebSocket transport.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	return &WebSocket{cfg: cfg}
}

// NewWebSocketFactory returns a Factory producing fresh connections.
func NewWebSocketFactory(cfg WebSocketConfig) Factory {
	return func() Transport { return NewWebSocket(cfg) }
}

// Connect dials the endpoint and starts the keepalive loop.
func (w *WebSocket) Connect(ctx context.Context, token string) error {
	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	header := http.Header{
		"Authorization":    []string{"Bearer " + token},
		"Protocol-Version": []string{"1"},
		"Device-Id":        []string{w.cfg.DeviceID},
		"Client-Id":        []string{w.cfg.ClientID},
	}
	conn, _, err := websocket.Dial(dialCtx, w.cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if dialCtx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return fmt.Errorf("transport: websocket dial: %w", err)
	}
	// Inbound Opus never exceeds one packet; control messages are small.
	conn.SetReadLimit(1 << 20)

	w.mu.Lock()
	w.conn = conn
	w.closed = false
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	go w.keepalive()
	return nil
}

// keepalive pings every pingInterval and closes the connection after
// maxMissedPongs consecutive failures.
func (w *WebSocket) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(w.ctx, pingInterval)
		err := w.conn.Ping(pingCtx)
		cancel()
		if err != nil {
			missed++
			slog.Debug("websocket ping failed", "missed", missed, "err", err)
			if missed >= maxMissedPongs {
				slog.Warn("websocket peer dead, closing", "missed", missed)
				_ = w.Close()
				return
			}
			continue
		}
		missed = 0
	}
}

// SendText sends one JSON control message as a text frame.
func (w *WebSocket) SendText(ctx context.Context, data []byte) error {
	conn := w.current()
	if conn == nil {
		return ErrClosed
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: websocket write text: %w", err)
	}
	return nil
}

// SendBinary sends one Opus packet as a binary frame.
func (w *WebSocket) SendBinary(ctx context.Context, data []byte) error {
	conn := w.current()
	if conn == nil {
		return ErrClosed
	}
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("transport: websocket write binary: %w", err)
	}
	return nil
}

// Recv blocks for the next frame.
func (w *WebSocket) Recv(ctx context.Context) (Message, error) {
	conn := w.current()
	if conn == nil {
		return Message{}, ErrClosed
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("transport: websocket read: %w", err)
	}
	kind := KindText
	if typ == websocket.MessageBinary {
		kind = KindBinary
	}
	return Message{Kind: kind, Payload: data}, nil
}

func (w *WebSocket) current() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.conn
}

// Close closes the connection. Safe to call more than once.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.cancel != nil {
		w.cancel()
	}
	if w.conn != nil {
		return w.conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}
