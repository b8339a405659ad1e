// Package transport provides the bidirectional message channel to the
// conversation server. Two variants share one interface: a TLS WebSocket
// connection and an MQTT broker pair of topics.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned after Close or when the peer went away.
	ErrClosed = errors.New("transport: closed")
	// ErrConnectTimeout is returned when the connect deadline expires.
	ErrConnectTimeout = errors.New("transport: connect timeout")
	// ErrTooManyFailures is raised by the reconnect supervisor after the
	// attempt budget is exhausted.
	ErrTooManyFailures = errors.New("transport: too many consecutive failures")
)

// ConnectTimeout bounds transport establishment.
const ConnectTimeout = 10 * time.Second

// Kind discriminates message payloads.
type Kind int

const (
	// KindText carries one JSON control message.
	KindText Kind = iota
	// KindBinary carries one Opus packet.
	KindBinary
)

// Message is one inbound transport message.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Transport is the duplex channel shared by both variants. Implementations
// are safe for one concurrent sender and one concurrent receiver.
type Transport interface {
	// Connect establishes the channel using the given session token.
	Connect(ctx context.Context, token string) error
	// SendText sends one JSON control message.
	SendText(ctx context.Context, data []byte) error
	// SendBinary sends one Opus packet.
	SendBinary(ctx context.Context, data []byte) error
	// Recv blocks until the next inbound message.
	Recv(ctx context.Context) (Message, error)
	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Factory creates a fresh Transport per session; reconnects never resume a
// previous channel.
type Factory func() Transport
