package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConnected  = errors.New("transport: not connected")
	ErrAlreadyClosed = errors.New("transport: already closed")
)

// Message wraps raw frame bytes with a receive timestamp.
type Message struct {
	Data       []byte
	ReceivedAt time.Time
}

// Transport is an abstract bidirectional message channel. Any full-duplex
// streaming transport satisfies it; the production implementation is a
// websocket (see NewWebsocket).
type Transport interface {
	// Connect establishes the connection. It blocks until the transport
	// is open or the dial fails.
	Connect(ctx context.Context) error

	// Close closes the connection with a normal-closure reason.
	Close() error

	// Send writes raw bytes to the connection.
	Send(data []byte) error

	// Messages returns a channel of all inbound frames.
	Messages() <-chan Message

	// Errors returns a channel of transport errors. An error on this
	// channel means the transport is dead and must be replaced.
	Errors() <-chan error
}

// Factory builds a fresh Transport for one connection attempt. The token
// comes from the auth provider and is fetched anew before every attempt.
type Factory func(token string) Transport
