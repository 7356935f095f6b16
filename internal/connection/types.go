package connection

import (
	"errors"
	"time"
)

// ErrClosed is returned by every operation after Close. Close is final;
// a closed Manager never transitions again.
var ErrClosed = errors.New("connection: client closed")

// RawMessage is an inbound frame handed to the Message Router.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Backoff       Backoff
	Heartbeat     HeartbeatConfig
	MessageBuffer int // Buffer size of the channel feeding the router
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Backoff:       DefaultBackoff(),
		Heartbeat:     DefaultHeartbeatConfig(),
		MessageBuffer: 1000,
	}
}

// ManagerStats provides a point-in-time view of the manager.
type ManagerStats struct {
	State       State
	QueueDepth  int
	Attempts    int
	Transitions int64
}
