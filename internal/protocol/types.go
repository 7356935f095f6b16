package protocol

import "encoding/json"

// Frame types sent by the server.
const (
	TypeData         = "data"
	TypeHeartbeat    = "heartbeat"
	TypeError        = "error"
	TypeSubConfirmed = "subscription_confirmed"
)

// Command types sent to the server.
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdPing        = "ping"
)

// StatusChannel is the reserved pseudo-channel that delivers connection
// state transitions to consumers. It never produces upstream control
// traffic and is never replayed or polled.
const StatusChannel = "connection.status"

// Frame is the inbound wire envelope.
type Frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Command is an outbound control frame.
type Command struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// ErrorFrame is the data payload of a server error frame.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Subscribe encodes a subscribe command for a channel.
func Subscribe(channel string) []byte {
	b, _ := json.Marshal(Command{Type: CmdSubscribe, Channel: channel})
	return b
}

// Unsubscribe encodes an unsubscribe command for a channel.
func Unsubscribe(channel string) []byte {
	b, _ := json.Marshal(Command{Type: CmdUnsubscribe, Channel: channel})
	return b
}

// Ping encodes a liveness probe.
func Ping() []byte {
	b, _ := json.Marshal(Command{Type: CmdPing})
	return b
}
