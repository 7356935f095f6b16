// Package transport abstracts the bidirectional streaming connection.
//
// The Transport interface exposes open/close/send plus message and error
// channels; the Connection Manager consumes it without knowing the
// concrete protocol. The shipped implementation dials a websocket with a
// bearer token obtained from the auth provider.
package transport
