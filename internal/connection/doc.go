// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single transport connection and its state machine
//     (Disconnected, Connecting, Connected, Degraded, Closed)
//   - Queues outbound messages while not Connected and flushes them in
//     order on every transition into Connected
//   - Runs the heartbeat monitor and degrades on missed liveness
//   - Retries unplanned disconnects with exponential backoff up to an
//     attempt ceiling, then stops until an explicit Connect
//   - Forwards inbound frames to the Message Router
package connection
