// Package protocol defines the wire envelope shared by the streaming and
// control paths.
//
// Inbound frames are {type, channel, data} where type is one of
// data, heartbeat, error, subscription_confirmed. Outbound control frames
// are {type, channel?} with type subscribe, unsubscribe, or ping.
// Unknown inbound types are dropped by the router, never treated as fatal.
package protocol
