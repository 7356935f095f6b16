// Package subscription implements the Subscription Registry component.
//
// The registry ref-counts (channel, consumer) registrations, emits
// subscribe/unsubscribe control frames to the server on first/last
// subscriber, and replays the full active set on every reconnect. Both
// the streaming path and the fallback poller deliver through Dispatch,
// which isolates consumer panics.
package subscription
