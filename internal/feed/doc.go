// Package feed assembles the market data client: one streaming
// connection multiplexing logical channel subscriptions, per-channel
// delivery batching, and REST snapshot polling while the stream is
// unhealthy.
package feed
