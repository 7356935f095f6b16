// Package api provides the REST client used by the Fallback Poller.
//
// When streaming is unhealthy the poller fetches per-channel snapshots
// here instead. Requests retry on 5xx/429 with jittered exponential
// backoff; multi-channel fetches run with bounded concurrency.
package api
