// Package poller degrades gracefully to periodic REST snapshot fetches
// while the streaming connection is unhealthy.
package poller
