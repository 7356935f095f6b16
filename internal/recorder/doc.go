// Package recorder persists delivered feed messages to Postgres using
// batched, append-only inserts.
package recorder
