// Package batch implements the Message Batcher component.
//
// Without batching, a fast-moving feed triggers one consumer invocation
// per tick. The batcher bounds delivery frequency to at most one flush
// per window per channel while preserving every intermediate value.
package batch
