package batch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// FlushFunc receives one channel's accumulated payloads, in arrival
// order, when its window elapses.
type FlushFunc func(channel string, payloads []json.RawMessage)

// DefaultWindow is the standard coalescing window.
const DefaultWindow = 50 * time.Millisecond

// pendingBatch accumulates payloads for one channel between flushes.
// At most one exists per channel at any time.
type pendingBatch struct {
	payloads []json.RawMessage
	timer    *time.Timer
}

// Batcher coalesces rapid per-channel updates into fixed-width delivery
// windows. The window timer is armed once per batch on first ingest and
// is not reset by later ingests, so worst-case delivery latency is
// bounded by the window width. All intermediate values are preserved:
// the flush hands over the full ordered list, never just the latest.
type Batcher struct {
	window time.Duration
	flush  FlushFunc
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingBatch
	closed  bool

	flushes  int64
	payloads int64
}

// BatcherStats provides batching counters.
type BatcherStats struct {
	PendingChannels int
	Flushes         int64
	Payloads        int64
}

// NewBatcher creates a Batcher. A window of zero or less disables
// coalescing: every ingest flushes immediately.
func NewBatcher(window time.Duration, flush FlushFunc, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		window:  window,
		flush:   flush,
		logger:  logger,
		pending: make(map[string]*pendingBatch),
	}
}

// Ingest appends a payload to the channel's pending batch, creating the
// batch and arming its flush timer if absent.
func (b *Batcher) Ingest(channel string, payload json.RawMessage) {
	if b.window <= 0 {
		b.mu.Lock()
		closed := b.closed
		if !closed {
			b.flushes++
			b.payloads++
		}
		b.mu.Unlock()
		if !closed {
			b.flush(channel, []json.RawMessage{payload})
		}
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	pb, ok := b.pending[channel]
	if !ok {
		pb = &pendingBatch{}
		pb.timer = time.AfterFunc(b.window, func() { b.fire(channel) })
		b.pending[channel] = pb
	}
	pb.payloads = append(pb.payloads, payload)
	b.payloads++
}

// fire flushes one channel's batch when its window elapses.
func (b *Batcher) fire(channel string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	pb, ok := b.pending[channel]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, channel)
	b.flushes++
	payloads := pb.payloads
	b.mu.Unlock()

	b.flush(channel, payloads)
}

// Close cancels every pending flush timer and drops accumulated
// payloads. No flush runs after Close returns.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, pb := range b.pending {
		pb.timer.Stop()
	}
	b.pending = nil
}

// Stats returns batching counters.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BatcherStats{
		PendingChannels: len(b.pending),
		Flushes:         b.flushes,
		Payloads:        b.payloads,
	}
}
