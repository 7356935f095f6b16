package subscription

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/finboard/feedclient/internal/protocol"
)

// Source tags where a delivery came from, so consumers can distinguish a
// polled snapshot from a streamed update.
type Source string

const (
	SourceStream   Source = "stream"
	SourceSnapshot Source = "snapshot"
)

// Event is one delivery to a consumer: every payload received for the
// channel within one batch window, in arrival order. Consumers that only
// need the latest value read the last element.
type Event struct {
	Channel  string
	Source   Source
	Payloads []json.RawMessage
}

// Consumer receives deliveries for a channel. Consumers run on the
// dispatch path and must not block.
type Consumer func(Event)

// Sender emits subscription control frames upstream. Implemented by the
// Connection Manager.
type Sender interface {
	SendControl(data []byte) error
}

// Registry tracks the consumers interested in each channel. It is the
// source of truth for what should be subscribed upstream: after any
// reconnect, ReplayAll re-issues subscribes for exactly its active set.
type Registry interface {
	// Subscribe registers a consumer under a channel and returns an
	// unsubscribe handle. The first subscriber of a channel emits a
	// subscribe control frame upstream; the handle of the last one
	// emits an unsubscribe. Handles are idempotent: a second invocation
	// is a no-op.
	//
	// Subscribing the same (channel, consumer) pair twice registers two
	// independent subscriptions, each with its own handle.
	Subscribe(channel string, consumer Consumer) func()

	// ReplayAll re-emits one subscribe frame per active channel.
	// Invoked by the Connection Manager on every transition into
	// Connected through its replay hook.
	ReplayAll()

	// Dispatch forwards an event to every consumer registered for its
	// channel. Consumer panics are isolated and logged; they never
	// prevent the remaining consumers from running.
	Dispatch(ev Event)

	// ActiveChannels returns the channels with at least one consumer,
	// excluding reserved pseudo-channels, sorted for determinism.
	ActiveChannels() []string

	// Stats returns current counts.
	Stats() RegistryStats
}

// RegistryStats provides registry counts.
type RegistryStats struct {
	Channels      int
	Subscriptions int
	Dispatched    int64
	PanicsCaught  int64
}

// registry implements Registry.
type registry struct {
	sender Sender
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]map[uuid.UUID]Consumer

	statsMu    sync.Mutex
	dispatched int64
	panics     int64
}

// NewRegistry creates a Subscription Registry. The sender may be nil for
// a purely local registry (used in tests).
func NewRegistry(sender Sender, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &registry{
		sender:   sender,
		logger:   logger,
		channels: make(map[string]map[uuid.UUID]Consumer),
	}
}

// reserved reports whether a channel is a local pseudo-channel that must
// never produce upstream control traffic.
func reserved(channel string) bool {
	return channel == protocol.StatusChannel
}

// Subscribe registers a consumer and returns its unsubscribe handle.
func (r *registry) Subscribe(channel string, consumer Consumer) func() {
	id := uuid.New()

	r.mu.Lock()
	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[uuid.UUID]Consumer)
		r.channels[channel] = subs
	}
	first := len(subs) == 0
	subs[id] = consumer
	r.mu.Unlock()

	if first && !reserved(channel) && r.sender != nil {
		if err := r.sender.SendControl(protocol.Subscribe(channel)); err != nil {
			// The registration stands either way; ReplayAll covers the
			// channel once the connection comes back.
			r.logger.Debug("subscribe control not sent", "channel", channel, "error", err)
		}
	}

	r.logger.Debug("subscribed", "channel", channel, "id", id)

	return func() { r.unsubscribe(channel, id) }
}

// unsubscribe removes one registration. Safe to call twice.
func (r *registry) unsubscribe(channel string, id uuid.UUID) {
	r.mu.Lock()
	subs, ok := r.channels[channel]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := subs[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(subs, id)
	last := len(subs) == 0
	if last {
		delete(r.channels, channel)
	}
	r.mu.Unlock()

	if last && !reserved(channel) && r.sender != nil {
		if err := r.sender.SendControl(protocol.Unsubscribe(channel)); err != nil {
			r.logger.Debug("unsubscribe control not sent", "channel", channel, "error", err)
		}
	}

	r.logger.Debug("unsubscribed", "channel", channel, "id", id)
}

// ReplayAll re-issues one subscribe per active channel.
func (r *registry) ReplayAll() {
	channels := r.ActiveChannels()
	for _, ch := range channels {
		if r.sender == nil {
			continue
		}
		if err := r.sender.SendControl(protocol.Subscribe(ch)); err != nil {
			r.logger.Debug("replay subscribe not sent", "channel", ch, "error", err)
		}
	}

	if len(channels) > 0 {
		r.logger.Info("replayed subscriptions", "channels", len(channels))
	}
}

// Dispatch delivers an event to every consumer of its channel.
func (r *registry) Dispatch(ev Event) {
	r.mu.RLock()
	subs := r.channels[ev.Channel]
	consumers := make([]Consumer, 0, len(subs))
	for _, c := range subs {
		consumers = append(consumers, c)
	}
	r.mu.RUnlock()

	for _, c := range consumers {
		r.invoke(ev, c)
	}

	r.statsMu.Lock()
	r.dispatched++
	r.statsMu.Unlock()
}

// invoke runs one consumer with panic isolation.
func (r *registry) invoke(ev Event, c Consumer) {
	defer func() {
		if rec := recover(); rec != nil {
			r.statsMu.Lock()
			r.panics++
			r.statsMu.Unlock()
			r.logger.Error("consumer panicked",
				"channel", ev.Channel,
				"panic", rec,
			)
		}
	}()
	c(ev)
}

// ActiveChannels returns the non-reserved channels with consumers.
func (r *registry) ActiveChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		if reserved(ch) {
			continue
		}
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}

// Stats returns current counts.
func (r *registry) Stats() RegistryStats {
	r.mu.RLock()
	channels := len(r.channels)
	subs := 0
	for _, s := range r.channels {
		subs += len(s)
	}
	r.mu.RUnlock()

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return RegistryStats{
		Channels:      channels,
		Subscriptions: subs,
		Dispatched:    r.dispatched,
		PanicsCaught:  r.panics,
	}
}
