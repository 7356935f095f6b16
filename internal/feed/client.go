package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/finboard/feedclient/internal/api"
	"github.com/finboard/feedclient/internal/auth"
	"github.com/finboard/feedclient/internal/batch"
	"github.com/finboard/feedclient/internal/connection"
	"github.com/finboard/feedclient/internal/poller"
	"github.com/finboard/feedclient/internal/protocol"
	"github.com/finboard/feedclient/internal/router"
	"github.com/finboard/feedclient/internal/subscription"
	"github.com/finboard/feedclient/internal/transport"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = connection.ErrClosed

// StatusChannel is the local pseudo-channel carrying connection state
// events. Subscribing to it never touches the upstream.
const StatusChannel = protocol.StatusChannel

// Event is a delivered batch of messages for one channel.
type Event = subscription.Event

// Consumer receives delivered events.
type Consumer = subscription.Consumer

// Sources distinguish live stream delivery from polled snapshots.
const (
	SourceStream   = subscription.SourceStream
	SourceSnapshot = subscription.SourceSnapshot
)

// Config holds everything needed to build a Client.
type Config struct {
	StreamURL string
	RestURL   string
	Tokens    auth.TokenProvider

	Connection  connection.ManagerConfig
	BatchWindow time.Duration
	Poller      poller.Config

	APITimeout     time.Duration
	APIMaxRetries  int
	APIConcurrency int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	Logger *slog.Logger
}

// Client is the single entry point to the feed: one streaming
// connection multiplexing every channel subscription, with snapshot
// polling as the degraded-mode fallback.
type Client struct {
	cfg    Config
	logger *slog.Logger

	manager  connection.Manager
	registry subscription.Registry
	batcher  *batch.Batcher
	router   router.Router
	poller   *poller.Poller
	rest     *api.Client

	mu      sync.Mutex
	started bool
	closed  bool
}

// statusPayload is the wire shape of a status channel event.
type statusPayload struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// New builds a Client. Nothing connects until Connect or the first
// Subscribe.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	restOpts := []api.ClientOption{api.WithLogger(logger)}
	if cfg.APITimeout > 0 {
		restOpts = append(restOpts, api.WithTimeout(cfg.APITimeout))
	}
	if cfg.APIMaxRetries > 0 {
		restOpts = append(restOpts, api.WithRetries(cfg.APIMaxRetries, time.Second))
	}
	if cfg.APIConcurrency > 0 {
		restOpts = append(restOpts, api.WithConcurrency(cfg.APIConcurrency))
	}
	rest := api.NewClient(cfg.RestURL, cfg.Tokens, restOpts...)

	wsCfg := transport.DefaultWebsocketConfig()
	wsCfg.URL = cfg.StreamURL
	if cfg.HandshakeTimeout > 0 {
		wsCfg.HandshakeTimeout = cfg.HandshakeTimeout
	}
	if cfg.WriteTimeout > 0 {
		wsCfg.WriteTimeout = cfg.WriteTimeout
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		rest:   rest,
	}

	c.manager = connection.NewManager(cfg.Connection, transport.WebsocketFactory(wsCfg, logger), cfg.Tokens, logger)
	c.registry = subscription.NewRegistry(c.manager, logger)
	c.batcher = batch.NewBatcher(cfg.BatchWindow, c.deliverStream, logger)
	c.router = router.NewRouter(c.manager.Messages(), c.batcher.Ingest, logger)
	c.poller = poller.New(cfg.Poller, rest, c.registry, c.deliverSnapshot, c.manager.State, logger)

	c.manager.SetReplay(c.registry.ReplayAll)
	c.manager.Notify(c.onStateChange)

	return c
}

// Connect establishes the streaming connection. Idempotent while a
// connection exists or is being established. After an exhausted retry
// run, calling it again starts a fresh one.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.started {
		c.started = true
		c.mu.Unlock()
		if err := c.router.Start(ctx); err != nil {
			return err
		}
	} else {
		c.mu.Unlock()
	}

	return c.manager.Connect(ctx)
}

// Subscribe registers a consumer for a channel and returns an
// unsubscribe handle. The handle is idempotent. The first call on a
// disconnected client triggers connection establishment.
//
// Subscribing to StatusChannel delivers connection state events and is
// purely local.
func (c *Client) Subscribe(channel string, consumer Consumer) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	handle := c.registry.Subscribe(channel, consumer)

	if err := c.Connect(context.Background()); err != nil {
		handle()
		return nil, err
	}

	return handle, nil
}

// State returns the current connection state.
func (c *Client) State() connection.State {
	return c.manager.State()
}

// Close shuts the client down. Close is final: every subsequent
// operation returns ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	c.poller.Close()
	err := c.manager.Close()

	if started {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := c.router.Stop(stopCtx); serr != nil && err == nil {
			err = serr
		}
	}

	c.batcher.Close()

	c.logger.Info("feed client closed")
	return err
}

// Stats aggregates statistics across all components.
func (c *Client) Stats() Stats {
	return Stats{
		Connection:    c.manager.Stats(),
		Subscriptions: c.registry.Stats(),
		Router:        c.router.Stats(),
		Batcher:       c.batcher.Stats(),
		Poller:        c.poller.Stats(),
	}
}

// Stats is a point-in-time view across the client's components.
type Stats struct {
	Connection    connection.ManagerStats
	Subscriptions subscription.RegistryStats
	Router        router.RouterStats
	Batcher       batch.BatcherStats
	Poller        poller.Stats
}

// deliverStream is the batcher flush hook: a closed window becomes one
// event per channel.
func (c *Client) deliverStream(channel string, payloads []json.RawMessage) {
	c.registry.Dispatch(subscription.Event{
		Channel:  channel,
		Source:   subscription.SourceStream,
		Payloads: payloads,
	})
}

// deliverSnapshot is the poller delivery hook. Snapshots bypass the
// batcher: each fetch is already a single coalesced view.
func (c *Client) deliverSnapshot(snap api.Snapshot) {
	c.registry.Dispatch(subscription.Event{
		Channel:  snap.Channel,
		Source:   subscription.SourceSnapshot,
		Payloads: []json.RawMessage{snap.Data},
	})
}

// onStateChange fans a connection transition out to the poller and to
// status channel subscribers.
func (c *Client) onStateChange(change connection.StatusChange) {
	c.poller.OnStateChange(change)

	payload, err := json.Marshal(statusPayload{
		State:  change.State.String(),
		Reason: change.Reason,
	})
	if err != nil {
		return
	}
	c.registry.Dispatch(subscription.Event{
		Channel:  protocol.StatusChannel,
		Source:   subscription.SourceStream,
		Payloads: []json.RawMessage{payload},
	})
}
