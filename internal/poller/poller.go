package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/finboard/feedclient/internal/api"
	"github.com/finboard/feedclient/internal/connection"
)

// SnapshotFetcher fetches point-in-time state for a set of channels.
// Implemented by the REST client.
type SnapshotFetcher interface {
	FetchSnapshots(ctx context.Context, channels []string) ([]api.Snapshot, error)
}

// ChannelSource provides the channels currently subscribed. Implemented
// by the Subscription Registry.
type ChannelSource interface {
	ActiveChannels() []string
}

// DeliverFunc hands a fetched snapshot to the dispatch path.
type DeliverFunc func(snap api.Snapshot)

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Poll interval while active
	Grace    time.Duration // Unhealthy duration before activating
	Timeout  time.Duration // Per-cycle fetch timeout
}

// DefaultConfig returns sensible defaults. The grace period keeps a
// brief hiccup from flapping the poller on and off.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Grace:    2 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Poller substitutes periodic REST snapshot fetches for streaming
// delivery while the connection is unhealthy. It activates once the
// connection has been Degraded or Disconnected for longer than the
// grace period and stands down the moment streaming resumes. Delivery
// is gated on connection state so the polled and streamed paths never
// deliver for the same channel at the same instant.
type Poller struct {
	cfg      Config
	fetcher  SnapshotFetcher
	channels ChannelSource
	deliver  DeliverFunc
	state    func() connection.State
	logger   *slog.Logger

	mu         sync.Mutex
	closed     bool
	active     bool
	graceTimer *time.Timer
	cancelPoll context.CancelFunc

	wg sync.WaitGroup

	polls     int64
	delivered int64
	errors    int64
}

// Stats provides poller counters.
type Stats struct {
	Active    bool
	Polls     int64
	Delivered int64
	Errors    int64
}

// New creates a Poller. state reports the current connection state and
// gates every delivery.
func New(cfg Config, fetcher SnapshotFetcher, channels ChannelSource, deliver DeliverFunc, state func() connection.State, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Poller{
		cfg:      cfg,
		fetcher:  fetcher,
		channels: channels,
		deliver:  deliver,
		state:    state,
		logger:   logger,
	}
}

// OnStateChange drives activation from connection transitions. Register
// it with the Connection Manager's Notify.
func (p *Poller) OnStateChange(c connection.StatusChange) {
	switch c.State {
	case connection.StateConnected, connection.StateClosed:
		p.deactivate()
	case connection.StateDegraded, connection.StateDisconnected:
		p.armGrace()
	}
	// Connecting is neither healthy nor a fresh degradation: an active
	// poller stays active through retry churn, an armed grace timer
	// keeps counting.
}

// Close stops the poller permanently.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.deactivate()
	p.wg.Wait()
}

// Stats returns current counters.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    p.active,
		Polls:     p.polls,
		Delivered: p.delivered,
		Errors:    p.errors,
	}
}

// armGrace starts the activation countdown unless already counting or
// already active.
func (p *Poller) armGrace() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.active || p.graceTimer != nil {
		return
	}
	if p.cfg.Grace <= 0 {
		p.activateLocked()
		return
	}
	p.graceTimer = time.AfterFunc(p.cfg.Grace, p.graceElapsed)
}

// graceElapsed activates polling after an uninterrupted unhealthy spell.
func (p *Poller) graceElapsed() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.graceTimer = nil
	if p.closed || p.active {
		return
	}
	if p.state() == connection.StateConnected {
		// Healed while the timer was in flight.
		return
	}
	p.activateLocked()
}

// activateLocked starts the poll loop. Caller holds mu.
func (p *Poller) activateLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelPoll = cancel
	p.active = true

	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("fallback poller activated", "interval", p.cfg.Interval)
}

// deactivate cancels the grace timer and stops the poll loop.
func (p *Poller) deactivate() {
	p.mu.Lock()
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	cancel := p.cancelPoll
	p.cancelPoll = nil
	p.mu.Unlock()

	cancel()
	p.logger.Info("fallback poller deactivated")
}

// run is the poll loop. The first cycle fires immediately.
func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.pollCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollCycle(ctx)
		}
	}
}

// pollCycle fetches snapshots for every subscribed channel and delivers
// them through the dispatch path, unless streaming resumed meanwhile.
func (p *Poller) pollCycle(ctx context.Context) {
	channels := p.channels.ActiveChannels()
	if len(channels) == 0 {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	snaps, err := p.fetcher.FetchSnapshots(fetchCtx, channels)

	p.mu.Lock()
	p.polls++
	if err != nil {
		p.errors++
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("snapshot poll failed", "channels", len(channels), "error", err)
	}

	// Delivery gate: if streaming resumed while the fetch was in
	// flight, drop the results rather than racing fresh stream data
	// with a stale snapshot.
	if p.state() == connection.StateConnected {
		return
	}
	select {
	case <-ctx.Done():
		return
	default:
	}

	for _, snap := range snaps {
		p.deliver(snap)
	}

	p.mu.Lock()
	p.delivered += int64(len(snaps))
	p.mu.Unlock()

	p.logger.Debug("poll cycle complete",
		"channels", len(channels),
		"fetched", len(snaps),
		"duration", time.Since(start),
	)
}
