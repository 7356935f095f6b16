package connection

import (
	"log/slog"
	"sync"
	"time"
)

// HeartbeatConfig configures the liveness monitor.
type HeartbeatConfig struct {
	Interval time.Duration // Probe interval
	Watchdog time.Duration // Max silence before the connection is stale
}

// DefaultHeartbeatConfig returns the standard policy: 30s probes with
// a watchdog of 1.5x the probe interval.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Watchdog: 45 * time.Second,
	}
}

// Heartbeat sends periodic liveness probes and watches for inbound
// traffic. When nothing is observed within the watchdog window it calls
// onStale exactly once and stands down. It never closes the connection
// itself; the Manager decides what to do with a stale signal.
type Heartbeat struct {
	cfg     HeartbeatConfig
	ping    func() error
	onStale func()
	logger  *slog.Logger

	mu       sync.Mutex
	running  bool
	last     time.Time
	ticker   *time.Ticker
	watchdog *time.Timer
	done     chan struct{}
}

// NewHeartbeat creates a monitor. ping sends one liveness probe; onStale
// is invoked when the watchdog window elapses with no Touch.
func NewHeartbeat(cfg HeartbeatConfig, ping func() error, onStale func(), logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		cfg:     cfg,
		ping:    ping,
		onStale: onStale,
		logger:  logger,
	}
}

// Start begins probing. No-op if already running.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return
	}
	h.running = true
	h.last = time.Now()
	h.done = make(chan struct{})
	h.ticker = time.NewTicker(h.cfg.Interval)
	h.watchdog = time.AfterFunc(h.cfg.Watchdog, h.expire)

	go h.probeLoop(h.done, h.ticker)
}

// Stop cancels the probe ticker and the watchdog timer. No-op if not
// running.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Heartbeat) stopLocked() {
	if !h.running {
		return
	}
	h.running = false
	h.ticker.Stop()
	h.watchdog.Stop()
	close(h.done)
}

// Touch records a liveness signal: an explicit heartbeat reply or any
// inbound frame. It rearms the watchdog for a full window.
func (h *Heartbeat) Touch() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}
	h.last = time.Now()
	h.watchdog.Reset(h.cfg.Watchdog)
}

// expire fires when the watchdog window elapses without a Touch.
func (h *Heartbeat) expire() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	silence := time.Since(h.last)
	if silence < h.cfg.Watchdog {
		// Touched between the timer firing and acquiring the lock.
		h.watchdog.Reset(h.cfg.Watchdog - silence)
		h.mu.Unlock()
		return
	}
	h.stopLocked()
	h.mu.Unlock()

	h.logger.Warn("no liveness signal within watchdog window",
		"silence", silence,
		"watchdog", h.cfg.Watchdog,
	)
	h.onStale()
}

// probeLoop sends a ping on every tick until stopped.
func (h *Heartbeat) probeLoop(done chan struct{}, ticker *time.Ticker) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := h.ping(); err != nil {
				h.logger.Debug("failed to send liveness probe", "error", err)
			}
		}
	}
}
