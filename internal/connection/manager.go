package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/finboard/feedclient/internal/auth"
	"github.com/finboard/feedclient/internal/protocol"
	"github.com/finboard/feedclient/internal/transport"
)

// Manager owns the single transport connection and its lifecycle state
// machine, and wires the heartbeat monitor, reconnection policy, and
// outbound queue together.
type Manager interface {
	// Connect starts connecting. Idempotent: a no-op while Connecting or
	// Connected. An explicit call resets the reconnect attempt counter,
	// so it is also the way back from a permanent retry failure.
	Connect(ctx context.Context) error

	// Close is final. It cancels every pending timer, clears the
	// outbound queue, and closes the transport with a normal-closure
	// reason. Subsequent calls on the Manager return ErrClosed.
	Close() error

	// Send writes a message immediately when Connected, otherwise
	// queues it. Queued messages are flushed in order on the next
	// transition into Connected.
	Send(data []byte) error

	// SendControl behaves like Send for subscription control frames.
	// Queued control frames are dropped at flush time: the registry
	// replay on reconnect supersedes them.
	SendControl(data []byte) error

	// State returns the current connection state.
	State() State

	// Messages returns the inbound frame channel consumed by the
	// Message Router. Closed after Close.
	Messages() <-chan RawMessage

	// Notify registers a state-transition observer. Observers must be
	// registered before Connect and are invoked in transition order.
	Notify(fn func(StatusChange))

	// SetReplay installs the subscription replay hook, invoked on every
	// Connecting to Connected transition.
	SetReplay(fn func())

	// Stats returns current statistics.
	Stats() ManagerStats
}

// manager implements the Manager interface.
type manager struct {
	cfg     ManagerConfig
	factory transport.Factory
	tokens  auth.TokenProvider
	logger  *slog.Logger

	queue     *outboundQueue
	heartbeat *Heartbeat

	mu         sync.Mutex
	state      State
	closed     bool
	tr         transport.Transport
	gen        int // transport generation; stale events are ignored
	attempts   int
	retryTimer *time.Timer
	ctx        context.Context
	cancel     context.CancelFunc
	replay     func()
	transCount int64

	msgs chan RawMessage
	wg   sync.WaitGroup

	obsMu     sync.Mutex
	observers []func(StatusChange)
	statusCh  chan StatusChange
}

// NewManager creates a Connection Manager. The token provider may be nil
// when the endpoint is unauthenticated.
func NewManager(cfg ManagerConfig, factory transport.Factory, tokens auth.TokenProvider, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MessageBuffer < 1 {
		cfg.MessageBuffer = 1
	}

	m := &manager{
		cfg:      cfg,
		factory:  factory,
		tokens:   tokens,
		logger:   logger,
		queue:    newOutboundQueue(),
		state:    StateDisconnected,
		msgs:     make(chan RawMessage, cfg.MessageBuffer),
		statusCh: make(chan StatusChange, 256),
	}
	m.heartbeat = NewHeartbeat(cfg.Heartbeat, m.sendPing, m.handleStale, logger)

	go m.notifyLoop()

	return m
}

// Connect starts connecting unless already Connecting or Connected.
func (m *manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state {
	case StateConnecting, StateConnected:
		m.mu.Unlock()
		return nil
	}
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(ctx)
	}
	m.attempts = 0
	m.cancelRetryLocked()
	old := m.tr
	m.tr = nil
	m.transitionLocked(StateConnecting, "connect requested")
	gen := m.nextGenLocked()
	m.mu.Unlock()

	if old != nil {
		m.heartbeat.Stop()
		old.Close()
	}

	m.wg.Add(1)
	go m.dial(gen)

	return nil
}

// Close shuts the manager down permanently.
func (m *manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.cancelRetryLocked()
	m.queue.Clear()
	tr := m.tr
	m.tr = nil
	cancel := m.cancel
	m.transitionLocked(StateClosed, "closed")
	m.mu.Unlock()

	m.heartbeat.Stop()
	if cancel != nil {
		cancel()
	}
	if tr != nil {
		tr.Close()
	}

	m.wg.Wait()
	close(m.msgs)
	close(m.statusCh)

	m.logger.Info("connection manager closed")
	return nil
}

// Send writes immediately when Connected, otherwise queues.
func (m *manager) Send(data []byte) error {
	return m.send(data, false)
}

// SendControl sends a subscription control frame.
func (m *manager) SendControl(data []byte) error {
	return m.send(data, true)
}

func (m *manager) send(data []byte, control bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected || m.tr == nil {
		m.queue.Push(data, control)
		m.mu.Unlock()
		return nil
	}
	tr := m.tr
	gen := m.gen
	m.mu.Unlock()

	if err := tr.Send(data); err != nil {
		// The message is not lost: requeue it and let the reconnect
		// path flush it (control frames resurface through replay).
		if !control {
			m.queue.Push(data, false)
		}
		m.transportFailed(gen, err)
	}
	return nil
}

// State returns the current connection state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Messages returns the inbound frame channel.
func (m *manager) Messages() <-chan RawMessage {
	return m.msgs
}

// Notify registers a transition observer.
func (m *manager) Notify(fn func(StatusChange)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// SetReplay installs the subscription replay hook.
func (m *manager) SetReplay(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replay = fn
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		State:       m.state,
		QueueDepth:  m.queue.Len(),
		Attempts:    m.attempts,
		Transitions: m.transCount,
	}
}

// dial performs one connection attempt: token fetch, then transport open.
func (m *manager) dial(gen int) {
	defer m.wg.Done()

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	var token string
	if m.tokens != nil {
		var err error
		token, err = m.tokens.Token(ctx)
		if err != nil {
			m.dialFailed(gen, fmt.Errorf("fetch token: %w", err))
			return
		}
	}

	tr := m.factory(token)
	if err := tr.Connect(ctx); err != nil {
		m.dialFailed(gen, err)
		return
	}

	m.opened(gen, tr)
}

// dialFailed handles a failed open: Connecting -> Disconnected, then the
// reconnection policy takes over.
func (m *manager) dialFailed(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.gen {
		return
	}

	m.logger.Warn("connection attempt failed", "error", err, "attempt", m.attempts)
	m.transitionLocked(StateDisconnected, "dial failed: "+err.Error())
	m.scheduleRetryLocked()
}

// opened handles a successful open: flush the queue, publish Connected,
// start the heartbeat, and replay subscriptions. The queue is drained
// before the Connected state is visible to send(), so a send racing
// with the flush still funnels through the queue and cannot overtake
// older queued messages.
func (m *manager) opened(gen int, tr transport.Transport) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		tr.Close()
		return
	}
	m.tr = tr
	m.attempts = 0
	m.mu.Unlock()

	// Queued control frames are skipped during the flush: the replay
	// that follows re-issues exactly the registry's active set. The
	// emptiness check and the Connected transition share one critical
	// section, so anything pushed mid-flush is drained on the next
	// pass rather than stranded.
	flushed := 0
	var replay func()
	for {
		items := m.queue.Drain()
		if len(items) == 0 {
			m.mu.Lock()
			if m.closed || gen != m.gen {
				m.mu.Unlock()
				return
			}
			if m.queue.Len() > 0 {
				m.mu.Unlock()
				continue
			}
			m.transitionLocked(StateConnected, "connected")
			replay = m.replay
			m.mu.Unlock()
			break
		}
		for i, qm := range items {
			if qm.Control {
				continue
			}
			if err := tr.Send(qm.Data); err != nil {
				m.queue.Requeue(items[i:])
				m.flushFailed(gen, err)
				return
			}
			flushed++
		}
	}
	if flushed > 0 {
		m.logger.Debug("flushed outbound queue", "count", flushed)
	}

	m.wg.Add(1)
	go m.readLoop(gen, tr)

	m.heartbeat.Start()
	if replay != nil {
		replay()
	}
}

// flushFailed handles a write failure while draining the queue during
// connection establishment. The connection never became Connected, so
// this is treated like a failed dial; the retry path closes the
// transport.
func (m *manager) flushFailed(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.gen {
		return
	}

	m.logger.Warn("queue flush failed", "error", err)
	m.transitionLocked(StateDisconnected, "flush failed: "+err.Error())
	m.scheduleRetryLocked()
}

// readLoop forwards inbound frames to the router and watches for
// transport errors.
func (m *manager) readLoop(gen int, tr transport.Transport) {
	defer m.wg.Done()

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-tr.Errors():
			m.transportFailed(gen, err)
			return

		case msg, ok := <-tr.Messages():
			if !ok {
				return
			}
			m.markActivity(gen)

			select {
			case m.msgs <- RawMessage{Data: msg.Data, ReceivedAt: msg.ReceivedAt}:
			case <-ctx.Done():
				return
			default:
				m.logger.Warn("router buffer full, dropping frame")
			}
		}
	}
}

// markActivity records a liveness signal. Fresh traffic while Degraded
// heals the connection before the pending retry fires.
func (m *manager) markActivity(gen int) {
	m.heartbeat.Touch()

	m.mu.Lock()
	if m.closed || gen != m.gen || m.state != StateDegraded {
		m.mu.Unlock()
		return
	}
	m.cancelRetryLocked()
	m.attempts = 0
	m.transitionLocked(StateConnected, "liveness restored")
	m.mu.Unlock()

	m.heartbeat.Start()
}

// transportFailed handles an abnormal close or write failure:
// Connected -> Degraded, then the reconnection policy takes over.
func (m *manager) transportFailed(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.gen {
		return
	}
	if m.state != StateConnected && m.state != StateDegraded {
		return
	}

	m.logger.Warn("transport failed", "error", err)
	if m.state == StateConnected {
		m.transitionLocked(StateDegraded, "transport error: "+err.Error())
	}
	m.scheduleRetryLocked()
}

// handleStale is the heartbeat monitor's degradation signal.
func (m *manager) handleStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state != StateConnected {
		return
	}
	m.transitionLocked(StateDegraded, "heartbeat timeout")
	m.scheduleRetryLocked()
}

// sendPing emits a liveness probe frame.
func (m *manager) sendPing() error {
	m.mu.Lock()
	tr := m.tr
	ok := m.state == StateConnected || m.state == StateDegraded
	m.mu.Unlock()

	if !ok || tr == nil {
		return ErrClosed
	}
	return tr.Send(protocol.Ping())
}

// scheduleRetryLocked arms the reconnect timer per the backoff policy.
// When the attempt ceiling is exceeded the failure is permanent: the
// manager goes Disconnected and stays there until an explicit Connect.
func (m *manager) scheduleRetryLocked() {
	if m.retryTimer != nil {
		return
	}

	delay, ok := m.cfg.Backoff.Delay(m.attempts)
	if !ok {
		m.logger.Error("reconnect attempts exhausted", "attempts", m.attempts)
		if m.state == StateDisconnected {
			// The failed dial already moved us here; the permanent
			// failure still has to reach observers with its own reason.
			m.publishLocked(StatusChange{From: m.state, State: StateDisconnected, Reason: "retries exhausted"})
		} else {
			m.transitionLocked(StateDisconnected, "retries exhausted")
		}
		return
	}
	m.attempts++

	m.logger.Info("reconnect scheduled", "delay", delay, "attempt", m.attempts)
	m.retryTimer = time.AfterFunc(delay, m.retryFire)
}

// retryFire runs when the reconnect timer elapses.
func (m *manager) retryFire() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	if m.state == StateConnected {
		// Healed before the retry fired.
		m.mu.Unlock()
		return
	}
	old := m.tr
	m.tr = nil
	m.transitionLocked(StateConnecting, "reconnecting")
	gen := m.nextGenLocked()
	m.mu.Unlock()

	m.heartbeat.Stop()
	if old != nil {
		old.Close()
	}

	m.wg.Add(1)
	go m.dial(gen)
}

// cancelRetryLocked stops a pending reconnect timer.
func (m *manager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// nextGenLocked bumps the transport generation so events from a
// superseded transport are ignored.
func (m *manager) nextGenLocked() int {
	m.gen++
	return m.gen
}

// transitionLocked performs a state transition and enqueues the
// notification. Must be called with mu held.
func (m *manager) transitionLocked(to State, reason string) {
	if m.state == to {
		return
	}
	change := StatusChange{From: m.state, State: to, Reason: reason}
	m.state = to
	m.transCount++

	m.logger.Info("connection state changed",
		"from", change.From.String(),
		"to", to.String(),
		"reason", reason,
	)

	m.publishLocked(change)
}

// publishLocked enqueues a status change for observer delivery. Must be
// called with mu held.
func (m *manager) publishLocked(change StatusChange) {
	select {
	case m.statusCh <- change:
	default:
		m.logger.Warn("status buffer full, dropping transition",
			"to", change.State.String(),
		)
	}
}

// notifyLoop delivers transitions to observers in order.
func (m *manager) notifyLoop() {
	for change := range m.statusCh {
		m.obsMu.Lock()
		observers := m.observers
		m.obsMu.Unlock()

		for _, fn := range observers {
			fn(change)
		}
	}
}
