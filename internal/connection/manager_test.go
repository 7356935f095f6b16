package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/finboard/feedclient/internal/transport"
)

// fakeTransport is a scriptable in-memory transport.
type fakeTransport struct {
	dialErr error

	mu     sync.Mutex
	sent   [][]byte
	closed bool

	// When set, the first Send closes sendStarted and then blocks
	// until sendRelease closes.
	sendStarted chan struct{}
	sendRelease chan struct{}

	msgs chan transport.Message
	errs chan error
}

func newFakeTransport(dialErr error) *fakeTransport {
	return &fakeTransport{
		dialErr: dialErr,
		msgs:    make(chan transport.Message, 100),
		errs:    make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return f.dialErr }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	started := f.sendStarted
	release := f.sendRelease
	f.sendStarted = nil
	f.sendRelease = nil
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrNotConnected
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Messages() <-chan transport.Message { return f.msgs }
func (f *fakeTransport) Errors() <-chan error               { return f.errs }

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

func (f *fakeTransport) push(data string) {
	f.msgs <- transport.Message{Data: []byte(data), ReceivedAt: time.Now()}
}

func (f *fakeTransport) fail(err error) {
	f.errs <- err
}

// fakeFactory hands out scripted transports, one per attempt.
type fakeFactory struct {
	mu       sync.Mutex
	dialErrs []error // error for attempt i; nil past the end
	made     []*fakeTransport

	// Applied to the next transport made, then cleared.
	sendStarted chan struct{}
	sendRelease chan struct{}
}

func (ff *fakeFactory) factory(token string) transport.Transport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	var dialErr error
	if len(ff.made) < len(ff.dialErrs) {
		dialErr = ff.dialErrs[len(ff.made)]
	}
	tr := newFakeTransport(dialErr)
	tr.sendStarted = ff.sendStarted
	tr.sendRelease = ff.sendRelease
	ff.sendStarted = nil
	ff.sendRelease = nil
	ff.made = append(ff.made, tr)
	return tr
}

// holdFirstSend makes the next transport's first Send block: it closes
// started when the write begins and waits for release.
func (ff *fakeFactory) holdFirstSend(started, release chan struct{}) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ff.sendStarted = started
	ff.sendRelease = release
}

func (ff *fakeFactory) attempt(i int) *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if i >= len(ff.made) {
		return nil
	}
	return ff.made[i]
}

func (ff *fakeFactory) attempts() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.made)
}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		Backoff:       Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 5},
		Heartbeat:     HeartbeatConfig{Interval: time.Hour, Watchdog: time.Hour},
		MessageBuffer: 100,
	}
}

func waitState(t *testing.T, m Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.State(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_ConnectTransitionsToConnected(t *testing.T) {
	ff := &fakeFactory{}
	m := NewManager(testManagerConfig(), ff.factory, nil, nil)
	defer m.Close()

	var replays int
	var mu sync.Mutex
	m.SetReplay(func() {
		mu.Lock()
		replays++
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitState(t, m, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	if replays != 1 {
		t.Errorf("replay invoked %d times, want 1", replays)
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	ff := &fakeFactory{}
	m := NewManager(testManagerConfig(), ff.factory, nil, nil)
	defer m.Close()

	m.Connect(context.Background())
	waitState(t, m, StateConnected)
	m.Connect(context.Background())
	m.Connect(context.Background())

	time.Sleep(20 * time.Millisecond)
	if n := ff.attempts(); n != 1 {
		t.Errorf("made %d transports, want 1 (Connect must be a no-op while Connected)", n)
	}
}

func TestManager_QueueFlushedInOrder(t *testing.T) {
	ff := &fakeFactory{}
	m := NewManager(testManagerConfig(), ff.factory, nil, nil)
	defer m.Close()

	// Three sends while Disconnected.
	m.Send([]byte("one"))
	m.Send([]byte("two"))
	m.Send([]byte("three"))

	if m.Stats().QueueDepth != 3 {
		t.Fatalf("queue depth = %d, want 3", m.Stats().QueueDepth)
	}

	m.Connect(context.Background())
	waitState(t, m, StateConnected)

	// A newly-issued send lands after all flushed messages.
	m.Send([]byte("four"))

	tr := ff.attempt(0)
	waitFor(t, "4 frames sent", func() bool { return len(tr.sentFrames()) == 4 })

	got := tr.sentFrames()
	for i, want := range []string{"one", "two", "three", "four"} {
		if got[i] != want {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want)
		}
	}
}

func TestManager_SendDuringFlushLandsBehindQueue(t *testing.T) {
	ff := &fakeFactory{}
	m := NewManager(testManagerConfig(), ff.factory, nil, nil)
	defer m.Close()

	m.Send([]byte("one"))
	m.Send([]byte("two"))

	// Hold the flush open on its first write so a racing send has a
	// window to overtake it.
	started := make(chan struct{})
	release := make(chan struct{})
	ff.holdFirstSend(started, release)

	m.Connect(context.Background())
	<-started

	// Connected must not be visible mid-flush; this send has to queue.
	if got := m.State(); got != StateConnecting {
		t.Fatalf("state during flush = %v, want Connecting", got)
	}
	m.Send([]byte("three"))

	close(release)
	waitState(t, m, StateConnected)

	tr := ff.attempt(0)
	waitFor(t, "3 frames sent", func() bool { return len(tr.sentFrames()) == 3 })

	got := tr.sentFrames()
	for i, want := range []string{"one", "two", "three"} {
		if got[i] != want {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want)
		}
	}
}

func TestManager_QueuedControlSupersededByReplay(t *testing.T) {
	ff := &fakeFactory{}
	m := NewManager(testManagerConfig(), ff.factory, nil, nil)
	defer m.Close()

	m.SetReplay(func() {
		m.SendControl([]byte(`{"type":"subscribe","channel":"market.AAPL"}`))
	})

	// Queued while offline; replay re-issues the same subscription.
	m.SendControl([]byte(`{"type":"subscribe","channel":"market.AAPL"}`))

	m.Connect(context.Background())
	waitState(t, m, StateConnected)

	tr := ff.attempt(0)
	waitFor(t, "replayed subscribe", func() bool { return len(tr.sentFrames()) >= 1 })
	time.Sleep(20 * time.Millisecond)

	if got := tr.sentFrames(); len(got) != 1 {
		t.Errorf("sent %d frames, want exactly 1 (queued control superseded): %v", len(got), got)
	}
}

func TestManager_DegradesAndReconnectsOnTransportError(t *testing.T) {
	ff := &fakeFactory{}
	m := NewManager(testManagerConfig(), ff.factory, nil, nil)
	defer m.Close()

	var replays int
	var mu sync.Mutex
	m.SetReplay(func() {
		mu.Lock()
		replays++
		mu.Unlock()
	})

	var transitions []State
	var tmu sync.Mutex
	m.Notify(func(c StatusChange) {
		tmu.Lock()
		transitions = append(transitions, c.State)
		tmu.Unlock()
	})

	m.Connect(context.Background())
	waitState(t, m, StateConnected)

	ff.attempt(0).fail(errors.New("abnormal close"))

	waitFor(t, "reconnect", func() bool { return ff.attempts() == 2 && m.State() == StateConnected })

	mu.Lock()
	if replays != 2 {
		t.Errorf("replay invoked %d times, want 2 (once per Connected transition)", replays)
	}
	mu.Unlock()

	tmu.Lock()
	defer tmu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDegraded, StateConnecting, StateConnected}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestManager_RetriesExhaustedIsPermanent(t *testing.T) {
	ff := &fakeFactory{
		// Every dial fails.
		dialErrs: []error{
			errors.New("refused"), errors.New("refused"), errors.New("refused"),
			errors.New("refused"), errors.New("refused"), errors.New("refused"),
			errors.New("refused"), errors.New("refused"),
		},
	}
	cfg := testManagerConfig()
	cfg.Backoff = Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}
	m := NewManager(cfg, ff.factory, nil, nil)
	defer m.Close()

	var last StatusChange
	var mu sync.Mutex
	m.Notify(func(c StatusChange) {
		mu.Lock()
		last = c
		mu.Unlock()
	})

	m.Connect(context.Background())

	// First dial + 3 retries, then permanent failure. The final event
	// must reach observers even though the failed dial already left the
	// state at Disconnected.
	waitFor(t, "retries exhausted", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.Reason == "retries exhausted"
	})
	mu.Lock()
	if last.State != StateDisconnected {
		t.Errorf("exhaustion event state = %v, want Disconnected", last.State)
	}
	mu.Unlock()
	attempts := ff.attempts()
	if attempts != 4 {
		t.Errorf("dialed %d times, want 4 (initial + ceiling of 3)", attempts)
	}

	// No auto-retry after exhaustion.
	time.Sleep(50 * time.Millisecond)
	if ff.attempts() != attempts {
		t.Error("manager kept retrying after permanent failure")
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %v, want Disconnected", m.State())
	}

	// Explicit Connect resets the counter and resumes.
	m.Connect(context.Background())
	waitFor(t, "new dial after explicit Connect", func() bool { return ff.attempts() > attempts })
}

func TestManager_HealsOnTrafficWhileDegraded(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testManagerConfig()
	// Watchdog fires quickly, retry is far away: the heal must win.
	cfg.Heartbeat = HeartbeatConfig{Interval: time.Hour, Watchdog: 30 * time.Millisecond}
	cfg.Backoff = Backoff{Base: time.Hour, Max: time.Hour, MaxAttempts: 5}
	m := NewManager(cfg, ff.factory, nil, nil)
	defer m.Close()

	m.Connect(context.Background())
	waitState(t, m, StateConnected)
	waitState(t, m, StateDegraded)

	// Fresh inbound traffic before the retry fires.
	ff.attempt(0).push(`{"type":"heartbeat"}`)
	waitState(t, m, StateConnected)

	if n := ff.attempts(); n != 1 {
		t.Errorf("made %d transports, want 1 (no reconnect after heal)", n)
	}
}

func TestManager_ForwardsMessagesToRouter(t *testing.T) {
	ff := &fakeFactory{}
	m := NewManager(testManagerConfig(), ff.factory, nil, nil)
	defer m.Close()

	m.Connect(context.Background())
	waitState(t, m, StateConnected)

	ff.attempt(0).push(`{"type":"data","channel":"market.AAPL","data":{"p":1}}`)

	select {
	case raw := <-m.Messages():
		if string(raw.Data) != `{"type":"data","channel":"market.AAPL","data":{"p":1}}` {
			t.Errorf("unexpected frame: %s", raw.Data)
		}
		if raw.ReceivedAt.IsZero() {
			t.Error("ReceivedAt not set")
		}
	case <-time.After(time.Second):
		t.Fatal("frame never reached the router channel")
	}
}

func TestManager_CloseIsFinal(t *testing.T) {
	ff := &fakeFactory{}
	m := NewManager(testManagerConfig(), ff.factory, nil, nil)

	m.Send([]byte("queued"))
	m.Connect(context.Background())
	waitState(t, m, StateConnected)

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if m.State() != StateClosed {
		t.Errorf("state = %v, want Closed", m.State())
	}
	if err := m.Send([]byte("x")); err != ErrClosed {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}
	if err := m.Connect(context.Background()); err != ErrClosed {
		t.Errorf("Connect after close = %v, want ErrClosed", err)
	}
	if err := m.Close(); err != ErrClosed {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
	if m.Stats().QueueDepth != 0 {
		t.Error("queue not cleared on close")
	}

	// The router channel must be closed so downstream loops end.
	if _, ok := <-m.Messages(); ok {
		t.Error("Messages channel still open after Close")
	}
}

func TestManager_CloseWhileDegradedCancelsRetry(t *testing.T) {
	ff := &fakeFactory{}
	cfg := testManagerConfig()
	cfg.Backoff = Backoff{Base: 30 * time.Millisecond, Max: time.Second, MaxAttempts: 5}
	m := NewManager(cfg, ff.factory, nil, nil)

	m.Connect(context.Background())
	waitState(t, m, StateConnected)

	ff.attempt(0).fail(errors.New("abnormal close"))
	waitState(t, m, StateDegraded)

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The pending reconnect timer must not fire a new dial.
	time.Sleep(80 * time.Millisecond)
	if n := ff.attempts(); n != 1 {
		t.Errorf("made %d transports after close, want 1", n)
	}
}
