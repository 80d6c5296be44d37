package wsconn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	reads chan readResult

	mu     sync.Mutex
	writes [][]byte
	pings  int
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan readResult, 8)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	r, ok := <-c.reads
	if !ok {
		return 0, nil, errors.New("use of closed connection")
	}
	if r.err != nil {
		return 0, nil, r.err
	}
	return websocket.TextMessage, r.data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) WriteControl(_ int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("ping on closed connection")
	}
	c.pings++
	return nil
}

func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.reads)
	}
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int // dials to fail before succeeding again
	dials    int
}

func (d *fakeDialer) Dial(context.Context, string, http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// manualTimer records scheduled reconnects so tests fire them explicitly.
type manualTimer struct {
	mu     sync.Mutex
	fns    []func()
	delays []time.Duration
}

func (mt *manualTimer) schedule(d time.Duration, f func()) func() bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.fns = append(mt.fns, f)
	mt.delays = append(mt.delays, d)
	idx := len(mt.fns) - 1
	return func() bool {
		mt.mu.Lock()
		defer mt.mu.Unlock()
		if mt.fns[idx] == nil {
			return false
		}
		mt.fns[idx] = nil
		return true
	}
}

func (mt *manualTimer) count() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.fns)
}

func (mt *manualTimer) fire(i int) bool {
	mt.mu.Lock()
	if i >= len(mt.fns) || mt.fns[i] == nil {
		mt.mu.Unlock()
		return false
	}
	f := mt.fns[i]
	mt.fns[i] = nil
	mt.mu.Unlock()
	f()
	return true
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

func newTestManager(cb Callbacks) (*Manager, *fakeDialer, *manualTimer) {
	dialer := &fakeDialer{}
	timer := &manualTimer{}
	m := NewManager(Options{
		URL:                  "wss://pbx.example.com/callcontrol/ws",
		HeartbeatInterval:    time.Hour, // keep heartbeat quiet unless a test wants it
		ReconnectBaseDelay:   3 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
	}, cb, nil)
	m.dialer = dialer
	m.newTimer = timer.schedule
	return m, dialer, timer
}

func TestBackoffDelay_Bound(t *testing.T) {
	base := 3 * time.Second
	max := 30 * time.Second
	want := []time.Duration{
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		24 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, w := range want {
		if got := BackoffDelay(base, max, i+1); got != w {
			t.Fatalf("attempt %d delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestConnect_OpensAndFiresOnOpen(t *testing.T) {
	opened := make(chan struct{}, 1)
	m, _, _ := newTestManager(Callbacks{OnOpen: func() { opened <- struct{}{} }})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if got := m.GetState(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnOpen was not invoked")
	}
	m.Disconnect()
}

func TestConnect_DialFailure(t *testing.T) {
	m, dialer, _ := newTestManager(Callbacks{})
	dialer.failures = 1

	if err := m.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
	if got := m.GetState(); got != StateDisconnected {
		t.Fatalf("state after failed connect = %s, want disconnected", got)
	}
}

func TestSend_FailsWhenNotOpen(t *testing.T) {
	m, _, _ := newTestManager(Callbacks{})
	if err := m.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSend_WritesWhenOpen(t *testing.T) {
	m, dialer, _ := newTestManager(Callbacks{})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.Disconnect()

	if err := m.Send([]byte("hello")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	c := dialer.lastConn()
	c.mu.Lock()
	n := len(c.writes)
	c.mu.Unlock()
	if n != 1 {
		t.Fatalf("wrote %d messages, want 1", n)
	}
}

func TestMessagesDispatchToCallback(t *testing.T) {
	got := make(chan []byte, 1)
	m, dialer, _ := newTestManager(Callbacks{OnMessage: func(d []byte) { got <- d }})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.Disconnect()

	dialer.lastConn().reads <- readResult{data: []byte(`{"event":{"event_type":0}}`)}
	select {
	case d := <-got:
		if string(d) != `{"event":{"event_type":0}}` {
			t.Fatalf("unexpected message %q", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not dispatched")
	}
}

func TestLoss_SchedulesReconnectAndRecovers(t *testing.T) {
	var mu sync.Mutex
	var reconnects, errs int
	m, dialer, timer := newTestManager(Callbacks{
		OnError:     func(error) { mu.Lock(); errs++; mu.Unlock() },
		OnReconnect: func() { mu.Lock(); reconnects++; mu.Unlock() },
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	dialer.lastConn().reads <- readResult{err: errors.New("peer reset")}
	waitFor(t, "reconnect scheduled", func() bool { return timer.count() == 1 })
	if timer.delays[0] != 3*time.Second {
		t.Fatalf("first reconnect delay = %v, want 3s", timer.delays[0])
	}

	if !timer.fire(0) {
		t.Fatalf("timer already fired or canceled")
	}
	waitFor(t, "state open after reconnect", func() bool { return m.GetState() == StateOpen })

	waitFor(t, "OnReconnect invoked", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnects == 1
	})
	mu.Lock()
	if errs != 1 {
		t.Fatalf("OnError called %d times, want 1", errs)
	}
	mu.Unlock()
	m.Disconnect()
}

func TestLoss_AttemptCounterResetsAfterRecovery(t *testing.T) {
	m, dialer, timer := newTestManager(Callbacks{})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// First loss, successful reconnect.
	dialer.lastConn().reads <- readResult{err: errors.New("reset 1")}
	waitFor(t, "first schedule", func() bool { return timer.count() == 1 })
	timer.fire(0)
	waitFor(t, "reopen", func() bool { return m.GetState() == StateOpen })

	// Second loss: delay must start from the base again.
	dialer.lastConn().reads <- readResult{err: errors.New("reset 2")}
	waitFor(t, "second schedule", func() bool { return timer.count() == 2 })
	if timer.delays[1] != 3*time.Second {
		t.Fatalf("delay after recovery = %v, want base 3s (counter reset)", timer.delays[1])
	}
	m.Disconnect()
}

func TestLoss_MaxAttemptsAbandons(t *testing.T) {
	closed := make(chan struct{}, 1)
	m, dialer, timer := newTestManager(Callbacks{OnClose: func() { closed <- struct{}{} }})
	m.opts.MaxReconnectAttempts = 2

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	dialer.mu.Lock()
	dialer.failures = 100 // all further dials fail
	dialer.mu.Unlock()

	dialer.lastConn().reads <- readResult{err: errors.New("reset")}
	waitFor(t, "attempt 1 scheduled", func() bool { return timer.count() == 1 })
	timer.fire(0)
	waitFor(t, "attempt 2 scheduled", func() bool { return timer.count() == 2 })
	timer.fire(1)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected OnClose after exhausting attempts")
	}
	if timer.count() != 2 {
		t.Fatalf("scheduled %d attempts, want exactly 2", timer.count())
	}
	if m.GetState() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected after giving up", m.GetState())
	}
}

func TestDisconnect_SuppressesPendingReconnect(t *testing.T) {
	m, dialer, timer := newTestManager(Callbacks{})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	dialer.lastConn().reads <- readResult{err: errors.New("reset")}
	waitFor(t, "reconnect scheduled", func() bool { return timer.count() == 1 })

	m.Disconnect()
	before := dialer.dialCount()

	// A stale timer firing after teardown must no-op.
	timer.fire(0)
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != before {
		t.Fatalf("reconnect dialed after intentional disconnect")
	}
	if m.GetState() != StateClosed {
		t.Fatalf("state = %s, want closed", m.GetState())
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	m, _, _ := newTestManager(Callbacks{})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	m.Disconnect()
	m.Disconnect()
	if m.GetState() != StateClosed {
		t.Fatalf("state = %s, want closed", m.GetState())
	}
}
