package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
)

var ErrNotConnected = errors.New("wsconn: not connected")

// Conn is the duplex transport surface the manager drives. *websocket.Conn
// satisfies it; tests inject fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a Conn. The default wraps gorilla's dialer.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Callbacks are lifecycle hooks. OnReconnect is distinct from OnOpen so the
// owner can run recovery-specific initialization (re-priming the dial loop)
// without repeating first-connection setup.
type Callbacks struct {
	OnOpen      func()
	OnMessage   func(data []byte)
	OnError     func(err error)
	OnClose     func()
	OnReconnect func()
}

// Options configures the manager.
type Options struct {
	URL    string
	Header http.Header

	// HeartbeatInterval between pings. Default 30s.
	HeartbeatInterval time.Duration

	// ReconnectBaseDelay seeds the exponential backoff. Default 3s.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the backoff. Default 30s.
	ReconnectMaxDelay time.Duration

	// MaxReconnectAttempts before the manager gives up. Default 5.
	MaxReconnectAttempts int

	// CloseTimeout bounds Disconnect when the underlying close hangs.
	// Default 5s.
	CloseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.ReconnectBaseDelay <= 0 {
		out.ReconnectBaseDelay = 3 * time.Second
	}
	if out.ReconnectMaxDelay <= 0 {
		out.ReconnectMaxDelay = 30 * time.Second
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = 5
	}
	if out.CloseTimeout <= 0 {
		out.CloseTimeout = 5 * time.Second
	}
	return out
}

// BackoffDelay returns the delay before reconnect attempt k (1-based):
// min(base * 2^(k-1), cap).
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Shift saturates well before overflow territory.
	if attempt > 32 {
		return max
	}
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// timerFunc schedules f after d and returns a cancel func. Overridable so
// tests drive reconnects without real timers.
type timerFunc func(d time.Duration, f func()) (cancel func() bool)

func realTimer(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// Manager is a long-lived duplex connection with heartbeat and self-healing
// reconnect, decoupled from what travels over it.
type Manager struct {
	opts   Options
	cb     Callbacks
	dialer Dialer

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         int // bumped per established connection; stale loops no-op
	attempts    int
	intentional bool
	cancelRetry func() bool
	stopHB      chan struct{}
	lastPong    time.Time

	clock    func() time.Time
	newTimer timerFunc
	log      *slog.Logger
}

func NewManager(opts Options, cb Callbacks, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		opts:     opts.withDefaults(),
		cb:       cb,
		dialer:   gorillaDialer{},
		state:    StateDisconnected,
		clock:    time.Now,
		newTimer: realTimer,
		log:      log,
	}
}

// GetState returns the current lifecycle state.
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.GetState() == StateOpen
}

// LastPong returns when the peer last answered a ping.
func (m *Manager) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}

// Connect establishes the connection. It returns once the transport is open;
// a slow or failing OnOpen callback never blocks or fails it, since the
// transport is already usable.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return fmt.Errorf("wsconn: connect while %s", m.state)
	}
	m.state = StateConnecting
	m.intentional = false
	m.attempts = 0
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, m.opts.URL, m.opts.Header)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return fmt.Errorf("wsconn: dial %s: %w", m.opts.URL, err)
	}

	m.install(conn)

	if m.cb.OnOpen != nil {
		go m.cb.OnOpen()
	}
	return nil
}

// install wires an established connection: pong handler, reader, heartbeat.
func (m *Manager) install(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.gen++
	gen := m.gen
	m.lastPong = m.clock()
	stopHB := make(chan struct{})
	m.stopHB = stopHB
	m.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		m.mu.Lock()
		m.lastPong = m.clock()
		m.mu.Unlock()
		return nil
	})

	go m.readLoop(conn, gen)
	go m.heartbeatLoop(conn, gen, stopHB)
}

func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleLoss(gen, err)
			return
		}
		if m.cb.OnMessage != nil {
			m.cb.OnMessage(data)
		}
	}
}

func (m *Manager) heartbeatLoop(conn Conn, gen int, stop chan struct{}) {
	t := time.NewTicker(m.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			deadline := m.clock().Add(m.opts.HeartbeatInterval / 2)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// A failed ping is a connection loss.
				m.handleLoss(gen, fmt.Errorf("wsconn: ping failed: %w", err))
				return
			}
		}
	}
}

// handleLoss runs once per lost connection: the generation check drops the
// duplicate signal from whichever of reader/heartbeat loses second.
func (m *Manager) handleLoss(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	intentional := m.intentional
	conn := m.conn
	m.conn = nil
	if m.stopHB != nil {
		close(m.stopHB)
		m.stopHB = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if intentional {
		return
	}

	m.log.Warn("connection lost", "url", m.opts.URL, "err", cause)
	if m.cb.OnError != nil {
		m.cb.OnError(cause)
	}
	m.scheduleReconnect()
}

// scheduleReconnect arms the next backoff attempt. Attempts beyond the max
// are logged and abandoned; the owner must call Connect again explicitly.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.mu.Unlock()
		m.log.Error("reconnect attempts exhausted", "url", m.opts.URL, "attempts", m.opts.MaxReconnectAttempts)
		if m.cb.OnClose != nil {
			m.cb.OnClose()
		}
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := BackoffDelay(m.opts.ReconnectBaseDelay, m.opts.ReconnectMaxDelay, attempt)
	m.log.Info("scheduling reconnect", "url", m.opts.URL, "attempt", attempt, "delay", delay)
	m.cancelRetry = m.newTimer(delay, func() { m.tryReconnect() })
	m.mu.Unlock()
}

func (m *Manager) tryReconnect() {
	m.mu.Lock()
	// A pending timer firing after teardown must detect the torn-down
	// state and no-op rather than resurrect the connection.
	if m.intentional || m.state == StateClosing || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CloseTimeout*2)
	conn, err := m.dialer.Dial(ctx, m.opts.URL, m.opts.Header)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.log.Warn("reconnect attempt failed", "url", m.opts.URL, "err", err)
		m.scheduleReconnect()
		return
	}

	m.install(conn)
	m.log.Info("reconnected", "url", m.opts.URL)
	if m.cb.OnReconnect != nil {
		go m.cb.OnReconnect()
	}
}

// Disconnect is intentional teardown: it suppresses the reconnect path and
// resolves within CloseTimeout even if the underlying close hangs.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	if m.state == StateClosed || m.state == StateDisconnected {
		m.state = StateClosed
		m.mu.Unlock()
		return
	}
	m.state = StateClosing
	conn := m.conn
	m.conn = nil
	if m.stopHB != nil {
		close(m.stopHB)
		m.stopHB = nil
	}
	m.mu.Unlock()

	if conn != nil {
		done := make(chan struct{})
		go func() {
			_ = conn.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(m.opts.CloseTimeout):
			m.log.Warn("close timed out, force-clearing state", "url", m.opts.URL)
		}
	}

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()

	if m.cb.OnClose != nil {
		m.cb.OnClose()
	}
}

// Send writes a text message. It fails immediately when not open; nothing
// is queued.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
