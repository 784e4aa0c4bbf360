package marketchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/vovakirdan/marketchat-sdk-go/marketchat/internal"
)

// Socket is one open connection as seen by ConnManager.
type Socket interface {
	// Read blocks until the next frame payload arrives.
	Read(ctx context.Context) ([]byte, error)
	// Write sends v as one JSON frame.
	Write(ctx context.Context, v any) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Socket, error) { return f(ctx, url) }

// NewWebsocketDialer returns the default Dialer backed by coder/websocket.
func NewWebsocketDialer(cfg Config, httpClient *http.Client) Dialer {
	opts := internal.DialOptions{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		HTTPClient:       httpClient,
	}
	return DialerFunc(func(ctx context.Context, url string) (Socket, error) {
		c, err := internal.Dial(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

const writeQueueSize = 64

// ConnManager owns the single live socket: lifecycle, keepalive and
// reconnection with capped exponential backoff.
type ConnManager struct {
	cfg    Config
	dialer Dialer
	clock  clockwork.Clock
	logger Logger

	mu         sync.Mutex
	state      ConnectionState
	attempts   int
	exhausted  bool
	closed     bool
	lastPongAt time.Time
	credential string
	gen        uint64 // bumped whenever the current socket or dial is abandoned
	sess       *session
	dialCancel context.CancelFunc
	retryTimer clockwork.Timer
	waiters    []chan error

	stateL     listeners[StateEvent]
	frameL     listeners[Frame]
	errorL     listeners[error]
	reconnectL listeners[ReconnectEvent]
	connectedL listeners[context.Context]
}

type session struct {
	gen         uint64
	sock        Socket
	writeCh     chan any
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time
}

// NewConnManager constructs a manager in the Disconnected state. Nil
// collaborators fall back to the websocket dialer, the real clock and a
// no-op logger.
func NewConnManager(cfg Config, dialer Dialer, clock clockwork.Clock, logger Logger) *ConnManager {
	if dialer == nil {
		dialer = NewWebsocketDialer(cfg, nil)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &ConnManager{cfg: cfg, dialer: dialer, clock: clock, logger: logger}
}

// OnState registers a callback for state transitions.
func (m *ConnManager) OnState(fn func(StateEvent)) func() { return m.stateL.add(fn) }

// OnFrame registers a callback for inbound frames. Pong frames are consumed
// by the keepalive and never delivered.
func (m *ConnManager) OnFrame(fn func(Frame)) func() { return m.frameL.add(fn) }

// OnError registers a callback for connection errors.
func (m *ConnManager) OnError(fn func(error)) func() { return m.errorL.add(fn) }

// OnReconnect registers a callback for scheduled automatic reconnects.
func (m *ConnManager) OnReconnect(fn func(ReconnectEvent)) func() { return m.reconnectL.add(fn) }

// OnConnected registers an entry action for the Connected state. It runs once
// per successful (re)connection, before waiters are released; ctx is cancelled
// when that socket goes away.
func (m *ConnManager) OnConnected(fn func(ctx context.Context)) func() { return m.connectedL.add(fn) }

// State returns the current connection state.
func (m *ConnManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempts returns how many automatic retries ran since the last
// successful connection.
func (m *ConnManager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastPongAt returns when the last pong arrived; zero if none on this socket.
func (m *ConnManager) LastPongAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPongAt
}

// Connect starts dialing with credential as the token parameter and returns
// without waiting for the socket; use WaitConnected for that. It is a no-op
// while Connecting or Connected.
func (m *ConnManager) Connect(credential string) error {
	if credential == "" {
		err := NewError(ErrorAuthRequired, "no credential supplied")
		m.logger.Warn("connect refused", map[string]any{"error": err.Error()})
		m.errorL.emit(m.logger, "error", err)
		m.releaseWaiters(m.takeWaiters(), err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		m.logger.Debug("connect skipped", map[string]any{"state": m.State().String()})
		return nil
	}
	m.credential = credential
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.exhausted {
		m.attempts = 0
		m.exhausted = false
	}
	gen, ev := m.beginDialLocked()
	m.mu.Unlock()

	m.stateL.emit(m.logger, "state", ev)
	go m.dial(gen, credential)
	return nil
}

// Resume reconnects with the last credential if the manager is Disconnected
// and not dialing. Presentation layers call it when the app is foregrounded.
func (m *ConnManager) Resume() error {
	m.mu.Lock()
	st, cred, closed := m.state, m.credential, m.closed
	m.mu.Unlock()
	if closed || st != StateDisconnected || cred == "" {
		return nil
	}
	m.logger.Info("resuming connection", nil)
	return m.Connect(cred)
}

// Send queues frame on the live socket. It fails with ErrNotConnected unless
// the manager is Connected; nothing is buffered across disconnects.
func (m *ConnManager) Send(ctx context.Context, frame any) error {
	m.mu.Lock()
	s := m.sess
	connected := m.state == StateConnected && s != nil
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	select {
	case s.writeCh <- frame:
		return nil
	case <-s.ctx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return WrapError(ErrorTimeout, "send", ctx.Err())
	}
}

// WaitConnected blocks until the manager enters Connected. It fails when the
// connection is given up (auth, exhausted retries, Disconnect) or ctx ends.
func (m *ConnManager) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ch := make(chan error, 1)
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		m.dropWaiter(ch)
		return WrapError(ErrorTimeout, "wait for connection", ctx.Err())
	}
}

// Disconnect closes the socket deliberately: no reconnect follows, a pending
// retry is cancelled and waiters are released with an error.
func (m *ConnManager) Disconnect() error {
	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	s := m.sess
	m.sess = nil
	m.gen++
	var ev StateEvent
	changed := m.state != StateDisconnected
	if changed {
		ev = m.setStateLocked(StateDisconnected, nil)
	}
	waiters := m.takeWaitersLocked()
	m.mu.Unlock()

	var err error
	if s != nil {
		err = s.sock.Close(websocket.StatusNormalClosure, "client disconnect")
		s.cancel()
	}
	if changed {
		m.logger.Info("disconnected", map[string]any{"deliberate": true})
		m.stateL.emit(m.logger, "state", ev)
	}
	m.releaseWaiters(waiters, NewError(ErrorClosed, "disconnected by client"))
	return err
}

// Close disconnects and drops every listener. The manager cannot be reused.
func (m *ConnManager) Close() error {
	err := m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stateL.clear()
	m.frameL.clear()
	m.errorL.clear()
	m.reconnectL.clear()
	m.connectedL.clear()
	return err
}

func (m *ConnManager) beginDialLocked() (uint64, StateEvent) {
	m.gen++
	return m.gen, m.setStateLocked(StateConnecting, nil)
}

func (m *ConnManager) setStateLocked(s ConnectionState, cause error) StateEvent {
	ev := StateEvent{OldState: m.state, NewState: s, Error: cause}
	m.state = s
	return ev
}

func (m *ConnManager) dial(gen uint64, credential string) {
	url, err := m.cfg.socketURL(credential)
	if err != nil {
		m.handleDrop(gen, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.dialCancel = cancel
	m.mu.Unlock()

	m.logger.Debug("dialing", map[string]any{"attempt": m.ReconnectAttempts()})
	sock, err := m.dialer.Dial(ctx, url)

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if sock != nil {
			_ = sock.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	m.dialCancel = nil
	if err != nil {
		m.mu.Unlock()
		m.handleDrop(gen, WrapError(ErrorConnection, "dial", err))
		return
	}

	sctx, scancel := context.WithCancel(context.Background())
	s := &session{
		gen:         gen,
		sock:        sock,
		writeCh:     make(chan any, writeQueueSize),
		ctx:         sctx,
		cancel:      scancel,
		connectedAt: m.clock.Now(),
	}
	m.sess = s
	m.attempts = 0
	m.exhausted = false
	m.lastPongAt = time.Time{}
	ev := m.setStateLocked(StateConnected, nil)
	waiters := m.takeWaitersLocked()
	m.mu.Unlock()

	go m.writeLoop(s)
	go m.readLoop(s)
	go m.keepalive(s)

	m.logger.Info("connected", nil)
	m.connectedL.emit(m.logger, "connected", s.ctx)
	m.stateL.emit(m.logger, "state", ev)
	m.releaseWaiters(waiters, nil)
}

// handleDrop moves a live or dialing socket of generation gen to
// Disconnected and schedules the next retry, or gives up.
func (m *ConnManager) handleDrop(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	s := m.sess
	m.sess = nil
	m.gen++
	ev := m.setStateLocked(StateDisconnected, cause)

	var (
		retry     *ReconnectEvent
		exhausted error
		waiters   []chan error
	)
	if !m.closed && m.attempts < m.cfg.MaxReconnectTries {
		delay := Backoff(m.attempts, m.cfg.ReconnectBaseDelay, m.cfg.MaxReconnectDelay)
		retry = &ReconnectEvent{Attempt: m.attempts, Delay: delay}
		retryGen := m.gen
		m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(retryGen) })
	} else {
		m.exhausted = true
		exhausted = WrapError(ErrorReconnectExhausted,
			fmt.Sprintf("gave up after %d reconnect attempts", m.attempts), cause)
		waiters = m.takeWaitersLocked()
	}
	m.mu.Unlock()

	if s != nil {
		s.cancel()
		go func() { _ = s.sock.Close(websocket.StatusGoingAway, "connection lost") }()
	}

	fields := map[string]any{"error": errString(cause)}
	if closedByPeer(cause) {
		m.logger.Info("connection closed by server", fields)
	} else {
		m.logger.Warn("connection lost", fields)
	}
	m.errorL.emit(m.logger, "error", cause)
	m.stateL.emit(m.logger, "state", ev)
	if retry != nil {
		m.logger.Info("reconnect scheduled", map[string]any{"attempt": retry.Attempt, "delay": retry.Delay.String()})
		m.reconnectL.emit(m.logger, "reconnect", *retry)
	}
	if exhausted != nil {
		m.logger.Error("reconnect exhausted", map[string]any{"tries": m.cfg.MaxReconnectTries})
		m.errorL.emit(m.logger, "error", exhausted)
		m.releaseWaiters(waiters, exhausted)
	}
}

func (m *ConnManager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateDisconnected || m.closed {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.attempts++
	cred := m.credential
	dialGen, ev := m.beginDialLocked()
	m.mu.Unlock()

	m.stateL.emit(m.logger, "state", ev)
	m.dial(dialGen, cred)
}

func (m *ConnManager) writeLoop(s *session) {
	for {
		select {
		case frame := <-s.writeCh:
			if err := s.sock.Write(s.ctx, frame); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				m.handleDrop(s.gen, WrapError(ErrorConnection, "write", err))
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (m *ConnManager) readLoop(s *session) {
	for {
		data, err := s.sock.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			m.handleDrop(s.gen, WrapError(ErrorConnection, "read", err))
			return
		}
		m.handleData(s, data)
	}
}

func (m *ConnManager) handleData(s *session, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		m.logger.Warn("dropping malformed frame", map[string]any{"error": errString(err), "size": len(data)})
		return
	}
	if f.Type == framePong {
		m.mu.Lock()
		if s.gen == m.gen {
			m.lastPongAt = m.clock.Now()
		}
		m.mu.Unlock()
		return
	}
	m.frameL.emit(m.logger, "frame", f)
}

func (m *ConnManager) keepalive(s *session) {
	t := m.clock.NewTicker(m.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.Chan():
			if m.stale(s) {
				m.handleDrop(s.gen, NewError(ErrorConnection,
					fmt.Sprintf("no pong within %s", m.cfg.StaleAfter)))
				return
			}
			select {
			case s.writeCh <- pingFrame{Type: framePing}:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (m *ConnManager) stale(s *session) bool {
	if m.cfg.StaleAfter <= 0 {
		return false
	}
	m.mu.Lock()
	last := m.lastPongAt
	m.mu.Unlock()
	if last.IsZero() {
		last = s.connectedAt
	}
	return m.clock.Since(last) > m.cfg.StaleAfter
}

func (m *ConnManager) takeWaiters() []chan error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeWaitersLocked()
}

func (m *ConnManager) takeWaitersLocked() []chan error {
	w := m.waiters
	m.waiters = nil
	return w
}

func (m *ConnManager) dropWaiter(ch chan error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

func (m *ConnManager) releaseWaiters(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}

// closedByPeer reports whether err is an orderly close rather than a failure.
func closedByPeer(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
