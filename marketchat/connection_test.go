package marketchat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.items = append(r.items, v)
	r.mu.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func newTestManager(t *testing.T, d Dialer, mutate ...func(*Config)) (*ConnManager, *clockwork.FakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	fc := clockwork.NewFakeClock()
	m := NewConnManager(cfg, d, fc, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m, fc
}

func TestConnectPassesTokenAndConnects(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	var states recorder[StateEvent]
	m.OnState(states.add)

	require.NoError(t, m.Connect("secret"))
	require.NoError(t, m.WaitConnected(testCtx(t)))

	assert.Equal(t, StateConnected, m.State())
	require.Equal(t, 1, d.dials())
	assert.True(t, strings.HasSuffix(d.urls[0], "?token=secret"), d.urls[0])

	got := states.all()
	require.Len(t, got, 2)
	assert.Equal(t, StateConnecting, got[0].NewState)
	assert.Equal(t, StateConnected, got[1].NewState)
}

func TestConnectWithoutCredential(t *testing.T) {
	m, _ := newTestManager(t, &fakeDialer{})
	var errs recorder[error]
	m.OnError(errs.add)

	err := m.Connect("")
	require.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, StateDisconnected, m.State())
	require.Equal(t, 1, errs.len())
	assert.False(t, IsRetryable(errs.all()[0]))
}

func TestSendRequiresConnected(t *testing.T) {
	m, _ := newTestManager(t, &fakeDialer{})
	err := m.Send(context.Background(), joinFrame(1))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectBackoffAndExhaustion(t *testing.T) {
	d := &fakeDialer{fail: errors.New("connection refused")}
	m, fc := newTestManager(t, d)

	reconnects := make(chan ReconnectEvent, 8)
	m.OnReconnect(func(ev ReconnectEvent) { reconnects <- ev })
	var errs recorder[error]
	m.OnError(errs.add)

	require.NoError(t, m.Connect("tok"))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, delay := range want {
		select {
		case ev := <-reconnects:
			assert.Equal(t, i, ev.Attempt)
			assert.Equal(t, delay, ev.Delay)
		case <-time.After(waitFor):
			t.Fatalf("reconnect %d was not scheduled", i)
		}
		fc.Advance(delay)
	}

	require.Eventually(t, func() bool {
		for _, err := range errs.all() {
			if errors.Is(err, ErrReconnectExhausted) {
				return true
			}
		}
		return false
	}, waitFor, tick)
	assert.Equal(t, 6, d.dials())
	assert.Equal(t, StateDisconnected, m.State())

	fc.Advance(time.Hour)
	assert.Never(t, func() bool { return d.dials() > 6 }, 50*time.Millisecond, tick)
	assert.Empty(t, reconnects)

	// an explicit Connect starts over
	d.setFail(nil)
	require.NoError(t, m.Connect("tok"))
	require.NoError(t, m.WaitConnected(testCtx(t)))
	assert.Equal(t, 0, m.ReconnectAttempts())
	assert.Equal(t, 7, d.dials())
}

func TestWaitConnectedRejectedOnExhaustion(t *testing.T) {
	block := make(chan struct{})
	d := &fakeDialer{fail: errors.New("refused"), block: block}
	m, _ := newTestManager(t, d, func(c *Config) { c.MaxReconnectTries = 0 })

	require.NoError(t, m.Connect("tok"))
	done := make(chan error, 1)
	go func() { done <- m.WaitConnected(context.Background()) }()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.waiters) == 1
	}, waitFor, tick)
	close(block)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(waitFor):
		t.Fatal("waiter was not released")
	}
	assert.Equal(t, 1, d.dials())
}

func TestDisconnectReleasesWaiters(t *testing.T) {
	d := &fakeDialer{block: make(chan struct{})}
	m, _ := newTestManager(t, d)

	require.NoError(t, m.Connect("tok"))
	assert.Equal(t, StateConnecting, m.State())

	done := make(chan error, 1)
	go func() { done <- m.WaitConnected(context.Background()) }()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.waiters) == 1
	}, waitFor, tick)

	require.NoError(t, m.Disconnect())
	select {
	case err := <-done:
		assert.Equal(t, ErrorClosed, CodeOf(err))
	case <-time.After(waitFor):
		t.Fatal("waiter was not released")
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDeliberateDisconnectDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, fc := newTestManager(t, d)
	var reconnects recorder[ReconnectEvent]
	m.OnReconnect(reconnects.add)

	require.NoError(t, m.Connect("tok"))
	require.NoError(t, m.WaitConnected(testCtx(t)))
	require.NoError(t, m.Disconnect())

	fc.Advance(time.Minute)
	assert.Never(t, func() bool { return d.dials() > 1 }, 50*time.Millisecond, tick)
	assert.Zero(t, reconnects.len())
}

func TestDropReconnectsAndRunsEntryAction(t *testing.T) {
	d := &fakeDialer{}
	m, fc := newTestManager(t, d)

	var entries recorder[int]
	m.OnConnected(func(ctx context.Context) { entries.add(1) })
	reconnects := make(chan ReconnectEvent, 1)
	m.OnReconnect(func(ev ReconnectEvent) { reconnects <- ev })

	require.NoError(t, m.Connect("tok"))
	require.NoError(t, m.WaitConnected(testCtx(t)))
	d.last().drop()

	ev := <-reconnects
	assert.Equal(t, time.Second, ev.Delay)
	fc.Advance(ev.Delay)

	require.Eventually(t, func() bool { return entries.len() == 2 && m.State() == StateConnected }, waitFor, tick)
	assert.Equal(t, 2, d.dials())
	assert.Equal(t, 0, m.ReconnectAttempts())
}

func TestPongIsConsumedByKeepalive(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	var frames recorder[Frame]
	m.OnFrame(frames.add)

	require.NoError(t, m.Connect("tok"))
	require.NoError(t, m.WaitConnected(testCtx(t)))
	sock := d.last()

	sock.push(t, map[string]any{"type": "pong"})
	sock.push(t, map[string]any{"type": "typing_status", "conversation_id": 1, "user_id": 2, "is_typing": true})

	require.Eventually(t, func() bool { return frames.len() == 1 }, waitFor, tick)
	assert.Equal(t, frameTyping, frames.all()[0].Type)
	assert.False(t, m.LastPongAt().IsZero())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)
	var frames recorder[Frame]
	m.OnFrame(frames.add)

	require.NoError(t, m.Connect("tok"))
	require.NoError(t, m.WaitConnected(testCtx(t)))
	sock := d.last()
	sock.in <- []byte("{not json")
	sock.in <- []byte(`{"conversation_id": 3}`)
	sock.push(t, map[string]any{"type": "messages_read", "conversation_id": 3})

	require.Eventually(t, func() bool { return frames.len() == 1 }, waitFor, tick)
	assert.Equal(t, StateConnected, m.State())
}

func TestKeepalivePingsAndDetectsStaleLink(t *testing.T) {
	d := &fakeDialer{}
	m, fc := newTestManager(t, d, func(c *Config) { c.StaleAfter = 45 * time.Second })
	reconnects := make(chan ReconnectEvent, 1)
	m.OnReconnect(func(ev ReconnectEvent) { reconnects <- ev })

	require.NoError(t, m.Connect("tok"))
	require.NoError(t, m.WaitConnected(testCtx(t)))
	sock := d.last()

	fc.BlockUntil(1) // keepalive ticker
	fc.Advance(30 * time.Second)
	sock.waitSent(t, framePing, 1)

	fc.Advance(30 * time.Second)
	select {
	case <-reconnects:
	case <-time.After(waitFor):
		t.Fatal("stale connection was not dropped")
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestResumeUsesLastCredential(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	require.NoError(t, m.Resume())
	assert.Zero(t, d.dials(), "resume without a prior connect is a no-op")

	require.NoError(t, m.Connect("tok"))
	require.NoError(t, m.WaitConnected(testCtx(t)))
	require.NoError(t, m.Disconnect())

	require.NoError(t, m.Resume())
	require.NoError(t, m.WaitConnected(testCtx(t)))
	assert.Equal(t, 2, d.dials())
}
