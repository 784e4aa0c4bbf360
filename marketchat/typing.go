package marketchat

import (
	"maps"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// typingThrottle debounces outbound typing indicators per conversation: a
// burst of SetTyping calls produces one frame carrying the last value, sent
// once the burst has been quiet for delay.
type typingThrottle struct {
	clock     clockwork.Clock
	delay     time.Duration
	connected func() bool
	send      func(conversationID int64, typing bool)

	mu      sync.Mutex
	pending map[int64]*pendingTyping
}

type pendingTyping struct {
	typing bool
	timer  clockwork.Timer
}

func newTypingThrottle(clock clockwork.Clock, delay time.Duration, connected func() bool, send func(int64, bool)) *typingThrottle {
	return &typingThrottle{
		clock:     clock,
		delay:     delay,
		connected: connected,
		send:      send,
		pending:   make(map[int64]*pendingTyping),
	}
}

// set schedules the indicator. It is dropped while not connected.
func (t *typingThrottle) set(conversationID int64, typing bool) bool {
	if !t.connected() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[conversationID]; ok {
		p.timer.Stop()
	}
	p := &pendingTyping{typing: typing}
	p.timer = t.clock.AfterFunc(t.delay, func() { t.fire(conversationID, p) })
	t.pending[conversationID] = p
	return true
}

func (t *typingThrottle) fire(conversationID int64, p *pendingTyping) {
	t.mu.Lock()
	if t.pending[conversationID] != p {
		t.mu.Unlock()
		return
	}
	delete(t.pending, conversationID)
	t.mu.Unlock()

	if t.connected() {
		t.send(conversationID, p.typing)
	}
}

func (t *typingThrottle) cancel(conversationID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[conversationID]; ok {
		p.timer.Stop()
		delete(t.pending, conversationID)
	}
}

func (t *typingThrottle) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}

// typingState holds the latest inbound typing flag per conversation and user.
type typingState struct {
	mu    sync.Mutex
	users map[int64]map[int64]bool
}

func newTypingState() *typingState {
	return &typingState{users: make(map[int64]map[int64]bool)}
}

func (s *typingState) set(conversationID, userID int64, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.users[conversationID]
	if !ok {
		m = make(map[int64]bool)
		s.users[conversationID] = m
	}
	m[userID] = typing
}

func (s *typingState) clear(conversationID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[conversationID]
	delete(s.users, conversationID)
	return ok
}

func (s *typingState) snapshot(conversationID int64) map[int64]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.users[conversationID])
}
