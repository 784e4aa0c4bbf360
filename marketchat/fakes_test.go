package marketchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/marketchat-sdk-go/marketchat/rest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeSocket is an in-memory Socket. Frames pushed by the test are returned
// by Read; frames written by the SDK are recorded as decoded JSON objects.
type fakeSocket struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []map[string]any
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(_ context.Context, v any) error {
	select {
	case <-s.closed:
		return io.ErrClosedPipe
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.written = append(s.written, m)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close(websocket.StatusCode, string) error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// drop simulates the server going away.
func (s *fakeSocket) drop() { _ = s.Close(websocket.StatusGoingAway, "") }

func (s *fakeSocket) push(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	s.in <- data
}

// sent returns the written frames of the given type.
func (s *fakeSocket) sent(typ string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, m := range s.written {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSocket) waitSent(t *testing.T, typ string, n int) []map[string]any {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.sent(typ)) >= n }, waitFor, tick,
		"expected %d %s frames", n, typ)
	return s.sent(typ)
}

// fakeDialer hands out fakeSockets, or fails every dial when fail is set.
// A non-nil block channel holds dials until it is closed or ctx ends.
type fakeDialer struct {
	mu      sync.Mutex
	fail    error
	block   chan struct{}
	urls    []string
	sockets []*fakeSocket
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	fail, block := d.fail, d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	s := newFakeSocket()
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sockets) {
		return nil
	}
	return d.sockets[i]
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// fakeAPI serves the messaging REST routes from memory.
type fakeAPI struct {
	mu            sync.Mutex
	conversations []rest.ConversationInfo
	messages      map[int64][]rest.MessageInfo
	failMessages  bool
	listCalls     int
	markedRead    []int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{messages: make(map[int64][]rest.MessageInfo)}
}

func (a *fakeAPI) addConversation(c rest.ConversationInfo) {
	a.mu.Lock()
	a.conversations = append(a.conversations, c)
	a.mu.Unlock()
}

func (a *fakeAPI) setMessages(id int64, msgs ...rest.MessageInfo) {
	a.mu.Lock()
	a.messages[id] = msgs
	a.mu.Unlock()
}

func (a *fakeAPI) setFailMessages(v bool) {
	a.mu.Lock()
	a.failMessages = v
	a.mu.Unlock()
}

func (a *fakeAPI) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listCalls
}

func (a *fakeAPI) marked() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.markedRead...)
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer tok" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid token"})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var id int64
	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/conversations/":
		a.listCalls++
		writeJSON(w, http.StatusOK, rest.Page[rest.ConversationInfo]{
			Count:   len(a.conversations),
			Results: a.conversations,
		})
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/messages/"):
		if _, err := fmt.Sscanf(path, "/conversations/%d/messages/", &id); err != nil {
			http.NotFound(w, r)
			return
		}
		if a.failMessages {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
			return
		}
		msgs := a.messages[id]
		if msgs == nil {
			msgs = []rest.MessageInfo{}
		}
		writeJSON(w, http.StatusOK, rest.Page[rest.MessageInfo]{Count: len(msgs), Results: msgs})
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/mark_read/"):
		if _, err := fmt.Sscanf(path, "/conversations/%d/mark_read/", &id); err != nil {
			http.NotFound(w, r)
			return
		}
		a.markedRead = append(a.markedRead, id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type testEnv struct {
	client *Client
	dialer *fakeDialer
	api    *fakeAPI
	clock  *clockwork.FakeClock
}

const (
	selfID  = 7
	buyerID = 9
)

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	api := newFakeAPI()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.RESTBaseURL = srv.URL
	cfg.Token = "tok"
	cfg.UserID = selfID
	for _, fn := range mutate {
		fn(&cfg)
	}

	fc := clockwork.NewFakeClock()
	d := &fakeDialer{}
	c, err := NewClient(cfg, WithClock(fc), WithDialer(d))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &testEnv{client: c, dialer: d, api: api, clock: fc}
}

// conversation builds a listing row where self is the seller.
func (e *testEnv) conversation(id, listing int64, unread int) rest.ConversationInfo {
	now := e.clock.Now()
	return rest.ConversationInfo{
		ID:          id,
		Seller:      selfID,
		Buyer:       buyerID,
		Car:         listing,
		CreatedAt:   now.Add(-time.Hour),
		UpdatedAt:   now.Add(-time.Duration(id) * time.Minute),
		UnreadCount: unread,
		OtherUser:   &rest.UserInfo{Username: "buyer"},
	}
}

func (e *testEnv) connect(t *testing.T) *fakeSocket {
	t.Helper()
	require.NoError(t, e.client.Connect())
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, e.client.WaitConnected(ctx))
	return e.dialer.last()
}

func messageFrame(typ string, id, conversationID, sender int64, content string, ts time.Time) map[string]any {
	return map[string]any{
		"type":            typ,
		"conversation_id": conversationID,
		"message": map[string]any{
			"id":          id,
			"sender_id":   sender,
			"receiver_id": selfID,
			"content":     content,
			"timestamp":   ts,
			"is_read":     false,
		},
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}
