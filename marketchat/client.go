package marketchat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/marketchat-sdk-go/marketchat/rest"
)

// backgroundFetchTimeout bounds REST calls triggered by inbound frames.
const backgroundFetchTimeout = 30 * time.Second

// Client provides the high-level chat SDK: one connection, the conversation
// directory, per-conversation message lists, open tabs and typing indicators.
type Client struct {
	cfg    Config
	logger Logger
	clock  clockwork.Clock

	conn *ConnManager
	REST *rest.Client

	messages *messageStore
	dir      *directory
	tabs     tabSet
	typing   *typingThrottle
	remote   *typingState
	reloads  singleflight.Group

	mu      sync.Mutex
	token   string
	self    int64
	session Session

	changeL listeners[Change]
	alertL  listeners[Alert]
	errorL  listeners[error]
	unsubs  []func()
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	logger     Logger
	clock      clockwork.Clock
	dialer     Dialer
	httpClient *http.Client
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithHTTPClient sets the HTTP client used for REST calls and the websocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		if hc != nil {
			o.httpClient = hc
		}
	}
}

// NewClient constructs a client with provided config.
// Use DefaultConfig() as a starting point and modify as needed.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: noopLogger{}, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = NewWebsocketDialer(cfg, o.httpClient)
	}

	c := &Client{
		cfg:      cfg,
		logger:   o.logger,
		clock:    o.clock,
		conn:     NewConnManager(cfg, o.dialer, o.clock, o.logger),
		REST:     rest.NewClient(cfg.RESTBaseURL),
		messages: newMessageStore(cfg.MatchWindow),
		dir:      newDirectory(),
		remote:   newTypingState(),
		self:     cfg.UserID,
	}
	c.REST.SetHTTPClient(o.httpClient)
	c.typing = newTypingThrottle(o.clock, cfg.TypingDebounce, c.connected, c.sendTyping)
	c.SetToken(cfg.Token)

	c.unsubs = append(c.unsubs,
		c.conn.OnConnected(c.rejoin),
		c.conn.OnFrame(c.handleFrame),
		c.conn.OnState(func(StateEvent) { c.notify(Change{Kind: ChangeConnection}) }),
		c.conn.OnError(c.handleConnError),
	)
	return c, nil
}

// SetToken replaces the credential used for the socket and REST calls.
// It takes effect on the next Connect.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.REST.SetToken(token)
}

// OnChange registers a callback invoked after any local state mutation.
func (c *Client) OnChange(fn func(Change)) func() { return c.changeL.add(fn) }

// OnAlert registers a callback for user-facing errors.
func (c *Client) OnAlert(fn func(Alert)) func() { return c.alertL.add(fn) }

// OnError registers callback for errors.
func (c *Client) OnError(fn func(error)) func() { return c.errorL.add(fn) }

// OnState registers a callback for connection state transitions.
func (c *Client) OnState(fn func(StateEvent)) func() { return c.conn.OnState(fn) }

// OnReconnect registers a callback for scheduled reconnects.
func (c *Client) OnReconnect(fn func(ReconnectEvent)) func() { return c.conn.OnReconnect(fn) }

// Connect starts connecting with the current token without waiting.
func (c *Client) Connect() error {
	return c.conn.Connect(c.credential())
}

// WaitConnected blocks until the client is connected, the connection is
// given up, or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.conn.WaitConnected(ctx)
}

// Disconnect closes the socket without reconnecting. Open tabs are kept and
// rejoined by the next Connect.
func (c *Client) Disconnect() error {
	c.typing.stop()
	return c.conn.Disconnect()
}

// Resume reconnects if the client was dropped while in the background.
func (c *Client) Resume() error {
	return c.conn.Resume()
}

// Close shuts down the client. It cannot be reused.
func (c *Client) Close() error {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.typing.stop()
	c.messages.stopTimers()
	err := c.conn.Close()
	c.changeL.clear()
	c.alertL.clear()
	c.errorL.clear()
	return err
}

// State returns the connection state.
func (c *Client) State() ConnectionState { return c.conn.State() }

// Session returns the identity announced by the server, zero before it.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// UserID returns the authenticated user id, zero while unknown.
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Conversations returns every known conversation, most recently updated first.
func (c *Client) Conversations() []Conversation { return c.dir.list() }

// Conversation returns one confirmed conversation.
func (c *Client) Conversation(id int64) (Conversation, bool) { return c.dir.get(id) }

// Messages returns the ordered messages of a conversation.
func (c *Client) Messages(conversationID int64) []Message { return c.messages.messages(conversationID) }

// UnreadTotal sums unread counters over all conversations.
func (c *Client) UnreadTotal() int { return c.dir.unreadTotal() }

// OpenTabs returns open conversation ids in opening order.
func (c *Client) OpenTabs() []int64 { return c.tabs.members() }

// Typing returns who is typing in a conversation, by user id.
func (c *Client) Typing(conversationID int64) map[int64]bool { return c.remote.snapshot(conversationID) }

// Current returns the focused conversation, which may be provisional.
func (c *Client) Current() (Conversation, bool) {
	id, key := c.tabs.focused()
	if key != nil {
		return c.dir.provisionalFor(*key)
	}
	if id == 0 {
		return Conversation{}, false
	}
	return c.dir.get(id)
}

// LoadConversations fetches the conversation list and replaces the local set.
// Concurrent calls share one request.
func (c *Client) LoadConversations(ctx context.Context) error {
	_, err, _ := c.reloads.Do("conversations", func() (any, error) {
		return nil, c.loadConversations(ctx)
	})
	return err
}

func (c *Client) loadConversations(ctx context.Context) error {
	infos, err := c.REST.ListConversations(ctx)
	if err != nil {
		werr := WrapError(ErrorHistoryFetch, "load conversations", err)
		c.logger.Warn("conversation list fetch failed", map[string]any{"error": err.Error()})
		c.raise(werr, c.LoadConversations)
		return werr
	}

	self := c.UserID()
	list := make([]Conversation, 0, len(infos))
	for _, info := range infos {
		list = append(list, conversationFromInfo(info, self))
	}
	promoted := c.dir.replace(list)
	c.logger.Debug("conversations loaded", map[string]any{"count": len(list)})
	c.notify(Change{Kind: ChangeConversations})

	for _, p := range promoted {
		if c.tabs.promote(p.key, p.id) {
			c.logger.Info("conversation confirmed", map[string]any{"conversation_id": p.id})
			c.notify(Change{Kind: ChangeTabs, ConversationID: p.id})
		}
	}
	return nil
}

// OpenChat opens a conversation tab, focuses it, loads its history once and
// joins it on the server, connecting first if needed.
func (c *Client) OpenChat(ctx context.Context, conversationID int64) error {
	if !c.dir.has(conversationID) {
		return NewError(ErrorUnknownConversation, fmt.Sprintf("conversation %d", conversationID))
	}
	c.tabs.add(conversationID)
	c.tabs.focus(conversationID)
	c.notify(Change{Kind: ChangeTabs, ConversationID: conversationID})

	if !c.messages.cached(conversationID) {
		// failures are alerted with a retry; the join still goes ahead
		_ = c.loadHistory(ctx, conversationID)
	}

	waited, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	if waited {
		// the connected entry action joined every open tab
		return nil
	}
	return c.conn.Send(ctx, joinFrame(conversationID))
}

// CloseChat closes a tab and leaves the conversation when connected.
func (c *Client) CloseChat(ctx context.Context, conversationID int64) error {
	c.tabs.remove(conversationID)
	c.typing.cancel(conversationID)
	if c.remote.clear(conversationID) {
		c.notify(Change{Kind: ChangeTyping, ConversationID: conversationID})
	}
	c.notify(Change{Kind: ChangeTabs, ConversationID: conversationID})

	if !c.connected() {
		return nil
	}
	return c.conn.Send(ctx, leaveFrame(conversationID))
}

// Focus switches the focused conversation; 0 blurs.
func (c *Client) Focus(conversationID int64) {
	c.tabs.focus(conversationID)
	c.notify(Change{Kind: ChangeTabs, ConversationID: conversationID})
}

// StartConversation contacts a seller about a listing. When the pair already
// has a conversation it is opened; otherwise a provisional record is focused
// until the server confirms it.
func (c *Client) StartConversation(ctx context.Context, sellerID, listingID int64, sellerName string) (Conversation, error) {
	key := pairKey{Counterparty: sellerID, Listing: listingID}
	if existing, ok := c.dir.find(key); ok {
		return existing, c.OpenChat(ctx, existing.ID)
	}
	if _, err := c.ensureConnected(ctx); err != nil {
		return Conversation{}, err
	}

	if sellerName == "" {
		sellerName = fallbackName(sellerID)
	}
	now := c.clock.Now()
	prov := Conversation{
		CounterpartyID:   sellerID,
		CounterpartyName: sellerName,
		ListingID:        listingID,
		SellerID:         sellerID,
		BuyerID:          c.UserID(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	c.dir.addProvisional(prov)
	c.tabs.focusPending(key)
	c.notify(Change{Kind: ChangeConversations})
	c.notify(Change{Kind: ChangeTabs})

	return prov, c.conn.Send(ctx, startConversationFrame{Type: frameStartConversation, SellerID: sellerID, CarID: listingID})
}

// SendMessage appends an optimistic message and sends it. The returned
// message carries the LocalID the echo will be reconciled against.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, NewError(ErrorInvalidArgument, "empty message")
	}
	conv, ok := c.dir.get(conversationID)
	if !ok {
		return Message{}, NewError(ErrorUnknownConversation, fmt.Sprintf("conversation %d", conversationID))
	}
	if !c.connected() {
		return Message{}, ErrNotConnected
	}

	self := c.UserID()
	m := Message{
		LocalID:        newLocalID(),
		ConversationID: conversationID,
		SenderID:       self,
		ReceiverID:     conv.receiverFor(self),
		SenderName:     c.Session().Username,
		ReceiverName:   conv.CounterpartyName,
		Content:        content,
		Timestamp:      c.clock.Now(),
		Status:         StatusSending,
		Optimistic:     true,
	}
	c.messages.addOptimistic(m)
	localID := m.LocalID
	c.messages.arm(localID, c.clock.AfterFunc(c.cfg.SendTimeout, func() {
		c.expireSend(conversationID, localID)
	}))
	c.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})

	err := c.conn.Send(ctx, chatMessageFrame{
		Type:           frameChatMessage,
		ConversationID: conversationID,
		Message:        content,
		ReceiverID:     m.ReceiverID,
		ClientID:       localID,
	})
	if err != nil {
		c.messages.markFailed(conversationID, localID)
		c.logger.Warn("send failed", map[string]any{"conversation_id": conversationID, "error": err.Error()})
		c.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
		m.Status = StatusFailed
		return m, err
	}
	return m, nil
}

// Resend retries a Failed message: the failed entry is replaced by a new send
// with the same content.
func (c *Client) Resend(ctx context.Context, conversationID int64, localID string) (Message, error) {
	if _, ok := c.messages.findFailed(conversationID, localID); !ok {
		return Message{}, NewError(ErrorInvalidArgument, fmt.Sprintf("no failed message %q", localID))
	}
	if !c.connected() {
		return Message{}, ErrNotConnected
	}
	failed, ok := c.messages.takeFailed(conversationID, localID)
	if !ok {
		return Message{}, NewError(ErrorInvalidArgument, fmt.Sprintf("no failed message %q", localID))
	}
	return c.SendMessage(ctx, conversationID, failed.Content)
}

func (c *Client) expireSend(conversationID int64, localID string) {
	if !c.messages.markFailed(conversationID, localID) {
		return
	}
	err := NewError(ErrorSendTimeout, fmt.Sprintf("no confirmation within %s", c.cfg.SendTimeout))
	c.logger.Warn("message not confirmed", map[string]any{"conversation_id": conversationID, "local_id": localID})
	c.errorL.emit(c.logger, "error", err)
	c.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
}

// MarkRead marks messages of a conversation as read; no ids means every
// unread inbound message. Offline, the REST endpoint marks the whole
// conversation instead.
func (c *Client) MarkRead(ctx context.Context, conversationID int64, messageIDs []int64) error {
	self := c.UserID()
	if len(messageIDs) == 0 {
		messageIDs = c.messages.unreadInbound(conversationID, self)
	}
	if len(messageIDs) > 0 && c.connected() {
		return c.conn.Send(ctx, markReadFrame{Type: frameMarkRead, ConversationID: conversationID, MessageIDs: messageIDs})
	}
	if len(messageIDs) == 0 && c.dir.unread(conversationID) == 0 {
		return nil
	}

	if err := c.REST.MarkConversationRead(ctx, conversationID); err != nil {
		return WrapError(ErrorHistoryFetch, fmt.Sprintf("mark conversation %d read", conversationID), err)
	}
	c.messages.markInboundRead(conversationID, self)
	c.dir.resetUnread(conversationID)
	c.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
	c.notify(Change{Kind: ChangeConversations, ConversationID: conversationID})
	return nil
}

// SetTyping reports the local user's typing state, debounced per conversation.
// It is dropped while disconnected.
func (c *Client) SetTyping(conversationID int64, typing bool) {
	c.typing.set(conversationID, typing)
}

func (c *Client) sendTyping(conversationID int64, typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	frame := typingFrame{Type: frameTyping, ConversationID: conversationID, IsTyping: typing}
	if err := c.conn.Send(ctx, frame); err != nil {
		c.logger.Debug("typing indicator dropped", map[string]any{"error": err.Error()})
	}
}

func (c *Client) loadHistory(ctx context.Context, conversationID int64) error {
	infos, err := c.REST.ListMessages(ctx, conversationID)
	if err != nil {
		werr := WrapError(ErrorHistoryFetch, fmt.Sprintf("load messages of conversation %d", conversationID), err)
		c.logger.Warn("history fetch failed", map[string]any{"conversation_id": conversationID, "error": err.Error()})
		c.raise(werr, func(ctx context.Context) error { return c.loadHistory(ctx, conversationID) })
		return werr
	}

	self := c.UserID()
	snapshot := make([]Message, 0, len(infos))
	for _, info := range infos {
		snapshot = append(snapshot, messageFromInfo(info, conversationID, self))
	}
	if replaced := c.messages.mergeHistory(conversationID, snapshot); len(replaced) > 0 {
		c.logger.Debug("pending messages confirmed by history", map[string]any{"count": len(replaced)})
	}
	c.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})

	if c.tabs.isOpen(conversationID) && c.connected() {
		if ids := c.messages.unreadInbound(conversationID, self); len(ids) > 0 {
			if err := c.conn.Send(ctx, markReadFrame{Type: frameMarkRead, ConversationID: conversationID, MessageIDs: ids}); err != nil {
				c.logger.Debug("mark read after history skipped", map[string]any{"error": err.Error()})
			}
		}
	}
	return nil
}

// ensureConnected starts a connection if needed and waits for it. waited is
// true when the call had to connect.
func (c *Client) ensureConnected(ctx context.Context) (waited bool, err error) {
	if c.connected() {
		return false, nil
	}
	if err := c.conn.Connect(c.credential()); err != nil {
		return true, err
	}
	if c.cfg.ConnectWaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectWaitTimeout)
		defer cancel()
	}
	return true, c.conn.WaitConnected(ctx)
}

// rejoin is the connected entry action: one join per open tab.
func (c *Client) rejoin(ctx context.Context) {
	ids := c.tabs.members()
	for _, id := range ids {
		if err := c.conn.Send(ctx, joinFrame(id)); err != nil {
			c.logger.Warn("rejoin failed", map[string]any{"conversation_id": id, "error": err.Error()})
			return
		}
	}
	if len(ids) > 0 {
		c.logger.Info("rejoined open conversations", map[string]any{"count": len(ids)})
	}
	if c.tabs.restoreFocus() {
		c.notify(Change{Kind: ChangeTabs})
	}
}

func (c *Client) handleConnError(err error) {
	c.errorL.emit(c.logger, "error", err)
	switch CodeOf(err) {
	case ErrorAuthRequired:
		c.alertL.emit(c.logger, "alert", Alert{Err: err})
	case ErrorReconnectExhausted:
		c.alertL.emit(c.logger, "alert", Alert{Err: err, Retry: func(context.Context) error { return c.Connect() }})
	}
}

// raise reports a user-facing failure on both error channels.
func (c *Client) raise(err error, retry func(context.Context) error) {
	c.errorL.emit(c.logger, "error", err)
	c.alertL.emit(c.logger, "alert", Alert{Err: err, Retry: retry})
}

func (c *Client) notify(ch Change) {
	c.changeL.emit(c.logger, "change", ch)
}

func (c *Client) connected() bool {
	return c.conn.State() == StateConnected
}

func (c *Client) credential() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// background runs fn detached from the read loop with its own deadline.
func (c *Client) background(fn func(ctx context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundFetchTimeout)
		defer cancel()
		fn(ctx)
	}()
}
