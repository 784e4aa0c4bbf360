package marketchat

import (
	"context"
	"fmt"

	"github.com/vovakirdan/marketchat-sdk-go/marketchat/rest"
)

// handleFrame routes an inbound frame. It runs on the read loop, so REST
// work is pushed to background goroutines.
func (c *Client) handleFrame(f Frame) {
	switch f.Type {
	case frameConnectionEstablished:
		c.handleSession(f)
	case frameConversationJoined:
		c.handleJoined(f)
	case frameChatMessage, frameNewMessage:
		c.handleMessage(f)
	case frameMessagesRead:
		c.handleRead(f)
	case frameTyping:
		c.handleTyping(f)
	case frameError:
		err := NewError(ErrorServer, errorText(f))
		c.logger.Warn("server error", map[string]any{"error": err.Message})
		c.errorL.emit(c.logger, "error", err)
		c.alertL.emit(c.logger, "alert", Alert{Err: err})
	default:
		c.logger.Warn("dropping frame", map[string]any{"type": f.Type, "error": ErrorProtocol.String()})
	}
}

func (c *Client) handleSession(f Frame) {
	c.mu.Lock()
	c.session = Session{UserID: f.UserID, Username: f.Username}
	learned := c.self == 0 && f.UserID != 0
	if learned {
		c.self = f.UserID
	} else if f.UserID != 0 && f.UserID != c.self {
		c.logger.Warn("session user differs from configured user", map[string]any{"configured": c.self, "session": f.UserID})
	}
	c.mu.Unlock()
	c.logger.Info("session established", map[string]any{"user_id": f.UserID, "username": f.Username})
	if learned {
		c.rebase(f.UserID)
	}
	c.notify(Change{Kind: ChangeConnection})
}

// rebase applies a newly learned user id to state loaded without it.
func (c *Client) rebase(self int64) {
	c.dir.deliverOwn(self)
	c.dir.rebase(self)
	for _, id := range c.messages.deliverOwn(self) {
		c.notify(Change{Kind: ChangeMessages, ConversationID: id})
	}
	c.notify(Change{Kind: ChangeConversations})
}

func (c *Client) handleJoined(f Frame) {
	id := f.ConversationID
	if id == 0 {
		c.logger.Warn("dropping frame", map[string]any{"type": f.Type, "error": "missing conversation_id"})
		return
	}
	c.logger.Debug("conversation joined", map[string]any{"conversation_id": id})
	c.background(func(ctx context.Context) {
		if !c.dir.has(id) {
			if err := c.LoadConversations(ctx); err != nil {
				return
			}
		}
		// always refetch: messages may have arrived while we were away
		_ = c.loadHistory(ctx, id)
	})
}

func (c *Client) handleMessage(f Frame) {
	w, err := decodeMessage(f)
	if err != nil {
		c.logger.Warn("dropping frame", map[string]any{"type": f.Type, "error": err.Error()})
		return
	}
	self := c.UserID()
	m := messageFromWire(w, self)
	res := c.messages.reconcile(m, w.ClientID)
	c.notify(Change{Kind: ChangeMessages, ConversationID: m.ConversationID})

	inbound := res.ReplacedLocalID == "" && (self == 0 || m.SenderID != self)
	countUnread := inbound && !res.Known && !c.tabs.isOpen(m.ConversationID)
	if !c.dir.landed(res.Message, countUnread, c.clock.Now()) {
		c.logger.Info("message for unknown conversation, reloading", map[string]any{"conversation_id": m.ConversationID})
		c.background(func(ctx context.Context) { _ = c.LoadConversations(ctx) })
		return
	}
	c.notify(Change{Kind: ChangeConversations, ConversationID: m.ConversationID})
}

func (c *Client) handleRead(f Frame) {
	if f.ConversationID == 0 {
		c.logger.Warn("dropping frame", map[string]any{"type": f.Type, "error": "missing conversation_id"})
		return
	}
	n := c.messages.applyRead(f.ConversationID, f.MessageIDs)
	c.dir.resetUnread(f.ConversationID)
	c.logger.Debug("messages read", map[string]any{"conversation_id": f.ConversationID, "updated": n})
	c.notify(Change{Kind: ChangeMessages, ConversationID: f.ConversationID})
	c.notify(Change{Kind: ChangeConversations, ConversationID: f.ConversationID})
}

func (c *Client) handleTyping(f Frame) {
	if f.ConversationID == 0 || f.UserID == 0 || f.IsTyping == nil {
		c.logger.Warn("dropping frame", map[string]any{"type": f.Type, "error": "incomplete typing status"})
		return
	}
	if f.UserID == c.UserID() {
		return
	}
	c.remote.set(f.ConversationID, f.UserID, *f.IsTyping)
	c.notify(Change{Kind: ChangeTyping, ConversationID: f.ConversationID})
}

func messageFromWire(w WireMessage, self int64) Message {
	status := StatusSent
	if w.IsRead {
		status = StatusRead
	}
	name := w.SenderUsername
	if name == "" {
		name = w.SenderName
	}
	return Message{
		ID:             w.ID,
		ConversationID: w.conversation(),
		SenderID:       w.SenderID,
		ReceiverID:     w.ReceiverID,
		SenderName:     name,
		ReceiverName:   w.ReceiverUsername,
		Content:        w.Content,
		Timestamp:      w.Timestamp,
		Status:         status,
	}
}

// messageFromInfo converts a history entry. Own messages the counterparty has
// not read yet are Delivered.
func messageFromInfo(info rest.MessageInfo, conversationID, self int64) Message {
	status := StatusSent
	switch {
	case info.IsRead:
		status = StatusRead
	case self != 0 && info.Sender == self:
		status = StatusDelivered
	}
	if info.Conversation != 0 {
		conversationID = info.Conversation
	}
	return Message{
		ID:             info.ID,
		ConversationID: conversationID,
		SenderID:       info.Sender,
		ReceiverID:     info.Receiver,
		SenderName:     info.SenderUsername,
		ReceiverName:   info.ReceiverUsername,
		Content:        info.Content,
		Timestamp:      info.Timestamp,
		Status:         status,
	}
}

func conversationFromInfo(info rest.ConversationInfo, self int64) Conversation {
	counterparty := info.Seller
	if self != 0 && self == info.Seller {
		counterparty = info.Buyer
	}
	name := ""
	if info.OtherUser != nil {
		name = info.OtherUser.Username
	}
	if name == "" {
		name = fallbackName(counterparty)
	}
	c := Conversation{
		ID:               info.ID,
		CounterpartyID:   counterparty,
		CounterpartyName: name,
		ListingID:        info.Car,
		SellerID:         info.Seller,
		BuyerID:          info.Buyer,
		CreatedAt:        info.CreatedAt,
		UpdatedAt:        info.UpdatedAt,
		UnreadCount:      info.UnreadCount,
	}
	if info.LatestMessage != nil {
		m := messageFromInfo(*info.LatestMessage, info.ID, self)
		c.LatestMessage = &m
	}
	return c
}

func fallbackName(userID int64) string {
	return fmt.Sprintf("User %d", userID)
}
