package marketchat

import (
	"strconv"
	"time"
)

// MessageStatus tracks delivery of a message.
type MessageStatus int

const (
	StatusSending MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one chat message. Optimistic messages carry a LocalID and no ID
// until the server echo is reconciled into them.
type Message struct {
	ID             int64
	LocalID        string
	ConversationID int64
	SenderID       int64
	ReceiverID     int64
	SenderName     string
	ReceiverName   string
	Content        string
	Timestamp      time.Time
	Status         MessageStatus
	Optimistic     bool
}

// Key identifies the message within its conversation.
func (m Message) Key() string {
	if m.ID != 0 {
		return strconv.FormatInt(m.ID, 10)
	}
	return m.LocalID
}

// Conversation is a buyer/seller thread about one listing.
type Conversation struct {
	ID               int64 // 0 while provisional
	CounterpartyID   int64
	CounterpartyName string
	ListingID        int64
	SellerID         int64
	BuyerID          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LatestMessage    *Message
	UnreadCount      int
}

// Provisional reports whether the server has not confirmed the conversation yet.
func (c Conversation) Provisional() bool { return c.ID == 0 }

func (c Conversation) clone() Conversation {
	if c.LatestMessage != nil {
		m := *c.LatestMessage
		c.LatestMessage = &m
	}
	return c
}

// receiverFor returns the other participant from self's point of view.
// The seller/buyer pair wins over CounterpartyID, which may have been
// computed before self was known.
func (c Conversation) receiverFor(self int64) int64 {
	if other := c.otherThan(self); other != 0 {
		return other
	}
	if c.CounterpartyID != 0 {
		return c.CounterpartyID
	}
	return c.SellerID
}

func (c Conversation) otherThan(self int64) int64 {
	switch {
	case self == 0:
		return 0
	case self == c.SellerID:
		return c.BuyerID
	case self == c.BuyerID:
		return c.SellerID
	}
	return 0
}

// rank orders confirmed statuses so a re-delivered message never regresses.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}
