package marketchat

import (
	"encoding/json"
	"time"
)

// Frame types sent by the client.
const (
	frameStartConversation = "start_conversation"
	frameJoin              = "join_conversation"
	frameLeave             = "leave_conversation"
	frameChatMessage       = "chat_message"
	frameMarkRead          = "mark_read"
	frameTyping            = "typing_status"
	framePing              = "ping"
)

// Frame types sent by the server. chat_message and typing_status are shared.
const (
	frameConnectionEstablished = "connection_established"
	frameConversationJoined    = "conversation_joined"
	frameNewMessage            = "new_message_notification"
	frameMessagesRead          = "messages_read"
	framePong                  = "pong"
	frameError                 = "error"
)

// Frame is an inbound server frame. Only the fields relevant to Type are set;
// Message is an object for message frames and a string for error frames.
type Frame struct {
	Type           string          `json:"type"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Message        json.RawMessage `json:"message,omitempty"`
	MessageIDs     []int64         `json:"message_ids,omitempty"`
	UserID         int64           `json:"user_id,omitempty"`
	Username       string          `json:"username,omitempty"`
	IsTyping       *bool           `json:"is_typing,omitempty"`
}

// WireMessage is the message object carried by chat_message and
// new_message_notification frames.
type WireMessage struct {
	ID               int64     `json:"id"`
	ConversationID   int64     `json:"conversation_id,omitempty"`
	Conversation     int64     `json:"conversation,omitempty"`
	SenderID         int64     `json:"sender_id"`
	ReceiverID       int64     `json:"receiver_id"`
	SenderUsername   string    `json:"sender_username,omitempty"`
	SenderName       string    `json:"sender_name,omitempty"`
	ReceiverUsername string    `json:"receiver_username,omitempty"`
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
	IsRead           bool      `json:"is_read"`
	ClientID         string    `json:"client_id,omitempty"`
}

// conversation returns the conversation id from whichever field the server filled.
func (w WireMessage) conversation() int64 {
	if w.ConversationID != 0 {
		return w.ConversationID
	}
	return w.Conversation
}

type startConversationFrame struct {
	Type     string `json:"type"`
	SellerID int64  `json:"seller_id"`
	CarID    int64  `json:"car_id"`
}

type conversationFrame struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
}

type chatMessageFrame struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
	Message        string `json:"message"`
	ReceiverID     int64  `json:"receiver_id"`
	ClientID       string `json:"client_id,omitempty"`
}

type markReadFrame struct {
	Type           string  `json:"type"`
	ConversationID int64   `json:"conversation_id"`
	MessageIDs     []int64 `json:"message_ids"`
}

type typingFrame struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type pingFrame struct {
	Type string `json:"type"`
}

func joinFrame(id int64) conversationFrame {
	return conversationFrame{Type: frameJoin, ConversationID: id}
}

func leaveFrame(id int64) conversationFrame {
	return conversationFrame{Type: frameLeave, ConversationID: id}
}

// decodeMessage extracts the message object of a message frame. Frames without
// an id, a conversation or a timestamp are protocol errors.
func decodeMessage(f Frame) (WireMessage, error) {
	if len(f.Message) == 0 {
		return WireMessage{}, NewError(ErrorProtocol, f.Type+": missing message")
	}
	var w WireMessage
	if err := json.Unmarshal(f.Message, &w); err != nil {
		return WireMessage{}, WrapError(ErrorProtocol, f.Type+": malformed message", err)
	}
	if w.ConversationID == 0 && w.Conversation == 0 {
		w.ConversationID = f.ConversationID
	}
	switch {
	case w.ID == 0:
		return WireMessage{}, NewError(ErrorProtocol, f.Type+": message without id")
	case w.conversation() == 0:
		return WireMessage{}, NewError(ErrorProtocol, f.Type+": message without conversation")
	case w.Timestamp.IsZero():
		return WireMessage{}, NewError(ErrorProtocol, f.Type+": message without timestamp")
	}
	return w, nil
}

// errorText returns the text of an error frame's message field.
func errorText(f Frame) string {
	var s string
	if err := json.Unmarshal(f.Message, &s); err == nil && s != "" {
		return s
	}
	return "server error"
}
