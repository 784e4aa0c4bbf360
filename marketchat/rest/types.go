package rest

import (
	"encoding/json"
	"fmt"
	"time"
)

// Page is one page of a paginated listing.
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// UserInfo is the embedded summary of the other participant.
type UserInfo struct {
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// ConversationInfo represents one conversation as listed by the history service.
type ConversationInfo struct {
	ID            int64        `json:"id"`
	Seller        int64        `json:"seller"`
	Buyer         int64        `json:"buyer"`
	Car           int64        `json:"car"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	LatestMessage *MessageInfo `json:"latest_message,omitempty"`
	UnreadCount   int          `json:"unread_count"`
	OtherUser     *UserInfo    `json:"other_user,omitempty"`
}

// MessageInfo represents a single message in the history.
type MessageInfo struct {
	ID               int64     `json:"id"`
	Conversation     int64     `json:"conversation"`
	Sender           int64     `json:"sender"`
	Receiver         int64     `json:"receiver"`
	SenderUsername   string    `json:"sender_username,omitempty"`
	ReceiverUsername string    `json:"receiver_username,omitempty"`
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
	IsRead           bool      `json:"is_read"`
}

// ErrorResponse represents an API error body. The service answers with
// either {"error": ...} or {"detail": ...}.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Unauthorized reports whether the credential was rejected.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

func parseAPIError(status int, body []byte) *APIError {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		if errResp.Error != "" {
			return &APIError{StatusCode: status, Message: errResp.Error}
		}
		if errResp.Detail != "" {
			return &APIError{StatusCode: status, Message: errResp.Detail}
		}
	}
	return &APIError{StatusCode: status, Message: string(body)}
}
