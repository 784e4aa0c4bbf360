package marketchat

import "context"

// ChangeKind says which part of the chat state changed.
type ChangeKind int

const (
	ChangeConnection ChangeKind = iota
	ChangeConversations
	ChangeMessages
	ChangeTyping
	ChangeTabs
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeConnection:
		return "connection"
	case ChangeConversations:
		return "conversations"
	case ChangeMessages:
		return "messages"
	case ChangeTyping:
		return "typing"
	case ChangeTabs:
		return "tabs"
	default:
		return "unknown"
	}
}

// Change is emitted to OnChange subscribers after local state was mutated.
// ConversationID is zero for changes that are not tied to one conversation.
type Change struct {
	Kind           ChangeKind
	ConversationID int64
}

// Alert is a dismissable, user-facing error. Retry is set when the failed
// operation can be re-run as is.
type Alert struct {
	Err   error
	Retry func(ctx context.Context) error
}

// Session is the identity announced by connection_established.
type Session struct {
	UserID   int64
	Username string
}
